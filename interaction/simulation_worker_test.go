package interaction

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perknet/settlement-node/contracts"
	"github.com/perknet/settlement-node/db"
	"github.com/perknet/settlement-node/logger"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

const (
	testProductID = "0x2a"
	testWalletA   = "0x00000000000000000000000000000000000000a1"
	testWalletB   = "0x00000000000000000000000000000000000000b2"
	testWalletC   = "0x00000000000000000000000000000000000000c3"
)

var testDiamond = common.HexToAddress("0x00000000000000000000000000000000000000dd")

type fakeSessions struct {
	valid map[common.Address]bool
	calls int
}

func (f *fakeSessions) IsSessionValid(_ context.Context, wallet common.Address) bool {
	f.calls++
	return f.valid[wallet]
}

type fakeDiamonds struct {
	addr    common.Address
	missing map[string]bool // product id, decimal
	err     error
}

func (f *fakeDiamonds) Resolve(_ context.Context, productID *big.Int) (common.Address, error) {
	if f.err != nil {
		return common.Address{}, f.err
	}
	if f.missing[productID.String()] {
		return common.Address{}, nil
	}
	return f.addr, nil
}

type fakeDryRunner struct {
	revert map[common.Address]bool // by sender wallet
	calls  int
}

func (f *fakeDryRunner) CallFrom(_ context.Context, from, _ common.Address, _ []byte) ([]byte, error) {
	f.calls++
	if f.revert[from] {
		return nil, errors.New("execution reverted")
	}
	return nil, nil
}

type fakeNudger struct {
	count int
}

func (f *fakeNudger) Nudge() { f.count++ }

type fakeSigner struct {
	sig       []byte
	signErr   error
	signCalls int
	pushHash  common.Hash
	pushErr   error
	pushed    [][]contracts.Delegation
}

func (f *fakeSigner) SignInteraction(_ context.Context, _ *big.Int, _ common.Address, _ []byte, _ common.Address) ([]byte, error) {
	f.signCalls++
	return f.sig, f.signErr
}

func (f *fakeSigner) PushPreparedInteractions(_ context.Context, batch []contracts.Delegation) (common.Hash, error) {
	f.pushed = append(f.pushed, batch)
	return f.pushHash, f.pushErr
}

var seedCounter int

func newQueue(t *testing.T) (*pending.Store, *db.DB, *time.Time) {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	queue := pending.NewStore(database, 5*time.Minute, logger.Nop()).
		WithClock(func() time.Time { return now })
	return queue, database, &now
}

func seedRow(t *testing.T, database *db.DB, wallet string, status store.InteractionStatus, age time.Duration) store.PendingInteraction {
	t.Helper()
	seedCounter++
	row := store.PendingInteraction{
		Wallet:          wallet,
		ProductID:       testProductID,
		TypeDenominator: "0x1f",
		InteractionData: fmt.Sprintf("0x%064x", seedCounter),
		Status:          status,
		CreatedAt:       time.Now().UTC().Add(-age),
	}
	require.NoError(t, database.Client().Create(&row).Error)
	return row
}

func rowByID(t *testing.T, database *db.DB, id uint) store.PendingInteraction {
	t.Helper()
	var row store.PendingInteraction
	require.NoError(t, database.Client().First(&row, id).Error)
	return row
}

func newSimulationWorker(queue *pending.Store, now *time.Time, sessions *fakeSessions, diamonds *fakeDiamonds, backend *fakeDryRunner) *SimulationWorker {
	return NewSimulationWorker(queue, sessions, diamonds, backend, logger.Nop()).
		WithClock(func() time.Time { return *now })
}

func TestSimulationMarksVerdicts(t *testing.T) {
	queue, database, now := newQueue(t)
	valid := seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)
	noSession := seedRow(t, database, testWalletB, store.InteractionStatusPending, 2*time.Minute)
	reverting := seedRow(t, database, testWalletC, store.InteractionStatusPending, 2*time.Minute)

	sessions := &fakeSessions{valid: map[common.Address]bool{
		common.HexToAddress(testWalletA): true,
		common.HexToAddress(testWalletC): true,
	}}
	backend := &fakeDryRunner{revert: map[common.Address]bool{
		common.HexToAddress(testWalletC): true,
	}}
	executor := &fakeNudger{}
	worker := newSimulationWorker(queue, now, sessions, &fakeDiamonds{addr: testDiamond}, backend).
		WithExecutorNudge(executor)

	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, store.InteractionStatusSucceeded, rowByID(t, database, valid.ID).Status)
	assert.Equal(t, store.InteractionStatusNoSession, rowByID(t, database, noSession.ID).Status)
	assert.Equal(t, store.InteractionStatusFailed, rowByID(t, database, reverting.ID).Status)
	assert.Nil(t, rowByID(t, database, valid.ID).LockedUntil)
	assert.Equal(t, 1, executor.count)
}

func TestSimulationSkipsSmallFreshBacklog(t *testing.T) {
	queue, database, now := newQueue(t)
	row := seedRow(t, database, testWalletA, store.InteractionStatusPending, 0)

	sessions := &fakeSessions{valid: map[common.Address]bool{common.HexToAddress(testWalletA): true}}
	backend := &fakeDryRunner{}
	worker := newSimulationWorker(queue, now, sessions, &fakeDiamonds{addr: testDiamond}, backend)

	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, store.InteractionStatusPending, rowByID(t, database, row.ID).Status)
	assert.Zero(t, sessions.calls)
	assert.Zero(t, backend.calls)
}

func TestSimulationProcessesLoneStaleRow(t *testing.T) {
	queue, database, now := newQueue(t)
	row := seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)

	sessions := &fakeSessions{valid: map[common.Address]bool{common.HexToAddress(testWalletA): true}}
	worker := newSimulationWorker(queue, now, sessions, &fakeDiamonds{addr: testDiamond}, &fakeDryRunner{})

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, store.InteractionStatusSucceeded, rowByID(t, database, row.ID).Status)
}

func TestSimulationOneSessionLookupPerWallet(t *testing.T) {
	queue, database, now := newQueue(t)
	seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)
	seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)

	sessions := &fakeSessions{valid: map[common.Address]bool{common.HexToAddress(testWalletA): true}}
	backend := &fakeDryRunner{}
	worker := newSimulationWorker(queue, now, sessions, &fakeDiamonds{addr: testDiamond}, backend)

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, 1, sessions.calls)
	assert.Equal(t, 2, backend.calls)
}

func TestSimulationResolverOutageLeavesRowPending(t *testing.T) {
	queue, database, now := newQueue(t)
	row := seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)

	sessions := &fakeSessions{valid: map[common.Address]bool{common.HexToAddress(testWalletA): true}}
	diamonds := &fakeDiamonds{err: errors.New("rpc: connection refused")}
	executor := &fakeNudger{}
	worker := newSimulationWorker(queue, now, sessions, diamonds, &fakeDryRunner{}).
		WithExecutorNudge(executor)

	require.NoError(t, worker.Run(context.Background()))

	got := rowByID(t, database, row.ID)
	assert.Equal(t, store.InteractionStatusPending, got.Status)
	assert.Nil(t, got.LockedUntil)
	assert.Zero(t, executor.count)
}

func TestSimulationMissingDiamondFails(t *testing.T) {
	queue, database, now := newQueue(t)
	row := seedRow(t, database, testWalletA, store.InteractionStatusPending, 2*time.Minute)

	sessions := &fakeSessions{valid: map[common.Address]bool{common.HexToAddress(testWalletA): true}}
	diamonds := &fakeDiamonds{missing: map[string]bool{"42": true}}
	executor := &fakeNudger{}
	worker := newSimulationWorker(queue, now, sessions, diamonds, &fakeDryRunner{}).
		WithExecutorNudge(executor)

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, store.InteractionStatusFailed, rowByID(t, database, row.ID).Status)
	assert.Zero(t, executor.count)
}
