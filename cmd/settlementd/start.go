package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/perknet/settlement-node/api"
	"github.com/perknet/settlement-node/chain"
	"github.com/perknet/settlement-node/config"
	"github.com/perknet/settlement-node/db"
	"github.com/perknet/settlement-node/interaction"
	"github.com/perknet/settlement-node/jobs"
	"github.com/perknet/settlement-node/logger"
	"github.com/perknet/settlement-node/merkle"
	"github.com/perknet/settlement-node/oracle"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/session"
	"github.com/perknet/settlement-node/signer"
)

// runNode wires every component and blocks until the process is signalled.
func runNode(parent context.Context, cfg *config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executorKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ExecutorPrivateKey, "0x"))
	if err != nil {
		return errors.Wrap(err, "invalid executor private key")
	}
	seed := common.FromHex(cfg.SignerSeed)
	if len(seed) == 0 {
		return errors.New("signer seed is empty")
	}
	// The oracle updater account is derived from the seed like the
	// product-scoped signers, under its own label.
	updaterKey, err := crypto.ToECDSA(crypto.Keccak256(seed, []byte("oracle-updater")))
	if err != nil {
		return errors.Wrap(err, "failed to derive oracle updater key")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ChainID, log)
	if err != nil {
		return err
	}

	queue := pending.NewStore(database, time.Duration(cfg.ClaimLeaseSeconds)*time.Second, log)
	oracles := oracle.NewStore(database, log)
	trees := merkle.NewCache(oracles, log)
	proofs := oracle.NewProofService(oracles, trees, log)
	ingestor := oracle.NewIngestor(oracles, log)

	sessions := session.NewChecker(
		client,
		common.HexToAddress(cfg.SessionRegistryAddress),
		common.HexToAddress(cfg.DelegatorActionAddress),
		common.HexToAddress(cfg.ValidatorAddress),
		log,
	)
	diamonds := signer.NewResolver(client, common.HexToAddress(cfg.ProductManagerAddress), log)
	authority := signer.NewAuthority(
		client,
		client.ChainID(),
		common.HexToAddress(cfg.DelegatorAddress),
		executorKey,
		seed,
		log,
	)

	simWorker := interaction.NewSimulationWorker(queue, sessions, diamonds, client, log)
	execWorker := interaction.NewExecutionWorker(queue, diamonds, authority, log).
		WithClaimLimit(cfg.ExecuteBatchLimit)
	updateWorker := oracle.NewUpdateWorker(
		oracles, trees, client,
		common.HexToAddress(cfg.PurchaseOracleAddress),
		updaterKey,
		oracle.UpdateWorkerConfig{
			PendingThreshold: cfg.OracleUpdateThreshold,
			MaxPendingAge:    time.Duration(cfg.OracleUpdateMaxAgeMinutes) * time.Minute,
			Confirmations:    uint64(cfg.OracleConfirmations),
			MaxPolls:         cfg.OracleReceiptPolls,
		},
		log,
	)
	bridge := interaction.NewTrackerBridge(oracles, proofs, queue, log).
		WithClaimLimit(cfg.TrackerBatchLimit)

	simRunner := jobs.NewRunner(simWorker,
		time.Duration(cfg.SimulateIntervalSeconds)*time.Second,
		time.Duration(cfg.SimulateCooldownMs)*time.Millisecond,
		log,
	)
	execRunner := jobs.NewRunner(execWorker,
		time.Duration(cfg.ExecuteIntervalSeconds)*time.Second,
		time.Duration(cfg.ExecuteCooldownMs)*time.Millisecond,
		log,
	)
	updateRunner := jobs.NewRunner(updateWorker,
		time.Duration(cfg.OracleUpdateIntervalSeconds)*time.Second,
		0,
		log,
	)
	bridgeRunner := jobs.NewRunner(bridge,
		time.Duration(cfg.TrackerIntervalSeconds)*time.Second,
		0,
		log,
	)
	simWorker.WithExecutorNudge(execRunner)
	bridge.WithSimulationNudge(simRunner)

	handler := api.NewHandler(queue, oracles, ingestor, proofs, diamonds, log).
		WithSimulationNudge(simRunner)
	server := api.NewServer(handler, cfg.APIPort, log)
	if err := server.Start(); err != nil {
		return err
	}

	simRunner.Start(ctx)
	execRunner.Start(ctx)
	updateRunner.Start(ctx)
	bridgeRunner.Start(ctx)

	log.Info().
		Str("version", version).
		Int("api_port", cfg.APIPort).
		Msg("settlement node started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown failed")
	}
	bridgeRunner.Stop()
	updateRunner.Stop()
	simRunner.Stop()
	execRunner.Stop()

	log.Info().Msg("settlement node stopped")
	return nil
}
