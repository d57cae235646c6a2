package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perknet/settlement-node/store"
)

func TestOpenInMemoryMigratesSchema(t *testing.T) {
	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	var count int64
	require.NoError(t, database.Client().Model(&store.PendingInteraction{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, database.Client().Model(&store.PurchaseTracker{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSQLitePoolIsPinned(t *testing.T) {
	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	sqlDB, err := database.Client().DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}
