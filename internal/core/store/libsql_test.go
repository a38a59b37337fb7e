//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/core"
)

func TestLibsqlMemoryStore(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, "libsql", s.Driver())
	require.NoError(t, s.Migrate(ctx))

	err = s.UpdateRateWindow(ctx, "10.0.0.1", func(current *core.RateWindow) (*core.RateWindow, error) {
		require.Nil(t, current)
		return &core.RateWindow{WindowStart: 1000, Count: 1}, nil
	})
	require.NoError(t, err)

	window, err := s.GetRateWindow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, window)
	require.Equal(t, 1, window.Count)
}

func TestLibsqlLocalFileSettings(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/atelier.db",
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)
}
