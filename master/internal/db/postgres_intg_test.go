//go:build integration
// +build integration

package db

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/vine/master/internal/config"
)

func testDBConfig() config.DBConfig {
	cfg := config.DefaultCheckpointConfig().DB
	cfg.User = "postgres"
	cfg.Password = os.Getenv("VINE_TEST_DB_PASSWORD")
	if host := os.Getenv("VINE_TEST_DB_HOST"); host != "" {
		cfg.Host = host
	}
	cfg.Name = "vine"
	return cfg
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	manager := "intg-" + uuid.NewString()

	s, err := ConnectPostgres(ctx, testDBConfig(), manager)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	_, err = s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	snap := testSnapshot()
	require.NoError(t, s.Save(ctx, snap))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(snap, loaded))

	snap.NextID = 9
	snap.Tasks = nil
	require.NoError(t, s.Save(ctx, snap))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 9, loaded.NextID)
	require.Empty(t, loaded.Tasks)

	other, err := ConnectPostgres(ctx, testDBConfig(), manager+"-other")
	require.NoError(t, err)
	defer func() { require.NoError(t, other.Close()) }()
	_, err = other.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound, "snapshots are kept per manager")
}
