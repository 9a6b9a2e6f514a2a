package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	db, err := store.InitDB(config.NewDefault())
	require.NoError(t, err)

	s := store.NewStore(db)
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testContext() context.Context {
	return context.Background()
}
