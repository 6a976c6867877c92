package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/storage/storetest"
)

func TestStorage(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := storage.NewStorage(filepath.Join(t.TempDir(), "profiles.db"))
		require.NoError(t, err)
		return s
	})
}

func TestStorage_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	ctx := context.Background()

	s, err := storage.NewStorage(path)
	require.NoError(t, err)
	_, _, err = s.FindOrCreateProfile(ctx, "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = storage.NewStorage(path)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetProfile(ctx, "persisted")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		s, err := storage.NewPostgres(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Truncate(ctx))
		return s
	})
}
