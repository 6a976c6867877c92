package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	p, _, err := s.FindOrCreateProfile(ctx, "copyme")
	require.NoError(t, err)
	p.LikesCount = 999

	got, err := s.GetProfile(ctx, "copyme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LikesCount)

	profiles, attempts := s.GetStats()
	assert.Equal(t, 1, profiles)
	assert.Equal(t, 0, attempts)
}
