package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Store {
		s, err := Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "roundamm.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Credit(ctx, "alice", fixed.FromInt(7))
		return err
	}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(7), b.Amount)
}
