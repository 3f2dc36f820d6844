package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	sqlite, err := OpenSQLiteStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	backends := map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}

	for name, s := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Get(ctx, KeyToken)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, KeyToken, "a.b.c"))
			require.NoError(t, s.Set(ctx, KeyToken, "d.e.f"))
			v, ok, err := s.Get(ctx, KeyToken)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "d.e.f", v)

			require.NoError(t, s.Delete(ctx, KeyToken))
			require.NoError(t, s.Delete(ctx, KeyToken))
			_, ok, err = s.Get(ctx, KeyToken)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
