package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	parsed, err := googleuuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, googleuuid.Version(7), parsed.Version())
}

func TestNewIDsAreUniqueAndOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 100)
	prev := ""
	for range 100 {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.NotContains(t, seen, id)
		seen[id] = struct{}{}
		require.Greater(t, id, prev)
		prev = id
	}
}
