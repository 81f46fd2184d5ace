package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

func TestBlobStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "path/page.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	got, err := store.GetObject(ctx, "path/page.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(ctx, "path/page.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))

	_, err = store.GetObject(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}
