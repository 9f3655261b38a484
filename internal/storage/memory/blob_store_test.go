package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>redesigned</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/nsf/job-1.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/nsf/job-1.html", uri)

	payload[0] = 'X'
	body, contentType, ok := store.Object("snapshots/nsf/job-1.html")
	require.True(t, ok)
	require.Equal(t, "text/html", contentType)
	require.Equal(t, "<html>redesigned</html>", string(body))
	require.Equal(t, 1, store.Len())

	_, _, ok = store.Object("missing")
	require.False(t, ok)
}
