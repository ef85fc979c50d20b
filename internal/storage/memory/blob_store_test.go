package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "diagnostics/shop.example/t1/3.txt", "text/plain", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://diagnostics/shop.example/t1/3.txt", uri)

	payload[0] = 'C'
	obj, ok := store.Get("diagnostics/shop.example/t1/3.txt")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "text/plain", obj.ContentType)
	require.Equal(t, []string{"diagnostics/shop.example/t1/3.txt"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
