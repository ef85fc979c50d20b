package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestHashFieldsIgnoresKeyOrder(t *testing.T) {
	t.Parallel()

	h := New()
	a := map[string]any{"name": "Milk 2L", "price": 3.49, "tags": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"tags": map[string]any{"a": 2, "b": 1}, "price": 3.49, "name": "Milk 2L"}

	ha, err := h.HashFields(a)
	require.NoError(t, err)
	hb, err := h.HashFields(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Len(t, ha, 64)

	b["price"] = 3.59
	hc, err := h.HashFields(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}

func TestHashFieldsRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := New().HashFields(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
}
