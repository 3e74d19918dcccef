package memkv_test

import (
	"context"
	"testing"

	"github.com/jrsteele09/go-auth-client/session/memkv"
	"github.com/stretchr/testify/require"
)

func TestKV(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()

	require.NoError(t, kv.SetAll(ctx, map[string]string{"a": "1", "b": "2"}))
	got, err := kv.GetAll(ctx, "a", "b", "missing")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	require.NoError(t, kv.DeleteAll(ctx, "a", "missing"))
	require.Equal(t, 1, kv.Len())

	kv.Set("c", "3")
	got, err = kv.GetAll(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, "3", got["c"])
}
