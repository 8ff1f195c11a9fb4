package memkv_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/statemachine/memkv"
)

func TestApplySetAndGet(t *testing.T) {
	kv := memkv.New()
	require.NoError(t, kv.Apply(memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("a"), Value: []byte("1")})))
	v, err := kv.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestApplyDelete(t *testing.T) {
	kv := memkv.New()
	require.NoError(t, kv.Apply(memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("a"), Value: []byte("1")})))
	require.NoError(t, kv.Apply(memkv.EncodeCommand(memkv.Command{Op: memkv.OpDelete, Key: []byte("a")})))
	_, err := kv.Get([]byte("a"))
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	kv := memkv.New()
	require.NoError(t, kv.Apply(memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("x"), Value: []byte("y")})))

	dir := t.TempDir()
	require.NoError(t, kv.WriteSnapshot("", dir, nil, 0, 5))

	restored := memkv.New()
	require.NoError(t, restored.ReadSnapshot(dir))
	v, err := restored.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), v)
}
