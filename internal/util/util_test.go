package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{4, 5}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5}, r.Tail(10))
	assert.Empty(t, r.Tail(0))

	one := NewRingBuffer[string](0)
	one.Push("a")
	one.Push("b")
	assert.Equal(t, []string{"b"}, one.Snapshot())
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("peer", "data", "key"), ResolvePath("peer", "data/key"))
	abs := filepath.Join(t.TempDir(), "key")
	assert.Equal(t, abs, ResolvePath("peer", abs))
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "goop.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 2}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 2, got["a"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
