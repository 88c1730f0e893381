package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "imessage/main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "imessage_main.checkpoint.json"), s.Path())

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	cp := New()
	cp.TotalItems = 5
	cp.ProcessedItems = 5
	cp.SuccessfulItems = 4
	cp.CurrentChunk = 3
	for _, id := range []string{"a", "b", "d", "e"} {
		cp.MarkProcessed(id)
	}
	cp.MarkFailed("c")
	require.NoError(t, s.Save(cp))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "d", "e"}, got.ProcessedIDs)
	assert.Equal(t, []string{"c"}, got.FailedIDs)
	assert.Equal(t, 1, got.FailedItems)
	assert.True(t, got.IsProcessed("d"))
	assert.False(t, got.IsProcessed("c"))
	assert.True(t, got.IsFailed("c"))
	assert.False(t, got.LastSaveTime.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestJSONFieldNames(t *testing.T) {
	b, err := json.Marshal(New())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{
		"totalItems", "processedItems", "successfulItems", "failedItems", "skippedItems",
		"currentChunk", "totalChunks", "processedIds", "failedIds", "lastSaveTime", "startTime",
	} {
		assert.Contains(t, m, k)
	}
}

func TestRetriedFailureLeavesFailedSet(t *testing.T) {
	cp := New()
	cp.MarkFailed("x")
	cp.MarkFailed("x")
	assert.Equal(t, 1, cp.FailedItems)

	cp.MarkProcessed("x")
	assert.Empty(t, cp.FailedIDs)
	assert.Equal(t, 0, cp.FailedItems)
	assert.True(t, cp.IsProcessed("x"))
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "src")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))

	_, _, err = s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCloneIsIndependent(t *testing.T) {
	cp := New()
	cp.MarkProcessed("a")
	c := cp.Clone()
	cp.MarkProcessed("b")
	assert.Equal(t, []string{"a"}, c.ProcessedIDs)
	assert.False(t, c.IsProcessed("b"))
}

func TestResetAndList(t *testing.T) {
	dir := t.TempDir()
	a, err := NewStore(dir, "a")
	require.NoError(t, err)
	b, err := NewStore(dir, "b")
	require.NoError(t, err)
	require.NoError(t, a.Save(New()))
	require.NoError(t, b.Save(New()))

	all, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, a.Reset())
	require.NoError(t, a.Reset())
	all, err = List(dir)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "b")
}
