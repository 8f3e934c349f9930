package kanvfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kanvfs/ropack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIteratorListsVirtualChildrenAndMounts(t *testing.T) {
	v := NewVolume()
	require.NoError(t, v.MakeDirectory("a/b"))
	require.NoError(t, v.MakeDirectory("a/c"))
	require.NoError(t, v.MountReal("a", "disk", t.TempDir()))

	it, err := v.OpenIterator("a")
	require.NoError(t, err)
	assert.Equal(t, 3, it.Len())

	var names []string
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"b", "c", "disk"}, names)

	it.Reset()
	_, ok := it.Next()
	assert.True(t, ok)
}

func TestIteratorListsRopackDirectory(t *testing.T) {
	v := NewVolume()
	path := filepath.Join(t.TempDir(), "pack.ropack")
	f, err := os.Create(path)
	require.NoError(t, err)

	b := ropack.NewBuilder()
	require.NoError(t, b.Begin(kanstream.NewFileStream(f, false, true)))
	payload, err := os.CreateTemp(t.TempDir(), "p")
	require.NoError(t, err)
	_, _ = payload.Write([]byte("abc"))
	_, _ = payload.Seek(0, 0)
	require.NoError(t, b.Add(kanstream.NewFileStream(payload, true, false), "x.bin"))
	payload.Close()
	require.NoError(t, b.Finalize())
	b.Destroy()
	f.Close()

	require.NoError(t, v.MountRopack("", "pack", path))
	it, err := v.OpenIterator("pack")
	require.NoError(t, err)
	entry, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "x.bin", entry.Name)
	assert.Equal(t, EntryFile, entry.Kind)
}

func TestIteratorRejectsFileTarget(t *testing.T) {
	v := NewVolume()
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "f.txt"), []byte("x"), 0o644))
	require.NoError(t, v.MountReal("", "disk", tmp))
	_, err := v.OpenIterator("disk/f.txt")
	assert.Error(t, err)
}
