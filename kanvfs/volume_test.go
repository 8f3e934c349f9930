package kanvfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kanvfs/ropack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeDirectoryAndCollision(t *testing.T) {
	v := NewVolume()
	require.NoError(t, v.MakeDirectory("a/b/c"))
	require.NoError(t, v.MakeDirectory("a/b/c")) // idempotent

	tmp := t.TempDir()
	require.NoError(t, v.MountReal("a/b", "c2", tmp))
	err := v.MountReal("a/b", "c", tmp)
	assert.ErrorIs(t, err, ErrNameCollision)
}

func TestMountRealReadWriteRoundTrip(t *testing.T) {
	v := NewVolume()
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "hello.txt"), []byte("hi"), 0o644))
	require.NoError(t, v.MountReal("", "disk", tmp))

	info, err := v.QueryEntry("disk/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, EntryFile, info.Kind)
	assert.Equal(t, int64(2), info.Size)

	s, err := v.OpenForRead("disk/hello.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(asReader{s})
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	require.NoError(t, s.Close())

	w, err := v.OpenForWrite("disk/new.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("new content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err = v.QueryEntry("disk/new.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)

	require.NoError(t, v.RemoveFile("disk/new.txt"))
	assert.False(t, v.CheckExistence("disk/new.txt"))
}

func TestRemoveDirectoryWithContent(t *testing.T) {
	v := NewVolume()
	tmp := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "nested", "f.txt"), []byte("x"), 0o644))
	require.NoError(t, v.MountReal("", "disk", tmp))

	require.NoError(t, v.RemoveDirectoryWithContent("disk/nested"))
	assert.False(t, v.CheckExistence("disk/nested"))
}

func TestUnmountRealRejectsUnknown(t *testing.T) {
	v := NewVolume()
	err := v.UnmountReal("", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func buildVolumeRopack(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assets.ropack")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	b := ropack.NewBuilder()
	require.NoError(t, b.Begin(kanstream.NewFileStream(f, false, true)))

	payload, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, _ = payload.Write([]byte("payload-bytes"))
	_, _ = payload.Seek(0, 0)
	require.NoError(t, b.Add(kanstream.NewFileStream(payload, true, false), "sprites/hero.bin"))
	payload.Close()

	require.NoError(t, b.Finalize())
	b.Destroy()
	return path
}

func TestMountRopackReadOnly(t *testing.T) {
	v := NewVolume()
	archivePath := buildVolumeRopack(t)
	require.NoError(t, v.MountRopack("", "assets", archivePath))

	info, err := v.QueryEntry("assets/sprites/hero.bin")
	require.NoError(t, err)
	assert.Equal(t, EntryFile, info.Kind)
	assert.Equal(t, int64(len("payload-bytes")), info.Size)

	s, err := v.OpenForRead("assets/sprites/hero.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(asReader{s})
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(data))
	require.NoError(t, s.Close())

	_, err = v.OpenForWrite("assets/sprites/hero.bin")
	assert.ErrorIs(t, err, ErrReadOnly)

	err = v.RemoveFile("assets/sprites/hero.bin")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestUnmountRopack(t *testing.T) {
	v := NewVolume()
	archivePath := buildVolumeRopack(t)
	require.NoError(t, v.MountRopack("", "assets", archivePath))
	require.NoError(t, v.UnmountRopack("", "assets"))
	assert.False(t, v.CheckExistence("assets/sprites/hero.bin"))
}

// asReader adapts a kanstream.Stream to io.Reader for io.ReadAll.
type asReader struct{ s kanstream.Stream }

func (r asReader) Read(p []byte) (int, error) { return r.s.Read(p) }
