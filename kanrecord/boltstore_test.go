package kanrecord

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStorePutForEachDelete(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("entries", "weapon", []byte("payload")))

	seen := map[string]string{}
	require.NoError(t, store.ForEach("entries", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}))
	assert.Equal(t, map[string]string{"weapon": "payload"}, seen)

	require.NoError(t, store.Delete("entries", "weapon"))
	seen = map[string]string{}
	require.NoError(t, store.ForEach("entries", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}))
	assert.Empty(t, seen)
}

func TestMirrorTableWritesThrough(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer store.Close()

	tab := NewTable[string]()
	MirrorTable(tab, store, "entries", func(s string) []byte { return []byte(s) }, func(id ID) string {
		return string(rune('a' + int(id)))
	})

	id := tab.Insert("weapon")
	key := string(rune('a' + int(id)))

	var got []byte
	require.NoError(t, store.ForEach("entries", func(k string, v []byte) error {
		if k == key {
			got = v
		}
		return nil
	}))
	assert.Equal(t, "weapon", string(got))

	tab.Delete(id)
	got = nil
	require.NoError(t, store.ForEach("entries", func(k string, v []byte) error {
		if k == key {
			got = v
		}
		return nil
	}))
	assert.Nil(t, got)
}
