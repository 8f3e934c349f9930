package kanresource

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kan-engine/kanrt/kanreflect"
	"github.com/kan-engine/kanrt/kanresource/gen"
	"github.com/kan-engine/kanrt/kanserial"
	"github.com/kan-engine/kanrt/kantime"
	"github.com/kan-engine/kanrt/kanvfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weapon struct {
	Damage int32
}

func newTestFixture(t *testing.T, dir string) (*kanvfs.Volume, *kanreflect.Registry, *gen.Generator, *gen.ContainerTable[*weapon]) {
	t.Helper()
	registry := kanreflect.NewRegistry()
	_, err := registry.Register("weapon", reflect.TypeOf(weapon{}))
	require.NoError(t, err)
	require.NoError(t, registry.MarkResourceType("weapon"))

	g := gen.NewGenerator()
	ct, err := gen.RegisterContainer[*weapon](g, registry, "weapon")
	require.NoError(t, err)

	volume := kanvfs.NewVolume()
	require.NoError(t, volume.MountReal("", "data", dir))

	return volume, registry, g, ct
}

func writeWeaponFile(t *testing.T, registry *kanreflect.Registry, path string, w weapon) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, kanserial.Marshal(&buf, registry, "weapon", &w))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func runScanToCompletion(t *testing.T, p *Provider) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100 && p.Status() == StatusScanning; i++ {
		require.NoError(t, p.Tick(ctx))
	}
	require.Equal(t, StatusServing, p.Status())
}

func TestScanDiscoversLooseNativeFile(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, _ := newTestFixture(t, dir)
	writeWeaponFile(t, registry, filepath.Join(dir, "sword.rd"), weapon{Damage: 7})

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	p.mu.Lock()
	_, ok := p.native[entryKey{Type: "weapon", Name: "sword"}]
	p.mu.Unlock()
	assert.True(t, ok)
}

func TestRequestLoadsNativeResourceAndPublishesContainer(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, ct := newTestFixture(t, dir)
	writeWeaponFile(t, registry, filepath.Join(dir, "sword.rd"), weapon{Damage: 7})

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	ctx := context.Background()
	reqID := p.Requests().Insert(Request{Type: "weapon", Name: "sword", Priority: 1})
	require.NoError(t, p.Tick(ctx))

	updates := p.DrainRequestUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, reqID, updates[0].RequestID)
	assert.NotZero(t, updates[0].ContainerID)

	payload, ok := ct.Get(updates[0].ContainerID)
	require.True(t, ok)
	assert.Equal(t, int32(7), payload.Damage)

	assert.Equal(t, updates[0].ContainerID, p.ProvidedContainerID(reqID))
}

func TestRequestLoadsThirdPartyResource(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, _ := newTestFixture(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello world"), 0o644))

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	p.mu.Lock()
	_, ok := p.thirdParty["readme"]
	p.mu.Unlock()
	require.True(t, ok)

	ctx := context.Background()
	reqID := p.Requests().Insert(Request{Name: "readme", Priority: 1})
	require.NoError(t, p.Tick(ctx))

	updates := p.DrainRequestUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, reqID, updates[0].RequestID)

	p.mu.Lock()
	data := p.thirdParty["readme"].loadedData
	p.mu.Unlock()
	assert.Equal(t, "hello world", string(data))
}

func TestDeletingRequestUnloadsEntryWhenRequestCountReachesZero(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, ct := newTestFixture(t, dir)
	writeWeaponFile(t, registry, filepath.Join(dir, "sword.rd"), weapon{Damage: 7})

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	ctx := context.Background()
	reqID := p.Requests().Insert(Request{Type: "weapon", Name: "sword", Priority: 1})
	require.NoError(t, p.Tick(ctx))
	updates := p.DrainRequestUpdates()
	require.Len(t, updates, 1)
	containerID := updates[0].ContainerID

	p.Requests().Delete(reqID)
	require.NoError(t, p.Tick(ctx))

	_, ok := ct.Get(containerID)
	assert.False(t, ok)

	p.mu.Lock()
	entry := p.native[entryKey{Type: "weapon", Name: "sword"}]
	p.mu.Unlock()
	assert.Zero(t, entry.requestCount)
	assert.Zero(t, entry.loadedContainerID)
}

func TestRequestPriorityIsMaxAcrossOutstandingRequests(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, _ := newTestFixture(t, dir)
	writeWeaponFile(t, registry, filepath.Join(dir, "sword.rd"), weapon{Damage: 1})

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	p.Requests().Insert(Request{Type: "weapon", Name: "sword", Priority: 3})
	p.Requests().Insert(Request{Type: "weapon", Name: "sword", Priority: 9})
	p.Requests().Insert(Request{Type: "weapon", Name: "sword", Priority: 1})

	got := p.maxPriorityFor(entryKey{Type: "weapon", Name: "sword"})
	assert.Equal(t, uint64(9), got)
}

func TestRequestRescanClearsDiscoveredEntries(t *testing.T) {
	dir := t.TempDir()
	volume, registry, g, _ := newTestFixture(t, dir)
	writeWeaponFile(t, registry, filepath.Join(dir, "sword.rd"), weapon{Damage: 7})

	p := New(Config{RootPath: "data", ScanBudgetNS: 1e9, LoadBudgetNS: 1e9}, volume, registry, g, kantime.NewFakeSource())
	p.Deploy()
	runScanToCompletion(t, p)

	p.RequestRescan()
	assert.Equal(t, StatusScanning, p.Status())

	p.mu.Lock()
	count := len(p.native)
	p.mu.Unlock()
	assert.Zero(t, count)

	runScanToCompletion(t, p)
	p.mu.Lock()
	_, ok := p.native[entryKey{Type: "weapon", Name: "sword"}]
	p.mu.Unlock()
	assert.True(t, ok)
}
