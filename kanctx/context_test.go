package kanctx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kan-engine/kanrt/kanalloc"
)

// recordingSystem is a minimal System+Instance pair that records which
// lifecycle calls it received, in order, onto a shared log.
type recordingSystem struct {
	name       string
	createErr  error
	connectErr error
	initErr    error
	peerName   string // if set, Connect queries this peer and fails if absent
}

func (s *recordingSystem) Name() string { return s.name }

func (s *recordingSystem) Create(alloc *kanalloc.Group, userConfig any) (Instance, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &recordingInstance{def: s, alloc: alloc, userConfig: userConfig}, nil
}

type recordingInstance struct {
	def        *recordingSystem
	alloc      *kanalloc.Group
	userConfig any
	log        *[]string
	peerFound  bool
}

func (i *recordingInstance) Connect(ctx *Context) error {
	if i.def.connectErr != nil {
		return i.def.connectErr
	}
	if i.def.peerName != "" {
		_, i.peerFound = ctx.Query(i.def.peerName)
	}
	i.record("connect")
	return nil
}

func (i *recordingInstance) ConnectedInit() error {
	if i.def.initErr != nil {
		return i.def.initErr
	}
	i.record("connected_init")
	return nil
}

func (i *recordingInstance) ConnectedShutdown() { i.record("connected_shutdown") }
func (i *recordingInstance) Disconnect()        { i.record("disconnect") }
func (i *recordingInstance) Destroy()           { i.record("destroy") }

func (i *recordingInstance) record(step string) {
	if i.log != nil {
		*i.log = append(*i.log, i.def.name+":"+step)
	}
}

// loggingSystem wraps Create to thread the same *[]string into
// every instance this system produces.
type loggingSystem struct {
	recordingSystem
	log *[]string
}

func (s *loggingSystem) Create(alloc *kanalloc.Group, userConfig any) (Instance, error) {
	inst, err := s.recordingSystem.Create(alloc, userConfig)
	if err != nil {
		return nil, err
	}
	ri := inst.(*recordingInstance)
	ri.log = s.log
	return ri, nil
}

func TestAssemblyCreatesConnectsInitializesInOrder(t *testing.T) {
	var log []string
	reg := NewRegistry()
	a := &loggingSystem{recordingSystem: recordingSystem{name: "a"}, log: &log}
	b := &loggingSystem{recordingSystem: recordingSystem{name: "b", peerName: "a"}, log: &log}
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	ctx := New(kanalloc.Root("test"), reg)
	assert.True(t, ctx.RequestSystem("a", nil))
	assert.True(t, ctx.RequestSystem("b", nil))
	ctx.Assembly()

	assert.Equal(t, []string{"a:connect", "b:connect", "a:connected_init", "b:connected_init"}, log)

	inst, ok := ctx.Query("b")
	require.True(t, ok)
	assert.True(t, inst.(*recordingInstance).peerFound)

	ctx.Destroy()
	assert.Equal(t, []string{
		"a:connect", "b:connect", "a:connected_init", "b:connected_init",
		"b:connected_shutdown", "a:connected_shutdown",
		"b:disconnect", "a:disconnect",
		"b:destroy", "a:destroy",
	}, log)
}

func TestRequestSystemRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "a"}, log: &[]string{}}))
	ctx := New(kanalloc.Root("test"), reg)
	assert.True(t, ctx.RequestSystem("a", nil))
	assert.False(t, ctx.RequestSystem("a", nil))
}

func TestAssemblySkipsUnknownSystemWithoutAbortingOthers(t *testing.T) {
	var log []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "known"}, log: &log}))

	ctx := New(kanalloc.Root("test"), reg)
	ctx.RequestSystem("missing", nil)
	ctx.RequestSystem("known", nil)
	ctx.Assembly()

	_, ok := ctx.Query("missing")
	assert.False(t, ok)
	_, ok = ctx.Query("known")
	assert.True(t, ok)
}

func TestAssemblySkipsFailingCreateWithoutAbortingOthers(t *testing.T) {
	var log []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{
		recordingSystem: recordingSystem{name: "broken", createErr: errors.New("boom")},
		log:             &log,
	}))
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "fine"}, log: &log}))

	ctx := New(kanalloc.Root("test"), reg)
	ctx.RequestSystem("broken", nil)
	ctx.RequestSystem("fine", nil)
	ctx.Assembly()

	_, ok := ctx.Query("broken")
	assert.False(t, ok)
	_, ok = ctx.Query("fine")
	assert.True(t, ok)
}

func TestConnectFailureExcludesFromQueryButNotOthers(t *testing.T) {
	var log []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{
		recordingSystem: recordingSystem{name: "flaky", connectErr: errors.New("no peer")},
		log:             &log,
	}))
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "steady"}, log: &log}))

	ctx := New(kanalloc.Root("test"), reg)
	ctx.RequestSystem("flaky", nil)
	ctx.RequestSystem("steady", nil)
	ctx.Assembly()

	_, ok := ctx.Query("flaky")
	assert.False(t, ok)
	_, ok = ctx.Query("steady")
	assert.True(t, ok)
}

func TestMissingPeerDuringConnectIsDegradedNotFatal(t *testing.T) {
	var log []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{
		recordingSystem: recordingSystem{name: "solo", peerName: "nonexistent"},
		log:             &log,
	}))

	ctx := New(kanalloc.Root("test"), reg)
	ctx.RequestSystem("solo", nil)
	ctx.Assembly()

	inst, ok := ctx.Query("solo")
	require.True(t, ok)
	assert.False(t, inst.(*recordingInstance).peerFound)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "dup"}, log: &[]string{}}))
	err := reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "dup"}, log: &[]string{}})
	assert.Error(t, err)
}

func TestRegistryNamesReflectsRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "first"}, log: &[]string{}}))
	require.NoError(t, reg.Register(&loggingSystem{recordingSystem: recordingSystem{name: "second"}, log: &[]string{}}))
	assert.Equal(t, []string{"first", "second"}, reg.Names())
}

func TestContextStringIncludesID(t *testing.T) {
	ctx := New(kanalloc.Root("test"), NewRegistry())
	assert.Contains(t, ctx.String(), ctx.ID.String())
	assert.Contains(t, fmt.Sprint(ctx), "ctx:")
}
