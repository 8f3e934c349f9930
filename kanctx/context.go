// Package kanctx implements the context/system graph collaborator of
// spec.md §4.1 (C4): a small daemon-style assembly loop that creates a
// set of requested systems, wires them together in two passes (connect,
// then connected-init), and tears them down in reverse order.
//
// The registry/instantiation split is generalized from rclone's
// fs.RegInfo/fs.Register pattern (a named factory registered once,
// looked up by name, instantiated per use) from "storage backend
// constructors" to "systems" with a multi-step lifecycle.
package kanctx

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kan-engine/kanrt/kanalloc"
	"github.com/kan-engine/kanrt/kanlog"
)

// System is the stateless factory side of the vtable: one value
// registered per system kind, looked up by Name and used to create a
// fresh Instance per Context. The per-context mutable lifecycle lives on
// Instance instead, since a single registered System may back many
// concurrently live contexts in the same process (e.g. tests).
type System interface {
	Name() string
	Create(alloc *kanalloc.Group, userConfig any) (Instance, error)
}

// Instance is the per-context lifecycle side: the object a System.Create
// call returns, driven strictly through the state sequence connected →
// connected-init → connected-shutdown → disconnect → destroy.
type Instance interface {
	// Connect wires the instance to its peers. Peers may be queried via
	// ctx.Query, but none of them have run ConnectedInit yet.
	Connect(ctx *Context) error
	// ConnectedInit runs after every system has connected; the context is
	// fully live once every instance's ConnectedInit has returned.
	ConnectedInit() error
	// ConnectedShutdown runs in reverse registration order, before Disconnect.
	ConnectedShutdown()
	// Disconnect runs in reverse registration order, after ConnectedShutdown.
	Disconnect()
	// Destroy releases any resources Create allocated.
	Destroy()
}

// Registry holds the named System factories available for a Context to
// request. One Registry is normally shared process-wide.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]System
	ordered []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]System)}
}

// Register adds a system factory, rejecting a duplicate name.
func (r *Registry) Register(s System) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("kanctx: system %q already registered", name)
	}
	r.byName[name] = s
	r.ordered = append(r.ordered, name)
	return nil
}

func (r *Registry) lookup(name string) (System, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Names returns every registered system name, in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// systemHandle is a tagged index into Context.entries: the Go-idiomatic
// replacement for the source's raw system_t pointer, named in DESIGN
// NOTES §9 as "a tagged slice index, never a raw pointer".
type systemHandle int

const invalidHandle systemHandle = -1

type systemState int

const (
	stateRequested systemState = iota
	stateCreated
	stateConnected
	stateInitialized
	stateShutdown
	stateDisconnected
	stateDestroyed
)

type systemEntry struct {
	name     string
	instance Instance
	state    systemState
}

type pendingRequest struct {
	name       string
	userConfig any
}

// Context is one assembled system graph, per spec.md §4.1.
type Context struct {
	ID uuid.UUID

	registry *Registry
	alloc    *kanalloc.Group

	mu        sync.Mutex
	requested map[string]bool
	pending   []pendingRequest
	entries   []*systemEntry
	byName    map[string]systemHandle
	assembled bool
}

// New creates an empty context bound to alloc and registry, per
// spec.md's create(alloc_group) → context.
func New(alloc *kanalloc.Group, registry *Registry) *Context {
	return &Context{
		ID:        uuid.New(),
		registry:  registry,
		alloc:     alloc,
		requested: make(map[string]bool),
		byName:    make(map[string]systemHandle),
	}
}

// String renders the context's diagnostic id for kanlog call sites.
func (c *Context) String() string { return "ctx:" + c.ID.String() }

// Alloc returns the allocation group this context's systems should
// charge their allocations to.
func (c *Context) Alloc() *kanalloc.Group { return c.alloc }

// RequestSystem records a pending request for the named system with
// userConfig, to be realized on the next Assembly call. Returns false
// and logs if name was already requested.
func (c *Context) RequestSystem(name string, userConfig any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested[name] {
		kanlog.Errorf(c, "system %q already requested", name)
		return false
	}
	c.requested[name] = true
	c.pending = append(c.pending, pendingRequest{name: name, userConfig: userConfig})
	return true
}

// Assembly runs one full assemble cycle over every pending request:
// create, then connect (in creation order), then connected-init (in
// creation order). Per spec.md's failure semantics, a missing system or
// a failing Create just removes that one request and logs; the rest of
// assembly proceeds.
func (c *Context) Assembly() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, req := range pending {
		sys, ok := c.registry.lookup(req.name)
		if !ok {
			kanlog.Errorf(c, "unknown system %q", req.name)
			c.mu.Lock()
			delete(c.requested, req.name)
			c.mu.Unlock()
			continue
		}
		instance, err := sys.Create(c.alloc, req.userConfig)
		if err != nil {
			kanlog.Errorf(c, "system %q: create failed: %v", req.name, err)
			c.mu.Lock()
			delete(c.requested, req.name)
			c.mu.Unlock()
			continue
		}

		entry := &systemEntry{name: req.name, instance: instance, state: stateCreated}
		c.mu.Lock()
		handle := systemHandle(len(c.entries))
		c.entries = append(c.entries, entry)
		c.byName[req.name] = handle
		c.mu.Unlock()
	}

	// Pass 2: connect, in creation order. A missing peer is degraded
	// mode, not fatal (spec.md "Failure semantics"); a Connect error just
	// excludes that one system from ConnectedInit and from Query.
	for _, entry := range c.entries {
		if entry.state != stateCreated {
			continue
		}
		if err := entry.instance.Connect(c); err != nil {
			kanlog.Errorf(c, "system %q: connect failed: %v", entry.name, err)
			continue
		}
		entry.state = stateConnected
	}

	// Pass 3: connected-init, in creation order. After this, the context
	// is fully live per spec.md.
	for _, entry := range c.entries {
		if entry.state != stateConnected {
			continue
		}
		if err := entry.instance.ConnectedInit(); err != nil {
			kanlog.Errorf(c, "system %q: connected_init failed: %v", entry.name, err)
			continue
		}
		entry.state = stateInitialized
	}

	c.assembled = true
}

// Query resolves a system by name. Per spec.md's connect-phase rule
// ("query on any other system already created is allowed"), a peer is
// visible to Query as soon as it has connected, not only once fully
// initialized; the second return is false for a name never requested, a
// system that failed somewhere in assembly, or one still merely created
// (connect not yet run).
func (c *Context) Query(name string) (Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.byName[name]
	if !ok {
		kanlog.Debugf(c, "query %q: no such handle", name)
		return nil, false
	}
	entry := c.entries[handle]
	if entry.state != stateConnected && entry.state != stateInitialized {
		kanlog.Debugf(c, "query %q: handle %d not yet connected", name, handle)
		return nil, false
	}
	return entry.instance, true
}

// Destroy tears every assembled system down in reverse creation order:
// connected-shutdown, then disconnect, then destroy, per spec.md's
// destroy algorithm. Each phase only runs for systems that reached the
// corresponding forward state.
func (c *Context) Destroy() {
	c.mu.Lock()
	entries := c.entries
	c.entries = nil
	c.byName = make(map[string]systemHandle)
	c.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.state == stateInitialized {
			entry.instance.ConnectedShutdown()
			entry.state = stateShutdown
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.state == stateShutdown || entry.state == stateConnected {
			entry.instance.Disconnect()
			entry.state = stateDisconnected
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		entry.instance.Destroy()
		entry.state = stateDestroyed
	}
}
