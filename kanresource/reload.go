package kanresource

import (
	"sync"

	"github.com/kan-engine/kanrt/kanrecord"
)

// HotReloadPhase is one state of the consumer-facing hot-reload state
// machine from spec.md §4.4: "none -> setup_frame -> loading_scope ->
// application_frame -> none".
type HotReloadPhase int

const (
	HotReloadNone HotReloadPhase = iota
	HotReloadSetupFrame
	HotReloadLoadingScope
	HotReloadApplicationFrame
)

func (p HotReloadPhase) String() string {
	switch p {
	case HotReloadSetupFrame:
		return "setup_frame"
	case HotReloadLoadingScope:
		return "loading_scope"
	case HotReloadApplicationFrame:
		return "application_frame"
	default:
		return "none"
	}
}

// HotReloadCoordinator is the pluggable coordination system spec.md §4.4
// mentions: "may delay hot reload to align with foreign events; its
// absence is non-fatal." A nil coordinator never delays.
type HotReloadCoordinator interface {
	// ShouldDelay reports whether entering application_frame should wait
	// for a foreign event instead of publishing immediately.
	ShouldDelay() bool
}

// hotReloadState layers the downstream consumer-facing state machine on
// top of the provider's own scanning/serving lifecycle, per spec.md
// §4.4's "Hot reload (consumers)" paragraph. It is driven by
// Provider.BeginHotReload / Provider.ResourceReloaded /
// Provider.FinishHotReloadIfReady, not by the scan/serve tick loop
// directly.
type hotReloadState struct {
	mu          sync.Mutex
	phase       HotReloadPhase
	inFlight    int
	ready       []RequestUpdate
	signal      *kanrecord.Signal
	coordinator HotReloadCoordinator
}

func newHotReloadState() *hotReloadState {
	return &hotReloadState{phase: HotReloadNone}
}

// SetCoordinator installs (or clears, with nil) the pluggable
// coordination system.
func (p *Provider) SetCoordinator(c HotReloadCoordinator) {
	p.reload.mu.Lock()
	defer p.reload.mu.Unlock()
	p.reload.coordinator = c
}

// HotReloadPhase reports the consumer-facing state machine's current
// phase.
func (p *Provider) HotReloadPhase() HotReloadPhase {
	p.reload.mu.Lock()
	defer p.reload.mu.Unlock()
	return p.reload.phase
}

// BeginHotReload transitions none -> setup_frame -> loading_scope,
// arming the state machine to track expectedReloads in-flight resource
// reloads. Calling it while already inside a reload is a no-op, matching
// the "invalid argument bugs (state-machine misuse) are asserted in
// debug builds" propagation rule: callers are expected to check
// HotReloadPhase first.
func (p *Provider) BeginHotReload(expectedReloads int) {
	r := p.reload
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != HotReloadNone {
		return
	}
	r.phase = HotReloadSetupFrame
	r.inFlight = expectedReloads
	r.ready = nil
	r.signal = kanrecord.NewSignal()
	r.phase = HotReloadLoadingScope
	if expectedReloads <= 0 {
		r.signal.Fire()
	}
}

// ResourceReloaded tags one dependent resource's finished reload as
// ready (per spec.md §4.4: "tagged ready but not published") and
// decrements the in-flight counter. Once the counter reaches zero the
// loading_scope's completion signal fires; FinishHotReloadIfReady still
// gates the actual publish so a coordinator gets a chance to delay it.
func (p *Provider) ResourceReloaded(update RequestUpdate) {
	r := p.reload
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != HotReloadLoadingScope {
		return
	}
	r.ready = append(r.ready, update)
	if r.inFlight > 0 {
		r.inFlight--
	}
	if r.inFlight == 0 {
		r.signal.Fire()
	}
}

// HotReloadDone returns a channel that closes once every expected reload
// for the current scope has finished, for callers that want to block
// until loading_scope is ready to publish.
func (p *Provider) HotReloadDone() <-chan struct{} {
	r := p.reload
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signal == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.signal.C()
}

// FinishHotReloadIfReady publishes the accumulated ready set atomically
// and returns to none, unless the coordinator asks to delay — in which
// case it returns ok=false and the caller should retry on a later tick.
// A nil coordinator never delays, per spec.md §4.4: "its absence is
// non-fatal."
func (p *Provider) FinishHotReloadIfReady() (updates []RequestUpdate, ok bool) {
	r := p.reload
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != HotReloadLoadingScope || r.inFlight > 0 {
		return nil, false
	}
	if r.coordinator != nil && r.coordinator.ShouldDelay() {
		return nil, false
	}
	r.phase = HotReloadApplicationFrame
	out := r.ready
	r.ready = nil
	r.phase = HotReloadNone
	return out, true
}
