package kanresource

import (
	"context"
	"io"
	"reflect"
	"sync"

	"github.com/kan-engine/kanrt/kanjobs"
	"github.com/kan-engine/kanrt/kanlog"
	"github.com/kan-engine/kanrt/kanrecord"
	"github.com/kan-engine/kanrt/kanserial"
	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kantime"
	"github.com/kan-engine/kanrt/kanvfs"
)

// loadingOperation is one scheduled load, mirroring struct
// resource_provider_loading_operation_t. A native operation's reader
// step runs as a single full decode (kanserial.Unmarshal is a
// whole-document parser, not a resumable incremental one, see
// DESIGN.md); a third-party operation copies thirdPartyCopyChunkBytes
// per step and spans several ticks when the load budget expires before
// the copy completes.
type loadingOperation struct {
	priority   uint64
	targetType string
	targetName string

	native *nativeEntry

	thirdParty  bool
	thirdPartyE *thirdPartyEntry
	tpStream    kanstream.Stream
	tpOpened    bool

	// decoded holds a finished native operation's result between
	// stepNative and finishOperationLocked.
	decoded any
}

// stepOutcome is the three-way result of advancing a loading operation,
// per spec.md §4.4's "On finished / On failed / On in_progress".
type stepOutcome int

const (
	stepFinished stepOutcome = iota
	stepFailed
	stepInProgress
)

// tickServe implements spec.md §4.4's serving algorithm: process watcher
// events, drain request events, process delayed reloads, then run the
// shared loading serve under the load budget.
func (p *Provider) tickServe(ctx context.Context) error {
	p.mu.Lock()
	p.processWatcherEventsLocked()
	p.mu.Unlock()

	p.drainRequestEvents()

	p.mu.Lock()
	p.processDelayedReloadsLocked()
	p.mu.Unlock()

	return p.runSharedLoadingServe(ctx)
}

// processWatcherEventsLocked implements step 1: "added" scans the file
// and attaches outstanding requests; "modified" arms a delayed reload;
// "removed" unloads and deletes the entry. Callers must hold p.mu.
func (p *Provider) processWatcherEventsLocked() {
	if p.watcherIter == nil {
		return
	}
	if err := p.watcher.Poll(); err != nil {
		kanlog.Errorf(p, "watcher poll: %v", err)
	}
	for {
		ev, ok := p.watcherIter.Advance()
		if !ok {
			return
		}
		switch ev.Kind {
		case kanvfs.WatchAdded:
			p.handleAddedLocked(ev.Path)
		case kanvfs.WatchModified:
			p.armReloadLocked(ev.Path)
		case kanvfs.WatchRemoved:
			p.handleRemovedLocked(ev.Path)
		}
	}
}

func (p *Provider) handleAddedLocked(path string) {
	name := lastPathComponent(path)
	format := formatFromExtension(name)
	if format == FormatUnknown {
		info, err := p.volume.QueryEntry(path)
		if err != nil {
			kanlog.Errorf(p, "added %q: %v", path, err)
			return
		}
		p.registerThirdPartyLocked(strippedName(name), path, uint64(info.Size))
		if te := p.thirdParty[strippedName(name)]; te != nil && te.requestCount > 0 {
			p.scheduleThirdPartyLoadLocked(te)
		}
		return
	}
	stream, err := p.volume.OpenForRead(path)
	if err != nil {
		kanlog.Errorf(p, "added %q: %v", path, err)
		return
	}
	typeName, err := peekNativeTypeName(stream, format)
	stream.Close()
	if err != nil {
		kanlog.Errorf(p, "added %q: %v", path, err)
		return
	}
	p.registerNativeLocked(typeName, strippedName(name), format, path, nil)
	if ne := p.native[entryKey{Type: typeName, Name: strippedName(name)}]; ne != nil && ne.requestCount > 0 {
		p.scheduleNativeLoadLocked(ne)
	}
}

func (p *Provider) armReloadLocked(path string) {
	name := strippedName(lastPathComponent(path))
	now := p.clock.NowNanos()
	for key, ne := range p.native {
		if key.Name == name && ne.path == path {
			ne.reloadAfter = now + p.cfg.ModifyWaitNS
			ne.reloadScheduled = true
		}
	}
	if te, ok := p.thirdParty[name]; ok && te.path == path {
		te.reloadAfter = now + p.cfg.ModifyWaitNS
		te.reloadScheduled = true
	}
}

func (p *Provider) handleRemovedLocked(path string) {
	name := strippedName(lastPathComponent(path))
	for key, ne := range p.native {
		if key.Name == name && ne.path == path {
			p.unloadNativeLocked(ne)
			delete(p.native, key)
		}
	}
	if te, ok := p.thirdParty[name]; ok && te.path == path {
		p.unloadThirdPartyLocked(te)
		delete(p.thirdParty, name)
	}
}

// processDelayedReloadsLocked implements step 3: "for every entry whose
// reload_after_time <= now, cancel current loading (if any) and
// re-schedule." Callers must hold p.mu.
func (p *Provider) processDelayedReloadsLocked() {
	now := p.clock.NowNanos()
	for _, ne := range p.native {
		if !ne.reloadScheduled || ne.reloadAfter > now {
			continue
		}
		ne.reloadScheduled = false
		p.cancelNativeLoadLocked(ne)
		if ne.requestCount > 0 {
			p.scheduleNativeLoadLocked(ne)
		}
	}
	for _, te := range p.thirdParty {
		if !te.reloadScheduled || te.reloadAfter > now {
			continue
		}
		te.reloadScheduled = false
		p.cancelThirdPartyLoadLocked(te)
		if te.requestCount > 0 {
			p.scheduleThirdPartyLoadLocked(te)
		}
	}
}

// runSharedLoadingServe implements spec.md §4.4/§5's parallel shared
// loading serve: a descending-priority cursor over loading operations,
// one foreground worker per logical CPU, a single lock bracketing cursor
// advancement and the post-step repository mutation window only.
func (p *Provider) runSharedLoadingServe(ctx context.Context) error {
	p.mu.Lock()
	if p.loadingOps.Len() == 0 {
		p.mu.Unlock()
		return nil
	}
	cursor := p.loadingOps.DescendingCursor(func(op *loadingOperation) uint64 { return op.priority })
	p.mu.Unlock()

	begin := p.clock.NowNanos()
	var lock sync.Mutex

	worker := func(ctx context.Context, _ int) error {
		for {
			if kantime.Deadline(p.clock.NowNanos(), begin, p.cfg.LoadBudgetNS) {
				return nil
			}

			lock.Lock()
			id, op, ok := cursor.Next()
			lock.Unlock()
			if !ok {
				return nil
			}

			// On in_progress, keep stepping the same operation until it
			// finishes, fails, or the load budget expires.
			outcome, err := p.stepOperation(op)
			for outcome == stepInProgress && !kantime.Deadline(p.clock.NowNanos(), begin, p.cfg.LoadBudgetNS) {
				outcome, err = p.stepOperation(op)
			}

			lock.Lock()
			p.mu.Lock()
			switch outcome {
			case stepFinished:
				p.finishOperationLocked(op)
				p.loadingOps.Delete(id)
			case stepFailed:
				if err != nil {
					kanlog.Errorf(p, "load %s/%s failed: %v", op.targetType, op.targetName, err)
				}
				p.failOperationLocked(op)
				p.loadingOps.Delete(id)
			case stepInProgress:
				// The load budget expired mid-copy. The operation is
				// still in loadingOps, so the next tick's cursor resumes it.
			}
			p.mu.Unlock()
			lock.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	return kanjobs.RunPerLogicalCPU(ctx, worker)
}

// stepOperation advances op by one step: a full decode for native
// operations, or one thirdPartyCopyChunkBytes chunk for third-party
// operations. It does not hold p.mu, per spec.md §5: "the per-operation
// reader step itself runs without the lock".
func (p *Provider) stepOperation(op *loadingOperation) (stepOutcome, error) {
	if op.thirdParty {
		return p.stepThirdParty(op)
	}
	return p.stepNative(op)
}

func (p *Provider) stepNative(op *loadingOperation) (stepOutcome, error) {
	ne := op.native
	typeInfo, ok := p.registry.Lookup(ne.typeName)
	if !ok {
		return stepFailed, kanserial.ErrUnknownType
	}

	stream, err := p.volume.OpenForRead(ne.path)
	if err != nil {
		return stepFailed, err
	}
	defer stream.Close()

	dst := reflect.New(typeInfo.GoType)
	if ne.format == FormatBinary {
		if _, err := kanserial.DecodeRecordHeader(stream); err != nil {
			return stepFailed, err
		}
		if err := kanserial.UnmarshalBinary(stream, p.registry, ne.typeName, dst.Interface()); err != nil {
			return stepFailed, err
		}
	} else if err := kanserial.Unmarshal(stream, p.registry, ne.typeName, dst.Interface()); err != nil {
		return stepFailed, err
	}

	// dst is *typeInfo.GoType; kanresource/gen containers are generated
	// over the pointer payload type (RegisterContainer[*Widget, ...]), so
	// the pointer itself is what gen.Generator.Insert expects.
	op.decoded = dst.Interface()
	return stepFinished, nil
}

func (p *Provider) stepThirdParty(op *loadingOperation) (stepOutcome, error) {
	te := op.thirdPartyE
	if !op.tpOpened {
		stream, err := p.volume.OpenForRead(te.path)
		if err != nil {
			return stepFailed, err
		}
		op.tpStream = stream
		op.tpOpened = true
	}

	buf := make([]byte, thirdPartyCopyChunkBytes)
	n, err := op.tpStream.Read(buf)
	if n > 0 {
		p.mu.Lock()
		te.loadingData = append(te.loadingData, buf[:n]...)
		p.mu.Unlock()
	}
	if err == io.EOF {
		op.tpStream.Close()
		return stepFinished, nil
	}
	if err != nil {
		op.tpStream.Close()
		return stepFailed, err
	}
	return stepInProgress, nil
}

// finishOperationLocked implements step 4's "On finished": swap in the
// newly built container (or byte buffer), destroy the old one, and
// notify outstanding requests. Callers must hold p.mu.
func (p *Provider) finishOperationLocked(op *loadingOperation) {
	if op.thirdParty {
		te := op.thirdPartyE
		te.loadedData = te.loadingData
		te.loadingData = nil
		p.requests.Range(func(id kanrecord.ID, r Request) bool {
			if r.Type == "" && r.Name == te.name {
				p.pendingUpdates = append(p.pendingUpdates, RequestUpdate{RequestID: id, Name: r.Name})
			}
			return true
		})
		return
	}

	ne := op.native
	newID := ne.loadingContainerID
	if err := p.gen.Insert(ne.typeName, newID, op.decoded); err != nil {
		kanlog.Errorf(p, "container insert %s/%s: %v", ne.typeName, ne.name, err)
		ne.loadingContainerID = 0
		return
	}
	oldID := ne.loadedContainerID
	ne.loadedContainerID = newID
	ne.loadingContainerID = 0
	if oldID != 0 {
		if err := p.gen.Delete(ne.typeName, oldID); err != nil {
			kanlog.Debugf(p, "container delete %s/%s: %v", ne.typeName, ne.name, err)
		}
	}
	p.notifyRequestsLocked(ne.key(), newID)
}

// failOperationLocked implements step 5's "On failed": discard the
// partially built container and clear loading_container_id. Callers
// must hold p.mu.
func (p *Provider) failOperationLocked(op *loadingOperation) {
	if op.thirdParty {
		op.thirdPartyE.loadingData = nil
		return
	}
	op.native.loadingContainerID = 0
}

func (p *Provider) notifyRequestsLocked(key entryKey, containerID uint64) {
	p.requests.Range(func(id kanrecord.ID, r Request) bool {
		if r.Type != key.Type || r.Name != key.Name {
			return true
		}
		if p.requestContainerID[id] == containerID {
			return true
		}
		p.requestContainerID[id] = containerID
		p.pendingUpdates = append(p.pendingUpdates, RequestUpdate{
			RequestID: id, Type: r.Type, Name: r.Name, ContainerID: containerID,
		})
		return true
	})
}

func lastPathComponent(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
