package kanresource

import "github.com/kan-engine/kanrt/kanrecord"

// Request is one outstanding resource request row, the public
// "kan_resource_request_t" repository the provider observes via its
// automatic insert/change/delete events (spec.md §4.4 step 2, C7).
type Request struct {
	Type     string
	Name     string
	Priority uint64
}

// RequestUpdate reports a request whose resolved container changed,
// the "updated event on every outstanding request... whose
// provided_container_id changes" from spec.md §4.4 step 4's "finished"
// handling. For a third-party request, Type is empty, ContainerID is 0,
// and the update reports that the resource's bytes finished loading.
type RequestUpdate struct {
	RequestID   kanrecord.ID
	Type        string
	Name        string
	ContainerID uint64
}

// ProvidedContainerID returns the container currently resolved for a
// request, or 0 if its native entry has not finished loading (or the
// request names a type/name pair the provider has never seen).
func (p *Provider) ProvidedContainerID(requestID kanrecord.ID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestContainerID[requestID]
}

// maxPriorityFor scans the request table for every row matching key and
// returns the highest Priority among them, per spec.md §4.4: "priority =
// max(priority over all requests for this (type, name))".
func (p *Provider) maxPriorityFor(key entryKey) uint64 {
	var max uint64
	p.requests.Range(func(_ kanrecord.ID, r Request) bool {
		if r.Type == key.Type && r.Name == key.Name && r.Priority > max {
			max = r.Priority
		}
		return true
	})
	return max
}

// drainRequestEvents implements spec.md §4.4 serving step 2: "Drain
// request-table insert/change/delete events... Each insert increments
// request_count and, for a newly-loaded entry, schedules loading. Each
// delete decrements; when zero, unload and cancel. Change is
// delete-old + insert-new."
func (p *Provider) drainRequestEvents() {
	events := p.requestEvents.Drain()
	for _, ev := range events {
		switch ev.Kind {
		case kanrecord.EventInsert:
			p.onRequestInserted(ev.ID, ev.New)
		case kanrecord.EventDelete:
			p.onRequestDeleted(ev.ID, ev.Old)
		case kanrecord.EventChange:
			p.onRequestDeleted(ev.ID, ev.Old)
			p.onRequestInserted(ev.ID, ev.New)
		}
	}
}

func (p *Provider) onRequestInserted(id kanrecord.ID, r Request) {
	p.mu.Lock()
	key := entryKey{Type: r.Type, Name: r.Name}
	if ne, ok := p.native[key]; ok {
		ne.requestCount++
		if ne.loadedContainerID == 0 && ne.loadingContainerID == 0 {
			p.scheduleNativeLoadLocked(ne)
		}
	} else if te, ok := p.thirdParty[r.Name]; ok {
		te.requestCount++
		if te.loadedData == nil && te.loadingData == nil {
			p.scheduleThirdPartyLoadLocked(te)
		}
	}
	p.mu.Unlock()
}

func (p *Provider) onRequestDeleted(id kanrecord.ID, r Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := entryKey{Type: r.Type, Name: r.Name}
	if ne, ok := p.native[key]; ok {
		if ne.requestCount > 0 {
			ne.requestCount--
		}
		if ne.requestCount == 0 {
			p.unloadNativeLocked(ne)
		}
	} else if te, ok := p.thirdParty[r.Name]; ok {
		if te.requestCount > 0 {
			te.requestCount--
		}
		if te.requestCount == 0 {
			p.unloadThirdPartyLocked(te)
		}
	}
	delete(p.requestContainerID, id)
}
