// Package kanrecord is the indexed record repository collaborator named
// in spec.md §2/§6: typed tables with value/interval/signal/sequence
// cursors and automatic insert/change/delete event emission (spec.md §7
// "Event/cascade wiring", C7). The push-callback-plus-pull-cursor shape
// mirrors rclone's fs/accounting stats registry, which also exposes both
// a live callback hook and a point-in-time snapshot over the same
// underlying map.
package kanrecord

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ID identifies one row. Monotonically assigned per Table.
type ID uint64

// Table is a typed, mutex-guarded row store with automatic event
// emission, the "indexed record repository" external collaborator.
type Table[T any] struct {
	mu     sync.RWMutex
	rows   map[ID]T
	nextID atomic.Uint64

	onInsert []func(ID, T)
	onChange []func(ID, T, T)
	onDelete []func(ID, T)

	subscribers []*EventCursor[T]
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{rows: make(map[ID]T)}
}

// Insert adds row under a freshly allocated ID and fires OnInsert hooks.
func (t *Table[T]) Insert(row T) ID {
	t.mu.Lock()
	id := ID(t.nextID.Add(1))
	t.rows[id] = row
	hooks := append([]func(ID, T){}, t.onInsert...)
	subs := append([]*EventCursor[T]{}, t.subscribers...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(id, row)
	}
	for _, s := range subs {
		s.push(Event[T]{Kind: EventInsert, ID: id, New: row})
	}
	return id
}

// InsertWithID adds row under an explicit ID (used when replaying a
// persisted table), advancing the auto-increment counter past it.
func (t *Table[T]) InsertWithID(id ID, row T) {
	t.mu.Lock()
	t.rows[id] = row
	for {
		cur := t.nextID.Load()
		if uint64(id) <= cur {
			break
		}
		if t.nextID.CompareAndSwap(cur, uint64(id)) {
			break
		}
	}
	hooks := append([]func(ID, T){}, t.onInsert...)
	subs := append([]*EventCursor[T]{}, t.subscribers...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(id, row)
	}
	for _, s := range subs {
		s.push(Event[T]{Kind: EventInsert, ID: id, New: row})
	}
}

// Update replaces the row at id, firing OnChange hooks with the old and
// new values. Per spec.md §4.4: "Change is delete-old + insert-new" is
// the provider's own interpretation; Table itself exposes a direct
// atomic Update and leaves that choice to the caller.
func (t *Table[T]) Update(id ID, row T) error {
	t.mu.Lock()
	old, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("kanrecord: row %d not found", id)
	}
	t.rows[id] = row
	hooks := append([]func(ID, T, T){}, t.onChange...)
	subs := append([]*EventCursor[T]{}, t.subscribers...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(id, old, row)
	}
	for _, s := range subs {
		s.push(Event[T]{Kind: EventChange, ID: id, Old: old, New: row})
	}
	return nil
}

// Delete removes the row at id, firing OnDelete hooks. Deleting a
// missing row is a no-op, matching the "nil after delete" cancellation
// resolution from spec.md §5.
func (t *Table[T]) Delete(id ID) {
	t.mu.Lock()
	old, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.rows, id)
	hooks := append([]func(ID, T){}, t.onDelete...)
	subs := append([]*EventCursor[T]{}, t.subscribers...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(id, old)
	}
	for _, s := range subs {
		s.push(Event[T]{Kind: EventDelete, ID: id, Old: old})
	}
}

// Get returns the row at id.
func (t *Table[T]) Get(id ID) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	return v, ok
}

// Len reports the current row count.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Range calls fn for every row in unspecified order until fn returns
// false. This is the "value cursor" from the GLOSSARY's cursor family.
func (t *Table[T]) Range(fn func(ID, T) bool) {
	t.mu.RLock()
	snapshot := make(map[ID]T, len(t.rows))
	for id, row := range t.rows {
		snapshot[id] = row
	}
	t.mu.RUnlock()

	for id, row := range snapshot {
		if !fn(id, row) {
			return
		}
	}
}

// OnInsert registers a callback fired synchronously after every Insert.
func (t *Table[T]) OnInsert(fn func(ID, T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInsert = append(t.onInsert, fn)
}

// OnChange registers a callback fired synchronously after every Update.
func (t *Table[T]) OnChange(fn func(ID, T, T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// OnDelete registers a callback fired synchronously after every Delete,
// used by C5's generated trailing records to cascade-destroy a
// dependent container when its owning entry row is removed.
func (t *Table[T]) OnDelete(fn func(ID, T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDelete = append(t.onDelete, fn)
}

// CascadeDeleteTo arranges that deleting a row from t deletes the
// corresponding row (selected by keyFn) from child, the cascade-delete
// wiring spec.md §3's ownership summary and §4.5's trailing records
// rely on.
func CascadeDeleteTo[T, U any](parent *Table[T], child *Table[U], keyFn func(T) ID) {
	parent.OnDelete(func(_ ID, row T) {
		child.Delete(keyFn(row))
	})
}

// EventKind distinguishes the three automatic event shapes.
type EventKind int

const (
	EventInsert EventKind = iota
	EventChange
	EventDelete
)

// Event is one automatically emitted row mutation.
type Event[T any] struct {
	Kind EventKind
	ID   ID
	Old  T
	New  T
}

// EventCursor is the "sequence cursor" from the GLOSSARY: a pull-based,
// monotonically appended queue of events a consumer drains at its own
// pace, used by C6's "Drain request-table insert/change/delete events".
type EventCursor[T any] struct {
	mu    sync.Mutex
	queue []Event[T]
}

// Subscribe returns a new cursor that receives every subsequent mutation.
func (t *Table[T]) Subscribe() *EventCursor[T] {
	c := &EventCursor[T]{}
	t.mu.Lock()
	t.subscribers = append(t.subscribers, c)
	t.mu.Unlock()
	return c
}

func (c *EventCursor[T]) push(e Event[T]) {
	c.mu.Lock()
	c.queue = append(c.queue, e)
	c.mu.Unlock()
}

// Drain removes and returns every queued event, in emission order.
func (c *EventCursor[T]) Drain() []Event[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Priority extracts an ordering key from a row, for descending-priority
// interval cursors.
type Priority[T any] func(T) uint64

// IntervalCursor is a descending-priority range scan over a snapshot of
// a table, per spec.md §4.4: "Open a descending cursor on loading
// operations keyed by priority" / §5: "the cursor is interval-priority
// descending".
type IntervalCursor[T any] struct {
	table *Table[T]
	order []ID
	mu    sync.Mutex
}

// DescendingCursor snapshots every current row ordered by priority(row)
// descending (ties broken by insertion ID, ascending, for determinism).
func (t *Table[T]) DescendingCursor(priority Priority[T]) *IntervalCursor[T] {
	t.mu.RLock()
	ids := make([]ID, 0, len(t.rows))
	prios := make(map[ID]uint64, len(t.rows))
	for id, row := range t.rows {
		ids = append(ids, id)
		prios[id] = priority(row)
	}
	t.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if prios[ids[i]] != prios[ids[j]] {
			return prios[ids[i]] > prios[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return &IntervalCursor[T]{table: t, order: ids}
}

// Next pops the highest remaining priority row. Rows deleted since the
// cursor was opened are silently skipped (the "nil after delete"
// resolution from spec.md §5). ok is false once the cursor is exhausted.
func (c *IntervalCursor[T]) Next() (id ID, row T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.order) > 0 {
		candidate := c.order[0]
		c.order = c.order[1:]
		if r, found := c.table.Get(candidate); found {
			return candidate, r, true
		}
	}
	var zero T
	return 0, zero, false
}

// Signal is the "signal cursor" from the GLOSSARY: a one-shot wake used
// by C6's hot-reload state machine ("when all in-flight loads finish,
// transition to application_frame").
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire closes the signal's channel exactly once.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// C returns the channel that closes when Fire is called.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
