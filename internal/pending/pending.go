// Package pending correlates client commands with the ids the relay assigns
// to them on the extension connection.
package pending

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrTimeout fails a request that got no response within the ceiling.
var ErrTimeout = errors.New("extension request timeout")

// Origin identifies where a forwarded command came from.
type Origin struct {
	ClientID  string
	RequestID int64
	SessionID string
}

// Outcome is the terminal result of a pending request.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// DeliverFunc receives the outcome of a request exactly once.
type DeliverFunc func(Outcome)

// Entry is one outstanding request.
type Entry struct {
	Origin
	ExtensionID int64
	Generation  uint64
	IssuedAt    time.Time

	deliver DeliverFunc
	timer   *time.Timer
}

// Table holds outstanding requests keyed by extension id. Ids are only
// unique within a generation; Reset starts a new one.
// The zero value is not usable; call NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	nextID  int64
	gen     uint64
	timeout time.Duration
}

// NewTable creates a table whose entries fail with ErrTimeout after timeout.
// A zero timeout disables the ceiling.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		entries: make(map[int64]*Entry),
		timeout: timeout,
	}
}

// Register stores a new request and returns its extension id.
func (t *Table) Register(origin Origin, deliver DeliverFunc) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	e := &Entry{
		Origin:      origin,
		ExtensionID: t.nextID,
		Generation:  t.gen,
		IssuedAt:    time.Now(),
		deliver:     deliver,
	}
	if t.timeout > 0 {
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(e) })
	}
	t.entries[e.ExtensionID] = e
	return e.ExtensionID
}

// Resolve removes the request with the given id and delivers out to it.
// It returns false when no such request is outstanding.
func (t *Table) Resolve(id int64, out Outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.finish(out)
	return true
}

// ResolveIn is Resolve restricted to requests registered in generation gen.
// A response that arrives from a connection the table has since been reset
// for cannot complete a request of the current connection that reuses its id.
func (t *Table) ResolveIn(gen uint64, id int64, out Outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok && e.Generation != gen {
		ok = false
	}
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.finish(out)
	return true
}

// FailAll fails every outstanding request with reason and empties the table.
// It returns the number of requests failed.
func (t *Table) FailAll(reason error) int {
	t.mu.Lock()
	drained := t.drainLocked()
	t.mu.Unlock()

	for _, e := range drained {
		e.finish(Outcome{Err: reason})
	}
	return len(drained)
}

// Reset restarts id allocation for a new extension connection and returns
// the new generation. Anything still outstanding is failed with reason first,
// so ids restart on an empty table.
func (t *Table) Reset(reason error) uint64 {
	t.mu.Lock()
	drained := t.drainLocked()
	t.nextID = 0
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	for _, e := range drained {
		e.finish(Outcome{Err: reason})
	}
	return gen
}

// Generation returns the current id generation.
func (t *Table) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// drainLocked empties the table in extension id order.
func (t *Table) drainLocked() []*Entry {
	if len(t.entries) == 0 {
		return nil
	}
	drained := make([]*Entry, 0, len(t.entries))
	for id := int64(1); id <= t.nextID && len(drained) < len(t.entries); id++ {
		if e, ok := t.entries[id]; ok {
			drained = append(drained, e)
		}
	}
	clear(t.entries)
	return drained
}

func (t *Table) expire(e *Entry) {
	t.mu.Lock()
	// The id may have been reused after a reset; only expire this entry.
	if t.entries[e.ExtensionID] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, e.ExtensionID)
	t.mu.Unlock()

	e.finish(Outcome{Err: ErrTimeout})
}

func (e *Entry) finish(out Outcome) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.deliver != nil {
		e.deliver(out)
	}
}
