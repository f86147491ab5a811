package events

import (
	"sync"
	"time"

	"repoledger/core/types"
)

// payloadProvider is implemented by events that expose the underlying typed
// payload. Engine events satisfy it so the recorder can serve full attribute
// maps to RPC observers.
type payloadProvider interface {
	Event() *types.Event
}

// Entry is a recorded event annotated with a monotonically increasing sequence
// number and the wall-clock time it was observed.
type Entry struct {
	Sequence   uint64       `json:"sequence"`
	ObservedAt int64        `json:"observedAt"`
	Event      *types.Event `json:"event"`
}

// Recorder retains the most recent events in a fixed-size ring buffer. It is
// the audit trail queried over RPC; writers never block on slow readers.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	next    uint64
	limit   int
	nowFn   func() int64
}

const defaultRecorderLimit = 1024

// NewRecorder constructs a recorder retaining up to limit events. A
// non-positive limit falls back to the default capacity.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = defaultRecorderLimit
	}
	return &Recorder{
		entries: make([]Entry, 0, limit),
		limit:   limit,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the recorder's time source, primarily for tests.
func (r *Recorder) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	var payload *types.Event
	if provider, ok := evt.(payloadProvider); ok {
		payload = provider.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := Entry{Sequence: r.next, ObservedAt: r.nowFn(), Event: payload}
	r.next++
	if len(r.entries) == r.limit {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = entry
		return
	}
	r.entries = append(r.entries, entry)
}

// Tail returns up to limit of the most recently recorded entries, oldest
// first. A non-positive limit returns everything retained.
func (r *Recorder) Tail(limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}
