package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when no response arrives within the request timeout.
var ErrRequestTimeout = errors.New("request timed out")

// Result is the outcome of one outbound request.
type Result struct {
	Value json.RawMessage
	Err   error
}

type pendingEntry struct {
	ch    chan Result // buffered(1); written exactly once by whoever removes the entry
	timer *time.Timer
}

// Pending tracks outstanding locally-initiated requests by id.
// An entry is removed exactly once: by a matching response, by its timeout
// firing, or by RejectAll. Only the remover delivers, so a response racing a
// timeout can never settle the same request twice.
type Pending struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewPending creates an empty registry.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]*pendingEntry)}
}

// Add registers id with a timeout and returns the channel its result arrives on.
// Adding an id that is already live replaces nothing and returns nil.
func (p *Pending) Add(id string, timeout time.Duration) <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return nil
	}
	e := &pendingEntry{ch: make(chan Result, 1)}
	e.timer = time.AfterFunc(timeout, func() {
		p.settle(id, Result{Err: ErrRequestTimeout})
	})
	p.entries[id] = e
	return e.ch
}

// Resolve settles id with a response. It reports false when there is no live
// entry (unknown id, or already timed out); such responses are dropped.
func (p *Pending) Resolve(id string, value json.RawMessage, err error) bool {
	return p.settle(id, Result{Value: value, Err: err})
}

// Remove drops id without delivering anything. Used when the request frame
// never made it onto the wire.
func (p *Pending) Remove(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if ok {
		e.timer.Stop()
	}
}

// RejectAll settles every live entry with err and empties the registry.
// It returns how many entries were rejected.
func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.ch <- Result{Err: err}
	}
	return len(entries)
}

// Len returns the number of live entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pending) settle(id string, r Result) bool {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Stop()
	e.ch <- r
	return true
}
