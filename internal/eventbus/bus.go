// Package eventbus fans app events (task progress, run lifecycle, config
// reloads) out to in-process listeners such as the CLI progress printer.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the app.
const (
	TypeTask           = "upload.task"     // Data: upload.Event
	TypeRunStarted     = "upload.started"  // Data: RunInfo
	TypeRunFinished    = "upload.finished" // Data: RunInfo
	TypeConfigReloaded = "config.reloaded" // Data: []string (changed sections)
)

// Event is a small in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full loses the event
// and the bus counts it in Dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunInfo is the payload of run lifecycle events.
type RunInfo struct {
	RunID   string
	Retry   bool
	Total   int
	Success int
	Failure int
	Took    time.Duration
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered listener. With no types it receives
	// everything.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish holds the read lock while sending so unsubscribe cannot close a
// channel mid-send. Sends never block, so the lock is short.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
