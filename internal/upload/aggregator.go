package upload

import (
	"runtime/debug"
	"sync"

	logx "uploadcast/pkg/logx"
)

// Aggregator is the single writer of run counters. Controllers hand their
// events to Emit; one funnel goroutine applies them in arrival order,
// republishes the snapshot and forwards each event to the Observer.
type Aggregator struct {
	log logx.Logger
	obs Observer

	mu     sync.RWMutex
	runID  string
	tasks  []Task
	index  map[TaskKey]int
	counts [StatusFailed + 1]int

	events chan Event
	done   chan struct{}
}

func newAggregator(log logx.Logger, obs Observer) *Aggregator {
	return &Aggregator{log: log, obs: obs, index: map[TaskKey]int{}}
}

// reset replaces the tracked task set. Must not be called while open.
func (a *Aggregator) reset(runID string, tasks []*Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runID = runID
	a.tasks = make([]Task, len(tasks))
	a.index = make(map[TaskKey]int, len(tasks))
	a.counts = [StatusFailed + 1]int{}
	for i, t := range tasks {
		a.tasks[i] = *t
		a.index[t.Key()] = i
		a.counts[t.Status]++
	}
}

// setRunID keeps the task set but tags the next cycle with a new run id.
func (a *Aggregator) setRunID(runID string) {
	a.mu.Lock()
	a.runID = runID
	a.mu.Unlock()
}

// open starts the funnel goroutine for one run cycle.
func (a *Aggregator) open(buffer int) {
	if buffer <= 0 {
		buffer = 64
	}
	a.events = make(chan Event, buffer)
	a.done = make(chan struct{})
	go a.loop(a.events, a.done)
}

// close stops accepting events and waits until every queued one has been
// applied and observed.
func (a *Aggregator) close() {
	if a.events == nil {
		return
	}
	close(a.events)
	<-a.done
	a.events = nil
}

// Emit queues ev for the funnel. It blocks when the funnel is behind, which
// keeps per-task ordering without dropping anything. Emit is only valid
// between open and close: every emitting job has returned before close
// runs. An event outside that window is logged and dropped.
func (a *Aggregator) Emit(ev Event) {
	ch := a.events
	if ch == nil {
		a.log.Warn("event outside run dropped", logx.String("file", ev.FileName), logx.String("endpoint", ev.EndpointName), logx.String("status", ev.Status.String()))
		return
	}
	ch <- ev
}

func (a *Aggregator) loop(in <-chan Event, done chan<- struct{}) {
	defer close(done)
	for ev := range in {
		a.apply(ev)
		a.notify(ev)
	}
}

func (a *Aggregator) apply(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index[ev.Key()]
	if !ok {
		a.log.Warn("event for unknown task", logx.String("file", ev.FileName), logx.String("endpoint", ev.EndpointName))
		return
	}
	t := &a.tasks[i]
	a.counts[t.Status]--
	a.counts[ev.Status]++
	t.Status = ev.Status
	t.Attempt = ev.Attempt
	t.Message = ev.Message
	t.StatusCode = ev.StatusCode
	t.ResponseBody = ev.ResponseBody
	t.Progress = ev.Progress
	t.UpdatedAt = ev.Timestamp
}

func (a *Aggregator) notify(ev Event) {
	if a.obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("observer panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	a.obs.OnEvent(ev)
}

// Summary returns the current counters.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Summary{
		Success: a.counts[StatusSuccess],
		Failure: a.counts[StatusFailed],
		Total:   len(a.tasks),
	}
	if s.Total > 0 {
		s.Progress = float64(s.Success+s.Failure) / float64(s.Total)
	}
	return s
}

// Tasks returns a copy of every task in plan order.
func (a *Aggregator) Tasks() []Task {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Task(nil), a.tasks...)
}

// RunID returns the id of the run currently tracked.
func (a *Aggregator) RunID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runID
}
