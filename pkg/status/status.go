// Package status carries pipeline stage progress to external observers.
//
// Sinks are write-only side channels: Report never returns an error and must
// not block the pipeline. Slow sinks are wrapped in Async.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a stage lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state.
var States = []State{StateIdle, StateRunning, StateCompleted, StateFailed}

// StageStatus is one stage's progress snapshot.
type StageStatus struct {
	RunID string `json:"run_id"`
	// Stage is the stable identifier, for example "cleaning".
	Stage string `json:"id"`
	// Name is the display name.
	Name     string `json:"name"`
	State    State  `json:"status"`
	Progress int    `json:"progress"`
	Rows     int    `json:"rows"`
	// Throughput is rows processed per second.
	Throughput   float64   `json:"throughput"`
	LastActivity time.Time `json:"last_activity"`
	Error        string    `json:"error,omitempty"`
}

// Sink receives stage status updates.
type Sink interface {
	Report(s StageStatus)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(StageStatus)

func (f SinkFunc) Report(s StageStatus) { f(s) }

// Nop discards every update.
var Nop Sink = SinkFunc(func(StageStatus) {})

// Multi reports to every sink in order.
type Multi []Sink

func (m Multi) Report(s StageStatus) {
	for _, sink := range m {
		sink.Report(s)
	}
}

// Board keeps the latest status of every stage, in first-reported order.
type Board struct {
	mu     sync.RWMutex
	order  []string
	latest map[string]StageStatus
}

// NewBoard creates a board pre-populated with idle stages.
func NewBoard(stages ...StageStatus) *Board {
	b := &Board{latest: make(map[string]StageStatus)}
	for _, s := range stages {
		if s.State == "" {
			s.State = StateIdle
		}
		b.Report(s)
	}
	return b
}

// Report implements Sink.
func (b *Board) Report(s StageStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.latest[s.Stage]; !ok {
		b.order = append(b.order, s.Stage)
	}
	b.latest[s.Stage] = s
}

// Steps returns the latest status of every stage.
func (b *Board) Steps() []StageStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]StageStatus, len(b.order))
	for i, id := range b.order {
		out[i] = b.latest[id]
	}
	return out
}

// Get returns the latest status of stage.
func (b *Board) Get(stage string) (StageStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.latest[stage]
	return s, ok
}

// Async forwards updates to a sink from a background goroutine. Updates
// arriving while the buffer is full are dropped.
type Async struct {
	next    Sink
	ch      chan StageStatus
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts forwarding to next with a buffer of size updates.
func NewAsync(next Sink, size int) *Async {
	if size < 1 {
		size = 1
	}
	a := &Async{
		next: next,
		ch:   make(chan StageStatus, size),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for s := range a.ch {
		a.next.Report(s)
	}
}

// Report implements Sink without blocking.
func (a *Async) Report(s StageStatus) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- s:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many updates were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting updates and waits for buffered ones to be delivered.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}
