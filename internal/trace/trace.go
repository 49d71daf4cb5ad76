package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event records a single observable step: one model attempt or one stage
// outcome. Events are advisory; losing one never affects pipeline results.
type Event struct {
	Time      time.Time `json:"time"`
	RecordID  string    `json:"record_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Model     string    `json:"model,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Outcome   string    `json:"outcome"`
	LatencyMS int64     `json:"latency_ms"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink receives trace events. Emit must never block the caller for long and
// must tolerate being called from multiple goroutines.
type Sink interface {
	Emit(ev Event)
}

// LogSink writes events to the global zap logger.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	zap.L().Info("trace event",
		zap.String("record_id", ev.RecordID),
		zap.String("stage", ev.Stage),
		zap.String("model", ev.Model),
		zap.Int("attempt", ev.Attempt),
		zap.String("outcome", ev.Outcome),
		zap.Int64("latency_ms", ev.LatencyMS),
		zap.String("detail", ev.Detail),
	)
}

// BufferedSink decouples emitters from a slow downstream sink via a bounded
// channel. When the buffer is full the event is dropped and counted.
type BufferedSink struct {
	ch      chan Event
	next    Sink
	dropped int64
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewBufferedSink starts a forwarding goroutine draining into next.
func NewBufferedSink(next Sink, size int) *BufferedSink {
	if size <= 0 {
		size = 256
	}
	s := &BufferedSink{
		ch:   make(chan Event, size),
		next: next,
		done: make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *BufferedSink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *BufferedSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the forwarding goroutine after flushing buffered events.
func (s *BufferedSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *BufferedSink) drain() {
	defer close(s.done)
	for ev := range s.ch {
		s.next.Emit(ev)
	}
}

// MemSink captures events in memory for tests.
type MemSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of all captured events.
func (s *MemSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
