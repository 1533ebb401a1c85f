// Package eventlog is the append-only, totally ordered record of every
// coordination event. Append is the only synchronization point shared by
// agent tasks; readers observe events in exactly the order they were appended.
package eventlog

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPersistence wraps sink failures. A session cannot continue once it is returned.
var ErrPersistence = errors.New("eventlog: persistence failure")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("eventlog: log closed")

// Sink persists appended events. Write is called under the log lock, so
// implementations see events in sequence order.
type Sink interface {
	Write(Event) error
	Close() error
}

// Logger records diagnostic messages. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes Log construction.
type Option func(*Log)

// WithSink persists every appended event before it becomes visible to readers.
func WithSink(sink Sink) Option {
	return func(l *Log) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger injects a logger for diagnostics.
func WithLogger(logger Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Log is an in-memory ordered event log with an optional persistent sink.
type Log struct {
	mu     sync.RWMutex
	events []Event
	sink   Sink
	clock  func() time.Time
	logger Logger
	subs   map[*subscriber]struct{}
	closed bool
}

// New constructs an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		clock:  func() time.Time { return time.Now().UTC() },
		logger: nopLogger{},
		subs:   map[*subscriber]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append assigns the next sequence number and timestamp, persists the event
// and publishes it to readers. Timestamps never go backwards relative to the
// previous entry, so sequence order and timestamp order agree.
func (l *Log) Append(evt Event) (int64, error) {
	if err := evt.Validate(); err != nil {
		return 0, fmt.Errorf("eventlog: %w", err)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	evt.Seq = int64(len(l.events)) + 1
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.Time = l.clock().UTC()
	if n := len(l.events); n > 0 && evt.Time.Before(l.events[n-1].Time) {
		evt.Time = l.events[n-1].Time
	}
	if l.sink != nil {
		if err := l.sink.Write(evt); err != nil {
			l.mu.Unlock()
			return 0, fmt.Errorf("%w: seq %d: %v", ErrPersistence, evt.Seq, err)
		}
	}
	l.events = append(l.events, evt)
	subs := make([]*subscriber, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()
	for _, sub := range subs {
		sub.notify()
	}
	return evt.Seq, nil
}

// ReadFrom returns the events with Seq >= seq that exist when iteration starts.
// The sequence is finite and may be ranged over any number of times; each
// pass observes the log as of that pass.
func (l *Log) ReadFrom(seq int64) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		start := seq
		if start < 1 {
			start = 1
		}
		l.mu.RLock()
		var window []Event
		if int(start-1) < len(l.events) {
			window = l.events[start-1:]
		}
		l.mu.RUnlock()
		for _, evt := range window {
			if !yield(evt) {
				return
			}
		}
	}
}

// Len reports the sequence number of the last appended event.
func (l *Log) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events))
}

// Events returns a copy of every appended event.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscribe returns a channel that receives a signal after appends. Signals
// coalesce; subscribers read the data itself through ReadFrom so nothing is
// lost when several appends collapse into one wake-up.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	sub := &subscriber{ch: make(chan struct{}, 1)}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub.ch, func() {
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
		sub.close()
	}
}

// Close stops accepting appends, releases subscribers and closes the sink.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := l.subs
	l.subs = map[*subscriber]struct{}{}
	sink := l.sink
	l.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			l.logger.Printf("eventlog: close sink: %v", err)
			return err
		}
	}
	return nil
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func (s *subscriber) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
