// Package supervisor runs one concurrent task per agent and translates each
// attempt's outcome into events on the coordination log.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/agent"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/workspace"
)

// ErrUnknownAgent is returned for ids that were never added.
var ErrUnknownAgent = errors.New("supervisor: unknown agent")

// ErrRunning is returned by Start when the agent already has an attempt in flight.
var ErrRunning = errors.New("supervisor: attempt already running")

// Appender is the event log's write side.
type Appender interface {
	Append(eventlog.Event) (int64, error)
}

// Workspaces is the subset of the workspace manager the supervisor drives.
type Workspaces interface {
	Acquire(agentID string, round int) (*workspace.Handle, error)
	Snapshot(h *workspace.Handle, seq int) (workspace.Snapshot, error)
	SnapshotFinal(h *workspace.Handle) (workspace.Snapshot, error)
}

// Logger records diagnostic messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger injects a logger for diagnostics.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQuestion sets the task every agent works on.
func WithQuestion(q string) Option {
	return func(s *Supervisor) { s.question = q }
}

// WithSideEffects reports whether an agent may run tool-executing actions.
func WithSideEffects(allow func(agentID string) bool) Option {
	return func(s *Supervisor) {
		if allow != nil {
			s.sideEffects = allow
		}
	}
}

// Supervisor owns the agent tasks.
type Supervisor struct {
	log         Appender
	ws          Workspaces
	logger      Logger
	question    string
	sideEffects func(string) bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	order []string

	wg    sync.WaitGroup
	fatal chan error
}

type task struct {
	mu         sync.Mutex
	id         string
	backend    agent.Backend
	timeout    time.Duration
	maxAnswers int

	answers int
	gen     int
	running bool
	cancel  context.CancelFunc
}

type attempt struct {
	gen          int
	round        int
	peers        agent.PeerState
	presentation bool
	winner       *agent.PeerAnswer
	handle       *workspace.Handle
	canAnswer    bool
}

// New creates a supervisor writing to log and allocating workspaces from ws.
func New(log Appender, ws Workspaces, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:         log,
		ws:          ws,
		logger:      nopLogger{},
		sideEffects: func(string) bool { return true },
		ctx:         ctx,
		cancel:      cancel,
		tasks:       map[string]*task{},
		fatal:       make(chan error, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add registers an agent. timeout bounds each backend call; maxAnswers
// bounds how many answers the agent may produce (zero means unbounded).
func (s *Supervisor) Add(id string, backend agent.Backend, timeout time.Duration, maxAnswers int) error {
	if backend == nil {
		return fmt.Errorf("supervisor: nil backend for %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[id]; dup {
		return fmt.Errorf("supervisor: agent %s already added", id)
	}
	s.tasks[id] = &task{id: id, backend: backend, timeout: timeout, maxAnswers: maxAnswers}
	s.order = append(s.order, id)
	return nil
}

// Fatal delivers the first session-fatal failure (event log or workspace).
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

func (s *Supervisor) task(id string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return t, nil
}

// Start launches a fresh attempt for the round.
func (s *Supervisor) Start(id string, round int, peers agent.PeerState) error {
	t, err := s.task(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("%w: %s", ErrRunning, id)
	}
	t.gen++
	if _, err := s.log.Append(eventlog.Must(eventlog.TypeStatusChange, id, round, eventlog.StatusChangePayload{To: "streaming", Attempt: t.gen})); err != nil {
		return err
	}
	s.launch(t, attempt{gen: t.gen, round: round, peers: peers, canAnswer: t.canAnswer()})
	return nil
}

// Restart cancels any in-flight attempt and re-invokes the agent with the
// updated peer state.
func (s *Supervisor) Restart(id string, round int, peers agent.PeerState, reason string) error {
	t, err := s.task(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.cancel()
		t.running = false
		if _, err := s.log.Append(eventlog.Must(eventlog.TypeCancelled, id, round, eventlog.CancelledPayload{Reason: reason, Attempt: t.gen})); err != nil {
			return err
		}
	}
	t.gen++
	if _, err := s.log.Append(eventlog.Must(eventlog.TypeRestart, id, round, eventlog.RestartPayload{Reason: reason, Attempt: t.gen})); err != nil {
		return err
	}
	s.launch(t, attempt{gen: t.gen, round: round, peers: peers, canAnswer: t.canAnswer()})
	return nil
}

// Present runs the winner's final presentation in its restored workspace.
func (s *Supervisor) Present(id string, round int, peers agent.PeerState, winner agent.PeerAnswer, handle *workspace.Handle) error {
	t, err := s.task(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.cancel()
		t.running = false
	}
	t.gen++
	if _, err := s.log.Append(eventlog.Must(eventlog.TypeStatusChange, id, round, eventlog.StatusChangePayload{To: "streaming", Attempt: t.gen, Presentation: true})); err != nil {
		return err
	}
	s.launch(t, attempt{gen: t.gen, round: round, peers: peers, presentation: true, winner: &winner, handle: handle, canAnswer: true})
	return nil
}

// Observe forwards a peer update to an idle agent whose backend accepts them.
func (s *Supervisor) Observe(id string, peers agent.PeerState) {
	t, err := s.task(id)
	if err != nil {
		return
	}
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if obs, ok := t.backend.(agent.PeerObserver); ok && !running {
		obs.ObservePeerUpdate(id, peers)
	}
}

// Running reports whether the agent has an attempt in flight.
func (s *Supervisor) Running(id string) bool {
	t, err := s.task(id)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Attempt returns the generation of the agent's latest attempt.
func (s *Supervisor) Attempt(id string) int {
	t, err := s.task(id)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// StopAll cancels every in-flight attempt, recording a CANCELLED event for
// each. Results of stopped attempts are discarded.
func (s *Supervisor) StopAll(round int, reason string) error {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		t, _ := s.task(id)
		t.mu.Lock()
		if t.running {
			t.cancel()
			t.running = false
			if _, err := s.log.Append(eventlog.Must(eventlog.TypeCancelled, id, round, eventlog.CancelledPayload{Reason: reason, Attempt: t.gen})); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		t.mu.Unlock()
	}
	return firstErr
}

// Close cancels everything and waits for agent goroutines to exit.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every launched goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (t *task) canAnswer() bool {
	return t.maxAnswers <= 0 || t.answers < t.maxAnswers
}

// launch must be called with t.mu held.
func (s *Supervisor) launch(t *task, a attempt) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	t.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, t, a)
	}()
}

func (s *Supervisor) fail(err error) {
	s.logger.Printf("supervisor: fatal: %v", err)
	select {
	case s.fatal <- err:
	default:
	}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
