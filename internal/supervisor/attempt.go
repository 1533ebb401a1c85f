package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/concord/internal/agent"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/session"
	"github.com/kingrea/concord/internal/workspace"
)

// Error kinds recorded on ERROR events.
const (
	KindPolicy    = "policy"
	KindMalformed = "malformed"
	KindLimit     = "answer_limit"
	KindBackend   = "backend"
)

func (s *Supervisor) run(ctx context.Context, t *task, a attempt) {
	handle := a.handle
	if handle == nil {
		h, err := s.ws.Acquire(t.id, a.round)
		if err != nil {
			s.fail(fmt.Errorf("acquire workspace for %s: %w", t.id, err))
			return
		}
		handle = h
	}
	req := agent.Request{
		AgentID:      t.id,
		Round:        a.round,
		Attempt:      a.gen,
		Question:     s.question,
		Peers:        a.peers,
		CanAnswer:    a.canAnswer,
		Presentation: a.presentation,
		Winner:       a.winner,
		SideEffects:  s.sideEffects(t.id),
		WorkspaceDir: handle.Dir(),
		Workspace:    handle,
	}

	for try := 0; try < 2; try++ {
		res, timedOut, err := s.call(ctx, t, req)
		if ctx.Err() != nil {
			// Cancelled by a restart or shutdown; that path already logged it.
			return
		}
		if timedOut {
			s.finish(t, a, eventlog.Must(eventlog.TypeTimeout, t.id, a.round, eventlog.TimeoutPayload{
				TimeoutSeconds: t.timeout.Seconds(),
				Presentation:   a.presentation,
				Attempt:        a.gen,
			}), nil)
			return
		}
		if err == nil {
			err = res.Validate()
		}
		if err == nil && res.Kind == agent.KindAnswer && !a.canAnswer {
			err = agent.ErrAnswerLimit
		}
		if err == nil {
			s.complete(t, a, handle, req, res)
			return
		}
		kind, recoverable := classify(err)
		if recoverable && try == 0 {
			ok := s.emit(t, a, eventlog.Must(eventlog.TypeError, t.id, a.round, eventlog.ErrorPayload{
				Kind:         kind,
				Message:      err.Error(),
				Recoverable:  true,
				Presentation: a.presentation,
				Attempt:      a.gen,
			}))
			if !ok {
				return
			}
			req.LastError = err.Error()
			continue
		}
		// Policy and limit violations leave the agent eligible; it is
		// re-prompted when peers change.
		keep := recoverable && kind != KindMalformed
		s.finish(t, a, eventlog.Must(eventlog.TypeError, t.id, a.round, eventlog.ErrorPayload{
			Kind:         kind,
			Message:      err.Error(),
			Recoverable:  keep,
			Ended:        keep,
			Presentation: a.presentation,
			Attempt:      a.gen,
		}), &req)
		return
	}
}

// call runs one backend invocation under the agent's deadline.
func (s *Supervisor) call(ctx context.Context, t *task, req agent.Request) (agent.Result, bool, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	res, err := t.backend.ProduceAnswer(callCtx, req)
	timedOut := ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	return res, timedOut, err
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, workspace.ErrPolicy):
		return KindPolicy, true
	case errors.Is(err, agent.ErrAnswerLimit):
		return KindLimit, true
	case errors.Is(err, agent.ErrMalformed):
		return KindMalformed, true
	default:
		return KindBackend, false
	}
}

func current(t *task, a attempt) bool {
	return t.running && t.gen == a.gen
}

// emit appends an event from a still-current attempt without ending it.
func (s *Supervisor) emit(t *task, a attempt, evt eventlog.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !current(t, a) {
		return false
	}
	if _, err := s.log.Append(evt); err != nil {
		s.fail(err)
		return false
	}
	return true
}

// finish appends the terminal event of an attempt. Stale attempts are
// dropped. A non-nil req is acknowledged to the backend once recorded.
func (s *Supervisor) finish(t *task, a attempt, evt eventlog.Event, req *agent.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !current(t, a) {
		s.logger.Printf("supervisor: discarding stale %s from %s attempt %d", evt.Type, t.id, a.gen)
		return
	}
	t.running = false
	if _, err := s.log.Append(evt); err != nil {
		s.fail(err)
		return
	}
	if req != nil {
		acknowledge(t, *req)
	}
}

// acknowledge must be called with t.mu held so a restart cannot start the
// next attempt before the backend has moved on.
func acknowledge(t *task, req agent.Request) {
	if ack, ok := t.backend.(agent.Acknowledger); ok {
		ack.Accepted(req)
	}
}

func (s *Supervisor) complete(t *task, a attempt, h *workspace.Handle, req agent.Request, res agent.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !current(t, a) {
		s.logger.Printf("supervisor: discarding stale %s from %s attempt %d", res.Kind, t.id, a.gen)
		return
	}
	t.running = false

	var evt eventlog.Event
	switch {
	case a.presentation:
		snap, err := s.ws.SnapshotFinal(h)
		if err != nil {
			s.fail(fmt.Errorf("snapshot final workspace of %s: %w", t.id, err))
			return
		}
		content := res.Content
		if res.Kind != agent.KindAnswer && a.winner != nil {
			content = a.winner.Content
		}
		label := ""
		if a.winner != nil {
			label = a.winner.Label
		}
		evt = eventlog.Must(eventlog.TypeFinalAnswer, t.id, a.round, eventlog.FinalAnswerPayload{
			Label:    label,
			Content:  content,
			Snapshot: snap.Path,
			Source:   "presentation",
		})
	case res.Kind == agent.KindAnswer:
		seq := t.answers + 1
		snap, err := s.ws.Snapshot(h, seq)
		if err != nil {
			s.fail(fmt.Errorf("snapshot workspace of %s: %w", t.id, err))
			return
		}
		evt = eventlog.Must(eventlog.TypeNewAnswer, t.id, a.round, eventlog.AnswerPayload{
			Label:    session.Label(t.id, seq),
			Sequence: seq,
			Content:  strings.TrimSpace(res.Content),
			Snapshot: snap.Path,
			Digest:   snap.Digest,
			Attempt:  a.gen,
		})
		t.answers = seq
	default:
		target := res.TargetLabel
		if target == "" {
			if peer, ok := req.Peers.Find(res.TargetAgentID); ok {
				target = peer.Label
			}
		}
		evt = eventlog.Must(eventlog.TypeVote, t.id, a.round, eventlog.VotePayload{
			TargetAgentID: res.TargetAgentID,
			TargetLabel:   target,
			Rationale:     res.Rationale,
			Observed:      req.Peers.Labels(),
			Attempt:       a.gen,
		})
	}
	if _, err := s.log.Append(evt); err != nil {
		s.fail(err)
		return
	}
	acknowledge(t, req)
}
