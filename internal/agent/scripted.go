package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/config"
)

// Scripted replays configured steps. A step is consumed only when the
// supervisor accepts the attempt's result; the last step repeats. Cancelled
// or discarded attempts replay the same step.
type Scripted struct {
	mu           sync.Mutex
	steps        []config.ScriptStep
	presentation *config.ScriptStep
	next         int
	observed     []PeerState
}

// NewScripted builds a scripted backend.
func NewScripted(steps []config.ScriptStep, presentation *config.ScriptStep) *Scripted {
	return &Scripted{steps: append([]config.ScriptStep(nil), steps...), presentation: presentation}
}

// ObservePeerUpdate records peer updates delivered between attempts.
func (s *Scripted) ObservePeerUpdate(_ string, peers PeerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = append(s.observed, peers)
}

// Observed returns the peer updates received so far.
func (s *Scripted) Observed() []PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PeerState(nil), s.observed...)
}

// ProduceAnswer runs the current step.
func (s *Scripted) ProduceAnswer(ctx context.Context, req Request) (Result, error) {
	step, err := s.current(req)
	if err != nil {
		return Result{}, err
	}
	if step.Delay.Duration > 0 {
		timer := time.NewTimer(step.Delay.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Hang {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	if err := applyFileOps(req.Workspace, step); err != nil {
		return Result{}, err
	}
	if step.Error != "" {
		return Result{}, errors.New(step.Error)
	}

	var res Result
	switch {
	case step.Answer != "" && (req.CanAnswer || req.Presentation):
		res = Result{Kind: KindAnswer, Content: step.Answer}
	case step.Answer != "":
		// Frozen agents fall back to endorsing the first current answer.
		if len(req.Peers.Answers) == 0 {
			return Result{}, ErrAnswerLimit
		}
		res = Result{Kind: KindVote, TargetLabel: req.Peers.Answers[0].Label, Rationale: "answer limit reached"}
	case step.Vote != "":
		target, ok := req.Peers.Find(step.Vote)
		if !ok {
			// Wait for the target's answer; the orchestrator restarts this
			// attempt with fresh peers when it arrives.
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		res = Result{Kind: KindVote, TargetAgentID: target.AgentID, TargetLabel: target.Label, Rationale: step.Rationale}
	case req.Presentation && req.Winner != nil:
		res = Result{Kind: KindAnswer, Content: req.Winner.Content}
	default:
		return Result{}, fmt.Errorf("%w: script step has neither answer nor vote", ErrMalformed)
	}
	return res, nil
}

// Accepted moves to the next step.
func (s *Scripted) Accepted(req Request) {
	s.advance(req)
}

func (s *Scripted) current(req Request) (config.ScriptStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Presentation {
		if s.presentation != nil {
			return *s.presentation, nil
		}
		return config.ScriptStep{}, nil
	}
	if len(s.steps) == 0 {
		return config.ScriptStep{}, fmt.Errorf("%w: empty script", ErrMalformed)
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx], nil
}

func (s *Scripted) advance(req Request) {
	if req.Presentation {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.steps) {
		s.next++
	}
}

func applyFileOps(ws Workspace, step config.ScriptStep) error {
	if len(step.Write) == 0 && len(step.Delete) == 0 {
		return nil
	}
	if ws == nil {
		return errors.New("agent: script touches files but no workspace is attached")
	}
	paths := make([]string, 0, len(step.Write))
	for p := range step.Write {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := ws.WriteFile(p, []byte(step.Write[p])); err != nil {
			return err
		}
	}
	for _, p := range step.Delete {
		if _, err := ws.ReadFile(p); err != nil {
			return err
		}
		if err := ws.DeleteFile(p); err != nil {
			return err
		}
	}
	return nil
}
