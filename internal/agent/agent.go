// Package agent defines the capability the orchestrator needs from an agent
// backend and the built-in backend kinds.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned when a backend produces an unusable result.
	ErrMalformed = errors.New("agent: malformed result")
	// ErrAnswerLimit is returned when an agent answers after reaching its
	// new-answer bound.
	ErrAnswerLimit = errors.New("agent: new answer limit reached")
)

// Kind distinguishes the two results an attempt can produce.
type Kind string

const (
	KindAnswer Kind = "answer"
	KindVote   Kind = "vote"
)

// Backend produces one answer or vote per call. Implementations must return
// promptly once ctx is cancelled.
type Backend interface {
	ProduceAnswer(ctx context.Context, req Request) (Result, error)
}

// PeerObserver is implemented by backends that accept peer updates between
// attempts.
type PeerObserver interface {
	ObservePeerUpdate(agentID string, peers PeerState)
}

// Acknowledger is implemented by backends that keep progress across
// attempts. Accepted is called once the result of req's attempt is recorded;
// results of cancelled or superseded attempts are never acknowledged.
type Acknowledger interface {
	Accepted(req Request)
}

// Workspace is the file API an agent uses inside its isolated directory.
type Workspace interface {
	Dir() string
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) error
	DeleteFile(rel string) error
}

// PeerAnswer is another agent's current answer.
type PeerAnswer struct {
	AgentID string `json:"agent_id"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

// PeerVote is another agent's current vote.
type PeerVote struct {
	VoterID     string `json:"voter_id"`
	TargetLabel string `json:"target_label"`
}

// PeerState is the view of the round injected before each invocation.
type PeerState struct {
	Answers []PeerAnswer `json:"answers"`
	Votes   []PeerVote   `json:"votes"`
}

// Labels lists the answer labels in the state.
func (p PeerState) Labels() []string {
	labels := make([]string, 0, len(p.Answers))
	for _, a := range p.Answers {
		labels = append(labels, a.Label)
	}
	return labels
}

// Find returns the current answer of an agent.
func (p PeerState) Find(agentID string) (PeerAnswer, bool) {
	for _, a := range p.Answers {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return PeerAnswer{}, false
}

// Request is everything an attempt receives.
type Request struct {
	AgentID  string    `json:"agent_id"`
	Round    int       `json:"round"`
	Attempt  int       `json:"attempt"`
	Question string    `json:"question"`
	Peers    PeerState `json:"peers"`
	// CanAnswer is false once the agent reached its new-answer bound; it
	// may still vote.
	CanAnswer    bool        `json:"can_answer"`
	Presentation bool        `json:"presentation"`
	Winner       *PeerAnswer `json:"winner,omitempty"`
	// SideEffects reports whether tool-executing actions are permitted.
	SideEffects  bool      `json:"side_effects"`
	LastError    string    `json:"last_error,omitempty"`
	WorkspaceDir string    `json:"workspace_dir,omitempty"`
	Workspace    Workspace `json:"-"`
}

// Result is the typed outcome of one attempt.
type Result struct {
	Kind          Kind   `json:"kind"`
	Content       string `json:"content,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TargetLabel   string `json:"target_label,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
}

// Validate rejects results the orchestrator cannot record.
func (r Result) Validate() error {
	switch r.Kind {
	case KindAnswer:
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: answer has no content", ErrMalformed)
		}
	case KindVote:
		if r.TargetAgentID == "" && r.TargetLabel == "" {
			return fmt.Errorf("%w: vote has no target", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, r.Kind)
	}
	return nil
}
