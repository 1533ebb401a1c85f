// Package session holds the coordination aggregate: phase, round, agent
// records, answers, votes and the winner. It is mutated only by applying
// events read from the event log, which makes it reproducible by replay.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the coordination phase. Phases only move forward.
type Phase string

const (
	PhaseInitialAnswer Phase = "initial_answer"
	PhaseEnforcement   Phase = "enforcement"
	PhasePresentation  Phase = "presentation"
)

func (p Phase) rank() int {
	switch p {
	case PhaseEnforcement:
		return 1
	case PhasePresentation:
		return 2
	default:
		return 0
	}
}

// RoundState tracks the consensus state of the current round.
type RoundState string

const (
	RoundCollecting RoundState = "collecting"
	RoundResolved   RoundState = "resolved"
	RoundArchived   RoundState = "archived"
)

// Status is the per-agent lifecycle state.
type Status string

const (
	StatusStreaming  Status = "streaming"
	StatusAnswered   Status = "answered"
	StatusVoted      Status = "voted"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusCompleted  Status = "completed"
)

// Answer is immutable once recorded.
type Answer struct {
	AgentID     string    `json:"agent_id"`
	Sequence    int       `json:"sequence"`
	Label       string    `json:"label"`
	Content     string    `json:"content"`
	Round       int       `json:"round"`
	Snapshot    string    `json:"snapshot,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	EventSeq    int64     `json:"event_seq"`
}

// Vote is immutable once recorded.
type Vote struct {
	VoterID       string    `json:"voter_id"`
	TargetAgentID string    `json:"target_agent_id"`
	TargetLabel   string    `json:"target_label"`
	Rationale     string    `json:"rationale,omitempty"`
	Round         int       `json:"round"`
	CastAt        time.Time `json:"cast_at"`
	EventSeq      int64     `json:"event_seq"`
}

// AgentError is the structured error attached to an agent record.
type AgentError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Agent is one configured agent's record for the whole session.
type Agent struct {
	ID             string      `json:"id"`
	Status         Status      `json:"status"`
	AnswerCount    int         `json:"answer_count"`
	TimesRestarted int         `json:"times_restarted"`
	LatestLabel    string      `json:"latest_answer_label,omitempty"`
	VoteCast       *Vote       `json:"vote_cast,omitempty"`
	LastActivity   time.Time   `json:"last_activity"`
	Error          *AgentError `json:"error,omitempty"`
	// Excluded agents no longer count toward tallies or quorum.
	Excluded bool `json:"excluded,omitempty"`
	InFlight bool `json:"in_flight,omitempty"`
	Attempt  int  `json:"attempt"`

	settled Status
}

// Winner is set exactly once, at round resolution.
type Winner struct {
	AgentID    string             `json:"agent_id"`
	Label      string             `json:"label"`
	Method     string             `json:"method"`
	Round      int                `json:"round"`
	Tally      map[string]float64 `json:"tally,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// FinalAnswer is the presented result of the session.
type FinalAnswer struct {
	AgentID  string    `json:"agent_id"`
	Label    string    `json:"label"`
	Content  string    `json:"content"`
	Snapshot string    `json:"snapshot,omitempty"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Session is the aggregate root. Methods are safe for concurrent use; only
// Apply mutates.
type Session struct {
	mu sync.RWMutex

	id          string
	question    string
	startedAt   time.Time
	maxRounds   int
	phase       Phase
	round       int
	roundState  RoundState
	order       []string
	agents      map[string]*Agent
	answers     []Answer
	byLabel     map[string]int
	votes       []Vote
	ignored     int
	winner      *Winner
	final       *FinalAnswer
	lastSeq     int64
	activeAgent string
	updatedAt   time.Time
}

// New returns an empty session. The SESSION_STARTED event populates it.
func New() *Session {
	return &Session{
		phase:      PhaseInitialAnswer,
		roundState: RoundCollecting,
		agents:     map[string]*Agent{},
		byLabel:    map[string]int{},
	}
}

// Label formats the human-facing answer label.
func Label(agentID string, sequence int) string {
	return fmt.Sprintf("%s.%d", agentID, sequence)
}

// State is a deep, immutable copy of the aggregate.
type State struct {
	ID          string       `json:"session_id"`
	Question    string       `json:"question"`
	StartedAt   time.Time    `json:"start_time"`
	UpdatedAt   time.Time    `json:"updated_at"`
	MaxRounds   int          `json:"max_rounds,omitempty"`
	Phase       Phase        `json:"phase"`
	Round       int          `json:"round"`
	RoundState  RoundState   `json:"round_state"`
	Agents      []Agent      `json:"agents"`
	Answers     []Answer     `json:"answers"`
	Votes       []Vote       `json:"votes"`
	Ignored     int          `json:"ignored_votes"`
	Winner      *Winner      `json:"winner,omitempty"`
	Final       *FinalAnswer `json:"final_answer,omitempty"`
	LastSeq     int64        `json:"last_seq"`
	ActiveAgent string       `json:"active_agent,omitempty"`
}

// Snapshot copies the aggregate under a read lock.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		ID:          s.id,
		Question:    s.question,
		StartedAt:   s.startedAt,
		UpdatedAt:   s.updatedAt,
		MaxRounds:   s.maxRounds,
		Phase:       s.phase,
		Round:       s.round,
		RoundState:  s.roundState,
		Answers:     append([]Answer(nil), s.answers...),
		Votes:       append([]Vote(nil), s.votes...),
		Ignored:     s.ignored,
		LastSeq:     s.lastSeq,
		ActiveAgent: s.activeAgent,
	}
	for _, id := range s.order {
		a := *s.agents[id]
		if a.VoteCast != nil {
			v := *a.VoteCast
			a.VoteCast = &v
		}
		if a.Error != nil {
			e := *a.Error
			a.Error = &e
		}
		st.Agents = append(st.Agents, a)
	}
	if s.winner != nil {
		w := *s.winner
		w.Tally = copyTally(s.winner.Tally)
		st.Winner = &w
	}
	if s.final != nil {
		f := *s.final
		st.Final = &f
	}
	return st
}

// Agent returns the named agent record from the snapshot.
func (st State) Agent(id string) (Agent, bool) {
	for _, a := range st.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Answer looks up an answer by label.
func (st State) Answer(label string) (Answer, bool) {
	for _, ans := range st.Answers {
		if ans.Label == label {
			return ans, true
		}
	}
	return Answer{}, false
}

// CurrentAnswers returns each agent's latest answer in agent order.
func (st State) CurrentAnswers() []Answer {
	var out []Answer
	for _, a := range st.Agents {
		if a.LatestLabel == "" {
			continue
		}
		if ans, ok := st.Answer(a.LatestLabel); ok {
			out = append(out, ans)
		}
	}
	return out
}

// CurrentVotes returns the votes that currently count, in agent order.
func (st State) CurrentVotes() []Vote {
	var out []Vote
	for _, a := range st.Agents {
		if a.VoteCast != nil && !a.Excluded {
			out = append(out, *a.VoteCast)
		}
	}
	return out
}

// RoundComplete reports whether no agent has an attempt in flight.
func (st State) RoundComplete() bool {
	for _, a := range st.Agents {
		if a.InFlight {
			return false
		}
	}
	return true
}

// AgentIDs returns the configured agent ids in session order.
func (st State) AgentIDs() []string {
	ids := make([]string, 0, len(st.Agents))
	for _, a := range st.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// AllowSideEffects gates tool-executing actions under planning mode: only
// the winner during presentation may mutate.
func (s *Session) AllowSideEffects(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhasePresentation && s.winner != nil && s.winner.AgentID == agentID
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Winner returns the winner once resolved.
func (s *Session) Winner() (Winner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.winner == nil {
		return Winner{}, false
	}
	w := *s.winner
	w.Tally = copyTally(s.winner.Tally)
	return w, true
}

func copyTally(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
