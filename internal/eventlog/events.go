package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of coordination event.
type Type string

const (
	TypeSessionStarted Type = "SESSION_STARTED"
	TypeRoundStarted   Type = "ROUND_STARTED"
	TypeNewAnswer      Type = "NEW_ANSWER"
	TypeVote           Type = "VOTE"
	TypeVoteIgnored    Type = "VOTE_IGNORED"
	TypeError          Type = "ERROR"
	TypeTimeout        Type = "TIMEOUT"
	TypeCancelled      Type = "CANCELLED"
	TypeStatusChange   Type = "STATUS_CHANGE"
	TypeRestart        Type = "RESTART"
	TypeRoundResolved  Type = "ROUND_RESOLVED"
	TypePhaseChange    Type = "PHASE_CHANGE"
	TypeFinalAnswer    Type = "FINAL_ANSWER"
)

var knownTypes = map[Type]struct{}{
	TypeSessionStarted: {},
	TypeRoundStarted:   {},
	TypeNewAnswer:      {},
	TypeVote:           {},
	TypeVoteIgnored:    {},
	TypeError:          {},
	TypeTimeout:        {},
	TypeCancelled:      {},
	TypeStatusChange:   {},
	TypeRestart:        {},
	TypeRoundResolved:  {},
	TypePhaseChange:    {},
	TypeFinalAnswer:    {},
}

// Event is a single entry of the coordination log. Seq, ID and Time are
// assigned by Log.Append; callers fill the rest.
type Event struct {
	Seq     int64           `json:"seq"`
	ID      string          `json:"event_id"`
	Type    Type            `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	Round   int             `json:"round"`
	Time    time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an unsequenced event with payload encoded as JSON.
func NewEvent(typ Type, agentID string, round int, payload any) (Event, error) {
	evt := Event{Type: typ, AgentID: strings.TrimSpace(agentID), Round: round}
	if payload == nil {
		return evt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: encode %s payload: %w", typ, err)
	}
	evt.Payload = raw
	return evt, nil
}

// Must is NewEvent for payloads that always encode (plain structs of strings and numbers).
func Must(typ Type, agentID string, round int, payload any) Event {
	evt, err := NewEvent(typ, agentID, round, payload)
	if err != nil {
		panic(err)
	}
	return evt
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventlog: decode %s payload (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// Validate enforces the baseline schema for an event before it is appended.
func (e Event) Validate() error {
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Round < 0 {
		return errors.New("round must be >= 0")
	}
	switch e.Type {
	case TypeSessionStarted, TypeRoundStarted, TypeRoundResolved, TypePhaseChange:
	default:
		if e.AgentID == "" {
			return fmt.Errorf("%s requires agent_id", e.Type)
		}
	}
	return nil
}

// SessionStartedPayload opens the log and names every participating agent.
type SessionStartedPayload struct {
	SessionID string   `json:"session_id"`
	Question  string   `json:"question"`
	Agents    []string `json:"agents"`
	MaxRounds int      `json:"max_rounds,omitempty"`
}

// AnswerPayload accompanies NEW_ANSWER.
type AnswerPayload struct {
	Label    string `json:"label"`
	Sequence int    `json:"sequence"`
	Content  string `json:"content"`
	Snapshot string `json:"snapshot,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Attempt  int    `json:"attempt"`
}

// VotePayload accompanies VOTE. Observed lists the answer labels the voter saw
// when it produced the vote.
type VotePayload struct {
	TargetAgentID string   `json:"target_agent_id"`
	TargetLabel   string   `json:"target_label"`
	Rationale     string   `json:"rationale,omitempty"`
	Observed      []string `json:"observed,omitempty"`
	Attempt       int      `json:"attempt"`
}

// VoteIgnoredPayload explains why a recorded vote does not count.
type VoteIgnoredPayload struct {
	TargetLabel string `json:"target_label"`
	Reason      string `json:"reason"`
	VoteSeq     int64  `json:"vote_seq"`
}

// ErrorPayload accompanies ERROR.
type ErrorPayload struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
	// Ended marks a recoverable error that ended the attempt without a
	// result. The agent stays eligible.
	Ended        bool `json:"ended,omitempty"`
	Presentation bool `json:"presentation,omitempty"`
	Attempt      int  `json:"attempt"`
}

// TimeoutPayload accompanies TIMEOUT.
type TimeoutPayload struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
	Presentation   bool    `json:"presentation,omitempty"`
	Attempt        int     `json:"attempt"`
}

// CancelledPayload accompanies CANCELLED.
type CancelledPayload struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// StatusChangePayload accompanies STATUS_CHANGE.
type StatusChangePayload struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to"`
	Attempt      int    `json:"attempt"`
	Presentation bool   `json:"presentation,omitempty"`
}

// RestartPayload accompanies RESTART.
type RestartPayload struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// RoundResolvedPayload records the consensus decision.
type RoundResolvedPayload struct {
	WinnerAgentID string             `json:"winner_agent_id"`
	WinnerLabel   string             `json:"winner_label"`
	Method        string             `json:"method"`
	Tally         map[string]float64 `json:"tally,omitempty"`
}

// PhaseChangePayload accompanies PHASE_CHANGE.
type PhaseChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FinalAnswerPayload carries the winner's presented answer.
type FinalAnswerPayload struct {
	Label    string `json:"label"`
	Content  string `json:"content"`
	Snapshot string `json:"snapshot,omitempty"`
	Source   string `json:"source"`
}
