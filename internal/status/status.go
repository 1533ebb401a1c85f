// Package status builds the externally visible status record of a
// coordination session and persists it for observers.
package status

import (
	"sort"
	"strings"
	"time"

	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/session"
)

const previewLimit = 280

// Status is the schema of status.json.
type Status struct {
	Meta         Meta                   `json:"meta"`
	Coordination Coordination           `json:"coordination"`
	Agents       map[string]AgentStatus `json:"agents"`
	Results      Results                `json:"results"`
}

// Meta identifies the session.
type Meta struct {
	SessionID      string    `json:"session_id"`
	StartTime      time.Time `json:"start_time"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Question       string    `json:"question"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastSeq        int64     `json:"last_seq"`
}

// Coordination summarizes progress.
type Coordination struct {
	Phase                string  `json:"phase"`
	Round                int     `json:"round"`
	RoundState           string  `json:"round_state,omitempty"`
	ActiveAgent          string  `json:"active_agent,omitempty"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsFinalPresentation  bool    `json:"is_final_presentation"`
}

// VoteStatus is an agent's current vote.
type VoteStatus struct {
	TargetAgentID string `json:"target_agent_id"`
	TargetLabel   string `json:"target_label"`
	Rationale     string `json:"rationale,omitempty"`
}

// ErrorStatus is an agent's last error.
type ErrorStatus struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStatus is one agent's row.
type AgentStatus struct {
	Status            string       `json:"status"`
	AnswerCount       int          `json:"answer_count"`
	LatestAnswerLabel string       `json:"latest_answer_label,omitempty"`
	VoteCast          *VoteStatus  `json:"vote_cast,omitempty"`
	TimesRestarted    int          `json:"times_restarted"`
	LastActivity      time.Time    `json:"last_activity"`
	Error             *ErrorStatus `json:"error,omitempty"`
}

// WinnerStatus is present once the session resolved.
type WinnerStatus struct {
	AgentID string `json:"agent_id"`
	Label   string `json:"label"`
	Method  string `json:"method"`
	Round   int    `json:"round"`
}

// Results carries the tally and the outcome.
type Results struct {
	Votes              map[string]float64 `json:"votes"`
	IgnoredVotes       int                `json:"ignored_votes"`
	Winner             *WinnerStatus      `json:"winner,omitempty"`
	FinalAnswerPreview string             `json:"final_answer_preview,omitempty"`
}

// Build projects a session snapshot into a status record at time now.
func Build(st session.State, cfg consensus.Config, now time.Time) Status {
	out := Status{
		Meta: Meta{
			SessionID: st.ID,
			StartTime: st.StartedAt,
			Question:  st.Question,
			UpdatedAt: now.UTC(),
			LastSeq:   st.LastSeq,
		},
		Coordination: Coordination{
			Phase:               string(st.Phase),
			Round:               st.Round,
			RoundState:          string(st.RoundState),
			ActiveAgent:         st.ActiveAgent,
			IsFinalPresentation: st.Phase == session.PhasePresentation,
		},
		Agents: make(map[string]AgentStatus, len(st.Agents)),
		Results: Results{
			Votes:        consensus.Tally(cfg, st.ConsensusView(false)),
			IgnoredVotes: st.Ignored,
		},
	}
	if !st.StartedAt.IsZero() {
		out.Meta.ElapsedSeconds = now.Sub(st.StartedAt).Seconds()
	}
	for _, a := range st.Agents {
		row := AgentStatus{
			Status:            string(a.Status),
			AnswerCount:       a.AnswerCount,
			LatestAnswerLabel: a.LatestLabel,
			TimesRestarted:    a.TimesRestarted,
			LastActivity:      a.LastActivity,
		}
		if a.VoteCast != nil {
			row.VoteCast = &VoteStatus{
				TargetAgentID: a.VoteCast.TargetAgentID,
				TargetLabel:   a.VoteCast.TargetLabel,
				Rationale:     a.VoteCast.Rationale,
			}
		}
		if a.Error != nil {
			row.Error = &ErrorStatus{Kind: a.Error.Kind, Message: a.Error.Message, Timestamp: a.Error.At}
		}
		out.Agents[a.ID] = row
	}
	out.Coordination.CompletionPercentage = completion(st)
	if st.Winner != nil {
		out.Results.Winner = &WinnerStatus{
			AgentID: st.Winner.AgentID,
			Label:   st.Winner.Label,
			Method:  st.Winner.Method,
			Round:   st.Winner.Round,
		}
		if len(st.Winner.Tally) > 0 {
			out.Results.Votes = st.Winner.Tally
		}
	}
	switch {
	case st.Final != nil:
		out.Results.FinalAnswerPreview = preview(st.Final.Content)
	case st.Winner != nil:
		if ans, ok := st.Answer(st.Winner.Label); ok {
			out.Results.FinalAnswerPreview = preview(ans.Content)
		}
	}
	return out
}

// completion is the share of agents that have settled for this round:
// voted, or out of the running.
func completion(st session.State) float64 {
	if st.Final != nil {
		return 100
	}
	if len(st.Agents) == 0 {
		return 0
	}
	done := 0
	for _, a := range st.Agents {
		switch {
		case a.Excluded, a.Status == session.StatusTimeout, a.Status == session.StatusCompleted:
			done++
		case a.VoteCast != nil && !a.InFlight:
			done++
		}
	}
	pct := float64(done) * 100 / float64(len(st.Agents))
	if st.Winner != nil && pct < 100 {
		// Resolution settles the round; presentation is the last step.
		pct = 99
	}
	return pct
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) <= previewLimit {
		return content
	}
	return strings.TrimSpace(content[:previewLimit]) + "…"
}

// AgentIDs returns the agent ids in sorted order.
func (s Status) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolved reports whether a winner is recorded.
func (s Status) Resolved() bool {
	return s.Results.Winner != nil
}
