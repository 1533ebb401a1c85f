package session

import (
	"fmt"
	"slices"

	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/eventlog"
)

// Reasons recorded when a vote does not count.
const (
	ReasonSuperseded    = "superseded"
	ReasonUnknownTarget = "unknown_target"
	ReasonRoundResolved = "round_resolved"
	ReasonStaleContext  = "stale_context"
	ReasonNewAnswer     = "new_answer"
	ReasonVoterExcluded = "voter_excluded"
)

// Outcome reports what applying one event changed, so the coordinating loop
// can react without diffing snapshots.
type Outcome struct {
	// Ignored is set for answers or votes that were recorded but not counted.
	Ignored      bool
	IgnoreReason string
	// Invalidated holds votes cleared because a peer produced a new answer.
	Invalidated  []Vote
	PhaseChanged bool
	From, To     Phase
}

// Apply folds one event into the aggregate. It is deterministic: applying
// the same sequence to a fresh session always yields the same state.
func (s *Session) Apply(evt eventlog.Event) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Seq <= s.lastSeq && evt.Seq != 0 {
		return Outcome{}, fmt.Errorf("session: event seq %d already applied (last %d)", evt.Seq, s.lastSeq)
	}
	if evt.Type != eventlog.TypeSessionStarted && evt.AgentID != "" {
		if _, ok := s.agents[evt.AgentID]; !ok {
			return Outcome{}, fmt.Errorf("session: %s for unknown agent %q", evt.Type, evt.AgentID)
		}
	}
	if evt.Seq != 0 {
		s.lastSeq = evt.Seq
	}
	s.updatedAt = evt.Time
	if agent := s.agents[evt.AgentID]; agent != nil {
		agent.LastActivity = evt.Time
		s.activeAgent = agent.ID
	}

	var out Outcome
	var err error
	switch evt.Type {
	case eventlog.TypeSessionStarted:
		err = s.applyStarted(evt)
	case eventlog.TypeRoundStarted:
		if evt.Round > s.round {
			s.round = evt.Round
			s.roundState = RoundCollecting
		}
	case eventlog.TypeStatusChange:
		var p eventlog.StatusChangePayload
		if err = evt.Decode(&p); err == nil {
			agent := s.agents[evt.AgentID]
			agent.Status = Status(p.To)
			agent.Attempt = p.Attempt
			agent.InFlight = agent.Status == StatusStreaming || agent.Status == StatusRestarting
			agent.Error = nil
		}
	case eventlog.TypeRestart:
		var p eventlog.RestartPayload
		if err = evt.Decode(&p); err == nil {
			agent := s.agents[evt.AgentID]
			agent.TimesRestarted++
			agent.Status = StatusRestarting
			agent.Attempt = p.Attempt
			agent.InFlight = true
		}
	case eventlog.TypeCancelled:
		agent := s.agents[evt.AgentID]
		agent.InFlight = false
		if agent.settled != "" && (agent.Status == StatusStreaming || agent.Status == StatusRestarting) {
			agent.Status = agent.settled
		}
	case eventlog.TypeNewAnswer:
		out, err = s.applyAnswer(evt)
	case eventlog.TypeVote:
		out, err = s.applyVote(evt)
	case eventlog.TypeVoteIgnored:
		s.ignored++
	case eventlog.TypeError:
		err = s.applyError(evt)
	case eventlog.TypeTimeout:
		var p eventlog.TimeoutPayload
		if err = evt.Decode(&p); err == nil {
			agent := s.agents[evt.AgentID]
			agent.Error = &AgentError{Kind: "timeout", Message: fmt.Sprintf("no result within %.1fs", p.TimeoutSeconds), At: evt.Time}
			if !p.Presentation {
				agent.InFlight = false
				agent.Status = StatusTimeout
				agent.settled = StatusTimeout
			}
		}
	case eventlog.TypeRoundResolved:
		out, err = s.applyResolved(evt)
	case eventlog.TypePhaseChange:
		var p eventlog.PhaseChangePayload
		if err = evt.Decode(&p); err == nil {
			out = s.advance(Phase(p.To))
		}
	case eventlog.TypeFinalAnswer:
		var p eventlog.FinalAnswerPayload
		if err = evt.Decode(&p); err == nil && s.final == nil {
			s.final = &FinalAnswer{AgentID: evt.AgentID, Label: p.Label, Content: p.Content, Snapshot: p.Snapshot, Source: p.Source, At: evt.Time}
			agent := s.agents[evt.AgentID]
			agent.Status = StatusCompleted
			agent.settled = StatusCompleted
			agent.InFlight = false
			s.roundState = RoundArchived
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (s *Session) applyStarted(evt eventlog.Event) error {
	if s.id != "" {
		return fmt.Errorf("session: %s already started", s.id)
	}
	var p eventlog.SessionStartedPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("session: %s names no agents", evt.Type)
	}
	s.id = p.SessionID
	s.question = p.Question
	s.maxRounds = p.MaxRounds
	s.startedAt = evt.Time
	for _, id := range p.Agents {
		if _, dup := s.agents[id]; dup {
			return fmt.Errorf("session: duplicate agent %q", id)
		}
		s.order = append(s.order, id)
		s.agents[id] = &Agent{ID: id, Status: StatusStreaming, LastActivity: evt.Time}
	}
	return nil
}

func (s *Session) applyAnswer(evt eventlog.Event) (Outcome, error) {
	var p eventlog.AnswerPayload
	if err := evt.Decode(&p); err != nil {
		return Outcome{}, err
	}
	agent := s.agents[evt.AgentID]
	agent.InFlight = false
	if s.winner != nil {
		return Outcome{Ignored: true, IgnoreReason: ReasonRoundResolved}, nil
	}
	seq := p.Sequence
	if seq <= agent.AnswerCount {
		seq = agent.AnswerCount + 1
	}
	label := p.Label
	if label == "" {
		label = Label(agent.ID, seq)
	}
	if _, dup := s.byLabel[label]; dup {
		return Outcome{}, fmt.Errorf("session: duplicate answer label %q", label)
	}
	ans := Answer{
		AgentID:     agent.ID,
		Sequence:    seq,
		Label:       label,
		Content:     p.Content,
		Round:       evt.Round,
		Snapshot:    p.Snapshot,
		Digest:      p.Digest,
		SubmittedAt: evt.Time,
		EventSeq:    evt.Seq,
	}
	s.byLabel[label] = len(s.answers)
	s.answers = append(s.answers, ans)
	agent.AnswerCount = seq
	agent.LatestLabel = label
	agent.Status = StatusAnswered
	agent.settled = StatusAnswered
	agent.VoteCast = nil

	var out Outcome
	for _, id := range s.order {
		peer := s.agents[id]
		if id == agent.ID || peer.VoteCast == nil {
			continue
		}
		out.Invalidated = append(out.Invalidated, *peer.VoteCast)
		peer.VoteCast = nil
	}
	phase := s.advance(PhaseEnforcement)
	out.PhaseChanged, out.From, out.To = phase.PhaseChanged, phase.From, phase.To
	return out, nil
}

func (s *Session) applyVote(evt eventlog.Event) (Outcome, error) {
	var p eventlog.VotePayload
	if err := evt.Decode(&p); err != nil {
		return Outcome{}, err
	}
	voter := s.agents[evt.AgentID]
	voter.InFlight = false
	voter.Status = StatusVoted
	voter.settled = StatusVoted

	ignore := func(reason string) (Outcome, error) {
		return Outcome{Ignored: true, IgnoreReason: reason}, nil
	}
	if s.winner != nil {
		return ignore(ReasonRoundResolved)
	}
	if voter.Excluded {
		return ignore(ReasonVoterExcluded)
	}
	label := p.TargetLabel
	if label == "" {
		if target := s.agents[p.TargetAgentID]; target != nil {
			label = target.LatestLabel
		}
	}
	idx, ok := s.byLabel[label]
	if !ok {
		return ignore(ReasonUnknownTarget)
	}
	target := s.answers[idx]
	if s.agents[target.AgentID].LatestLabel != label {
		return ignore(ReasonSuperseded)
	}
	if p.Observed != nil {
		for _, id := range s.order {
			current := s.agents[id].LatestLabel
			if current != "" && !slices.Contains(p.Observed, current) {
				return ignore(ReasonStaleContext)
			}
		}
	}
	voter.VoteCast = &Vote{
		VoterID:       voter.ID,
		TargetAgentID: target.AgentID,
		TargetLabel:   label,
		Rationale:     p.Rationale,
		Round:         evt.Round,
		CastAt:        evt.Time,
		EventSeq:      evt.Seq,
	}
	s.votes = append(s.votes, *voter.VoteCast)
	return s.advance(PhaseEnforcement), nil
}

func (s *Session) applyError(evt eventlog.Event) error {
	var p eventlog.ErrorPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	agent := s.agents[evt.AgentID]
	agent.Error = &AgentError{Kind: p.Kind, Message: p.Message, At: evt.Time}
	if p.Presentation {
		return nil
	}
	if p.Recoverable {
		if p.Ended {
			// The attempt is over but the agent keeps its answers, its vote
			// and its place in the tally.
			agent.InFlight = false
			agent.Status = StatusError
			if agent.settled != "" {
				agent.Status = agent.settled
			}
		}
		return nil
	}
	agent.Status = StatusError
	agent.settled = StatusError
	agent.Excluded = true
	agent.InFlight = false
	agent.VoteCast = nil
	return nil
}

func (s *Session) applyResolved(evt eventlog.Event) (Outcome, error) {
	var p eventlog.RoundResolvedPayload
	if err := evt.Decode(&p); err != nil {
		return Outcome{}, err
	}
	if s.winner != nil {
		return Outcome{}, fmt.Errorf("session: winner already set to %s", s.winner.Label)
	}
	if _, ok := s.agents[p.WinnerAgentID]; !ok {
		return Outcome{}, fmt.Errorf("session: winner %q is not an agent", p.WinnerAgentID)
	}
	s.winner = &Winner{
		AgentID:    p.WinnerAgentID,
		Label:      p.WinnerLabel,
		Method:     p.Method,
		Round:      evt.Round,
		Tally:      copyTally(p.Tally),
		ResolvedAt: evt.Time,
	}
	s.roundState = RoundResolved
	return s.advance(PhasePresentation), nil
}

// advance moves the phase forward; earlier phases are never revisited.
func (s *Session) advance(to Phase) Outcome {
	if to.rank() <= s.phase.rank() {
		return Outcome{}
	}
	from := s.phase
	s.phase = to
	return Outcome{PhaseChanged: true, From: from, To: to}
}

// ConsensusView projects the aggregate for the consensus engine.
func (st State) ConsensusView(exhausted bool) consensus.View {
	view := consensus.View{
		Round:         st.Round,
		RoundComplete: st.RoundComplete(),
		Exhausted:     exhausted,
	}
	for _, a := range st.Agents {
		v := consensus.Voter{ID: a.ID, Excluded: a.Excluded, TimedOut: a.Status == StatusTimeout}
		if a.VoteCast != nil {
			v.VoteLabel = a.VoteCast.TargetLabel
		}
		view.Voters = append(view.Voters, v)
	}
	for _, ans := range st.CurrentAnswers() {
		view.Candidates = append(view.Candidates, consensus.Candidate{
			AgentID:     ans.AgentID,
			Label:       ans.Label,
			SubmittedAt: ans.SubmittedAt,
		})
	}
	return view
}

// Replay rebuilds a session from a recorded event sequence.
func Replay(events []eventlog.Event) (*Session, error) {
	s := New()
	for _, evt := range events {
		if _, err := s.Apply(evt); err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", evt.Seq, err)
		}
	}
	return s, nil
}
