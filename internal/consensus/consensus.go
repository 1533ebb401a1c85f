// Package consensus decides when a round has converged. Evaluate is a pure
// function of its inputs so it can be re-run after every event.
package consensus

import (
	"sort"
	"time"
)

// Method names the rule that resolved a round.
type Method string

const (
	MethodThreshold  Method = "threshold"
	MethodPlurality  Method = "plurality"
	MethodRoundLimit Method = "round_limit"
	MethodQuorumLost Method = "quorum_lost"
	MethodExhausted  Method = "exhausted"
)

// DefaultMaxRounds applies when no round limit is configured.
const DefaultMaxRounds = 3

// Config carries the voting rules.
type Config struct {
	// Threshold is the winning fraction of eligible vote weight. Zero means
	// strict majority.
	Threshold float64
	MaxRounds int
	// Weights maps voter id to vote weight; absent voters weigh 1.
	Weights map[string]float64
}

func (c Config) weight(id string) float64 {
	if w, ok := c.Weights[id]; ok && w >= 0 {
		return w
	}
	return 1
}

func (c Config) maxRounds() int {
	if c.MaxRounds <= 0 {
		return DefaultMaxRounds
	}
	return c.MaxRounds
}

func (c Config) reached(ratio float64) bool {
	if c.Threshold <= 0 {
		return ratio > 0.5
	}
	return ratio >= c.Threshold
}

// Voter is one configured agent as seen by the engine.
type Voter struct {
	ID       string
	Excluded bool
	TimedOut bool
	// VoteLabel is the label of the agent's current counted vote, if any.
	VoteLabel string
}

// Eligible voters count toward the threshold denominator.
func (v Voter) Eligible() bool {
	return !v.Excluded && !v.TimedOut
}

// Candidate is one agent's latest answer.
type Candidate struct {
	AgentID     string
	Label       string
	SubmittedAt time.Time
}

// View is the slice of session state the engine reads.
type View struct {
	Round int
	// RoundComplete is true when no agent attempt is in flight.
	RoundComplete bool
	// Exhausted is set when the round is complete and no agent can make
	// further progress.
	Exhausted  bool
	Voters     []Voter
	Candidates []Candidate
}

// Decision is the engine's verdict for a view.
type Decision struct {
	Resolved       bool
	Method         Method
	Winner         Candidate
	Tally          map[string]float64
	EligibleWeight float64
	TotalWeight    float64
	QuorumLost     bool
}

// Tally sums counted vote weight per current answer label. Every candidate
// label is present, with zero when it has no votes.
func Tally(cfg Config, view View) map[string]float64 {
	tally := make(map[string]float64, len(view.Candidates))
	for _, c := range view.Candidates {
		tally[c.Label] = 0
	}
	for _, v := range view.Voters {
		if !v.Eligible() || v.VoteLabel == "" {
			continue
		}
		if _, ok := tally[v.VoteLabel]; ok {
			tally[v.VoteLabel] += cfg.weight(v.ID)
		}
	}
	return tally
}

// Rank orders candidates by tally descending, then earliest submission,
// then agent id.
func Rank(candidates []Candidate, tally map[string]float64) []Candidate {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ti, tj := tally[ranked[i].Label], tally[ranked[j].Label]
		if ti != tj {
			return ti > tj
		}
		if !ranked[i].SubmittedAt.Equal(ranked[j].SubmittedAt) {
			return ranked[i].SubmittedAt.Before(ranked[j].SubmittedAt)
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})
	return ranked
}

// Evaluate applies the convergence rules in order: threshold, then
// plurality once every eligible agent has voted, then the fallback once the
// round is complete and the round limit is hit, quorum is lost or no agent
// can progress.
func Evaluate(cfg Config, view View) Decision {
	tally := Tally(cfg, view)
	d := Decision{Tally: tally}

	excluded := map[string]bool{}
	var activeWeight float64
	for _, v := range view.Voters {
		w := cfg.weight(v.ID)
		d.TotalWeight += w
		if v.Excluded {
			excluded[v.ID] = true
			continue
		}
		activeWeight += w
		if v.Eligible() {
			d.EligibleWeight += w
		}
	}
	d.QuorumLost = activeWeight == 0 || (d.TotalWeight > 0 && !cfg.reached(activeWeight/d.TotalWeight))

	hasEligibleAnswer := false
	for _, c := range view.Candidates {
		if !excluded[c.AgentID] {
			hasEligibleAnswer = true
			break
		}
	}
	if !hasEligibleAnswer {
		return d
	}
	ranked := Rank(view.Candidates, tally)
	best := ranked[0]

	if d.EligibleWeight > 0 && tally[best.Label] > 0 && cfg.reached(tally[best.Label]/d.EligibleWeight) {
		return d.resolve(MethodThreshold, best)
	}

	if allVoted(view.Voters, tally) && tally[best.Label] > 0 {
		if len(ranked) == 1 || tally[ranked[1].Label] < tally[best.Label] {
			return d.resolve(MethodPlurality, best)
		}
	}

	if view.RoundComplete {
		switch {
		case view.Round >= cfg.maxRounds():
			return d.resolve(MethodRoundLimit, best)
		case d.QuorumLost:
			return d.resolve(MethodQuorumLost, best)
		case view.Exhausted:
			return d.resolve(MethodExhausted, best)
		}
	}
	return d
}

func (d Decision) resolve(m Method, winner Candidate) Decision {
	d.Resolved = true
	d.Method = m
	d.Winner = winner
	return d
}

func allVoted(voters []Voter, tally map[string]float64) bool {
	voted := false
	for _, v := range voters {
		if !v.Eligible() {
			continue
		}
		if _, ok := tally[v.VoteLabel]; !ok {
			return false
		}
		voted = true
	}
	return voted
}
