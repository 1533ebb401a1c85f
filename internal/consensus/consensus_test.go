package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Unix(1730000000, 0).UTC()

func cand(agent string, seq int, offset time.Duration) Candidate {
	return Candidate{AgentID: agent, Label: fmt.Sprintf("%s.%d", agent, seq), SubmittedAt: t0.Add(offset)}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		view       View
		resolved   bool
		method     Method
		winner     string
		quorumLost bool
	}{
		{
			name: "threshold reached with two of three votes",
			cfg:  Config{Threshold: 0.6},
			view: View{Round: 1, Voters: []Voter{{ID: "a"}, {ID: "b", VoteLabel: "a.1"}, {ID: "c", VoteLabel: "a.1"}},
				Candidates: []Candidate{cand("a", 1, 0)}},
			resolved: true, method: MethodThreshold, winner: "a.1",
		},
		{
			name: "single vote below threshold",
			cfg:  Config{Threshold: 0.6},
			view: View{Round: 1, Voters: []Voter{{ID: "a"}, {ID: "b", VoteLabel: "a.1"}, {ID: "c"}},
				Candidates: []Candidate{cand("a", 1, 0)}},
		},
		{
			name: "strict majority by default rejects half",
			view: View{Round: 1, Voters: []Voter{{ID: "a", VoteLabel: "a.1"}, {ID: "b"}},
				Candidates: []Candidate{cand("a", 1, 0), cand("b", 1, time.Second)}},
		},
		{
			name: "timed out agent leaves the denominator",
			cfg:  Config{Threshold: 0.5},
			view: View{Round: 1, Voters: []Voter{{ID: "a"}, {ID: "b", TimedOut: true}, {ID: "c", VoteLabel: "a.1"}},
				Candidates: []Candidate{cand("a", 1, 0)}},
			resolved: true, method: MethodThreshold, winner: "a.1",
		},
		{
			name: "plurality once everyone voted",
			cfg:  Config{Threshold: 0.9},
			view: View{Round: 1, Voters: []Voter{{ID: "a", VoteLabel: "a.1"}, {ID: "b", VoteLabel: "a.1"}, {ID: "c", VoteLabel: "c.1"}},
				Candidates: []Candidate{cand("a", 1, 0), cand("c", 1, time.Second)}},
			resolved: true, method: MethodPlurality, winner: "a.1",
		},
		{
			name: "tied plurality waits",
			cfg:  Config{Threshold: 0.9},
			view: View{Round: 1, Voters: []Voter{{ID: "a", VoteLabel: "a.1"}, {ID: "b", VoteLabel: "b.1"}},
				Candidates: []Candidate{cand("a", 1, 0), cand("b", 1, time.Second)}},
		},
		{
			name: "votes for superseded labels do not count",
			cfg:  Config{Threshold: 0.5},
			view: View{Round: 1, Voters: []Voter{{ID: "a", VoteLabel: "b.1"}, {ID: "b"}},
				Candidates: []Candidate{cand("b", 2, 0)}},
		},
		{
			name: "round limit picks earliest on tie",
			cfg:  Config{MaxRounds: 2},
			view: View{Round: 2, RoundComplete: true, Voters: []Voter{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Candidates: []Candidate{cand("b", 2, time.Second), cand("a", 2, 2*time.Second)}},
			resolved: true, method: MethodRoundLimit, winner: "b.2",
		},
		{
			name: "round limit breaks timestamp tie by agent id",
			cfg:  Config{MaxRounds: 2},
			view: View{Round: 2, RoundComplete: true, Voters: []Voter{{ID: "a"}, {ID: "b"}},
				Candidates: []Candidate{cand("b", 1, 0), cand("a", 1, 0)}},
			resolved: true, method: MethodRoundLimit, winner: "a.1",
		},
		{
			name: "round limit prefers highest tally",
			cfg:  Config{MaxRounds: 1, Threshold: 0.9},
			view: View{Round: 1, RoundComplete: true, Voters: []Voter{{ID: "a"}, {ID: "b", VoteLabel: "c.1"}, {ID: "c"}},
				Candidates: []Candidate{cand("a", 1, 0), cand("c", 1, time.Second)}},
			resolved: true, method: MethodRoundLimit, winner: "c.1",
		},
		{
			name: "round limit needs a complete round",
			cfg:  Config{MaxRounds: 1},
			view: View{Round: 1, Voters: []Voter{{ID: "a"}, {ID: "b"}},
				Candidates: []Candidate{cand("a", 1, 0)}},
		},
		{
			name: "quorum lost falls back",
			cfg:  Config{Threshold: 0.6, MaxRounds: 5},
			view: View{Round: 1, RoundComplete: true, Voters: []Voter{{ID: "a"}, {ID: "b", Excluded: true}, {ID: "c", Excluded: true}},
				Candidates: []Candidate{cand("a", 1, 0)}},
			resolved: true, method: MethodQuorumLost, winner: "a.1", quorumLost: true,
		},
		{
			name: "exhausted falls back",
			cfg:  Config{Threshold: 0.9, MaxRounds: 5},
			view: View{Round: 1, RoundComplete: true, Exhausted: true, Voters: []Voter{{ID: "a"}, {ID: "b"}},
				Candidates: []Candidate{cand("a", 1, 0)}},
			resolved: true, method: MethodExhausted, winner: "a.1",
		},
		{
			name: "never resolves without answers",
			cfg:  Config{MaxRounds: 1},
			view: View{Round: 1, RoundComplete: true, Voters: []Voter{{ID: "a"}, {ID: "b"}}},
		},
		{
			name: "answers from excluded agents alone do not resolve",
			cfg:  Config{MaxRounds: 1},
			view: View{Round: 1, RoundComplete: true, Voters: []Voter{{ID: "a", Excluded: true}, {ID: "b", Excluded: true}},
				Candidates: []Candidate{cand("a", 1, 0)}},
			quorumLost: true,
		},
		{
			name: "weighted votes",
			cfg:  Config{Threshold: 0.5, Weights: map[string]float64{"c": 3}},
			view: View{Round: 1, Voters: []Voter{{ID: "a", VoteLabel: "a.1"}, {ID: "b", VoteLabel: "a.1"}, {ID: "c", VoteLabel: "c.1"}},
				Candidates: []Candidate{cand("a", 1, 0), cand("c", 1, time.Second)}},
			resolved: true, method: MethodThreshold, winner: "c.1",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.cfg, tc.view)
			assert.Equal(t, tc.resolved, d.Resolved)
			assert.Equal(t, tc.quorumLost, d.QuorumLost)
			if tc.resolved {
				assert.Equal(t, tc.method, d.Method)
				assert.Equal(t, tc.winner, d.Winner.Label)
			}
		})
	}
}

func TestTallyListsEveryCandidate(t *testing.T) {
	view := View{
		Voters:     []Voter{{ID: "a", VoteLabel: "b.1"}, {ID: "b", VoteLabel: "gone.1"}, {ID: "c", VoteLabel: "b.1", Excluded: true}},
		Candidates: []Candidate{cand("a", 1, 0), cand("b", 1, 0)},
	}
	tally := Tally(Config{}, view)
	assert.Equal(t, map[string]float64{"a.1": 0, "b.1": 1}, tally)
}

func drawView(rt *rapid.T) View {
	agents := rapid.IntRange(1, 6).Draw(rt, "agents")
	view := View{
		Round:         rapid.IntRange(1, 4).Draw(rt, "round"),
		RoundComplete: rapid.Bool().Draw(rt, "complete"),
		Exhausted:     rapid.Bool().Draw(rt, "exhausted"),
	}
	var labels []string
	for i := 0; i < agents; i++ {
		id := fmt.Sprintf("agent%d", i)
		if rapid.Bool().Draw(rt, "answered-"+id) {
			c := cand(id, rapid.IntRange(1, 3).Draw(rt, "seq-"+id), time.Duration(rapid.IntRange(0, 5).Draw(rt, "at-"+id))*time.Second)
			view.Candidates = append(view.Candidates, c)
			labels = append(labels, c.Label)
		}
	}
	for i := 0; i < agents; i++ {
		id := fmt.Sprintf("agent%d", i)
		v := Voter{
			ID:       id,
			Excluded: rapid.IntRange(0, 4).Draw(rt, "excluded-"+id) == 0,
			TimedOut: rapid.IntRange(0, 4).Draw(rt, "timeout-"+id) == 0,
		}
		if len(labels) > 0 && rapid.Bool().Draw(rt, "votes-"+id) {
			v.VoteLabel = rapid.SampledFrom(labels).Draw(rt, "target-"+id)
		}
		view.Voters = append(view.Voters, v)
	}
	return view
}

func TestEvaluateIsDeterministicAndOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			Threshold: rapid.SampledFrom([]float64{0, 0.5, 0.6, 1}).Draw(rt, "threshold"),
			MaxRounds: rapid.IntRange(1, 4).Draw(rt, "maxRounds"),
		}
		view := drawView(rt)
		first := Evaluate(cfg, view)
		again := Evaluate(cfg, view)
		if first.Resolved != again.Resolved || first.Winner != again.Winner || first.Method != again.Method {
			rt.Fatalf("evaluate not idempotent: %+v vs %+v", first, again)
		}

		shuffled := view
		shuffled.Voters = rapid.Permutation(view.Voters).Draw(rt, "voters")
		shuffled.Candidates = rapid.Permutation(view.Candidates).Draw(rt, "candidates")
		other := Evaluate(cfg, shuffled)
		if first.Resolved != other.Resolved || first.Winner != other.Winner || first.Method != other.Method {
			rt.Fatalf("input order changed the decision: %+v vs %+v", first, other)
		}

		if len(view.Candidates) == 0 && first.Resolved {
			rt.Fatalf("resolved without any answer")
		}
	})
}

func TestRankIsTotal(t *testing.T) {
	cands := []Candidate{cand("c", 1, time.Second), cand("b", 1, 0), cand("a", 1, time.Second)}
	ranked := Rank(cands, map[string]float64{"a.1": 1, "b.1": 1, "c.1": 1})
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{ranked[0].AgentID, ranked[1].AgentID, ranked[2].AgentID})
}
