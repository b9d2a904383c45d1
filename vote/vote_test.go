package vote

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/round"
	"github.com/stretchr/testify/require"
)

var subject = lib.SubjectKey(lib.KindVote, "prop-1")

func newTestTracker() (*round.Tracker, *clock.Mock) {
	c := clock.NewMock()
	c.Set(time.UnixMilli(1_700_000_000_000))
	log := lib.NewNullLogger()
	return round.NewTracker(lib.DefaultRoundConfig(), c, nil, log, NewAggregator(lib.DefaultVoteConfig(), log)), c
}

func newVote(voter lib.PeerID, choice lib.Choice, weight uint64, castAt int64) *lib.Vote {
	return &lib.Vote{ProposalID: "prop-1", Voter: voter, Choice: choice, Weight: weight, CastAt: castAt}
}

func contribution(v *lib.Vote) *round.Contribution {
	e := lib.NewEnvelope(v.Voter, lib.KindVote, codec.EncodeVote(v), v.CastAt, uint64(v.CastAt))
	return round.NewContribution(e, time.Time{})
}

func newState(t *testing.T, params lib.RoundParams) *State {
	s, err := NewAggregator(lib.DefaultVoteConfig(), lib.NewNullLogger()).NewState(subject, 1, params)
	require.NoError(t, err)
	return s.(*State)
}

func TestEarlyFinality(t *testing.T) {
	tr, c := newTestTracker()
	_, err := tr.Open(subject, lib.KindVote, c.Now().Add(time.Hour), lib.RoundParams{Quorum: 100, TotalPower: 110, Submitter: "alice"})
	require.NoError(t, err)
	require.NoError(t, tr.Contribute(subject, contribution(newVote("alice", lib.ChoiceYes, 40, 1))))
	require.NoError(t, tr.Contribute(subject, contribution(newVote("bob", lib.ChoiceYes, 40, 2))))
	// 80 cast is below the quorum
	status, err := tr.Status(subject)
	require.NoError(t, err)
	require.True(t, status.Open)
	require.NoError(t, tr.Contribute(subject, contribution(newVote("carol", lib.ChoiceNo, 30, 3))))
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, lib.ReasonFinality, outcome.Reason)
	require.Equal(t, lib.StatusPassed, outcome.Status)
	require.Equal(t, lib.PeerID("alice"), outcome.Submitter)
	require.Equal(t, &lib.Tally{
		ProposalID:  "prop-1",
		Yes:         80,
		No:          30,
		Voters:      3,
		Passed:      true,
		FinalizedAt: c.Now().UnixMilli(),
	}, outcome.Tally)
}

func TestFinal(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		params   lib.RoundParams
		votes    []*lib.Vote
		expected bool
		passed   bool
	}{
		{
			name:     "below quorum",
			detail:   "yes is unbeatable but the quorum isn't met",
			params:   lib.RoundParams{Quorum: 100, TotalPower: 200},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, 99, 1)},
			expected: false,
			passed:   true,
		},
		{
			name:     "unknown total power",
			detail:   "the remaining power is unknown so the round waits for its deadline",
			params:   lib.RoundParams{Quorum: 10},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, 100, 1)},
			expected: false,
			passed:   true,
		},
		{
			name:     "remaining power can flip",
			detail:   "yes 60 vs no 0 with 60 outstanding",
			params:   lib.RoundParams{Quorum: 50, TotalPower: 120},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, 60, 1)},
			expected: false,
			passed:   true,
		},
		{
			name:     "no is locked in",
			detail:   "no 60 can't be overtaken by the 40 outstanding",
			params:   lib.RoundParams{Quorum: 50, TotalPower: 100},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceNo, 60, 1)},
			expected: true,
			passed:   false,
		},
		{
			name:     "abstain counts toward the quorum only",
			detail:   "yes 50 abstain 30 reaches the quorum of 80, 20 outstanding can't flip",
			params:   lib.RoundParams{Quorum: 80, TotalPower: 100},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, 50, 1), newVote("b", lib.ChoiceAbstain, 30, 1)},
			expected: true,
			passed:   true,
		},
		{
			name:     "saturated yes",
			detail:   "yes sums past the maximum weight without wrapping below no",
			params:   lib.RoundParams{Quorum: 1, TotalPower: 10},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, math.MaxUint64, 1), newVote("b", lib.ChoiceYes, 2, 1), newVote("c", lib.ChoiceNo, 5, 1)},
			expected: false,
			passed:   true,
		},
		{
			name:     "tie with nothing outstanding",
			detail:   "yes can't exceed no so the proposal fails",
			params:   lib.RoundParams{Quorum: 1, TotalPower: 20},
			votes:    []*lib.Vote{newVote("a", lib.ChoiceYes, 10, 1), newVote("b", lib.ChoiceNo, 10, 1)},
			expected: true,
			passed:   false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newState(t, test.params)
			for _, v := range test.votes {
				require.NoError(t, s.Apply(contribution(v), time.Time{}))
			}
			require.Equal(t, test.expected, s.Final(time.Time{}), test.detail)
			outcome, err := s.Outcome(lib.ReasonDeadline, time.Time{})
			require.NoError(t, err)
			require.Equal(t, test.passed, outcome.Tally.Passed, test.detail)
		})
	}
}

func TestReplacement(t *testing.T) {
	tieA := contribution(newVote("alice", lib.ChoiceYes, 10, 5))
	tieB := contribution(newVote("alice", lib.ChoiceNo, 10, 5))
	tieWinner := lib.ChoiceYes
	if tieB.ID.Compare(tieA.ID) > 0 {
		tieWinner = lib.ChoiceNo
	}
	tests := []struct {
		name          string
		detail        string
		contributions []*round.Contribution
		expected      lib.Choice
	}{
		{
			name:          "later vote replaces",
			detail:        "the second vote was cast later",
			contributions: []*round.Contribution{contribution(newVote("alice", lib.ChoiceYes, 10, 1)), contribution(newVote("alice", lib.ChoiceNo, 10, 2))},
			expected:      lib.ChoiceNo,
		},
		{
			name:          "stale vote ignored",
			detail:        "an earlier cast vote delivered late does not replace",
			contributions: []*round.Contribution{contribution(newVote("alice", lib.ChoiceNo, 10, 2)), contribution(newVote("alice", lib.ChoiceYes, 10, 1))},
			expected:      lib.ChoiceNo,
		},
		{
			name:          "tie by message id",
			detail:        "equal cast time goes to the lexically greater message id",
			contributions: []*round.Contribution{tieA, tieB},
			expected:      tieWinner,
		},
		{
			name:          "tie by message id reversed",
			detail:        "arrival order does not matter",
			contributions: []*round.Contribution{tieB, tieA},
			expected:      tieWinner,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newState(t, lib.RoundParams{})
			for _, c := range test.contributions {
				require.NoError(t, s.Apply(c, time.Time{}))
			}
			// the voter's weight is counted exactly once
			totals := s.Totals()
			require.EqualValues(t, 10, totals.Cast(), test.detail)
			require.Equal(t, test.expected, s.ballots["alice"].vote.Choice, test.detail)
		})
	}
}

func TestTallyIndependentOfOrder(t *testing.T) {
	votes := []*lib.Vote{
		newVote("a", lib.ChoiceYes, 10, 1),
		newVote("b", lib.ChoiceNo, 7, 1),
		newVote("a", lib.ChoiceNo, 10, 3),
		newVote("c", lib.ChoiceAbstain, 4, 2),
		newVote("b", lib.ChoiceYes, 7, 2),
		newVote("a", lib.ChoiceYes, 10, 2),
	}
	expected := Totals{Yes: 7, No: 10, Abstain: 4}
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		s := newState(t, lib.RoundParams{})
		order := append([]*lib.Vote{}, votes...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, v := range order {
			c := contribution(v)
			// duplicate deliveries are harmless
			require.NoError(t, s.Apply(c, time.Time{}))
			require.NoError(t, s.Apply(c, time.Time{}))
		}
		require.Equal(t, expected, s.Totals())
	}
}

func TestDeadlineOutcomes(t *testing.T) {
	tr, c := newTestTracker()
	_, err := tr.Open(subject, lib.KindVote, c.Now().Add(time.Minute), lib.RoundParams{Quorum: 1000})
	require.NoError(t, err)
	require.NoError(t, tr.Contribute(subject, contribution(newVote("a", lib.ChoiceNo, 3, 1))))
	require.NoError(t, tr.Contribute(subject, contribution(newVote("b", lib.ChoiceYes, 2, 1))))
	tr.Tick(c.Now().Add(time.Minute))
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	require.Equal(t, lib.ReasonDeadline, outcome.Reason)
	require.Equal(t, lib.StatusFailed, outcome.Status)
	require.False(t, outcome.Tally.Passed)
	// an empty vote round has nothing to write
	empty := lib.SubjectKey(lib.KindVote, "prop-2")
	_, err = tr.Open(empty, lib.KindVote, c.Now().Add(time.Second), lib.RoundParams{})
	require.NoError(t, err)
	tr.Tick(c.Now().Add(time.Second))
	outcome, err = tr.Outcome(empty)
	require.NoError(t, err)
	require.Equal(t, lib.StatusEmpty, outcome.Status)
	require.Nil(t, outcome.Tally)
}

func TestRejects(t *testing.T) {
	s := newState(t, lib.RoundParams{})
	other := newVote("a", lib.ChoiceYes, 1, 1)
	other.ProposalID = "prop-9"
	require.True(t, lib.IsCode(s.Apply(contribution(other), time.Time{}), lib.VoteModule, lib.CodeWrongProposal))
	require.True(t, lib.IsCode(s.Apply(contribution(newVote("a", lib.ChoiceUnknown, 1, 1)), time.Time{}), lib.VoteModule, lib.CodeInvalidChoice))
	require.Empty(t, s.ballots)
}
