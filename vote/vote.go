package vote

import (
	"math"
	"math/bits"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/round"
)

/*
	The vote aggregator tallies weighted votes on a proposal.

	At most one vote per voter is counted: a later vote replaces the earlier one (last writer wins by cast time,
	ties broken by the lexically greater message id). Totals are always recomputed from the current vote set so a
	replacement never double counts.

	The round finalizes early once the cast weight reaches the quorum AND the power that has not voted yet can no
	longer flip the result. Without a known total power the round waits for its deadline.

	Weight sums saturate at the maximum uint64 instead of wrapping. A saturated total can't be compared reliably
	against the outstanding power, so such a round also waits for its deadline.
*/

// Aggregator is the round resolver for the vote kind
type Aggregator struct {
	config lib.VoteConfig
	log    lib.LoggerI
}

// NewAggregator() creates the vote aggregator
func NewAggregator(config lib.VoteConfig, log lib.LoggerI) *Aggregator {
	return &Aggregator{config: config, log: log}
}

// Kind() implements round.Resolver
func (a *Aggregator) Kind() lib.Kind { return lib.KindVote }

// NewState() implements round.Resolver
func (a *Aggregator) NewState(subject string, _ uint64, params lib.RoundParams) (round.State, lib.ErrorI) {
	kind, proposal, err := lib.SplitSubjectKey(subject)
	if err != nil {
		return nil, err
	}
	if kind != lib.KindVote {
		return nil, lib.ErrWrongKind(subject, lib.KindVote, kind)
	}
	if params.Quorum == 0 {
		params.Quorum = a.config.DefaultQuorum
	}
	if params.TotalPower == 0 {
		params.TotalPower = a.config.DefaultTotalPower
	}
	return &State{
		proposal:   proposal,
		quorum:     params.Quorum,
		totalPower: params.TotalPower,
		submitter:  params.Submitter,
		ballots:    make(map[lib.PeerID]ballot),
		log:        a.log,
	}, nil
}

// State is the current vote set of one proposal
type State struct {
	proposal   string                // the proposal voted on
	quorum     uint64                // cast weight required for early finality
	totalPower uint64                // eligible power, 0 is unknown
	submitter  lib.PeerID            // the peer that writes the tally
	ballots    map[lib.PeerID]ballot // voter -> counted vote
	log        lib.LoggerI
}

// ballot is a counted vote and the id of the envelope that carried it
type ballot struct {
	vote *lib.Vote
	id   lib.MessageID
}

// Totals is the weight per choice
type Totals struct {
	Yes, No, Abstain uint64
}

// Cast() is the total weight cast
func (t Totals) Cast() uint64 { return add(add(t.Yes, t.No), t.Abstain) }

// Apply() counts the vote, replacing an earlier vote of the same voter
func (s *State) Apply(c *round.Contribution, _ time.Time) lib.ErrorI {
	v, err := codec.DecodeVote(c.Payload)
	if err != nil {
		return err
	}
	if v.ProposalID != s.proposal {
		return lib.ErrWrongProposal(s.proposal, v.ProposalID)
	}
	if !v.Choice.Valid() {
		return lib.ErrInvalidChoice(v.Choice)
	}
	if v.Voter == "" {
		v.Voter = c.Sender
	}
	next := ballot{vote: v, id: c.ID}
	if prev, ok := s.ballots[v.Voter]; ok && !next.replaces(prev) {
		s.log.Debugf("Ignoring stale vote %s from %s on %s", c.ID, v.Voter, s.proposal)
		return nil
	}
	s.ballots[v.Voter] = next
	return nil
}

// replaces() is true if b supersedes prev: later cast time, ties go to the greater message id
func (b ballot) replaces(prev ballot) bool {
	if b.vote.CastAt != prev.vote.CastAt {
		return b.vote.CastAt > prev.vote.CastAt
	}
	return b.id.Compare(prev.id) > 0
}

// Totals() recomputes the weight per choice from the current vote set
func (s *State) Totals() (t Totals) {
	for _, b := range s.ballots {
		switch b.vote.Choice {
		case lib.ChoiceYes:
			t.Yes = add(t.Yes, b.vote.Weight)
		case lib.ChoiceNo:
			t.No = add(t.No, b.vote.Weight)
		case lib.ChoiceAbstain:
			t.Abstain = add(t.Abstain, b.vote.Weight)
		}
	}
	return
}

// Final() is true once the quorum is met and the remaining power can't flip the result
func (s *State) Final(time.Time) bool {
	t := s.Totals()
	cast := t.Cast()
	if s.totalPower == 0 || cast < s.quorum || cast == math.MaxUint64 {
		return false
	}
	var remaining uint64
	if s.totalPower > cast {
		remaining = s.totalPower - cast
	}
	// yes stays ahead even if all remaining power votes no
	if t.Yes > add(t.No, remaining) {
		return true
	}
	// yes can't overtake no even if all remaining power votes yes
	return add(t.Yes, remaining) <= t.No
}

// add() is a + b saturated at the maximum uint64
func add(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Outcome() produces the finalized tally
func (s *State) Outcome(_ lib.CloseReason, now time.Time) (*lib.Outcome, lib.ErrorI) {
	if len(s.ballots) == 0 {
		return &lib.Outcome{Status: lib.StatusEmpty}, nil
	}
	t := s.Totals()
	tally := &lib.Tally{
		ProposalID:  s.proposal,
		Yes:         t.Yes,
		No:          t.No,
		Abstain:     t.Abstain,
		Voters:      len(s.ballots),
		Passed:      t.Yes > t.No,
		FinalizedAt: now.UnixMilli(),
	}
	status := lib.StatusFailed
	if tally.Passed {
		status = lib.StatusPassed
	}
	return &lib.Outcome{Status: status, Tally: tally, Submitter: s.submitter}, nil
}
