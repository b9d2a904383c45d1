package intent

import (
	"bytes"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/round"
)

/*
	The conflict resolver decides which of many competing intents wins a contested resource.

	The winner is the intent with the highest priority, ties broken by the earliest creation time and then by the
	lexically smallest actor id. This is a total order, so every peer that observed the same contribution set picks
	the same winner without a leader. Peers that closed with different sets may disagree; the ledger's first-writer
	wins semantics settle that case, and only the winning actor submits the outcome.
*/

// Resolver is the round resolver for the intent kind
type Resolver struct {
	log lib.LoggerI
}

// NewResolver() creates the intent resolver
func NewResolver(log lib.LoggerI) *Resolver { return &Resolver{log: log} }

// Kind() implements round.Resolver
func (r *Resolver) Kind() lib.Kind { return lib.KindIntent }

// NewState() implements round.Resolver
func (r *Resolver) NewState(subject string, _ uint64, params lib.RoundParams) (round.State, lib.ErrorI) {
	kind, resource, err := lib.SplitSubjectKey(subject)
	if err != nil {
		return nil, err
	}
	if kind != lib.KindIntent {
		return nil, lib.ErrWrongKind(subject, lib.KindIntent, kind)
	}
	expected := make(map[lib.PeerID]struct{}, len(params.Expected))
	for _, p := range params.Expected {
		expected[p] = struct{}{}
	}
	return &State{resource: resource, expected: expected, actors: make(map[lib.PeerID]struct{}), log: r.log}, nil
}

// State is the intent set of one round for one resource
type State struct {
	resource string                  // the contested resource key
	expected map[lib.PeerID]struct{} // declared participants, empty when unknown
	actors   map[lib.PeerID]struct{} // actors that submitted an intent
	intents  []*lib.Intent           // every contributed intent
	log      lib.LoggerI
}

// Apply() records a competing intent
func (s *State) Apply(c *round.Contribution, _ time.Time) lib.ErrorI {
	i, err := codec.DecodeIntent(c.Payload)
	if err != nil {
		return err
	}
	if i.ResourceKey != s.resource {
		return lib.ErrWrongResource(s.resource, i.ResourceKey)
	}
	// the intent is authored by the envelope sender
	if i.Actor == "" {
		i.Actor = c.Sender
	}
	s.intents = append(s.intents, i)
	s.actors[i.Actor] = struct{}{}
	return nil
}

// Final() is true once every declared participant has submitted an intent
func (s *State) Final(time.Time) bool {
	if len(s.expected) == 0 {
		return false
	}
	for p := range s.expected {
		if _, ok := s.actors[p]; !ok {
			return false
		}
	}
	return true
}

// Outcome() picks the single winner
func (s *State) Outcome(_ lib.CloseReason, _ time.Time) (*lib.Outcome, lib.ErrorI) {
	winner := Winner(s.intents)
	if winner == nil {
		return &lib.Outcome{Status: lib.StatusEmpty}, nil
	}
	if len(s.intents) > 1 {
		s.log.Debugf("Resource %s contested by %d intents, %s wins", s.resource, len(s.intents), winner.Actor)
	}
	// only the winner writes to the ledger
	return &lib.Outcome{Status: lib.StatusWon, Winner: winner, Submitter: winner.Actor}, nil
}

// Winner() returns the winning intent of the set or nil if it is empty
func Winner(intents []*lib.Intent) (winner *lib.Intent) {
	for _, i := range intents {
		if winner == nil || Beats(i, winner) {
			winner = i
		}
	}
	return
}

// Beats() is the total order over intents: higher priority, then earlier creation, then smaller actor
func Beats(a, b *lib.Intent) bool {
	switch {
	case a.Priority != b.Priority:
		return a.Priority > b.Priority
	case a.CreatedAt != b.CreatedAt:
		return a.CreatedAt < b.CreatedAt
	case a.Actor != b.Actor:
		return a.Actor < b.Actor
	default:
		// the same actor claimed twice with identical ranking
		return bytes.Compare(a.Data, b.Data) < 0
	}
}
