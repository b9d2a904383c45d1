package round

import (
	"slices"
	"time"

	"github.com/canopy-network/accord/lib"
)

/*
	A Round is a bounded coordination window for one subject. It moves Open -> Closed exactly once, on the first of:
	- the deadline expiring
	- the domain finality predicate firing
	- an explicit Close(), Cancel() or Halt()

	Every round is owned by a single goroutine. All reads and writes of its contributions and domain state are
	closures executed by that owner, so contributions to one subject are serialized while unrelated subjects
	proceed in parallel. The tracker's subject table is the only structure shared between owners.
*/

// Contribution is one domain payload contributed to a round
type Contribution struct {
	ID         lib.MessageID // originating envelope id, contributions are idempotent by it
	Sender     lib.PeerID    // the authoring peer
	Kind       lib.Kind      // must match the round kind
	Payload    []byte        // kind specific encoding
	ReceivedAt time.Time     // local arrival time
}

// NewContribution() converts an admitted envelope into a contribution
func NewContribution(e *lib.Envelope, receivedAt time.Time) *Contribution {
	return &Contribution{ID: e.ID, Sender: e.Sender, Kind: e.Kind, Payload: e.Payload, ReceivedAt: receivedAt}
}

// Resolver creates the domain state for rounds of one kind; one resolver per kind variant
type Resolver interface {
	// Kind() is the envelope kind this resolver decides
	Kind() lib.Kind
	// NewState() creates the state of a freshly opened round
	NewState(subject string, epoch uint64, params lib.RoundParams) (State, lib.ErrorI)
}

// State is the domain specific view of one round, only ever touched by the round owner
type State interface {
	// Apply() incorporates a contribution
	Apply(c *Contribution, now time.Time) lib.ErrorI
	// Final() is the domain finality predicate, checked after every contribution and tick
	Final(now time.Time) bool
	// Outcome() computes the decision, called exactly once when the round closes
	Outcome(reason lib.CloseReason, now time.Time) (*lib.Outcome, lib.ErrorI)
}

// Counter is implemented by states whose decision covers only part of what was recorded, like buffered moves whose
// parent never arrived
type Counter interface {
	// Counts() is true if the recorded contribution is part of the computed outcome
	Counts(c *Contribution, o *lib.Outcome) bool
}

// Snapshot is a read-only view of a round
type Snapshot struct {
	Subject       string       `json:"subject"`
	Kind          lib.Kind     `json:"kind"`
	Epoch         uint64       `json:"epoch"`
	Open          bool         `json:"open"`
	Deadline      int64        `json:"deadline"` // unix ms
	Contributions int          `json:"contributions"`
	Participants  []lib.PeerID `json:"participants"`
	Outcome       *lib.Outcome `json:"outcome,omitempty"`
}

// round is the owner-side record of one round of a subject
type round struct {
	subject       string
	kind          lib.Kind
	epoch         uint64
	deadline      time.Time
	state         State                      // domain state, nil once compacted
	seen          map[lib.MessageID]struct{} // recorded contribution ids
	contributions []*Contribution            // in arrival order
	participants  map[lib.PeerID]struct{}    // contributing peers
	subscribers   []func(*lib.Outcome)       // invoked once at close
	inbox         chan func()                // operations run by the owner
	done          chan struct{}              // closed once the outcome is set
	outcome       *lib.Outcome               // written by the owner before done is closed
	closedAt      time.Time
}

// newRound() creates an open round record
func newRound(subject string, kind lib.Kind, epoch uint64, deadline time.Time, state State) *round {
	return &round{
		subject:      subject,
		kind:         kind,
		epoch:        epoch,
		deadline:     deadline,
		state:        state,
		seen:         make(map[lib.MessageID]struct{}),
		participants: make(map[lib.PeerID]struct{}),
		inbox:        make(chan func()),
		done:         make(chan struct{}),
	}
}

// do() runs op on the owner goroutine and waits for it; false if the round closed first
func (r *round) do(op func()) bool {
	finished := make(chan struct{})
	select {
	case r.inbox <- func() { op(); close(finished) }:
	case <-r.done:
		return false
	}
	// an accepted op always runs to completion
	<-finished
	return true
}

// closed() is true once the outcome is published
func (r *round) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// record() stores an accepted contribution
func (r *round) record(c *Contribution) {
	r.seen[c.ID] = struct{}{}
	r.contributions = append(r.contributions, c)
	r.participants[c.Sender] = struct{}{}
}

// contributionIDs() returns the ids of the recorded contributions that count towards the outcome, in lexical order
func (r *round) contributionIDs(counts func(*Contribution) bool) []lib.MessageID {
	ids := make([]lib.MessageID, 0, len(r.contributions))
	for _, c := range r.contributions {
		if counts == nil || counts(c) {
			ids = append(ids, c.ID)
		}
	}
	slices.SortFunc(ids, func(a, b lib.MessageID) int { return a.Compare(b) })
	return ids
}

// snapshot() builds the read-only view, must run on the owner or after close
func (r *round) snapshot() *Snapshot {
	participants := make([]lib.PeerID, 0, len(r.participants))
	for p := range r.participants {
		participants = append(participants, p)
	}
	slices.Sort(participants)
	return &Snapshot{
		Subject:       r.subject,
		Kind:          r.kind,
		Epoch:         r.epoch,
		Open:          r.outcome == nil,
		Deadline:      r.deadline.UnixMilli(),
		Contributions: len(r.seen),
		Participants:  participants,
		Outcome:       r.outcome,
	}
}

// compact() drops the heavy per-round state of a long closed round
func (r *round) compact() {
	r.state, r.contributions = nil, nil
}
