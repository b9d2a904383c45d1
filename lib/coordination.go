package lib

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canopy-network/accord/lib/crypto"
)

/* This file contains the domain payloads carried by envelopes and the finalized outcome of a round */

// SubjectKey() namespaces a domain key by kind so an intent resource and a proposal never share a round
func SubjectKey(kind Kind, key string) string { return kind.String() + "/" + key }

// SplitSubjectKey() reverses SubjectKey()
func SplitSubjectKey(subject string) (Kind, string, ErrorI) {
	prefix, key, found := strings.Cut(subject, "/")
	if !found || key == "" {
		return KindUnknown, "", ErrEmptySubject()
	}
	kind, err := KindFromString(prefix)
	if err != nil {
		return KindUnknown, "", err
	}
	return kind, key, nil
}

// Intent is a peer's claim on a contested resource (e.g. a token id to mint)
type Intent struct {
	ResourceKey string   `json:"resourceKey"`    // the contested resource
	Actor       PeerID   `json:"actor"`          // the claiming peer
	Priority    uint64   `json:"priority"`       // higher wins
	CreatedAt   int64    `json:"createdAt"`      // unix ms, earlier wins a priority tie
	Data        HexBytes `json:"data,omitempty"` // application specific claim data
}

// Choice is a vote option
type Choice uint8

const (
	ChoiceUnknown Choice = iota
	ChoiceYes
	ChoiceNo
	ChoiceAbstain
)

// Valid() returns true for Yes, No and Abstain
func (c Choice) Valid() bool { return c >= ChoiceYes && c <= ChoiceAbstain }

// String() returns the name of the choice
func (c Choice) String() string {
	switch c {
	case ChoiceYes:
		return "yes"
	case ChoiceNo:
		return "no"
	case ChoiceAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

// MarshalText() implements encoding.TextMarshaler
func (c Choice) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText() implements encoding.TextUnmarshaler
func (c *Choice) UnmarshalText(b []byte) error {
	for _, choice := range []Choice{ChoiceYes, ChoiceNo, ChoiceAbstain} {
		if strings.EqualFold(choice.String(), string(b)) {
			*c = choice
			return nil
		}
	}
	return ErrInvalidChoice(ChoiceUnknown)
}

// Vote is a weighted ballot on a proposal
type Vote struct {
	ProposalID string `json:"proposalID"` // the proposal voted on
	Voter      PeerID `json:"voter"`      // the voting peer
	Choice     Choice `json:"choice"`     // yes, no or abstain
	Weight     uint64 `json:"weight"`     // voting power
	CastAt     int64  `json:"castAt"`     // unix ms, the latest cast vote of a voter counts
}

// Move is a single step in a game session; moves form a hash linked chain
type Move struct {
	SessionID  string   `json:"sessionID"`  // the game session
	SequenceNo uint64   `json:"sequenceNo"` // parent sequence + 1
	Actor      PeerID   `json:"actor"`      // the moving player
	Data       HexBytes `json:"data"`       // opaque move data
	PrevHash   HexBytes `json:"prevHash"`   // id of the parent move, empty hash at genesis
}

// Checkpoint is a periodic summary of session state anchored on the ledger
type Checkpoint struct {
	SessionID       string     `json:"sessionID"`
	SequenceNo      uint64     `json:"sequenceNo"`      // sequence of the last included move
	StateHash       HexBytes   `json:"stateHash"`       // H(prevStateHash || merkleRoot(includedMoveIDs))
	PrevStateHash   HexBytes   `json:"prevStateHash"`   // state hash of the previous checkpoint
	TipHash         HexBytes   `json:"tipHash"`         // id of the last included move, the next epoch builds on it
	IncludedMoveIDs []HexBytes `json:"includedMoveIDs"` // winning chain moves since the previous checkpoint
	CreatedAt       int64      `json:"createdAt"`
}

// GossipMessage is a free-form topic message
type GossipMessage struct {
	Topic string   `json:"topic"`
	Data  HexBytes `json:"data"`
}

// TopicRoundOpen is the gossip topic that announces a round and its parameters
const TopicRoundOpen = "round/open"

// RoundParams are the domain parameters a round is opened with
type RoundParams struct {
	Expected             []PeerID `json:"expected,omitempty"`             // intent: the round is final once all of them contributed
	Quorum               uint64   `json:"quorum,omitempty"`               // vote: weight required to finalize early
	TotalPower           uint64   `json:"totalPower,omitempty"`           // vote: eligible power, 0 is unknown
	Submitter            PeerID   `json:"submitter,omitempty"`            // vote and move: the peer that writes the outcome to the ledger
	CheckpointEvery      uint64   `json:"checkpointEvery,omitempty"`      // move: winning chain moves per checkpoint
	CheckpointIntervalMS uint64   `json:"checkpointIntervalMS,omitempty"` // move: max time between checkpoints
}

// RoundAnnouncement is gossiped so every peer opens a round with the same parameters
type RoundAnnouncement struct {
	Subject    string      `json:"subject"`
	Kind       Kind        `json:"kind"`
	DeadlineMS int64       `json:"deadlineMS"` // unix ms
	Params     RoundParams `json:"params"`
}

// Status is the terminal state of a round
type Status uint8

const (
	StatusUnknown      Status = iota
	StatusWon                 // an intent won the resource
	StatusPassed              // a proposal passed
	StatusFailed              // a proposal did not pass
	StatusCheckpointed        // a session checkpoint was produced
	StatusCancelled           // the round was cancelled
	StatusEmpty               // the deadline hit with nothing to decide
	StatusHalted              // an invariant was violated for the subject
)

var statusNames = map[Status]string{
	StatusWon:          "won",
	StatusPassed:       "passed",
	StatusFailed:       "failed",
	StatusCheckpointed: "checkpointed",
	StatusCancelled:    "cancelled",
	StatusEmpty:        "empty",
	StatusHalted:       "halted",
}

// String() returns the name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText() implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText() implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	for status, name := range statusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return ErrInvalidArgument()
}

// Decided() is true for outcomes that carry a decision to write to the ledger
func (s Status) Decided() bool {
	switch s {
	case StatusWon, StatusPassed, StatusFailed, StatusCheckpointed:
		return true
	}
	return false
}

// CloseReason records which trigger closed the round
type CloseReason string

const (
	ReasonFinality  CloseReason = "finality"  // the domain finality predicate fired
	ReasonDeadline  CloseReason = "deadline"  // the round deadline expired
	ReasonExplicit  CloseReason = "explicit"  // an application closed the round
	ReasonCancelled CloseReason = "cancelled" // the round was cancelled
	ReasonHalted    CloseReason = "halted"    // an invariant violation halted the subject
)

// Tally is the finalized result of a vote round
type Tally struct {
	ProposalID  string `json:"proposalID"`
	Yes         uint64 `json:"yes"`
	No          uint64 `json:"no"`
	Abstain     uint64 `json:"abstain"`
	Voters      int    `json:"voters"`
	Passed      bool   `json:"passed"` // yes > no
	FinalizedAt int64  `json:"finalizedAt"`
}

// Outcome is the single terminal decision of a round
type Outcome struct {
	Subject       string      `json:"subject"`
	Kind          Kind        `json:"kind"`
	Epoch         uint64      `json:"epoch"` // rounds for one subject are numbered from 1
	Status        Status      `json:"status"`
	Reason        CloseReason `json:"reason"`
	Winner        *Intent     `json:"winner,omitempty"`
	Tally         *Tally      `json:"tally,omitempty"`
	Checkpoint    *Checkpoint `json:"checkpoint,omitempty"`
	Contributions []MessageID `json:"contributions"`       // accepted contribution ids, sorted
	Submitter     PeerID      `json:"submitter,omitempty"` // the only peer that writes the outcome, anyone when empty
	FinalizedAt   int64       `json:"finalizedAt"`         // unix ms
	Detail        string      `json:"detail,omitempty"`    // cancel reason or halt error
}

// Hash() returns the digest of the canonical json encoding of the outcome
func (o *Outcome) Hash() []byte {
	bz, err := json.Marshal(o)
	if err != nil {
		// every field is json safe
		panic(err)
	}
	return crypto.Hash(bz)
}

// ContributionProof() is the merkle root over the sorted contribution ids
func (o *Outcome) ContributionProof() []byte {
	leaves := make([][]byte, len(o.Contributions))
	for i, id := range o.Contributions {
		leaves[i] = id.Bytes()
	}
	return crypto.MerkleRoot(leaves)
}

// String() summarizes the outcome for logs
func (o *Outcome) String() string {
	switch {
	case o.Winner != nil:
		return fmt.Sprintf("%s#%d %s by %s (priority %d)", o.Subject, o.Epoch, o.Status, o.Winner.Actor, o.Winner.Priority)
	case o.Tally != nil:
		return fmt.Sprintf("%s#%d %s yes=%d no=%d abstain=%d", o.Subject, o.Epoch, o.Status, o.Tally.Yes, o.Tally.No, o.Tally.Abstain)
	case o.Checkpoint != nil:
		return fmt.Sprintf("%s#%d %s at seq %d", o.Subject, o.Epoch, o.Status, o.Checkpoint.SequenceNo)
	default:
		return fmt.Sprintf("%s#%d %s (%s)", o.Subject, o.Epoch, o.Status, o.Reason)
	}
}
