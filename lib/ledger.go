package lib

import (
	"context"
	"fmt"
)

/* This file contains the types exchanged with the ledger collaborator */

// CoordinationProof binds a submitted outcome to the contribution set it was decided from
type CoordinationProof struct {
	ContributionRoot HexBytes `json:"contributionRoot"` // merkle root over the sorted contribution ids
	OutcomeHash      HexBytes `json:"outcomeHash"`      // digest of the canonical outcome encoding
	Contributions    int      `json:"contributions"`    // number of leaves under the root
}

// NewCoordinationProof() builds the proof for a finalized outcome
func NewCoordinationProof(o *Outcome) *CoordinationProof {
	return &CoordinationProof{
		ContributionRoot: o.ContributionProof(),
		OutcomeHash:      o.Hash(),
		Contributions:    len(o.Contributions),
	}
}

// Verify() re-validates the proof against the outcome it claims to cover
func (p *CoordinationProof) Verify(o *Outcome) bool {
	if p == nil || len(p.OutcomeHash) == 0 || p.Contributions != len(o.Contributions) {
		return false
	}
	expected := NewCoordinationProof(o)
	return expected.OutcomeHash.Equal(p.OutcomeHash) && expected.ContributionRoot.Equal(p.ContributionRoot)
}

// Submission is a finalized outcome handed to the ledger
type Submission struct {
	Outcome   *Outcome           `json:"outcome"`
	Proof     *CoordinationProof `json:"proof"`
	Submitter PeerID             `json:"submitter"`
	Fee       uint64             `json:"fee"`
}

// LedgerKey() is the ledger record an outcome writes; the ledger accepts the first writer per key
func (s *Submission) LedgerKey() string {
	if s.Outcome.Checkpoint != nil {
		return "checkpoint/" + s.Outcome.Checkpoint.SessionID
	}
	return s.Outcome.Subject
}

// TxHandle identifies a submitted ledger transaction
type TxHandle struct {
	TxID        HexBytes `json:"txID"`
	Subject     string   `json:"subject"`
	Epoch       uint64   `json:"epoch"`
	SubmittedAt int64    `json:"submittedAt"` // unix ms
}

// String() returns the transaction id in hex
func (h *TxHandle) String() string { return fmt.Sprintf("%s (%s#%d)", h.TxID, h.Subject, h.Epoch) }

// TxStatus is the confirmation state of a ledger transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
)

// Receipt is the ledger's final word on a submission
type Receipt struct {
	Handle      *TxHandle `json:"handle"`
	Status      TxStatus  `json:"status"`
	Reason      string    `json:"reason,omitempty"` // revert reason
	Fee         uint64    `json:"fee"`
	ConfirmedAt int64     `json:"confirmedAt,omitempty"` // unix ms
}

// LedgerI is the chain the emitter writes finalized outcomes to
type LedgerI interface {
	// EstimateFee() quotes the fee of a submission, it has no side effects and may be retried
	EstimateFee(ctx context.Context, s *Submission) (uint64, ErrorI)
	// Submit() hands the submission to the ledger, ErrLedgerRejected and ErrInsufficientFunds are final
	Submit(ctx context.Context, s *Submission) (*TxHandle, ErrorI)
	// WaitForConfirmation() blocks until the transaction is confirmed or reverted
	WaitForConfirmation(ctx context.Context, h *TxHandle) (*Receipt, ErrorI)
}
