package store

import (
	"encoding/binary"

	"github.com/canopy-network/accord/lib"
)

var (
	outcomePrefix    = []byte("o/") // finalized outcomes by subject and epoch
	receiptPrefix    = []byte("r/") // ledger receipts by subject and epoch
	checkpointPrefix = []byte("c/") // session checkpoints by session and sequence
)

// OutcomeKey() is the archive key of an outcome: the subject segment sorts every epoch of a subject together
func OutcomeKey(subject string, epoch uint64) []byte {
	return lib.JoinLenPrefix(outcomePrefix, []byte(subject), epochBytes(epoch))
}

// ReceiptKey() is the archive key of a ledger receipt
func ReceiptKey(subject string, epoch uint64) []byte {
	return lib.JoinLenPrefix(receiptPrefix, []byte(subject), epochBytes(epoch))
}

// SaveOutcome() archives a finalized outcome, a repeat write of the same epoch overwrites
func (s *Store) SaveOutcome(o *lib.Outcome) lib.ErrorI {
	bz, err := lib.MarshalJSON(o)
	if err != nil {
		return err
	}
	return s.Set(OutcomeKey(o.Subject, o.Epoch), bz)
}

// GetOutcome() loads an archived outcome, nil if the epoch was never archived
func (s *Store) GetOutcome(subject string, epoch uint64) (*lib.Outcome, lib.ErrorI) {
	bz, err := s.Get(OutcomeKey(subject, epoch))
	if err != nil || bz == nil {
		return nil, err
	}
	o := new(lib.Outcome)
	if err = lib.UnmarshalJSON(bz, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Outcomes() lists the archived outcomes of a subject, newest epoch first, at most limit when limit > 0
func (s *Store) Outcomes(subject string, limit int) (list []*lib.Outcome, err lib.ErrorI) {
	it, err := s.RevIterator(lib.JoinLenPrefix(outcomePrefix, []byte(subject)))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		o := new(lib.Outcome)
		if err = lib.UnmarshalJSON(it.Value(), o); err != nil {
			return nil, err
		}
		if list = append(list, o); limit > 0 && len(list) >= limit {
			break
		}
	}
	return
}

// SaveReceipt() archives the ledger's final word on a submission
func (s *Store) SaveReceipt(r *lib.Receipt) lib.ErrorI {
	bz, err := lib.MarshalJSON(r)
	if err != nil {
		return err
	}
	return s.Set(ReceiptKey(r.Handle.Subject, r.Handle.Epoch), bz)
}

// GetReceipt() loads an archived receipt, nil if the outcome was never confirmed or reverted
func (s *Store) GetReceipt(subject string, epoch uint64) (*lib.Receipt, lib.ErrorI) {
	bz, err := s.Get(ReceiptKey(subject, epoch))
	if err != nil || bz == nil {
		return nil, err
	}
	r := new(lib.Receipt)
	if err = lib.UnmarshalJSON(bz, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveCheckpoint() archives a session checkpoint under its sequence number
func (s *Store) SaveCheckpoint(cp *lib.Checkpoint) lib.ErrorI {
	bz, err := lib.MarshalJSON(cp)
	if err != nil {
		return err
	}
	return s.Set(lib.JoinLenPrefix(checkpointPrefix, []byte(cp.SessionID), epochBytes(cp.SequenceNo)), bz)
}

// LatestCheckpoint() loads the highest sequence checkpoint of a session, nil if the session never checkpointed
func (s *Store) LatestCheckpoint(sessionID string) (*lib.Checkpoint, lib.ErrorI) {
	it, err := s.RevIterator(lib.JoinLenPrefix(checkpointPrefix, []byte(sessionID)))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.Valid() {
		return nil, nil
	}
	cp := new(lib.Checkpoint)
	if err = lib.UnmarshalJSON(it.Value(), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// epochBytes() encodes the epoch big endian so keys sort by epoch
func epochBytes(epoch uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, epoch)
}
