package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/alecthomas/units"
	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/crypto"
)

var _ lib.LedgerI = &Local{} // enforce the ledger interface

/*
	Local is a single process ledger for development networks and tests. It keeps its records, accounts and
	transactions in the node's key value store.

	Every outcome writes one ledger record: the subject for rounds, the session for checkpoints. The first
	accepted writer of a record wins and a later submission for the same record is rejected unless it moves the
	record forward (a higher epoch, or a higher checkpoint sequence). When two peers finalize different outcomes
	for the same subject, exactly one of them lands and the other gets a rejection: this is the documented way a
	cross-peer divergence resolves.

	Fees are reserved from the submitter's account on acceptance and are kept even if the transaction reverts.
*/

var (
	recordPrefix  = []byte("l/rec/") // ledger key -> Record
	accountPrefix = []byte("l/acc/") // peer id -> balance
	txPrefix      = []byte("l/tx/")  // tx id -> transaction
)

// Record is the current value of a ledger key
type Record struct {
	TxID        lib.HexBytes `json:"txID"`
	Subject     string       `json:"subject"`
	Epoch       uint64       `json:"epoch"`
	Order       uint64       `json:"order"` // epoch for rounds, sequence for checkpoints
	OutcomeHash lib.HexBytes `json:"outcomeHash"`
	Submitter   lib.PeerID   `json:"submitter"`
}

// transaction is the ledger's view of a submission
type transaction struct {
	Handle      *lib.TxHandle `json:"handle"`
	Key         string        `json:"key"`
	Fee         uint64        `json:"fee"`
	Status      lib.TxStatus  `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	ConfirmAt   int64         `json:"confirmAt"` // unix ms
	ConfirmedAt int64         `json:"confirmedAt,omitempty"`
}

// Local is a first-writer-wins ledger on top of the node's store
type Local struct {
	config lib.LedgerConfig
	db     lib.StoreI
	clock  clock.Clock
	log    lib.LoggerI
	mux    sync.Mutex // serializes state transitions so the first writer wins
}

// NewLocal() creates a local ledger on top of a store
func NewLocal(config lib.LedgerConfig, db lib.StoreI, c clock.Clock, log lib.LoggerI) *Local {
	return &Local{config: config, db: db, clock: c, log: log}
}

// EstimateFee() is the base fee plus the per KiB fee over the encoded outcome
func (l *Local) EstimateFee(ctx context.Context, s *lib.Submission) (uint64, lib.ErrorI) {
	if ctx.Err() != nil {
		return 0, lib.ErrLedgerTimeout()
	}
	bz, err := lib.MarshalJSON(s.Outcome)
	if err != nil {
		return 0, err
	}
	kib := (uint64(len(bz)) + uint64(units.KiB) - 1) / uint64(units.KiB)
	return l.config.BaseFee + l.config.FeePerKiB*kib, nil
}

// Submit() validates and accepts a submission, the transaction confirms after the configured delay
func (l *Local) Submit(ctx context.Context, s *lib.Submission) (*lib.TxHandle, lib.ErrorI) {
	if s.Outcome == nil || !s.Outcome.Status.Decided() {
		return nil, lib.ErrLedgerRejected("the outcome carries no decision")
	}
	if !s.Proof.Verify(s.Outcome) {
		return nil, lib.ErrLedgerRejected("the coordination proof does not match the outcome")
	}
	fee, err := l.EstimateFee(ctx, s)
	if err != nil {
		return nil, err
	}
	if s.Fee < fee {
		return nil, lib.ErrLedgerRejected(fmt.Sprintf("fee %d is below the required %d", s.Fee, fee))
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	now, outcomeHash := l.clock.Now(), s.Outcome.Hash()
	handle := &lib.TxHandle{
		TxID:        crypto.HashConcat([]byte(s.Submitter), outcomeHash),
		Subject:     s.Outcome.Subject,
		Epoch:       s.Outcome.Epoch,
		SubmittedAt: now.UnixMilli(),
	}
	key := s.LedgerKey()
	err = l.db.Update(func(txn lib.RWStoreI) lib.ErrorI {
		balance, e := l.balance(txn, s.Submitter)
		if e != nil {
			return e
		}
		if balance < s.Fee {
			return lib.ErrInsufficientFunds(s.Fee, balance)
		}
		rec, e := getRecord(txn, key)
		if e != nil {
			return e
		}
		order := recordOrder(s.Outcome)
		if rec != nil && rec.Order >= order {
			return lib.ErrLedgerRejected(fmt.Sprintf("%s is already recorded by %s", key, rec.Submitter))
		}
		// reserve the fee, write the record and queue the transaction
		if e = setBalance(txn, s.Submitter, balance-s.Fee); e != nil {
			return e
		}
		rec = &Record{TxID: handle.TxID, Subject: handle.Subject, Epoch: handle.Epoch, Order: order, OutcomeHash: outcomeHash, Submitter: s.Submitter}
		if e = setJSON(txn, lib.JoinLenPrefix(recordPrefix, []byte(key)), rec); e != nil {
			return e
		}
		return setJSON(txn, lib.JoinLenPrefix(txPrefix, handle.TxID), &transaction{
			Handle:    handle,
			Key:       key,
			Fee:       s.Fee,
			Status:    lib.TxPending,
			ConfirmAt: now.Add(l.config.ConfirmAfter()).UnixMilli(),
		})
	})
	if err != nil {
		return nil, err
	}
	l.log.Debugf("Ledger accepted %s for %s", handle, key)
	return handle, nil
}

// WaitForConfirmation() waits for the confirmation delay and returns the final receipt
func (l *Local) WaitForConfirmation(ctx context.Context, h *lib.TxHandle) (*lib.Receipt, lib.ErrorI) {
	tx, err := getTransaction(l.db, h.TxID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, lib.ErrLedgerRejected(fmt.Sprintf("unknown transaction %s", h.TxID))
	}
	if wait := time.UnixMilli(tx.ConfirmAt).Sub(l.clock.Now()); tx.Status == lib.TxPending && wait > 0 {
		timer := l.clock.Timer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, lib.ErrLedgerTimeout()
		case <-timer.C:
		}
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	err = l.db.Update(func(txn lib.RWStoreI) lib.ErrorI {
		var e lib.ErrorI
		if tx, e = getTransaction(txn, h.TxID); e != nil || tx == nil {
			return e
		}
		if tx.Status != lib.TxPending {
			return nil
		}
		tx.Status, tx.ConfirmedAt = lib.TxConfirmed, l.clock.Now().UnixMilli()
		return setJSON(txn, lib.JoinLenPrefix(txPrefix, h.TxID), tx)
	})
	if err != nil {
		return nil, err
	}
	return &lib.Receipt{Handle: tx.Handle, Status: tx.Status, Reason: tx.Reason, Fee: tx.Fee, ConfirmedAt: tx.ConfirmedAt}, nil
}

// Revert() reverts a pending transaction and frees its record for the next writer
func (l *Local) Revert(txID lib.HexBytes, reason string) lib.ErrorI {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.db.Update(func(txn lib.RWStoreI) lib.ErrorI {
		tx, err := getTransaction(txn, txID)
		if err != nil {
			return err
		}
		if tx == nil || tx.Status != lib.TxPending {
			return lib.ErrInvalidArgument()
		}
		tx.Status, tx.Reason = lib.TxReverted, reason
		if err = setJSON(txn, lib.JoinLenPrefix(txPrefix, txID), tx); err != nil {
			return err
		}
		rec, err := getRecord(txn, tx.Key)
		if err != nil || rec == nil || !rec.TxID.Equal(txID) {
			return err
		}
		return txn.Delete(lib.JoinLenPrefix(recordPrefix, []byte(tx.Key)))
	})
}

// Record() returns the current value of a ledger key, nil if never written
func (l *Local) Record(key string) (*Record, lib.ErrorI) { return getRecord(l.db, key) }

// Balance() returns the balance of a peer account
func (l *Local) Balance(peer lib.PeerID) (uint64, lib.ErrorI) { return l.balance(l.db, peer) }

// Fund() credits a peer account
func (l *Local) Fund(peer lib.PeerID, amount uint64) lib.ErrorI {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.db.Update(func(txn lib.RWStoreI) lib.ErrorI {
		balance, err := l.balance(txn, peer)
		if err != nil {
			return err
		}
		return setBalance(txn, peer, balance+amount)
	})
}

// balance() reads an account, accounts that were never written hold the configured starting balance
func (l *Local) balance(txn lib.RStoreI, peer lib.PeerID) (uint64, lib.ErrorI) {
	bz, err := txn.Get(lib.JoinLenPrefix(accountPrefix, []byte(peer)))
	if err != nil {
		return 0, err
	}
	if len(bz) != 8 {
		return l.config.Balance, nil
	}
	return binary.BigEndian.Uint64(bz), nil
}

func setBalance(txn lib.WStoreI, peer lib.PeerID, balance uint64) lib.ErrorI {
	return txn.Set(lib.JoinLenPrefix(accountPrefix, []byte(peer)), binary.BigEndian.AppendUint64(nil, balance))
}

func getRecord(txn lib.RStoreI, key string) (*Record, lib.ErrorI) {
	rec := new(Record)
	ok, err := getJSON(txn, lib.JoinLenPrefix(recordPrefix, []byte(key)), rec)
	if !ok {
		return nil, err
	}
	return rec, nil
}

func getTransaction(txn lib.RStoreI, txID lib.HexBytes) (*transaction, lib.ErrorI) {
	tx := new(transaction)
	ok, err := getJSON(txn, lib.JoinLenPrefix(txPrefix, txID), tx)
	if !ok {
		return nil, err
	}
	return tx, nil
}

// getJSON() loads a json value, ok is false if the key is absent or the load failed
func getJSON(txn lib.RStoreI, key []byte, ptr any) (ok bool, err lib.ErrorI) {
	bz, err := txn.Get(key)
	if err != nil || bz == nil {
		return false, err
	}
	if err = lib.UnmarshalJSON(bz, ptr); err != nil {
		return false, err
	}
	return true, nil
}

func setJSON(txn lib.WStoreI, key []byte, v any) lib.ErrorI {
	bz, err := lib.MarshalJSON(v)
	if err != nil {
		return err
	}
	return txn.Set(key, bz)
}

// recordOrder() is the position of an outcome within its ledger key
func recordOrder(o *lib.Outcome) uint64 {
	if o.Checkpoint != nil {
		return o.Checkpoint.SequenceNo
	}
	return o.Epoch
}
