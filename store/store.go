package store

import (
	"path/filepath"

	"github.com/alecthomas/units"
	"github.com/canopy-network/accord/lib"
	"github.com/dgraph-io/badger/v4"
)

var _ lib.StoreI = &Store{} // enforce the Store interface

/*
	The Store is the node's local archive: every outcome the node finalized and every ledger receipt it received,
	kept in a single badgerDB instance.

	Keys are length prefixed segments so that a prefix scan over one subject never bleeds into another subject
	that happens to share a string prefix. The archive is write-mostly: the emitter records outcomes and receipts,
	the rpc and cli read them back. Nothing in the coordination path depends on the archive being present.
*/

// Store is a key value store on top of badgerDB
type Store struct {
	db  *badger.DB  // underlying database
	log lib.LoggerI // logger
}

// New() creates a new instance of a StoreI either in memory or an actual disk DB
func New(config lib.Config, l lib.LoggerI) (*Store, lib.ErrorI) {
	if config.StoreConfig.InMemory {
		return NewStoreInMemory(l)
	}
	return NewStore(filepath.Join(config.DataDirPath, config.DBName), l)
}

// NewStore() creates a new instance of a disk DB
func NewStore(path string, log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions(path).
		WithMemTableSize(int64(64 * units.MiB)). // archive writes are small and infrequent
		WithValueThreshold(int64(units.KiB)).    // keep outcomes in the lsm tree
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return &Store{db: db, log: log}, nil
}

// NewStoreInMemory() creates a new instance of a mem DB
func NewStoreInMemory(log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(int64(8 * units.MiB)).
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return &Store{db: db, log: log}, nil
}

// Get() returns the value bytes for a key, nil if not found
func (s *Store) Get(key []byte) (value []byte, err lib.ErrorI) {
	err = s.View(func(txn lib.RStoreI) (e lib.ErrorI) {
		value, e = txn.Get(key)
		return
	})
	return
}

// Set() writes a single key value pair in its own transaction
func (s *Store) Set(key, value []byte) lib.ErrorI {
	return s.Update(func(txn lib.RWStoreI) lib.ErrorI { return txn.Set(key, value) })
}

// Delete() removes a single key in its own transaction
func (s *Store) Delete(key []byte) lib.ErrorI {
	return s.Update(func(txn lib.RWStoreI) lib.ErrorI { return txn.Delete(key) })
}

// Iterator() iterates the prefix in lexicographical order over a snapshot, the snapshot is released on Close()
func (s *Store) Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return NewTxnWrapper(s.db.NewTransaction(false), s.log).snapshotIterator(prefix, false)
}

// RevIterator() iterates the prefix in reverse lexicographical order over a snapshot
func (s *Store) RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return NewTxnWrapper(s.db.NewTransaction(false), s.log).snapshotIterator(prefix, true)
}

// View() runs fn in a read-only transaction
func (s *Store) View(fn func(txn lib.RStoreI) lib.ErrorI) lib.ErrorI {
	return s.run(false, func(t *TxnWrapper) lib.ErrorI { return fn(t) })
}

// Update() runs fn in a single atomic read-write transaction, nothing is written if fn errors
func (s *Store) Update(fn func(txn lib.RWStoreI) lib.ErrorI) lib.ErrorI {
	return s.run(true, func(t *TxnWrapper) lib.ErrorI { return fn(t) })
}

// run() executes fn against a badger transaction and maps the result back to an ErrorI
func (s *Store) run(update bool, fn func(t *TxnWrapper) lib.ErrorI) lib.ErrorI {
	var fnErr lib.ErrorI
	handler := func(txn *badger.Txn) error {
		if fnErr = fn(NewTxnWrapper(txn, s.log)); fnErr != nil {
			return fnErr
		}
		return nil
	}
	var err error
	if update {
		err = s.db.Update(handler)
	} else {
		err = s.db.View(handler)
	}
	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	default:
		return ErrCommitDB(err)
	}
}

// Close() gracefully stops the database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}
