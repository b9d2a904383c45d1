package store

import (
	"github.com/canopy-network/accord/lib"
	"github.com/dgraph-io/badger/v4"
)

// RWStoreI interface enforcement
var _ lib.RWStoreI = &TxnWrapper{}

// TxnWrapper is a wrapper over the badgerDB Txn object that conforms to the RWStoreI interface
type TxnWrapper struct {
	logger lib.LoggerI
	db     *badger.Txn
}

// NewTxnWrapper() creates a new TxnWrapper with the provided params
func NewTxnWrapper(db *badger.Txn, logger lib.LoggerI) *TxnWrapper {
	return &TxnWrapper{logger: logger, db: db}
}

// Get() retrieves the value associated with the key from the BadgerDB transaction
func (t *TxnWrapper) Get(k []byte) ([]byte, lib.ErrorI) {
	item, err := t.db.Get(k)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, ErrStoreGet(err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return val, nil
}

// Set() stores the key-value pair in the BadgerDB transaction
func (t *TxnWrapper) Set(k, v []byte) lib.ErrorI {
	if err := t.db.Set(k, v); err != nil {
		return ErrStoreSet(err)
	}
	return nil
}

// Delete() removes the key-value pair from the BadgerDB transaction
func (t *TxnWrapper) Delete(k []byte) lib.ErrorI {
	if err := t.db.Delete(k); err != nil {
		return ErrStoreDelete(err)
	}
	return nil
}

// Close() discards the current transaction
func (t *TxnWrapper) Close() { t.db.Discard() }

// Iterator() creates a new iterator for the given prefix in the BadgerDB transaction
func (t *TxnWrapper) Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return t.newIterator(prefix, false, false), nil
}

// RevIterator() creates a new reverse iterator for the given prefix in the BadgerDB transaction
func (t *TxnWrapper) RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return t.newIterator(prefix, true, false), nil
}

// snapshotIterator() creates an iterator that also discards the transaction when closed
func (t *TxnWrapper) snapshotIterator(prefix []byte, reverse bool) (lib.IteratorI, lib.ErrorI) {
	return t.newIterator(prefix, reverse, true), nil
}

// newIterator() positions a badger iterator at the first key of the traversal
func (t *TxnWrapper) newIterator(prefix []byte, reverse, ownsTxn bool) *Iterator {
	parent := t.db.NewIterator(badger.IteratorOptions{
		Prefix:         prefix,
		Reverse:        reverse,
		PrefetchValues: true,
		PrefetchSize:   16,
	})
	if reverse {
		// a reverse seek lands on the last key at or before the target
		parent.Seek(prefixEnd(prefix))
	} else {
		parent.Rewind()
	}
	it := &Iterator{logger: t.logger, parent: parent}
	if ownsTxn {
		it.txn = t.db
	}
	return it
}

// IteratorI interface enforcement
var _ lib.IteratorI = &Iterator{}

// Iterator implements a wrapper around BadgerDB's iterator but satisfies the IteratorI interface
type Iterator struct {
	logger lib.LoggerI
	parent *badger.Iterator
	txn    *badger.Txn // discarded on close when the iterator owns its snapshot
	err    error
}

// Valid() if the item the iterator is pointing at is valid
func (i *Iterator) Valid() bool { return i.err == nil && i.parent.Valid() }

// Next() moves to the next item
func (i *Iterator) Next() { i.parent.Next() }

// Key() returns a copy of the current key
func (i *Iterator) Key() []byte { return i.parent.Item().KeyCopy(nil) }

// Value() returns a copy of the current value
func (i *Iterator) Value() []byte {
	value, err := i.parent.Item().ValueCopy(nil)
	if err != nil {
		// stop the iteration rather than surface a partial value
		i.logger.Errorf("Iterator value copy failed with err: %s", err.Error())
		i.err = err
		return nil
	}
	return value
}

// Close() closes the iterator and releases its snapshot
func (i *Iterator) Close() {
	i.parent.Close()
	if i.txn != nil {
		i.txn.Discard()
	}
}
