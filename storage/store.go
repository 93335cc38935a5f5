// Package storage wraps LevelDB for raw key-value persistence. All four
// durable relations (transactions, leaves, tree nodes, batch/commit records)
// live in one database so a single LevelDB transaction can cover them
// all-or-nothing.
package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is the read/write surface shared by the committed store and an open
// transaction, so tree and ledger code runs identically against either.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewIterator(slice *util.Range) iterator.Iterator
}

// Store is the committed view of the database. Reads never observe an open
// transaction's writes.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates a LevelDB database at path. An empty path opens
// in-memory storage, used by tests and the CLI dry-run mode.
func Open(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory Store.
func OpenMemory() (*Store, error) {
	return Open("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %x: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

func (s *Store) NewIterator(slice *util.Range) iterator.Iterator {
	return s.db.NewIterator(slice, nil)
}

// OpenTransaction starts the single exclusive write transaction. A second
// call blocks until the first transaction commits or is discarded, which is
// the storage-level fence under the coordinator's own lock.
func (s *Store) OpenTransaction() (*Txn, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("open transaction: %w", err)
	}
	return &Txn{tr: tr}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Txn is one atomic unit of work. Its writes are visible to its own reads
// and iterators but to nobody else until Commit.
type Txn struct {
	tr   *leveldb.Transaction
	done bool
}

func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	data, err := t.tr.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("txn get %x: %w", key, err)
	}
	return data, true, nil
}

func (t *Txn) Put(key, value []byte) error {
	return t.tr.Put(key, value, nil)
}

func (t *Txn) Delete(key []byte) error {
	return t.tr.Delete(key, nil)
}

func (t *Txn) NewIterator(slice *util.Range) iterator.Iterator {
	return t.tr.NewIterator(slice, nil)
}

// Commit durably applies every write of the unit. The point of no return.
func (t *Txn) Commit() error {
	t.done = true
	if err := t.tr.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Discard drops the unit without a trace. Safe to call after Commit, so it
// can sit in a defer.
func (t *Txn) Discard() {
	if !t.done {
		t.done = true
		t.tr.Discard()
	}
}

// PrefixRange bounds an iterator to keys starting with prefix.
func PrefixRange(prefix []byte) *util.Range {
	return util.BytesPrefix(prefix)
}
