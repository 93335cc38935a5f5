// Package ledger persists the durable relations around the tree: submitted
// transactions with their pending/assigned status, batch records, and the
// state-commit history chaining batch ids to roots.
package ledger

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/storage"
	"github.com/zkvapp/adstree/types"
)

var (
	txPrefix      = []byte("t/")
	pendingPrefix = []byte("p/")
	batchPrefix   = []byte("b/")
	commitPrefix  = []byte("c/")
	nextTxKey     = []byte("meta/nexttx")
	nextBatchKey  = []byte("meta/nextbatch")
	totalKey      = []byte("meta/total")
)

func u64Key(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

// SubmitTransaction appends a pending transaction, allocating the next id.
// It runs in its own short storage transaction so id allocation is atomic
// and serialized against an in-flight batch formation.
func SubmitTransaction(db *storage.Store, sender string, amount *uint256.Int) (*types.Transaction, error) {
	if amount == nil {
		return nil, adserr.Validationf("amount is required")
	}
	if _, err := types.DecodeAddress(sender); err != nil {
		return nil, adserr.Validationf("bad sender address %q: %v", sender, err)
	}

	txn, err := db.OpenTransaction()
	if err != nil {
		return nil, adserr.Persistence(err, "open submit transaction")
	}
	defer txn.Discard()

	id, err := nextSequence(txn, nextTxKey)
	if err != nil {
		return nil, err
	}

	tx := &types.Transaction{
		ID:        id,
		Sender:    sender,
		Amount:    amount,
		Status:    types.TxPending,
		CreatedAt: uint64(time.Now().Unix()),
	}
	if err := putTransaction(txn, tx); err != nil {
		return nil, err
	}
	if err := txn.Put(u64Key(pendingPrefix, id), nil); err != nil {
		return nil, adserr.Persistence(err, "index pending transaction %d", id)
	}
	if err := txn.Commit(); err != nil {
		return nil, adserr.Persistence(err, "commit transaction submission")
	}
	return tx, nil
}

// GetTransaction loads one transaction row.
func GetTransaction(kv storage.KV, id uint64) (*types.Transaction, error) {
	bz, found, err := kv.Get(u64Key(txPrefix, id))
	if err != nil {
		return nil, adserr.Persistence(err, "read transaction %d", id)
	}
	if !found {
		return nil, adserr.NotFoundf("transaction %d", id)
	}
	var tx types.Transaction
	if err := rlp.DecodeBytes(bz, &tx); err != nil {
		return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode transaction %d", id)
	}
	return &tx, nil
}

// PendingTransactions returns up to max pending transactions in ascending id
// order (FIFO). This single scan is the sole source of truth for batch
// selection: the returned rows feed both the ledger update and the derived
// nullifier set.
func PendingTransactions(kv storage.KV, max int) ([]*types.Transaction, error) {
	it := kv.NewIterator(storage.PrefixRange(pendingPrefix))
	defer it.Release()

	var txs []*types.Transaction
	for it.Next() {
		if max > 0 && len(txs) >= max {
			break
		}
		id := binary.BigEndian.Uint64(it.Key()[len(pendingPrefix):])
		tx, err := GetTransaction(kv, id)
		if err != nil {
			return nil, err
		}
		if tx.Status != types.TxPending {
			return nil, adserr.Invariantf("transaction %d indexed pending but assigned to batch %d", id, tx.BatchID)
		}
		txs = append(txs, tx)
	}
	if err := it.Error(); err != nil {
		return nil, adserr.Persistence(err, "scan pending transactions")
	}
	return txs, nil
}

// PendingCount reports how many transactions await batching.
func PendingCount(kv storage.KV) (int, error) {
	it := kv.NewIterator(storage.PrefixRange(pendingPrefix))
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, adserr.Persistence(err, "count pending transactions")
	}
	return n, nil
}

// AssignTransactions flips each transaction Pending -> Assigned and drops it
// from the pending index. A transaction already assigned elsewhere aborts the
// unit: assignment happens at most once, ever.
func AssignTransactions(kv storage.KV, txs []*types.Transaction, batchID uint64) error {
	for _, tx := range txs {
		if tx.Status != types.TxPending {
			return adserr.Invariantf("transaction %d already assigned to batch %d", tx.ID, tx.BatchID)
		}
		tx.Status = types.TxAssigned
		tx.BatchID = batchID
		if err := putTransaction(kv, tx); err != nil {
			return err
		}
		if err := kv.Delete(u64Key(pendingPrefix, tx.ID)); err != nil {
			return adserr.Persistence(err, "unindex transaction %d", tx.ID)
		}
	}
	return nil
}

func putTransaction(kv storage.KV, tx *types.Transaction) error {
	bz, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return adserr.Persistence(err, "encode transaction %d", tx.ID)
	}
	if err := kv.Put(u64Key(txPrefix, tx.ID), bz); err != nil {
		return adserr.Persistence(err, "write transaction %d", tx.ID)
	}
	return nil
}

// nextSequence allocates the next id from a meta counter, starting at 1.
func nextSequence(kv storage.KV, key []byte) (uint64, error) {
	bz, found, err := kv.Get(key)
	if err != nil {
		return 0, adserr.Persistence(err, "read sequence %s", key)
	}
	next := uint64(1)
	if found {
		next = binary.BigEndian.Uint64(bz) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := kv.Put(key, buf); err != nil {
		return 0, adserr.Persistence(err, "write sequence %s", key)
	}
	return next, nil
}
