package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/storage"
	"github.com/zkvapp/adstree/types"
)

// NextBatchID allocates the next batch identifier inside the caller's unit
// of work.
func NextBatchID(kv storage.KV) (uint64, error) {
	return nextSequence(kv, nextBatchKey)
}

// PutBatch writes a batch record.
func PutBatch(kv storage.KV, b *types.Batch) error {
	bz, err := rlp.EncodeToBytes(b)
	if err != nil {
		return adserr.Persistence(err, "encode batch %d", b.ID)
	}
	if err := kv.Put(u64Key(batchPrefix, b.ID), bz); err != nil {
		return adserr.Persistence(err, "write batch %d", b.ID)
	}
	return nil
}

// GetBatch loads one batch record.
func GetBatch(kv storage.KV, id uint64) (*types.Batch, error) {
	bz, found, err := kv.Get(u64Key(batchPrefix, id))
	if err != nil {
		return nil, adserr.Persistence(err, "read batch %d", id)
	}
	if !found {
		return nil, adserr.NotFoundf("batch %d", id)
	}
	var b types.Batch
	if err := rlp.DecodeBytes(bz, &b); err != nil {
		return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode batch %d", id)
	}
	return &b, nil
}

// ListBatches returns batches in ascending id order, up to max (0 = all).
func ListBatches(kv storage.KV, max int) ([]*types.Batch, error) {
	it := kv.NewIterator(storage.PrefixRange(batchPrefix))
	defer it.Release()

	var batches []*types.Batch
	for it.Next() {
		if max > 0 && len(batches) >= max {
			break
		}
		var b types.Batch
		if err := rlp.DecodeBytes(it.Value(), &b); err != nil {
			return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode batch row")
		}
		batches = append(batches, &b)
	}
	if err := it.Error(); err != nil {
		return nil, adserr.Persistence(err, "scan batches")
	}
	return batches, nil
}

// batchTransitions is the proof-pipeline lifecycle. The coordinator's
// terminal state is committed; everything after is recorded on notification
// from the external proving and settlement services.
var batchTransitions = map[types.BatchStatus][]types.BatchStatus{
	types.BatchCommitted:      {types.BatchProofRequested},
	types.BatchProofRequested: {types.BatchProven, types.BatchProofFailed},
	types.BatchProofFailed:    {types.BatchProofRequested},
	types.BatchProven:         {types.BatchSubmitted},
}

// UpdateBatchStatus records an externally driven lifecycle transition.
// proofID is stored when non-empty (set when requesting or completing a
// proof).
func UpdateBatchStatus(kv storage.KV, id uint64, status types.BatchStatus, proofID string) (*types.Batch, error) {
	b, err := GetBatch(kv, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range batchTransitions[b.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, adserr.Validationf("batch %d: illegal transition %s -> %s", id, b.Status, status)
	}

	b.Status = status
	if proofID != "" {
		b.ProofID = proofID
	}
	if status == types.BatchProven {
		b.ProvenAt = uint64(time.Now().Unix())
	}
	if err := PutBatch(kv, b); err != nil {
		return nil, err
	}
	return b, nil
}

// PutStateCommit writes the batch -> root row of the commit history.
func PutStateCommit(kv storage.KV, c *types.StateCommit) error {
	bz, err := rlp.EncodeToBytes(c)
	if err != nil {
		return adserr.Persistence(err, "encode state commit %d", c.BatchID)
	}
	if err := kv.Put(u64Key(commitPrefix, c.BatchID), bz); err != nil {
		return adserr.Persistence(err, "write state commit %d", c.BatchID)
	}
	return nil
}

// GetStateCommit loads the commit row for a batch.
func GetStateCommit(kv storage.KV, batchID uint64) (*types.StateCommit, error) {
	bz, found, err := kv.Get(u64Key(commitPrefix, batchID))
	if err != nil {
		return nil, adserr.Persistence(err, "read state commit %d", batchID)
	}
	if !found {
		return nil, adserr.NotFoundf("state commit for batch %d", batchID)
	}
	var c types.StateCommit
	if err := rlp.DecodeBytes(bz, &c); err != nil {
		return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode state commit %d", batchID)
	}
	return &c, nil
}

// ListStateCommits returns the commit history in batch id order.
func ListStateCommits(kv storage.KV, max int) ([]*types.StateCommit, error) {
	it := kv.NewIterator(storage.PrefixRange(commitPrefix))
	defer it.Release()

	var commits []*types.StateCommit
	for it.Next() {
		if max > 0 && len(commits) >= max {
			break
		}
		var c types.StateCommit
		if err := rlp.DecodeBytes(it.Value(), &c); err != nil {
			return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode state commit row")
		}
		commits = append(commits, &c)
	}
	if err := it.Error(); err != nil {
		return nil, adserr.Persistence(err, "scan state commits")
	}
	return commits, nil
}

// ReadTotal returns the running balance total over all committed batches.
func ReadTotal(kv storage.KV) (*uint256.Int, error) {
	bz, found, err := kv.Get(totalKey)
	if err != nil {
		return nil, adserr.Persistence(err, "read running total")
	}
	if !found {
		return uint256.NewInt(0), nil
	}
	if len(bz) > 32 {
		return nil, adserr.Invariantf("running total malformed: %d bytes", len(bz))
	}
	return new(uint256.Int).SetBytes(bz), nil
}

// WriteTotal stores the running balance total.
func WriteTotal(kv storage.KV, total *uint256.Int) error {
	if err := kv.Put(totalKey, total.Bytes()); err != nil {
		return adserr.Persistence(err, "write running total")
	}
	return nil
}
