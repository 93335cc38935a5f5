package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/imt"
	"github.com/zkvapp/adstree/ledger"
	"github.com/zkvapp/adstree/storage"
	"github.com/zkvapp/adstree/types"
)

func newTestCoordinator(t *testing.T) (*storage.Store, *Coordinator) {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	coord := New(db, Config{TreeDepth: 16}, zerolog.Nop())
	require.NoError(t, coord.Init())
	return db, coord
}

func submitN(t *testing.T, db *storage.Store, n int) []*types.Transaction {
	t.Helper()
	txs := make([]*types.Transaction, n)
	for i := range txs {
		tx, err := ledger.SubmitTransaction(db, types.RandomAddress(), uint256.NewInt(uint64(100+i)))
		require.NoError(t, err)
		txs[i] = tx
	}
	return txs
}

func TestCreateBatchValidation(t *testing.T) {
	_, coord := newTestCoordinator(t)

	_, err := coord.CreateBatchWithADS(context.Background(), 0)
	require.Equal(t, adserr.CodeValidation, adserr.CodeOf(err))
	_, err = coord.CreateBatchWithADS(context.Background(), -1)
	require.Equal(t, adserr.CodeValidation, adserr.CodeOf(err))
}

func TestCreateBatchNothingPending(t *testing.T) {
	db, coord := newTestCoordinator(t)

	batch, err := coord.CreateBatchWithADS(context.Background(), 10)
	require.NoError(t, err)
	require.Nil(t, batch)

	// the no-op leaves no rows behind
	batches, err := ledger.ListBatches(db, 0)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestCreateBatch(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitted := submitN(t, db, 3)

	tree, err := imt.Open(db, 16)
	require.NoError(t, err)
	prevRoot, err := tree.Root()
	require.NoError(t, err)

	batch, err := coord.CreateBatchWithADS(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, uint64(1), batch.ID)
	require.Equal(t, []uint64{1, 2, 3}, batch.TxIDs)
	require.Equal(t, prevRoot, batch.PrevRoot)
	require.NotEqual(t, batch.PrevRoot, batch.NewRoot)
	require.Equal(t, types.BatchCommitted, batch.Status)

	// totals advance by the sum of the batch amounts
	require.True(t, batch.PrevTotal.IsZero())
	require.Equal(t, uint256.NewInt(100+101+102), batch.NewTotal)
	total, err := ledger.ReadTotal(db)
	require.NoError(t, err)
	require.Equal(t, batch.NewTotal, total)

	// the committed root is visible and matches the commit row
	root, err := tree.Root()
	require.NoError(t, err)
	require.Equal(t, batch.NewRoot, root)
	commit, err := ledger.GetStateCommit(db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.NewRoot, commit.MerkleRoot)

	// every selected transaction is assigned, none remain pending
	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Zero(t, n)
	for _, tx := range submitted {
		got, err := ledger.GetTransaction(db, tx.ID)
		require.NoError(t, err)
		require.Equal(t, types.TxAssigned, got.Status)
		require.Equal(t, batch.ID, got.BatchID)
	}

	// each nullifier is an active leaf under the new root
	for _, tx := range submitted {
		proof, err := tree.ProveMembership(DeriveNullifier(tx))
		require.NoError(t, err)
		require.True(t, proof.Verify(root))
	}
	require.NoError(t, tree.ValidateChain())
}

func TestCreateBatchRespectsMaxSize(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitN(t, db, 5)

	batch, err := coord.CreateBatchWithADS(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, batch.TxIDs)

	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestChainContinuityAcrossBatches(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitN(t, db, 6)

	var batches []*types.Batch
	for i := 0; i < 3; i++ {
		b, err := coord.CreateBatchWithADS(context.Background(), 2)
		require.NoError(t, err)
		batches = append(batches, b)
	}

	for i := 1; i < len(batches); i++ {
		require.Equal(t, batches[i-1].NewRoot, batches[i].PrevRoot)
		require.Equal(t, batches[i-1].NewTotal, batches[i].PrevTotal)
	}

	commits, err := ledger.ListStateCommits(db, 0)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		require.Equal(t, batches[i].ID, c.BatchID)
		require.Equal(t, batches[i].NewRoot, c.MerkleRoot)
	}
}

func TestConcurrentFormationExactlyOnce(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitN(t, db, 15)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches []*types.Batch
		errs    []error
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := coord.CreateBatchWithADS(context.Background(), 5)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			batches = append(batches, b)
		}()
	}
	wg.Wait()

	// all three callers succeed: blocked on the formation lock, never failed
	require.Empty(t, errs)
	require.Len(t, batches, 3)

	// the 15 transactions are partitioned, no overlap and no leftovers
	seen := map[uint64]bool{}
	for _, b := range batches {
		require.Len(t, b.TxIDs, 5)
		for _, id := range b.TxIDs {
			require.False(t, seen[id], "transaction %d assigned twice", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, 15)

	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Zero(t, n)

	tree, err := imt.Open(db, 16)
	require.NoError(t, err)
	stats, err := tree.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(16), stats.Count) // sentinel + 15 nullifiers
	require.NoError(t, tree.ValidateChain())
}

func TestFormationAtomicity(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitN(t, db, 3)

	boom := errors.New("injected failure")
	coord.beforeInsert = func(i int, value uint64) error {
		if i == 1 {
			return boom
		}
		return nil
	}

	_, err := coord.CreateBatchWithADS(context.Background(), 10)
	require.ErrorIs(t, err, boom)

	// nothing escaped the discarded unit: transactions still pending,
	// tree untouched, no batch or commit rows, total unchanged
	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	tree, err := imt.Open(db, 16)
	require.NoError(t, err)
	stats, err := tree.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Count)

	batches, err := ledger.ListBatches(db, 0)
	require.NoError(t, err)
	require.Empty(t, batches)
	commits, err := ledger.ListStateCommits(db, 0)
	require.NoError(t, err)
	require.Empty(t, commits)
	total, err := ledger.ReadTotal(db)
	require.NoError(t, err)
	require.True(t, total.IsZero())

	// the failed attempt is fully retryable
	coord.beforeInsert = nil
	batch, err := coord.CreateBatchWithADS(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch.TxIDs, 3)
	require.Equal(t, uint64(1), batch.ID)
}

func TestFormationHonorsContext(t *testing.T) {
	db, coord := newTestCoordinator(t)
	submitN(t, db, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coord.CreateBatchWithADS(ctx, 10)
	require.Equal(t, adserr.CodeConflict, adserr.CodeOf(err))

	// the canceled attempt committed nothing
	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCommitTimeoutBoundsWaiting(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	coord := New(db, Config{TreeDepth: 16, CommitTimeout: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, coord.Init())

	// hold the formation lock so the caller has to wait past its deadline
	coord.lock <- struct{}{}
	defer func() { <-coord.lock }()

	start := time.Now()
	_, err = coord.CreateBatchWithADS(context.Background(), 10)
	require.Equal(t, adserr.CodeConflict, adserr.CodeOf(err))
	require.True(t, adserr.IsRetryable(err))
	require.Less(t, time.Since(start), 5*time.Second)
}
