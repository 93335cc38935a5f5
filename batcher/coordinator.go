// Package batcher turns pending transactions into committed state
// transitions. The Coordinator is the sole writer of the tree and the only
// producer of state-commit rows; the Processor decides when to invoke it.
package batcher

import (
	"bytes"
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/imt"
	"github.com/zkvapp/adstree/ledger"
	"github.com/zkvapp/adstree/storage"
	"github.com/zkvapp/adstree/types"
)

// Config bounds one batch formation. All values are passed in explicitly;
// the coordinator never reads ambient configuration.
type Config struct {
	// TreeDepth is the fixed accumulator depth. Defaults to
	// imt.DefaultDepth.
	TreeDepth uint32

	// CommitTimeout bounds the atomic unit. A stuck unit becomes a
	// retryable failure instead of a deadlock. Defaults to 30s.
	CommitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TreeDepth == 0 {
		c.TreeDepth = imt.DefaultDepth
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	return c
}

// Coordinator orchestrates one atomic unit of work: select pending
// transactions, derive nullifiers, drive tree insertions, and durably commit
// the batch record together with the resulting root.
type Coordinator struct {
	db  *storage.Store
	cfg Config
	log zerolog.Logger

	// lock serializes batch formation per tree instance. A channel so
	// acquisition can give up when the caller's context expires.
	lock chan struct{}

	// beforeInsert runs ahead of each tree insertion; failure injection
	// point for atomicity coverage.
	beforeInsert func(i int, value uint64) error
}

func New(db *storage.Store, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:   db,
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("component", "coordinator").Logger(),
		lock: make(chan struct{}, 1),
	}
}

// Init seeds the tree on first use. Call once at startup before serving.
func (c *Coordinator) Init() error {
	_, err := imt.Open(c.db, c.cfg.TreeDepth)
	return err
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return adserr.Conflictf("batch formation in progress: %v", ctx.Err())
	}
}

func (c *Coordinator) release() { <-c.lock }

// CreateBatchWithADS forms one batch of up to maxSize pending transactions
// as a single all-or-nothing unit. Returns (nil, nil) when nothing is
// pending. Concurrent callers block until the in-flight formation commits;
// waiting is bounded by ctx and by Config.CommitTimeout.
func (c *Coordinator) CreateBatchWithADS(ctx context.Context, maxSize int) (*types.Batch, error) {
	if maxSize <= 0 {
		return nil, adserr.Validationf("batch size must be positive, got %d", maxSize)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	started := time.Now()
	batch, err := c.formBatch(ctx, maxSize)
	if err != nil {
		c.log.Error().Err(err).Msg("batch formation aborted")
		return nil, err
	}
	if batch == nil {
		c.log.Debug().Msg("no pending transactions, nothing to batch")
		return nil, nil
	}

	c.log.Info().
		Uint64("batch_id", batch.ID).
		Int("transactions", len(batch.TxIDs)).
		Hex("prev_root", batch.PrevRoot).
		Hex("new_root", batch.NewRoot).
		Dur("took", time.Since(started)).
		Msg("batch committed")
	return batch, nil
}

// formBatch runs under the formation lock. Every read and write goes through
// one storage transaction; any error path discards it whole.
func (c *Coordinator) formBatch(ctx context.Context, maxSize int) (*types.Batch, error) {
	txn, err := c.db.OpenTransaction()
	if err != nil {
		return nil, adserr.Persistence(err, "open batch transaction")
	}
	defer txn.Discard()

	// Single selection: these rows are the sole source of truth for both
	// the ledger update and the derived nullifier set.
	pending, err := ledger.PendingTransactions(txn, maxSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	tree, err := imt.Open(txn, c.cfg.TreeDepth)
	if err != nil {
		return nil, err
	}
	prevRoot, err := tree.Root()
	if err != nil {
		return nil, err
	}

	values := make([]uint64, len(pending))
	for i, tx := range pending {
		values[i] = DeriveNullifier(tx)
	}

	traces := make([]*imt.InsertionTrace, 0, len(values))
	inserted := 0
	for i, v := range values {
		if err := ctx.Err(); err != nil {
			return nil, adserr.Conflictf("batch formation canceled: %v", err)
		}
		if c.beforeInsert != nil {
			if err := c.beforeInsert(i, v); err != nil {
				return nil, err
			}
		}
		trace, err := tree.Insert(v)
		if err != nil {
			return nil, err
		}
		if !trace.Existing {
			inserted++
		}
		traces = append(traces, trace)
	}

	newRoot, err := tree.Root()
	if err != nil {
		return nil, err
	}

	// Root self-check: the engine's final root must equal the last
	// trace's. A mismatch is structural corruption and must never be
	// committed.
	if !bytes.Equal(newRoot, traces[len(traces)-1].NewRoot) {
		return nil, adserr.Invariantf("recomputed root disagrees with insertion trace")
	}
	if inserted > 0 && bytes.Equal(newRoot, prevRoot) {
		return nil, adserr.Invariantf("%d insertions left the root unchanged", inserted)
	}

	batchID, err := ledger.NextBatchID(txn)
	if err != nil {
		return nil, err
	}

	prevTotal, err := ledger.ReadTotal(txn)
	if err != nil {
		return nil, err
	}
	newTotal := new(uint256.Int).Set(prevTotal)
	txIDs := make([]uint64, len(pending))
	for i, tx := range pending {
		txIDs[i] = tx.ID
		newTotal.Add(newTotal, tx.Amount)
	}

	now := uint64(time.Now().Unix())
	batch := &types.Batch{
		ID:        batchID,
		TxIDs:     txIDs,
		PrevRoot:  prevRoot,
		NewRoot:   newRoot,
		PrevTotal: prevTotal,
		NewTotal:  newTotal,
		Status:    types.BatchCommitted,
		CreatedAt: now,
	}

	if err := ledger.AssignTransactions(txn, pending, batchID); err != nil {
		return nil, err
	}
	if err := ledger.PutBatch(txn, batch); err != nil {
		return nil, err
	}
	if err := ledger.PutStateCommit(txn, &types.StateCommit{
		BatchID:    batchID,
		MerkleRoot: newRoot,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	if err := ledger.WriteTotal(txn, newTotal); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, adserr.Conflictf("batch formation canceled before commit: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, adserr.Persistence(err, "commit batch %d", batchID)
	}
	return batch, nil
}
