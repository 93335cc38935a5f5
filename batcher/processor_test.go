package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zkvapp/adstree/ledger"
	"github.com/zkvapp/adstree/storage"
)

func newTestProcessor(t *testing.T, cfg ProcessorConfig) (*storage.Store, *Processor) {
	t.Helper()
	db, coord := newTestCoordinator(t)
	return db, NewProcessor(coord, db, cfg, zerolog.Nop())
}

func TestProcessorDisabled(t *testing.T) {
	_, proc := newTestProcessor(t, ProcessorConfig{Enabled: false})

	done := make(chan struct{})
	go func() {
		proc.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled processor did not return")
	}
}

func TestProcessorCountTrigger(t *testing.T) {
	db, proc := newTestProcessor(t, ProcessorConfig{
		Enabled:        true,
		TimerInterval:  time.Hour,
		CountThreshold: 3,
		PollInterval:   5 * time.Millisecond,
		MaxBatchSize:   10,
	})
	submitN(t, db, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proc.Run(ctx)

	require.Eventually(t, func() bool {
		return proc.Stats().BatchesCreated == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := proc.Stats()
	require.Equal(t, uint64(3), stats.TransactionsProcessed)
	require.NotZero(t, stats.CountTriggers)
	require.False(t, stats.LastBatchAt.IsZero())

	n, err := ledger.PendingCount(db)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessorManualTrigger(t *testing.T) {
	db, proc := newTestProcessor(t, ProcessorConfig{
		Enabled:       true,
		TimerInterval: time.Hour,
		PollInterval:  time.Hour,
		MaxBatchSize:  10,
	})
	// one pending transaction, below any threshold
	submitN(t, db, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proc.Run(ctx)

	proc.TriggerBatch()
	require.Eventually(t, func() bool {
		return proc.Stats().BatchesCreated == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), proc.Stats().ManualTriggers)

	// manual triggers bypass the minimum spacing between batches
	submitN(t, db, 1)
	proc.TriggerBatch()
	require.Eventually(t, func() bool {
		return proc.Stats().BatchesCreated == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorStopsOnContext(t *testing.T) {
	_, proc := newTestProcessor(t, ProcessorConfig{
		Enabled:       true,
		TimerInterval: time.Hour,
		PollInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop on context cancel")
	}
}
