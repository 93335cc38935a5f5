package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zkvapp/adstree/ledger"
	"github.com/zkvapp/adstree/storage"
)

// ProcessorConfig tunes the background trigger sources.
type ProcessorConfig struct {
	Enabled bool

	// TimerInterval fires a batch attempt periodically. Default 1 minute.
	TimerInterval time.Duration

	// CountThreshold triggers a batch as soon as this many transactions
	// are pending. Default 10. The pending count is polled at PollInterval.
	CountThreshold int
	PollInterval   time.Duration

	// MaxBatchSize caps transactions per batch. Default 50.
	MaxBatchSize int

	// MinBatchInterval spaces automatic batches apart. Manual triggers
	// bypass it. Default 5 seconds.
	MinBatchInterval time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.TimerInterval <= 0 {
		c.TimerInterval = time.Minute
	}
	if c.CountThreshold <= 0 {
		c.CountThreshold = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MinBatchInterval <= 0 {
		c.MinBatchInterval = 5 * time.Second
	}
	return c
}

// ProcessorStats counts trigger activity since startup.
type ProcessorStats struct {
	BatchesCreated        uint64
	TransactionsProcessed uint64
	TimerTriggers         uint64
	CountTriggers         uint64
	ManualTriggers        uint64
	Errors                uint64
	LastBatchAt           time.Time
}

// Processor drives the coordinator from three trigger sources: a periodic
// timer, a pending-count threshold, and manual triggers. It never batches
// any other way than through CreateBatchWithADS.
type Processor struct {
	cfg    ProcessorConfig
	coord  *Coordinator
	db     *storage.Store
	log    zerolog.Logger
	manual chan struct{}

	mu    sync.Mutex
	stats ProcessorStats
}

func NewProcessor(coord *Coordinator, db *storage.Store, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:    cfg.withDefaults(),
		coord:  coord,
		db:     db,
		log:    log.With().Str("component", "processor").Logger(),
		manual: make(chan struct{}, 1),
	}
}

// TriggerBatch requests an immediate batch attempt. Coalesces if one is
// already queued.
func (p *Processor) TriggerBatch() {
	select {
	case p.manual <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of trigger activity.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run blocks until ctx is canceled.
func (p *Processor) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		p.log.Info().Msg("background processor disabled")
		return
	}

	p.log.Info().
		Dur("timer_interval", p.cfg.TimerInterval).
		Int("count_threshold", p.cfg.CountThreshold).
		Int("max_batch_size", p.cfg.MaxBatchSize).
		Msg("background processor started")

	timer := time.NewTicker(p.cfg.TimerInterval)
	defer timer.Stop()
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("background processor stopped")
			return

		case <-timer.C:
			p.bump(func(s *ProcessorStats) { s.TimerTriggers++ })
			p.formBatch(ctx, "timer", false)

		case <-poll.C:
			n, err := ledger.PendingCount(p.db)
			if err != nil {
				p.log.Error().Err(err).Msg("pending count poll failed")
				p.bump(func(s *ProcessorStats) { s.Errors++ })
				continue
			}
			if n >= p.cfg.CountThreshold {
				p.bump(func(s *ProcessorStats) { s.CountTriggers++ })
				p.formBatch(ctx, "count", false)
			}

		case <-p.manual:
			p.bump(func(s *ProcessorStats) { s.ManualTriggers++ })
			p.formBatch(ctx, "manual", true)
		}
	}
}

func (p *Processor) formBatch(ctx context.Context, trigger string, force bool) {
	if !force {
		p.mu.Lock()
		tooSoon := !p.stats.LastBatchAt.IsZero() &&
			time.Since(p.stats.LastBatchAt) < p.cfg.MinBatchInterval
		p.mu.Unlock()
		if tooSoon {
			p.log.Debug().Str("trigger", trigger).Msg("skipping batch, too soon after last")
			return
		}
	}

	batch, err := p.coord.CreateBatchWithADS(ctx, p.cfg.MaxBatchSize)
	if err != nil {
		p.log.Error().Err(err).Str("trigger", trigger).Msg("batch attempt failed")
		p.bump(func(s *ProcessorStats) { s.Errors++ })
		return
	}
	if batch == nil {
		return
	}

	p.bump(func(s *ProcessorStats) {
		s.BatchesCreated++
		s.TransactionsProcessed += uint64(len(batch.TxIDs))
		s.LastBatchAt = time.Now()
	})
	p.log.Info().
		Str("trigger", trigger).
		Uint64("batch_id", batch.ID).
		Int("transactions", len(batch.TxIDs)).
		Msg("batch formed")
}

func (p *Processor) bump(f func(*ProcessorStats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}
