// Package keeper drives the engine's periodic work: settlement upkeep for
// every pool and processing of the liquidation queue.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/lock"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

// Engine is the part of the engine the keeper drives.
type Engine interface {
	ListPools(ctx context.Context) ([]model.Pool, error)
	CheckUpkeep(ctx context.Context, poolID string) (*engine.UpkeepStatus, error)
	PerformUpkeep(ctx context.Context, poolID string) (*engine.ResolveResult, error)
	ProcessQueue(ctx context.Context, actor string) (*engine.ProcessResult, error)
}

// Config tunes the runner.
type Config struct {
	UpkeepInterval   time.Duration
	QueueInterval    time.Duration
	Actor            string        // identity holding the liquidator role
	LockTTL          time.Duration // must exceed the longest tick
	MaxBatchesPerRun int           // upkeep batches per pool per tick
}

// Report summarizes one RunOnce.
type Report struct {
	Pools     int      `json:"pools"`
	Batches   int      `json:"batches"`
	Claimed   int      `json:"claimed"`
	Expired   int      `json:"expired"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Skipped   []string `json:"skipped,omitempty"` // pools locked by another keeper
	Paid      string   `json:"paid"`
}

// Runner executes keeper ticks. Each tick holds a lock so several engine
// replicas can run keepers without double work.
type Runner struct {
	eng    Engine
	locker lock.Locker
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a runner. Zero config fields take defaults.
func NewRunner(eng Engine, locker lock.Locker, cfg Config, logger *slog.Logger) *Runner {
	if cfg.UpkeepInterval <= 0 {
		cfg.UpkeepInterval = time.Minute
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.UpkeepInterval
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = 20
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{eng: eng, locker: locker, cfg: cfg, logger: logger}
}

// Run starts the upkeep and queue loops and blocks until ctx is cancelled.
// Tick failures are logged and counted; they do not stop the loops.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("keeper starting",
		slog.Duration("upkeep_interval", r.cfg.UpkeepInterval),
		slog.Duration("queue_interval", r.cfg.QueueInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.loop(ctx, "upkeep", r.cfg.UpkeepInterval, func(ctx context.Context) error {
			return r.Upkeep(ctx, &Report{})
		})
	})
	g.Go(func() error {
		return r.loop(ctx, "queue", r.cfg.QueueInterval, func(ctx context.Context) error {
			return r.Queue(ctx, &Report{})
		})
	})

	err := g.Wait()
	r.logger.Info("keeper stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, task string, every time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			metrics.KeeperErrors.WithLabelValues(task).Inc()
			r.logger.Error("keeper tick failed", slog.String("task", task), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one upkeep pass over every pool followed by one queue
// pass.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	rep := &Report{}
	upErr := r.Upkeep(ctx, rep)
	qErr := r.Queue(ctx, rep)
	return rep, errors.Join(upErr, qErr)
}

// Upkeep sweeps every pool that reports due coverages, at most
// MaxBatchesPerRun batches per pool.
func (r *Runner) Upkeep(ctx context.Context, rep *Report) error {
	pools, err := r.eng.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}

	var errs []error
	for i := range pools {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := pools[i].ID
		rep.Pools++
		if err := r.upkeepPool(ctx, id, rep); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) upkeepPool(ctx context.Context, poolID string, rep *Report) error {
	unlock, err := r.locker.Acquire(ctx, "upkeep:"+poolID, r.cfg.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		rep.Skipped = append(rep.Skipped, poolID)
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	status, err := r.eng.CheckUpkeep(ctx, poolID)
	if err != nil {
		return err
	}
	if !status.Needed {
		return nil
	}

	for n := 0; n < r.cfg.MaxBatchesPerRun; n++ {
		res, err := r.eng.PerformUpkeep(ctx, poolID)
		if err != nil {
			return err
		}
		rep.Batches++
		rep.Claimed += res.Claimed
		rep.Expired += res.Expired
		if res.Cursor == 0 {
			break
		}
	}
	r.logger.Debug("pool upkeep done", slog.String("pool_id", poolID), slog.Uint64("first_due", status.FirstDue))
	return nil
}

// Queue processes one batch of the liquidation queue.
func (r *Runner) Queue(ctx context.Context, rep *Report) error {
	unlock, err := r.locker.Acquire(ctx, "liquidation-queue", r.cfg.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	res, err := r.eng.ProcessQueue(ctx, r.cfg.Actor)
	if res != nil {
		rep.Processed += res.Processed
		rep.Failed += res.Failed
		rep.Paid = res.Paid.String()
	}
	return err
}
