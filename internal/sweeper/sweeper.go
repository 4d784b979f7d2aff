// Package sweeper periodically expires stale pending purchases.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const (
	expireQueue      = "credit_maintenance"
	expireMaxWorkers = 1
	stopTimeout      = 10 * time.Second
)

// PurchaseExpirer is satisfied by *credits.Service.
type PurchaseExpirer interface {
	ExpirePendingPurchases(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper expires pending purchases older than a fixed age.
type Sweeper struct {
	expirer   PurchaseExpirer
	olderThan time.Duration
	logger    *zap.Logger
}

// New validates the dependencies of a Sweeper.
func New(expirer PurchaseExpirer, olderThan time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if expirer == nil {
		return nil, errors.New("purchase expirer is required")
	}
	if olderThan <= 0 {
		return nil, errors.New("purchase expiry age must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{expirer: expirer, olderThan: olderThan, logger: logger}, nil
}

// Sweep runs one expiry pass.
func (sweeper *Sweeper) Sweep(ctx context.Context) (int64, error) {
	expired, err := sweeper.expirer.ExpirePendingPurchases(ctx, sweeper.olderThan)
	if err != nil {
		sweeper.logger.Error("purchase sweep failed", zap.Error(err))
		return 0, err
	}
	if expired > 0 {
		sweeper.logger.Info("expired pending purchases", zap.Int64("count", expired), zap.Duration("older_than", sweeper.olderThan))
	}
	return expired, nil
}

// RunTicker sweeps every interval until ctx is cancelled. Sweep failures are logged and retried on the next tick.
func (sweeper *Sweeper) RunTicker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = sweeper.Sweep(ctx)
		}
	}
}

// ExpirePurchasesArgs is the river job that triggers one sweep.
type ExpirePurchasesArgs struct{}

func (ExpirePurchasesArgs) Kind() string { return "expire_pending_purchases" }

// ExpirePurchasesWorker runs Sweep for river.
type ExpirePurchasesWorker struct {
	river.WorkerDefaults[ExpirePurchasesArgs]
	sweeper *Sweeper
}

// NewExpirePurchasesWorker wraps sweeper as a river worker.
func NewExpirePurchasesWorker(sweeper *Sweeper) *ExpirePurchasesWorker {
	return &ExpirePurchasesWorker{sweeper: sweeper}
}

func (worker *ExpirePurchasesWorker) Work(ctx context.Context, job *river.Job[ExpirePurchasesArgs]) error {
	if _, err := worker.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("expire pending purchases: %w", err)
	}
	return nil
}

// MigrateRiver applies river's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// NewRiverClient builds a river client that enqueues a sweep every interval.
func (sweeper *Sweeper) NewRiverClient(pool *pgxpool.Pool, interval time.Duration) (*river.Client[pgx.Tx], error) {
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewExpirePurchasesWorker(sweeper)); err != nil {
		return nil, fmt.Errorf("register sweep worker: %w", err)
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			expireQueue: {MaxWorkers: expireMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweeper.periodicJob(interval)},
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	return client, nil
}

func (sweeper *Sweeper) periodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ExpirePurchasesArgs{}, &river.InsertOpts{Queue: expireQueue}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// RunRiver starts the river client and blocks until ctx is cancelled.
func (sweeper *Sweeper) RunRiver(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) error {
	client, err := sweeper.NewRiverClient(pool, interval)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		sweeper.logger.Warn("river stop error", zap.Error(err))
	}
	return nil
}
