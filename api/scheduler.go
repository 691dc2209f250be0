/*
scheduler.go - Automated ledger reconciliation scheduler

PURPOSE:
  Periodically replays every (warehouse, product) ledger and compares the
  result with the stored position. Mismatches are reported to the
  recorder. Nothing is corrected automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Walks warehouses that are not soft-deleted, every registered product
  - Pairs without history are skipped
  - One failing pair does not stop the sweep
  - Deal writes whose ledger compensation failed are reported every sweep

CONFIGURATION:
  - CheckInterval: How often to check (ledger.reconcile_every, default 1 hour)

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger, collector)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (on demand, one warehouse)
  - inventory/replay.go: Replay
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
)

// ReconcileRecorder receives one outcome per checked pair.
type ReconcileRecorder interface {
	Reconciled(key inventory.PairKey, matches bool)
}

// CompensationLog lists record writes whose ledger compensation failed.
type CompensationLog interface {
	Unresolved() []deals.Unresolved
}

// ReconcileSummary counts the outcome of one sweep.
type ReconcileSummary struct {
	Checked    int
	Mismatches []inventory.PairKey
	Failed     int
	Unresolved []deals.Unresolved
}

// ReconciliationScheduler runs ledger reconciliation in the background.
type ReconciliationScheduler struct {
	CheckInterval time.Duration

	engine        *inventory.Engine
	logger        *logrus.Logger
	recorder      ReconcileRecorder
	compensations CompensationLog

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler. recorder may be nil.
func NewReconciliationScheduler(engine *inventory.Engine, logger *logrus.Logger, recorder ReconcileRecorder) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		CheckInterval: time.Hour,
		engine:        engine,
		logger:        logger,
		recorder:      recorder,
	}
}

// TrackCompensations adds failed deal compensations to every sweep.
func (rs *ReconciliationScheduler) TrackCompensations(log CompensationLog) *ReconciliationScheduler {
	rs.compensations = log
	return rs
}

// Start begins the scheduler. A non-positive interval leaves it stopped.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.CheckInterval <= 0 {
		rs.logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.logger.WithField("interval", rs.CheckInterval.String()).Info("reconciliation scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	rs.RunNow(ctx)
	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconcileSummary {
	var sum ReconcileSummary

	warehouses, err := rs.engine.Store().ListWarehouses(ctx)
	if err != nil {
		rs.logger.WithError(err).Error("reconciliation: list warehouses")
		return sum
	}

	for _, wh := range warehouses {
		for _, p := range inventory.ListProducts() {
			if ctx.Err() != nil {
				return sum
			}
			key := inventory.PairKey{WarehouseID: wh.ID, Product: p.Code}
			rec, err := rs.engine.Reconcile(ctx, key)
			if err != nil {
				sum.Failed++
				rs.logger.WithError(err).WithField("pair", key.String()).Error("reconciliation: replay failed")
				continue
			}
			if rec.Entries == 0 {
				continue
			}
			sum.Checked++
			if rs.recorder != nil {
				rs.recorder.Reconciled(key, rec.Matches)
			}
			// The engine logs the details of a mismatch.
			if !rec.Matches {
				sum.Mismatches = append(sum.Mismatches, key)
			}
		}
	}

	if rs.compensations != nil {
		sum.Unresolved = rs.compensations.Unresolved()
		for _, u := range sum.Unresolved {
			rs.logger.WithFields(logrus.Fields{
				"source_kind": u.Source.Kind,
				"source_id":   u.Source.ID,
				"op":          u.Op,
				"cause":       u.Cause,
				"since":       u.At,
			}).Error("reconciliation: ledger legs without a matching record")
		}
	}

	if sum.Checked > 0 || sum.Failed > 0 || len(sum.Unresolved) > 0 {
		rs.logger.WithFields(logrus.Fields{
			"checked":    sum.Checked,
			"mismatches": len(sum.Mismatches),
			"failed":     sum.Failed,
			"unresolved": len(sum.Unresolved),
		}).Info("reconciliation sweep completed")
	}
	return sum
}
