package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/models"
)

const reconcileBatch = 100

// ReconcileStale closes purchases a crashed process left half done. An
// EXECUTING log with no job goes through the failure branch. A PENDING log
// without a recorded debit is checked against the ledger: if the debit landed
// it is attached and refunded, otherwise the log is failed with nothing owed.
func (o *Orchestrator) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := o.repo.ListStale(ctx, o.now().Add(-olderThan), reconcileBatch)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, l := range stale {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := o.reconcileOne(ctx, l); err != nil {
			o.log.Error("reconcile failed", "execution_log_id", l.ID, "status", l.Status, "error", err)
			continue
		}
		handled++
	}
	if handled > 0 {
		o.log.Info("reconciled stale purchases", "count", handled)
	}
	return handled, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, stale *models.ExecutionLog) error {
	return o.mutex.WithLock(ctx, executionKey(stale.ID), func(ctx context.Context) error {
		l, err := o.repo.GetLog(ctx, stale.ID)
		if err != nil {
			return err
		}
		switch {
		case l.IsTerminal():
			return nil
		case l.Status == models.ExecutionExecuting && l.JobID == nil:
		case l.Status == models.ExecutionPending && l.DebitEntryID == nil:
			entry, err := o.ledger.FindEntry(ctx, l.IdempotencyKey)
			if errors.Is(err, ledger.ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			l.DebitEntryID = &entry.ID
		default:
			return nil
		}
		_, err = o.failLocked(ctx, l, "abandoned before completion")
		if errors.Is(err, ErrActivationFailure) {
			return nil
		}
		return err
	})
}

// RunReconciler calls ReconcileStale every interval until ctx is cancelled.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.ReconcileStale(ctx, olderThan); err != nil && ctx.Err() == nil {
				o.log.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}
