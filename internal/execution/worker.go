package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/metrics"
)

// Reporter receives the terminal outcome of a renewal. Both calls must be
// safe to repeat.
type Reporter interface {
	Completed(ctx context.Context, executionLogID uuid.UUID, reference string, payload json.RawMessage) error
	Failed(ctx context.Context, executionLogID uuid.UUID, reason string) error
}

type WorkerOptions struct {
	Timeout   time.Duration
	RetryBase time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type RenewalWorker struct {
	river.WorkerDefaults[RenewalArgs]
	renewer   activator.Renewer
	reporter  Reporter
	timeout   time.Duration
	retryBase time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

func NewRenewalWorker(renewer activator.Renewer, reporter Reporter, opts WorkerOptions) *RenewalWorker {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RenewalWorker{
		renewer:   renewer,
		reporter:  reporter,
		timeout:   opts.Timeout,
		retryBase: opts.RetryBase,
		metrics:   opts.Metrics,
		log:       log.With("component", "renewal_worker"),
		now:       time.Now,
	}
}

func (w *RenewalWorker) Timeout(*river.Job[RenewalArgs]) time.Duration { return w.timeout }

// NextRetry backs off exponentially: base, 2*base, 4*base...
func (w *RenewalWorker) NextRetry(job *river.Job[RenewalArgs]) time.Time {
	return w.now().Add(retryDelay(w.retryBase, job.Attempt))
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Min(float64(attempt-1), 16)
	return time.Duration(float64(base) * math.Pow(2, exp))
}

func (w *RenewalWorker) Work(ctx context.Context, job *river.Job[RenewalArgs]) error {
	args := job.Args
	r := args.renewal()
	log := w.log.With("execution_log_id", args.ExecutionLogID, "job_id", job.ID, "attempt", job.Attempt)

	// A previous attempt may have renewed and then died before reporting.
	receipt, done, err := w.renewer.IsRenewed(ctx, r)
	if err != nil {
		return w.retryOrFail(ctx, job, log, fmt.Errorf("check renewal: %w", err))
	}
	if done {
		log.Info("renewal already applied, reporting completion")
	} else {
		receipt, err = w.renewer.Renew(ctx, r)
		if err != nil {
			return w.retryOrFail(ctx, job, log, err)
		}
	}

	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	if err := w.reporter.Completed(ctx, args.ExecutionLogID, receipt.Reference, payload); err != nil {
		// Retried; IsRenewed short-circuits the portal on the next attempt.
		w.metrics.QueueJob("report_error")
		return fmt.Errorf("report completion: %w", err)
	}
	w.metrics.QueueJob("completed")
	log.Info("renewal completed", "expires_at", receipt.ExpiresAt)
	return nil
}

// retryOrFail lets River retry transient errors. On a permanent error or the
// last attempt it reports the failure once and cancels the job.
func (w *RenewalWorker) retryOrFail(ctx context.Context, job *river.Job[RenewalArgs], log *slog.Logger, err error) error {
	final := errors.Is(err, activator.ErrPermanent) || job.Attempt >= job.MaxAttempts
	if !final {
		w.metrics.QueueJob("retry")
		log.Warn("renewal attempt failed, will retry", "error", err, "max_attempts", job.MaxAttempts)
		return err
	}
	w.metrics.QueueJob("failed")
	log.Error("renewal failed permanently", "error", err)
	if rerr := w.reporter.Failed(ctx, job.Args.ExecutionLogID, err.Error()); rerr != nil {
		// Leave the job to be discarded; the listener reports it again.
		return fmt.Errorf("renewal failed (%v) and reporting it failed: %w", err, rerr)
	}
	return river.JobCancel(err)
}
