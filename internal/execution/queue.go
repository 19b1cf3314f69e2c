package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/netpulse/backend/internal/activator"
)

// ErrNotStarted is returned by Queue before a client is attached.
var ErrNotStarted = errors.New("renewal queue not started")

// jobClient is the part of *river.Client the queue uses.
type jobClient interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	JobCancel(ctx context.Context, jobID int64) (*rivertype.JobRow, error)
}

// Queue enqueues renewals. The purchase saga needs the queue and the River
// client needs the worker that reports back into the saga, so the client is
// attached after construction.
type Queue struct {
	mu          sync.RWMutex
	client      jobClient
	maxAttempts int
}

func NewQueue(maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{maxAttempts: maxAttempts}
}

func (q *Queue) Attach(c jobClient) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = c
}

func (q *Queue) jobs() (jobClient, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.client == nil {
		return nil, ErrNotStarted
	}
	return q.client, nil
}

func (q *Queue) EnqueueRenewal(ctx context.Context, r activator.Renewal) (int64, error) {
	c, err := q.jobs()
	if err != nil {
		return 0, err
	}
	res, err := c.Insert(ctx, argsFrom(r), &river.InsertOpts{MaxAttempts: q.maxAttempts, Queue: QueueRenewals})
	if err != nil {
		return 0, fmt.Errorf("insert renewal job: %w", err)
	}
	return res.Job.ID, nil
}

func (q *Queue) CancelRenewal(ctx context.Context, jobID int64) error {
	c, err := q.jobs()
	if err != nil {
		return err
	}
	_, err = c.JobCancel(ctx, jobID)
	return err
}

// NewClient builds the River client with the renewals queue.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, concurrency int, log *slog.Logger) (*river.Client[pgx.Tx], error) {
	if concurrency <= 0 {
		concurrency = 5
	}
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueRenewals: {MaxWorkers: concurrency},
		},
		Workers: workers,
		Logger:  log,
	})
}
