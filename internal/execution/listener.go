package execution

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// EventSource is satisfied by *river.Client.
type EventSource interface {
	Subscribe(kinds ...river.EventKind) (<-chan *river.Event, func())
}

// Listener maps renewal jobs that River gave up on (panics, timeouts on the
// last attempt, cancellations) back onto their execution log. Reports that
// the worker already made are absorbed by the idempotent failure handler.
type Listener struct {
	source   EventSource
	reporter Reporter
	log      *slog.Logger
}

func NewListener(source EventSource, reporter Reporter, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{source: source, reporter: reporter, log: log.With("component", "renewal_listener")}
}

func (l *Listener) Run(ctx context.Context) error {
	events, cancel := l.source.Subscribe(river.EventKindJobFailed, river.EventKindJobCancelled)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev *river.Event) {
	if ev == nil || ev.Job == nil || ev.Job.Kind != kindRenewal {
		return
	}
	if ev.Job.State != rivertype.JobStateDiscarded && ev.Job.State != rivertype.JobStateCancelled {
		// still has attempts left
		return
	}
	var args RenewalArgs
	if err := json.Unmarshal(ev.Job.EncodedArgs, &args); err != nil {
		l.log.Error("undecodable renewal job", "job_id", ev.Job.ID, "error", err)
		return
	}
	reason := "renewal job " + string(ev.Job.State)
	if n := len(ev.Job.Errors); n > 0 {
		reason = ev.Job.Errors[n-1].Error
	}
	if err := l.reporter.Failed(ctx, args.ExecutionLogID, reason); err != nil {
		l.log.Error("failed to report abandoned renewal", "execution_log_id", args.ExecutionLogID, "job_id", ev.Job.ID, "error", err)
		return
	}
	l.log.Warn("renewal job abandoned", "execution_log_id", args.ExecutionLogID, "job_id", ev.Job.ID,
		"state", ev.Job.State, "attempts", ev.Job.Attempt)
}
