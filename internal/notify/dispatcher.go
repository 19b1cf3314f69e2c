package notify

import (
	"context"
	"log/slog"
	"time"
)

type DispatcherOptions struct {
	FlushInterval time.Duration
	MaxBatch      int
	Buffer        int
	Logger        *slog.Logger
}

// Dispatcher collects events and hands them to a Sink in batches. Notify never
// blocks; when the buffer is full the event is dropped and logged.
type Dispatcher struct {
	sink     Sink
	events   chan Event
	interval time.Duration
	maxBatch int
	log      *slog.Logger
	done     chan struct{}
}

func NewDispatcher(sink Sink, opts DispatcherOptions) *Dispatcher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sink:     sink,
		events:   make(chan Event, opts.Buffer),
		interval: opts.FlushInterval,
		maxBatch: opts.MaxBatch,
		log:      log.With("component", "notify"),
		done:     make(chan struct{}),
	}
}

var _ Notifier = (*Dispatcher)(nil)

func (d *Dispatcher) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.events <- ev:
	default:
		d.log.Warn("notification buffer full, dropping event", "type", ev.Type, "execution_log_id", ev.ExecutionLogID)
	}
}

// Run flushes batches until ctx is cancelled, then drains what is buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.maxBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := d.sink.Send(ctx, batch); err != nil {
			d.log.Error("notification delivery failed", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-d.events:
			batch = append(batch, ev)
			if len(batch) >= d.maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-d.events:
					batch = append(batch, ev)
					if len(batch) >= d.maxBatch {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }
