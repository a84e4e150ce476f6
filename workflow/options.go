package workflow

import (
	"context"
	"time"

	"github.com/reelworks/dealflow-go/workflow/emit"
)

// Options configures Scheduler behavior. Zero values select sensible
// defaults.
type Options struct {
	// Workers is the number of concurrent advance workers. Instances
	// advance in parallel; a single instance is always serialized by its
	// lock. Default 4.
	Workers int

	// SnapshotEvery bounds replay cost: a snapshot is written after this
	// many committed events. Default 50.
	SnapshotEvery int

	// MaxActionsPerAdvance guards against machines that never suspend.
	// Exceeding it is a fatal error for the instance. Default 256.
	MaxActionsPerAdvance int

	// QueueCapacity is the runnable queue's buffer. Default 1024.
	QueueCapacity int

	// TimerPollInterval is how often the timer loop scans for due
	// wakeups. Default 500ms.
	TimerPollInterval time.Duration

	// MailboxRetention is how long unmatched mailbox messages are kept
	// before garbage collection. Default 30 days.
	MailboxRetention time.Duration

	// Synchronous makes Enqueue advance the instance inline instead of
	// through the worker pool. Used in tests for deterministic ordering.
	Synchronous bool

	// BackoffSleep performs the delay between step retry attempts.
	// Defaults to a context-aware real sleep; tests inject a no-op so
	// retries run instantly.
	BackoffSleep func(ctx context.Context, d time.Duration) error

	// Clock supplies "now" for deadlines, sleeps and timers. Defaults to
	// the system clock.
	Clock Clock

	// Emitter receives runtime observability events. Defaults to the null
	// emitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Nil disables metering.
	Metrics *Metrics
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 50
	}
	if o.MaxActionsPerAdvance <= 0 {
		o.MaxActionsPerAdvance = 256
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	if o.TimerPollInterval <= 0 {
		o.TimerPollInterval = 500 * time.Millisecond
	}
	if o.MailboxRetention <= 0 {
		o.MailboxRetention = 30 * 24 * time.Hour
	}
	if o.BackoffSleep == nil {
		o.BackoffSleep = sleepCtx
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
