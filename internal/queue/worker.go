package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

const (
	// DefaultPollInterval is how long an idle worker waits before polling again.
	DefaultPollInterval = 2 * time.Second

	// DefaultStaleAfter is the age past which a processing item is presumed abandoned.
	DefaultStaleAfter = 30 * time.Minute

	// listenRetryDelay is the wait before re-establishing a dropped LISTEN session.
	listenRetryDelay = 5 * time.Second

	// recordTimeout bounds outcome writes made after the job context has expired.
	recordTimeout = 10 * time.Second
)

// WorkerConfig holds worker timing.
type WorkerConfig struct {
	PollInterval time.Duration
	// StaleAfter of zero disables the startup sweep.
	StaleAfter time.Duration
	// JobTimeout of zero leaves jobs unbounded.
	JobTimeout time.Duration
}

// DefaultWorkerConfig returns the standard worker timing.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: DefaultPollInterval,
		StaleAfter:   DefaultStaleAfter,
	}
}

// NotificationSource delivers cross-process wake-ups, such as Postgres LISTEN.
type NotificationSource interface {
	Listen(ctx context.Context, channel string, fn func(payload string)) error
}

// Worker is the single consumer of the assessment queue. It processes one
// item at a time, so no two model calls overlap.
type Worker struct {
	queue     repository.QueueRepository
	assessor  Assessor
	publisher broadcast.Publisher
	cfg       WorkerConfig

	notifications NotificationSource     // nil = poll and in-process wake only
	metrics       *observability.Metrics // nil = metrics disabled
	logger        zerolog.Logger

	wake    chan struct{}
	running atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithNotifications wakes the worker on Postgres NOTIFY from other processes.
func WithNotifications(src NotificationSource) WorkerOption {
	return func(w *Worker) { w.notifications = src }
}

// WithWorkerMetrics records job outcomes and queue depth.
func WithWorkerMetrics(m *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a Worker. Call Run to start it.
func NewWorker(
	queue repository.QueueRepository,
	assessor Assessor,
	publisher broadcast.Publisher,
	cfg WorkerConfig,
	logger zerolog.Logger,
	opts ...WorkerOption,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	w := &Worker{
		queue:     queue,
		assessor:  assessor,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "queue_worker").Logger(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ WorkerHandle = (*Worker)(nil)

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Notify wakes an idle worker. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Status reports queue counts and the in-flight item.
func (w *Worker) Status(ctx context.Context) (*domain.WorkerStatus, error) {
	return snapshot(ctx, w.queue, w.Running())
}

// Run processes items until ctx is cancelled. A finished assessment is still
// recorded after cancellation. An item whose assessment was cut short stays
// processing and is recovered by the next startup sweep.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker is already running")
	}
	defer w.running.Store(false)

	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("job_timeout", w.cfg.JobTimeout).
		Msg("starting queue worker")

	if err := w.sweepStale(ctx); err != nil {
		w.logger.Error().Err(err).Msg("stale item sweep failed")
	}
	w.refreshDepth(ctx)

	if w.notifications != nil {
		go w.listen(ctx)
	}

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("queue worker stopped via context cancellation")
			return nil
		}

		processed, err := w.processNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("failed to claim queue item")
		}
		if processed {
			w.refreshDepth(ctx)
			continue
		}
		w.idle(ctx)
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.wake:
	}
}

// processNext claims and runs one item. It reports false when nothing was pending.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	item, err := w.queue.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	w.handle(ctx, item)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, item *domain.QueueItem) {
	ctx = observability.WithQueueItemID(ctx, item.ID.String())
	ctx = observability.WithPaperID(ctx, item.PaperID.String())
	log := observability.WithQueueItemContext(w.logger, item.ID.String(), item.PaperID.String())

	w.publisher.Publish(domain.NewQueueEvent(domain.EventProcessing).ForItem(item))
	log.Info().Str("paper_title", item.PaperTitle).Int("priority", item.Priority).Msg("processing queue item")

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	start := time.Now()
	assessment, err := w.assessor.Assess(jobCtx, item.PaperID)
	cancel()
	elapsed := time.Since(start)

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()

	// A committed assessment is always recorded, even during shutdown.
	if err == nil {
		w.complete(recordCtx, log, item, assessment, elapsed)
		return
	}
	if ctx.Err() != nil {
		log.Warn().Err(ctx.Err()).Msg("shutdown interrupted queue item, leaving it for the stale sweep")
		return
	}
	w.fail(recordCtx, log, item, err, elapsed)
}

func (w *Worker) complete(ctx context.Context, log zerolog.Logger, item *domain.QueueItem, a *domain.Assessment, elapsed time.Duration) {
	if err := w.queue.Complete(ctx, item.ID, domain.SummaryOf(a)); err != nil {
		log.Error().Err(err).Msg("failed to record completed queue item")
	}

	log.Info().
		Str("grade", string(a.RiskGrade)).
		Float64("overall_score", a.OverallScore).
		Bool("flagged", a.Flagged).
		Dur("duration", elapsed).
		Msg("queue item completed")

	item.Status = domain.QueueStatusCompleted
	ev := domain.NewQueueEvent(domain.EventCompleted).ForItem(item)
	ev.RiskGrade = a.RiskGrade
	ev.OverallScore = domain.Float64Ptr(a.OverallScore)
	ev.Flagged = domain.BoolPtr(a.Flagged)
	ev.ConcernsSummary = a.ConcernsSummary
	w.publisher.Publish(ev)

	if w.metrics != nil {
		w.metrics.RecordJob("completed", elapsed.Seconds())
	}
}

func (w *Worker) fail(ctx context.Context, log zerolog.Logger, item *domain.QueueItem, cause error, elapsed time.Duration) {
	if err := w.queue.Fail(ctx, item.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("failed to record failed queue item")
	}

	log.Error().Err(cause).Dur("duration", elapsed).Msg("queue item failed")

	item.Status = domain.QueueStatusFailed
	ev := domain.NewQueueEvent(domain.EventFailed).ForItem(item)
	ev.Error = domain.TruncateMessage(cause.Error(), domain.MaxEventErrorLength)
	w.publisher.Publish(ev)

	if w.metrics != nil {
		w.metrics.RecordJob("failed", elapsed.Seconds())
	}
}

// sweepStale fails processing items left by a previous worker and requeues their papers.
func (w *Worker) sweepStale(ctx context.Context) error {
	if w.cfg.StaleAfter <= 0 {
		return nil
	}
	requeued, err := w.queue.RequeueStale(ctx, w.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("failed to requeue stale items: %w", err)
	}
	if len(requeued) == 0 {
		return nil
	}

	w.logger.Warn().
		Int("count", len(requeued)).
		Dur("stale_after", w.cfg.StaleAfter).
		Msg("requeued stale processing items")

	if w.metrics != nil {
		w.metrics.RecordStaleRequeued(len(requeued))
	}
	ev := domain.NewQueueEvent(domain.EventQueueUpdated)
	ev.Added = domain.IntPtr(len(requeued))
	w.publisher.Publish(ev)
	return nil
}

func (w *Worker) refreshDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	counts, err := w.queue.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug().Err(err).Msg("failed to refresh queue depth")
		}
		return
	}
	w.metrics.SetQueueDepth(string(domain.QueueStatusPending), counts.Pending)
	w.metrics.SetQueueDepth(string(domain.QueueStatusProcessing), counts.Processing)
	w.metrics.SetQueueDepth(string(domain.QueueStatusCompleted), counts.Completed)
	w.metrics.SetQueueDepth(string(domain.QueueStatusFailed), counts.Failed)
}

// listen keeps a notification session open, reconnecting after errors.
func (w *Worker) listen(ctx context.Context) {
	for {
		err := w.notifications.Listen(ctx, database.QueueNotifyChannel, func(string) { w.Notify() })
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Dur("retry_in", listenRetryDelay).Msg("queue notification session lost")

		timer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
