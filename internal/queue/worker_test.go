package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

const waitFor = 2 * time.Second

type workerFixture struct {
	queue     *memQueue
	assessor  *fakeAssessor
	publisher *recordingPublisher
	metrics   *observability.Metrics
	worker    *Worker
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig, papers []*domain.Paper, opts ...WorkerOption) *workerFixture {
	t.Helper()
	f := &workerFixture{
		queue:     newMemQueue(papers...),
		assessor:  newFakeAssessor(),
		publisher: &recordingPublisher{},
		metrics:   observability.NewMetricsWith("test_queue_worker", prometheus.NewRegistry()),
	}
	opts = append([]WorkerOption{WithWorkerMetrics(f.metrics)}, opts...)
	f.worker = NewWorker(f.queue, f.assessor, f.publisher, cfg, zerolog.Nop(), opts...)
	return f
}

func (f *workerFixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Run(ctx) }()
	require.Eventually(t, f.worker.Running, waitFor, time.Millisecond)
	t.Cleanup(cancel)
	return cancel, errCh
}

func (f *workerFixture) waitForStatus(t *testing.T, id uuid.UUID, want domain.QueueStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return f.queue.statusOf(id) == want }, waitFor, time.Millisecond)
}

func enqueue(t *testing.T, q *memQueue, paper *domain.Paper, priority int) *domain.QueueItem {
	t.Helper()
	res, err := q.Enqueue(context.Background(), []uuid.UUID{paper.ID}, priority)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	return res.Items[0]
}

func fastConfig() WorkerConfig {
	return WorkerConfig{PollInterval: 5 * time.Millisecond, StaleAfter: DefaultStaleAfter}
}

func TestWorker_ProcessesByPriorityThenAge(t *testing.T) {
	t.Parallel()

	p1, p2 := testPaper("P1"), testPaper("P2")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p1, p2})

	i2 := enqueue(t, f.queue, p2, 10)
	i1 := enqueue(t, f.queue, p1, 5)
	f.assessor.results[p1.ID] = &domain.Assessment{
		PaperID: p1.ID, RiskGrade: domain.RiskGradeD, OverallScore: 72.5, Flagged: true, ConcernsSummary: "GOF work",
	}

	cancel, errCh := f.start(t)
	f.waitForStatus(t, i2.ID, domain.QueueStatusCompleted)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []uuid.UUID{p1.ID, p2.ID}, f.assessor.callOrder())

	events := f.publisher.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, []domain.QueueEventType{
		domain.EventProcessing, domain.EventCompleted, domain.EventProcessing, domain.EventCompleted,
	}, f.publisher.types())

	assert.Equal(t, i1.ID, *events[0].ItemID)
	assert.Equal(t, "P1", events[0].PaperTitle)
	assert.NotNil(t, events[0].StartedAt)

	done := events[1]
	assert.Equal(t, p1.ID, *done.PaperID)
	assert.Equal(t, domain.QueueStatusCompleted, done.Status)
	assert.Equal(t, domain.RiskGradeD, done.RiskGrade)
	assert.Equal(t, 72.5, *done.OverallScore)
	assert.True(t, *done.Flagged)
	assert.Equal(t, "GOF work", done.ConcernsSummary)

	item, err := f.queue.Get(context.Background(), i1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskGradeD, *item.ResultGrade)
	assert.Equal(t, 72, *item.ResultScore)
	assert.True(t, *item.ResultFlagged)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.QueueDepth.WithLabelValues("completed")))
}

func TestWorker_EndToEndEventOrder(t *testing.T) {
	t.Parallel()

	p1, p2 := testPaper("P1"), testPaper("P2")
	q := newMemQueue(p1, p2)
	publisher := &recordingPublisher{}
	assessor := newFakeAssessor()
	assessor.block = make(chan struct{})

	worker := NewWorker(q, assessor, publisher, WorkerConfig{PollInterval: time.Hour}, zerolog.Nop())
	service := NewService(q, newFakePapers(p1, p2), &fakeAssessments{}, assessor, publisher, zerolog.Nop(), WithWorker(worker))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()
	require.Eventually(t, worker.Running, waitFor, time.Millisecond)

	_, err := service.Enqueue(ctx, []uuid.UUID{p1.ID}, 5)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(assessor.callOrder()) == 1 }, waitFor, time.Millisecond)

	second, err := service.EnqueueOne(ctx, p2.ID, 10)
	require.NoError(t, err)
	close(assessor.block)

	require.Eventually(t, func() bool { return q.statusOf(second.ID) == domain.QueueStatusCompleted }, waitFor, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []domain.QueueEventType{
		domain.EventQueueUpdated,
		domain.EventProcessing,
		domain.EventQueueUpdated,
		domain.EventCompleted,
		domain.EventProcessing,
		domain.EventCompleted,
	}, publisher.types())

	events := publisher.snapshot()
	assert.Equal(t, p1.ID, *events[1].PaperID)
	assert.Equal(t, p1.ID, *events[3].PaperID)
	assert.Equal(t, p2.ID, *events[4].PaperID)
}

func TestWorker_FailureRecordsTruncatedMessages(t *testing.T) {
	t.Parallel()

	p := testPaper("Failing paper")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	long := strings.Repeat("x", 800)
	f.assessor.errs[p.ID] = errors.New(long)
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	f.waitForStatus(t, item.ID, domain.QueueStatusFailed)
	require.Eventually(t, func() bool { return len(f.publisher.snapshot()) == 2 }, waitFor, time.Millisecond)
	cancel()
	<-errCh

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, []rune(stored.ErrorMessage), domain.MaxErrorMessageLength)

	failed := f.publisher.snapshot()[1]
	assert.Equal(t, domain.EventFailed, failed.Type)
	assert.Equal(t, domain.QueueStatusFailed, failed.Status)
	assert.Len(t, []rune(failed.Error), domain.MaxEventErrorLength)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("failed")))
}

func TestWorker_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	bad, good := testPaper("bad"), testPaper("good")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{bad, good})
	f.assessor.errs[bad.ID] = errors.New("anthropic: API error (status 529): overloaded")
	badItem := enqueue(t, f.queue, bad, 1)
	goodItem := enqueue(t, f.queue, good, 2)

	cancel, errCh := f.start(t)
	f.waitForStatus(t, goodItem.ID, domain.QueueStatusCompleted)
	cancel()
	<-errCh

	assert.Equal(t, domain.QueueStatusFailed, f.queue.statusOf(badItem.ID))
}

func TestWorker_JobTimeout(t *testing.T) {
	t.Parallel()

	p := testPaper("slow")
	cfg := fastConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	f := newWorkerFixture(t, cfg, []*domain.Paper{p})
	f.assessor.delay = time.Minute
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	f.waitForStatus(t, item.ID, domain.QueueStatusFailed)
	cancel()
	<-errCh

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, context.DeadlineExceeded.Error())
}

func TestWorker_OneJobAtATime(t *testing.T) {
	t.Parallel()

	var papers []*domain.Paper
	for range 5 {
		papers = append(papers, testPaper("p"))
	}
	f := newWorkerFixture(t, fastConfig(), papers)
	f.assessor.delay = 2 * time.Millisecond
	var last *domain.QueueItem
	for _, p := range papers {
		last = enqueue(t, f.queue, p, 10)
	}

	cancel, errCh := f.start(t)
	f.waitForStatus(t, last.ID, domain.QueueStatusCompleted)
	cancel()
	<-errCh

	f.assessor.mu.Lock()
	defer f.assessor.mu.Unlock()
	assert.Equal(t, 1, f.assessor.maxSeen)
	assert.Len(t, f.assessor.calls, 5)
}

func TestWorker_NotifyWakesIdleWorker(t *testing.T) {
	t.Parallel()

	p := testPaper("woken")
	f := newWorkerFixture(t, WorkerConfig{PollInterval: time.Hour}, []*domain.Paper{p})

	cancel, errCh := f.start(t)
	item := enqueue(t, f.queue, p, 5)
	f.worker.Notify()
	f.worker.Notify()

	f.waitForStatus(t, item.ID, domain.QueueStatusCompleted)
	cancel()
	require.NoError(t, <-errCh)
}

type fakeNotifications struct {
	calls   atomic.Int32
	trigger chan struct{}
}

func (n *fakeNotifications) Listen(ctx context.Context, channel string, fn func(string)) error {
	if channel != "assessment_queue" {
		return errors.New("unexpected channel " + channel)
	}
	n.calls.Add(1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.trigger:
			fn("1")
		}
	}
}

func TestWorker_WakesOnNotification(t *testing.T) {
	t.Parallel()

	p := testPaper("notified")
	src := &fakeNotifications{trigger: make(chan struct{})}
	f := newWorkerFixture(t, WorkerConfig{PollInterval: time.Hour}, []*domain.Paper{p}, WithNotifications(src))

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, waitFor, time.Millisecond)

	item := enqueue(t, f.queue, p, 5)
	src.trigger <- struct{}{}

	f.waitForStatus(t, item.ID, domain.QueueStatusCompleted)
	cancel()
	require.NoError(t, <-errCh)
}

func TestWorker_StaleSweepOnStart(t *testing.T) {
	t.Parallel()

	p := testPaper("abandoned")
	f := newWorkerFixture(t, WorkerConfig{PollInterval: 5 * time.Millisecond, StaleAfter: time.Minute}, []*domain.Paper{p})

	stale := enqueue(t, f.queue, p, 3)
	_, err := f.queue.ClaimNext(context.Background())
	require.NoError(t, err)
	f.queue.clock = f.queue.clock.Add(time.Hour)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool {
		items, _ := f.queue.List(context.Background(), repository.QueueFilter{Statuses: []domain.QueueStatus{domain.QueueStatusCompleted}})
		return len(items) == 1
	}, waitFor, time.Millisecond)
	cancel()
	<-errCh

	old, err := f.queue.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, old.Status)
	assert.Equal(t, repository.StaleWorkerMessage, old.ErrorMessage)

	done, err := f.queue.List(context.Background(), repository.QueueFilter{Statuses: []domain.QueueStatus{domain.QueueStatusCompleted}})
	require.NoError(t, err)
	assert.Equal(t, 3, done[0].Priority)
	assert.Equal(t, p.ID, done[0].PaperID)

	assert.Equal(t, domain.EventQueueUpdated, f.publisher.types()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleRequeued))
}

func TestWorker_StaleSweepFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	p := testPaper("p")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	f.queue.staleErr = errors.New("db unavailable")
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	f.waitForStatus(t, item.ID, domain.QueueStatusCompleted)
	cancel()
	<-errCh
}

func TestWorker_ShutdownLeavesItemProcessing(t *testing.T) {
	t.Parallel()

	p := testPaper("interrupted")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	f.assessor.block = make(chan struct{})
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return len(f.assessor.callOrder()) == 1 }, waitFor, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, domain.QueueStatusProcessing, f.queue.statusOf(item.ID))
	assert.Equal(t, []domain.QueueEventType{domain.EventProcessing}, f.publisher.types())
	assert.False(t, f.worker.Running())
}

func TestWorker_ShutdownAfterCommitCompletesItem(t *testing.T) {
	t.Parallel()

	p := testPaper("committed during shutdown")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	f.assessor.block = make(chan struct{})
	f.assessor.committed = true
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return len(f.assessor.callOrder()) == 1 }, waitFor, time.Millisecond)
	cancel()
	close(f.assessor.block)
	require.NoError(t, <-errCh)

	assert.Equal(t, domain.QueueStatusCompleted, f.queue.statusOf(item.ID))
	assert.Equal(t, []domain.QueueEventType{domain.EventProcessing, domain.EventCompleted}, f.publisher.types())
}

func TestWorker_RefusalCompletesFlagged(t *testing.T) {
	t.Parallel()

	p := testPaper("declined")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	f.assessor.results[p.ID] = &domain.Assessment{
		ID:                uuid.New(),
		PaperID:           p.ID,
		RiskGrade:         domain.RiskGradeF,
		OverallScore:      100,
		Flagged:           true,
		Refused:           true,
		FlagReason:        "Model declined to assess this paper; manual review required",
		ConcernsSummary:   "Model declined to assess this paper; manual review required",
		RecommendedAction: domain.ActionFlagForReview,
	}
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	f.waitForStatus(t, item.ID, domain.QueueStatusCompleted)
	require.Eventually(t, func() bool { return len(f.publisher.snapshot()) == 2 }, waitFor, time.Millisecond)
	cancel()
	<-errCh

	stored, err := f.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResultGrade)
	assert.Equal(t, domain.RiskGradeF, *stored.ResultGrade)
	assert.Equal(t, 100, *stored.ResultScore)
	assert.True(t, *stored.ResultFlagged)
	assert.Empty(t, stored.ErrorMessage)

	completed := f.publisher.snapshot()[1]
	assert.Equal(t, domain.EventCompleted, completed.Type)
	assert.Equal(t, domain.RiskGradeF, completed.RiskGrade)
	require.NotNil(t, completed.Flagged)
	assert.True(t, *completed.Flagged)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsTotal.WithLabelValues("completed")))
}

func TestWorker_RecordFailureIsLogged(t *testing.T) {
	t.Parallel()

	p1, p2 := testPaper("a"), testPaper("b")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p1, p2})
	f.queue.completeErr = errors.New("write failed")
	enqueue(t, f.queue, p1, 1)
	enqueue(t, f.queue, p2, 2)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return len(f.assessor.callOrder()) == 2 }, waitFor, time.Millisecond)
	cancel()
	<-errCh
}

func TestWorker_ClaimErrorRetries(t *testing.T) {
	t.Parallel()

	p := testPaper("p")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})
	f.queue.claimErr = errors.New("connection refused")
	item := enqueue(t, f.queue, p, 5)

	cancel, errCh := f.start(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.QueueStatusPending, f.queue.statusOf(item.ID))

	f.queue.mu.Lock()
	f.queue.claimErr = nil
	f.queue.mu.Unlock()

	f.waitForStatus(t, item.ID, domain.QueueStatusCompleted)
	cancel()
	<-errCh
}

func TestWorker_RunTwice(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, fastConfig(), nil)
	cancel, errCh := f.start(t)

	assert.Error(t, f.worker.Run(context.Background()))

	cancel()
	require.NoError(t, <-errCh)
}

func TestWorker_Status(t *testing.T) {
	t.Parallel()

	p := testPaper("status paper")
	f := newWorkerFixture(t, fastConfig(), []*domain.Paper{p})

	status, err := f.worker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.WorkerRunning)
	assert.Nil(t, status.Current)

	f.assessor.block = make(chan struct{})
	item := enqueue(t, f.queue, p, 5)
	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return len(f.assessor.callOrder()) == 1 }, waitFor, time.Millisecond)

	status, err = f.worker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.WorkerRunning)
	assert.Equal(t, 1, status.Processing)
	require.NotNil(t, status.Current)
	assert.Equal(t, item.ID, status.Current.ItemID)
	assert.Equal(t, "status paper", status.Current.PaperTitle)

	cancel()
	<-errCh
}

func TestNewWorker_Defaults(t *testing.T) {
	t.Parallel()

	w := NewWorker(newMemQueue(), newFakeAssessor(), &recordingPublisher{}, WorkerConfig{}, zerolog.Nop())
	assert.Equal(t, DefaultPollInterval, w.cfg.PollInterval)
	assert.Equal(t, DefaultStaleAfter, DefaultWorkerConfig().StaleAfter)
}
