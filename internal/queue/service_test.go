package queue

import (
	"context"
	"errors"
	"testing"

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

type stubWorker struct {
	running  bool
	notified int
}

func (w *stubWorker) Running() bool { return w.running }
func (w *stubWorker) Notify()       { w.notified++ }

type serviceFixture struct {
	queue       *memQueue
	papers      *fakePapers
	assessments *fakeAssessments
	assessor    *fakeAssessor
	publisher   *recordingPublisher
	worker      *stubWorker
	metrics     *observability.Metrics
	service     *Service
	p1, p2      *domain.Paper
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	p1, p2 := testPaper("First paper"), testPaper("Second paper")
	f := &serviceFixture{
		queue:       newMemQueue(p1, p2),
		papers:      newFakePapers(p1, p2),
		assessments: &fakeAssessments{latest: map[uuid.UUID]*domain.Assessment{}},
		assessor:    newFakeAssessor(),
		publisher:   &recordingPublisher{},
		worker:      &stubWorker{running: true},
		metrics:     observability.NewMetricsWith("test_queue_service", prometheus.NewRegistry()),
		p1:          p1,
		p2:          p2,
	}
	f.service = NewService(f.queue, f.papers, f.assessments, f.assessor, f.publisher, zerolog.Nop(),
		WithWorker(f.worker), WithServiceMetrics(f.metrics))
	return f
}

func TestService_Enqueue(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.service.Enqueue(ctx, []uuid.UUID{f.p1.ID, f.p2.ID, uuid.New()}, domain.DefaultBulkPriority)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.AlreadyQueued)
	assert.Equal(t, 1, result.Missing)
	assert.Equal(t, 1, f.worker.notified)

	events := f.publisher.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventQueueUpdated, events[0].Type)
	assert.Equal(t, 2, *events[0].Added)
	assert.Equal(t, 2, *events[0].Pending)
	assert.Equal(t, 0, *events[0].ProcessingCount)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EnqueueResults.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EnqueueResults.WithLabelValues("missing")))
}

func TestService_EnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Enqueue(ctx, []uuid.UUID{f.p1.ID}, 10)
	require.NoError(t, err)

	result, err := f.service.Enqueue(ctx, []uuid.UUID{f.p1.ID}, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 1, result.AlreadyQueued)
	assert.Equal(t, 1, f.worker.notified)

	pending, err := f.queue.List(ctx, repository.QueueFilter{Statuses: []domain.QueueStatus{domain.QueueStatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestService_EnqueueValidation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)

	_, err := f.service.Enqueue(context.Background(), nil, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	for _, priority := range []int{-1, domain.MaxPriority + 1, 1 << 32} {
		_, err = f.service.Enqueue(context.Background(), []uuid.UUID{f.p1.ID}, priority)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "priority %d", priority)
	}
	assert.Empty(t, f.publisher.snapshot())

	_, err = f.service.Enqueue(context.Background(), []uuid.UUID{f.p1.ID}, domain.MaxPriority)
	assert.NoError(t, err)
}

func TestService_EnqueueUnassessed(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)

	result, err := f.service.EnqueueUnassessed(context.Background(), domain.DefaultBulkPriority, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	f.papers.unassessed = nil
	result, err = f.service.EnqueueUnassessed(context.Background(), domain.DefaultBulkPriority, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
	assert.Len(t, f.publisher.snapshot(), 1)
}

func TestService_EnqueueOne(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	item, err := f.service.EnqueueOne(ctx, f.p1.ID, domain.DefaultSinglePriority)
	require.NoError(t, err)
	assert.Equal(t, f.p1.ID, item.PaperID)
	assert.Equal(t, domain.DefaultSinglePriority, item.Priority)
	assert.Equal(t, domain.QueueStatusPending, item.Status)

	again, err := f.service.EnqueueOne(ctx, f.p1.ID, domain.DefaultSinglePriority)
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)

	_, err = f.service.EnqueueOne(ctx, uuid.New(), domain.DefaultSinglePriority)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_Status(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Enqueue(ctx, []uuid.UUID{f.p1.ID, f.p2.ID}, 10)
	require.NoError(t, err)
	claimed, err := f.queue.ClaimNext(ctx)
	require.NoError(t, err)

	status, err := f.service.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.WorkerRunning)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Processing)
	assert.Equal(t, 2, status.Total)
	require.NotNil(t, status.Current)
	assert.Equal(t, claimed.ID, status.Current.ItemID)
	assert.Equal(t, "First paper", status.Current.PaperTitle)
	assert.NotNil(t, status.Current.StartedAt)
}

func TestService_StatusWithoutWorker(t *testing.T) {
	t.Parallel()

	q := newMemQueue()
	s := NewService(q, newFakePapers(), &fakeAssessments{}, newFakeAssessor(), &recordingPublisher{}, zerolog.Nop())

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.WorkerRunning)
	assert.Nil(t, status.Current)
	assert.Equal(t, 0, status.Total)

	q.countErr = errors.New("db down")
	_, err = s.Status(context.Background())
	assert.Error(t, err)
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	item, err := f.service.EnqueueOne(ctx, f.p1.ID, 5)
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, cancelled.ID)

	events := f.publisher.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, domain.EventItemCancelled, last.Type)
	assert.Equal(t, item.ID, *last.ItemID)
	assert.Equal(t, "First paper", last.PaperTitle)

	_, err = f.service.Get(ctx, item.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_CancelProcessing(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	item, err := f.service.EnqueueOne(ctx, f.p1.ID, 5)
	require.NoError(t, err)
	_, err = f.queue.ClaimNext(ctx)
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, item.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, "cannot cancel a processing item", err.Error())
	assert.Equal(t, domain.QueueStatusProcessing, f.queue.statusOf(item.ID))
}

func TestService_Clear(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Enqueue(ctx, []uuid.UUID{f.p1.ID, f.p2.ID}, 10)
	require.NoError(t, err)
	claimed, err := f.queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, claimed.ID, domain.ResultSummary{Grade: domain.RiskGradeA}))

	n, err := f.service.Clear(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := f.publisher.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, domain.EventQueueCleared, last.Type)
	assert.Equal(t, 1, *last.Cleared)

	counts, err := f.queue.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
}

func TestService_ClearRejectsActiveStatuses(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)

	for _, st := range []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusProcessing} {
		_, err := f.service.Clear(context.Background(), []domain.QueueStatus{domain.QueueStatusFailed, st})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
	assert.Empty(t, f.publisher.snapshot())
}

func TestService_AssessNowAndLatest(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	a, err := f.service.AssessNow(ctx, f.p1.ID)
	require.NoError(t, err)
	assert.Equal(t, f.p1.ID, a.PaperID)
	assert.Equal(t, []uuid.UUID{f.p1.ID}, f.assessor.callOrder())

	counts, err := f.queue.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())

	_, err = f.service.LatestAssessment(ctx, f.p1.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.assessments.latest[f.p1.ID] = a
	got, err := f.service.LatestAssessment(ctx, f.p1.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)
}
