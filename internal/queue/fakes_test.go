package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// memQueue is an in-memory QueueRepository with the same ordering and state rules
// as the Postgres implementation.
type memQueue struct {
	mu     sync.Mutex
	items  []*domain.QueueItem
	titles map[uuid.UUID]string
	clock  time.Time

	claimErr    error
	completeErr error
	failErr     error
	countErr    error
	staleErr    error
}

func newMemQueue(papers ...*domain.Paper) *memQueue {
	q := &memQueue{titles: make(map[uuid.UUID]string), clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	for _, p := range papers {
		q.titles[p.ID] = p.Title
	}
	return q
}

var _ repository.QueueRepository = (*memQueue)(nil)

func (q *memQueue) tick() time.Time {
	q.clock = q.clock.Add(time.Millisecond)
	return q.clock
}

func (q *memQueue) activeLocked(paperID uuid.UUID) *domain.QueueItem {
	for _, it := range q.items {
		if it.PaperID == paperID && it.Status.IsActive() {
			return it
		}
	}
	return nil
}

func (q *memQueue) findLocked(id uuid.UUID) *domain.QueueItem {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func copyItem(it *domain.QueueItem) *domain.QueueItem {
	c := *it
	return &c
}

func (q *memQueue) Enqueue(_ context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := &domain.EnqueueResult{}
	seen := make(map[uuid.UUID]bool)
	for _, id := range paperIDs {
		title, ok := q.titles[id]
		switch {
		case !ok:
			result.Missing++
		case seen[id] || q.activeLocked(id) != nil:
			result.AlreadyQueued++
		default:
			it := &domain.QueueItem{
				ID: uuid.New(), PaperID: id, PaperTitle: title,
				Status: domain.QueueStatusPending, Priority: priority, CreatedAt: q.tick(),
			}
			q.items = append(q.items, it)
			result.Added++
			result.Items = append(result.Items, copyItem(it))
		}
		seen[id] = true
	}
	return result, nil
}

func (q *memQueue) ClaimNext(context.Context) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}

	var next *domain.QueueItem
	for _, it := range q.items {
		if it.Status != domain.QueueStatusPending {
			continue
		}
		if next == nil || it.Priority < next.Priority ||
			(it.Priority == next.Priority && it.CreatedAt.Before(next.CreatedAt)) {
			next = it
		}
	}
	if next == nil {
		return nil, domain.NewNotFoundError("queue item", "pending")
	}
	now := q.tick()
	next.Status = domain.QueueStatusProcessing
	next.StartedAt = &now
	return copyItem(next), nil
}

func (q *memQueue) finish(id uuid.UUID, status domain.QueueStatus, mutate func(*domain.QueueItem)) error {
	it := q.findLocked(id)
	if it == nil {
		return domain.NewNotFoundError("queue item", id.String())
	}
	if it.Status != domain.QueueStatusProcessing {
		return domain.NewInvalidStateError("queue item", id.String(), string(it.Status), "item is not processing")
	}
	now := q.tick()
	it.Status = status
	it.CompletedAt = &now
	mutate(it)
	return nil
}

func (q *memQueue) Complete(_ context.Context, id uuid.UUID, s domain.ResultSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completeErr != nil {
		return q.completeErr
	}
	return q.finish(id, domain.QueueStatusCompleted, func(it *domain.QueueItem) {
		grade, score, flagged := s.Grade, s.Score, s.Flagged
		it.ResultGrade, it.ResultScore, it.ResultFlagged = &grade, &score, &flagged
	})
}

func (q *memQueue) Fail(_ context.Context, id uuid.UUID, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return q.failErr
	}
	return q.finish(id, domain.QueueStatusFailed, func(it *domain.QueueItem) {
		it.ErrorMessage = domain.TruncateMessage(message, domain.MaxErrorMessageLength)
	})
}

func (q *memQueue) Get(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.findLocked(id); it != nil {
		return copyItem(it), nil
	}
	return nil, domain.NewNotFoundError("queue item", id.String())
}

func (q *memQueue) ActiveForPaper(_ context.Context, paperID uuid.UUID) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.activeLocked(paperID); it != nil {
		return copyItem(it), nil
	}
	return nil, domain.NewNotFoundError("queue item", paperID.String())
}

func (q *memQueue) List(_ context.Context, filter repository.QueueFilter) ([]*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*domain.QueueItem
	for _, it := range q.items {
		if len(filter.Statuses) == 0 || slices.Contains(filter.Statuses, it.Status) {
			out = append(out, copyItem(it))
		}
	}
	return out, nil
}

func (q *memQueue) CountByStatus(context.Context) (domain.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c domain.QueueCounts
	if q.countErr != nil {
		return c, q.countErr
	}
	for _, it := range q.items {
		switch it.Status {
		case domain.QueueStatusPending:
			c.Pending++
		case domain.QueueStatusProcessing:
			c.Processing++
		case domain.QueueStatusCompleted:
			c.Completed++
		case domain.QueueStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (q *memQueue) Processing(context.Context) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == domain.QueueStatusProcessing {
			return copyItem(it), nil
		}
	}
	return nil, domain.NewNotFoundError("queue item", "processing")
}

func (q *memQueue) Cancel(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID != id {
			continue
		}
		if it.Status != domain.QueueStatusPending {
			return nil, domain.NewInvalidStateError("queue item", id.String(), string(it.Status),
				"cannot cancel a "+string(it.Status)+" item")
		}
		q.items = slices.Delete(q.items, i, i+1)
		return it, nil
	}
	return nil, domain.NewNotFoundError("queue item", id.String())
}

func (q *memQueue) Clear(_ context.Context, statuses []domain.QueueStatus) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(statuses) == 0 {
		statuses = []domain.QueueStatus{domain.QueueStatusCompleted, domain.QueueStatusFailed}
	}
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(it *domain.QueueItem) bool {
		return slices.Contains(statuses, it.Status)
	})
	return before - len(q.items), nil
}

func (q *memQueue) RequeueStale(_ context.Context, olderThan time.Duration) ([]*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.staleErr != nil {
		return nil, q.staleErr
	}
	cutoff := q.clock.Add(-olderThan)
	var fresh []*domain.QueueItem
	for _, it := range slices.Clone(q.items) {
		if it.Status != domain.QueueStatusProcessing || it.StartedAt == nil || !it.StartedAt.Before(cutoff) {
			continue
		}
		now := q.tick()
		it.Status = domain.QueueStatusFailed
		it.CompletedAt = &now
		it.ErrorMessage = repository.StaleWorkerMessage
		n := &domain.QueueItem{
			ID: uuid.New(), PaperID: it.PaperID, PaperTitle: it.PaperTitle,
			Status: domain.QueueStatusPending, Priority: it.Priority, CreatedAt: q.tick(),
		}
		q.items = append(q.items, n)
		fresh = append(fresh, copyItem(n))
	}
	return fresh, nil
}

func (q *memQueue) statusOf(id uuid.UUID) domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.findLocked(id); it != nil {
		return it.Status
	}
	return ""
}

// recordingPublisher captures every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.QueueEvent
}

func (p *recordingPublisher) Publish(ev domain.QueueEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) snapshot() []domain.QueueEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

func (p *recordingPublisher) types() []domain.QueueEventType {
	var out []domain.QueueEventType
	for _, ev := range p.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

// fakeAssessor returns canned outcomes per paper and records call order.
type fakeAssessor struct {
	mu       sync.Mutex
	results  map[uuid.UUID]*domain.Assessment
	errs     map[uuid.UUID]error
	calls    []uuid.UUID
	inFlight int
	maxSeen  int
	delay    time.Duration
	block    chan struct{}
	// committed makes a blocked call ignore cancellation, like an assessment
	// whose transaction is already on its way to commit.
	committed bool
}

func newFakeAssessor() *fakeAssessor {
	return &fakeAssessor{
		results: make(map[uuid.UUID]*domain.Assessment),
		errs:    make(map[uuid.UUID]error),
	}
}

func (a *fakeAssessor) Assess(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	a.mu.Lock()
	a.calls = append(a.calls, paperID)
	a.inFlight++
	a.maxSeen = max(a.maxSeen, a.inFlight)
	block, delay, committed := a.block, a.delay, a.committed
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	if block != nil && committed {
		<-block
	} else if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[paperID]; err != nil {
		return nil, err
	}
	if res := a.results[paperID]; res != nil {
		return res, nil
	}
	return &domain.Assessment{
		ID: uuid.New(), PaperID: paperID, RiskGrade: domain.RiskGradeA, OverallScore: 10,
		ConcernsSummary: "minimal concern",
	}, nil
}

func (a *fakeAssessor) callOrder() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

type fakePapers struct {
	repository.PaperRepository
	papers     map[uuid.UUID]*domain.Paper
	unassessed []uuid.UUID
}

func newFakePapers(papers ...*domain.Paper) *fakePapers {
	f := &fakePapers{papers: make(map[uuid.UUID]*domain.Paper)}
	for _, p := range papers {
		f.papers[p.ID] = p
		if !p.Processed {
			f.unassessed = append(f.unassessed, p.ID)
		}
	}
	return f
}

func (f *fakePapers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := f.papers[id]
	return ok, nil
}

func (f *fakePapers) ListUnassessedIDs(_ context.Context, limit int) ([]uuid.UUID, error) {
	if limit > 0 && len(f.unassessed) > limit {
		return f.unassessed[:limit], nil
	}
	return f.unassessed, nil
}

type fakeAssessments struct {
	repository.AssessmentRepository
	latest map[uuid.UUID]*domain.Assessment
}

func (f *fakeAssessments) Latest(_ context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	if a, ok := f.latest[paperID]; ok {
		return a, nil
	}
	return nil, domain.NewNotFoundError("assessment", paperID.String())
}

func testPaper(title string) *domain.Paper {
	return &domain.Paper{ID: uuid.New(), Title: title}
}
