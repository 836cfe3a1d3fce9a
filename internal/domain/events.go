package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueEventType names a queue lifecycle event delivered to stream subscribers.
type QueueEventType string

const (
	EventStatus        QueueEventType = "status"
	EventQueueUpdated  QueueEventType = "queue_updated"
	EventProcessing    QueueEventType = "processing"
	EventCompleted     QueueEventType = "completed"
	EventFailed        QueueEventType = "failed"
	EventQueueCleared  QueueEventType = "queue_cleared"
	EventItemCancelled QueueEventType = "item_cancelled"
	EventHeartbeat     QueueEventType = "heartbeat"
)

// MaxEventErrorLength bounds the error text carried on failed events.
const MaxEventErrorLength = 200

// UnknownPaperTitle is used when a paper's title cannot be resolved.
const UnknownPaperTitle = "Unknown"

// QueueEvent is a single notification about queue state. Fields irrelevant to
// a given Type are left zero and omitted from the JSON form.
type QueueEvent struct {
	Type      QueueEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`

	ItemID     *uuid.UUID  `json:"item_id,omitempty"`
	PaperID    *uuid.UUID  `json:"paper_id,omitempty"`
	PaperTitle string      `json:"paper_title,omitempty"`
	Status     QueueStatus `json:"status,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`

	RiskGrade       RiskGrade `json:"risk_grade,omitempty"`
	OverallScore    *float64  `json:"overall_score,omitempty"`
	Flagged         *bool     `json:"flagged,omitempty"`
	ConcernsSummary string    `json:"concerns_summary,omitempty"`
	Error           string    `json:"error,omitempty"`

	Added   *int `json:"added,omitempty"`
	Cleared *int `json:"cleared,omitempty"`
	Pending *int `json:"pending,omitempty"`

	// ProcessingCount is named to avoid clashing with Status in the JSON form.
	ProcessingCount *int `json:"processing,omitempty"`

	Worker *WorkerStatus `json:"worker,omitempty"`
}

// WorkerStatus is a point-in-time view of the queue and the worker.
type WorkerStatus struct {
	WorkerRunning bool         `json:"worker_running"`
	Pending       int          `json:"pending"`
	Processing    int          `json:"processing"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	Total         int          `json:"total"`
	Current       *CurrentItem `json:"current"`
}

// CurrentItem identifies the job the worker is processing.
type CurrentItem struct {
	ItemID     uuid.UUID  `json:"item_id"`
	PaperID    uuid.UUID  `json:"paper_id"`
	PaperTitle string     `json:"paper_title"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// NewQueueEvent stamps an event of the given type with the current time.
func NewQueueEvent(t QueueEventType) QueueEvent {
	return QueueEvent{Type: t, Timestamp: time.Now().UTC()}
}

// ForItem copies item identity into the event.
func (e QueueEvent) ForItem(item *QueueItem) QueueEvent {
	id, paperID := item.ID, item.PaperID
	e.ItemID = &id
	e.PaperID = &paperID
	e.Status = item.Status
	e.StartedAt = item.StartedAt
	e.PaperTitle = item.PaperTitle
	if e.PaperTitle == "" {
		e.PaperTitle = UnknownPaperTitle
	}
	return e
}

// PartitionKey returns the key used when the event is mirrored to a log.
func (e QueueEvent) PartitionKey() string {
	if e.PaperID != nil {
		return e.PaperID.String()
	}
	return string(e.Type)
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
