package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueStatus represents the lifecycle state of an assessment job.
// These values must match the assessment_queue.status check constraint.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// AllQueueStatuses lists every status in lifecycle order.
var AllQueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusProcessing,
	QueueStatusCompleted,
	QueueStatusFailed,
}

// ParseQueueStatus converts a stored or user-supplied value into a QueueStatus.
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch st := QueueStatus(s); st {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown queue status %q", ErrCorruptRecord, s)
	}
}

// IsTerminal returns true if the status represents a final state that will not change.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether an item in this status blocks a new enqueue of the same paper.
func (s QueueStatus) IsActive() bool {
	return s == QueueStatusPending || s == QueueStatusProcessing
}

const (
	// DefaultBulkPriority is used for batch and "all unassessed" enqueues.
	DefaultBulkPriority = 10
	// DefaultSinglePriority is used when one paper is queued on its own.
	DefaultSinglePriority = 5
	// MaxPriority is the largest accepted priority. Lower values are served first.
	MaxPriority = 100
	// MaxErrorMessageLength bounds QueueItem.ErrorMessage.
	MaxErrorMessageLength = 500
)

// ValidatePriority rejects priorities outside 0..MaxPriority.
func ValidatePriority(priority int) error {
	if priority < 0 || priority > MaxPriority {
		return NewValidationError("priority", fmt.Sprintf("must be between 0 and %d", MaxPriority))
	}
	return nil
}

// QueueItem is one unit of assessment work.
type QueueItem struct {
	ID         uuid.UUID   `json:"id"`
	PaperID    uuid.UUID   `json:"paper_id"`
	PaperTitle string      `json:"paper_title,omitempty"`
	Status     QueueStatus `json:"status"`
	Priority   int         `json:"priority"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	ResultGrade   *RiskGrade `json:"result_grade,omitempty"`
	ResultScore   *int       `json:"result_score,omitempty"`
	ResultFlagged *bool      `json:"result_flagged,omitempty"`
}

// ResultSummary is the denormalized copy of an assessment kept on its queue item.
type ResultSummary struct {
	Grade   RiskGrade
	Score   int
	Flagged bool
}

// SummaryOf builds the queue summary for an assessment.
func SummaryOf(a *Assessment) ResultSummary {
	return ResultSummary{
		Grade:   a.RiskGrade,
		Score:   int(a.OverallScore),
		Flagged: a.Flagged,
	}
}

// QueueCounts holds the number of items in each status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the sum across all statuses.
func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Set assigns the count for a status.
func (c *QueueCounts) Set(s QueueStatus, n int) {
	switch s {
	case QueueStatusPending:
		c.Pending = n
	case QueueStatusProcessing:
		c.Processing = n
	case QueueStatusCompleted:
		c.Completed = n
	case QueueStatusFailed:
		c.Failed = n
	}
}

// EnqueueResult reports the outcome of a batch enqueue.
type EnqueueResult struct {
	Added         int          `json:"added"`
	AlreadyQueued int          `json:"already_queued"`
	Missing       int          `json:"missing"`
	Items         []*QueueItem `json:"-"`
}

// TruncateMessage shortens s to at most n runes, marking the cut with "...".
func TruncateMessage(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
