package models

import (
	"time"

	"github.com/google/uuid"
)

// PositionDetection is the durable marker written alongside every detected
// trade. A same-day marker with a similar size suppresses re-detection.
type PositionDetection struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Ticker     string    `gorm:"size:16;not null" json:"ticker"`
	FullSymbol string    `gorm:"size:32;index:idx_detection_day;not null" json:"full_symbol"`
	Day        string    `gorm:"size:10;index:idx_detection_day;not null" json:"day"`
	Size       float64   `json:"size"`
	TradeID    uint      `json:"trade_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// DetectionDay formats t as the calendar day key of a PositionDetection.
func DetectionDay(t time.Time) string {
	return t.Format("2006-01-02")
}

// StockPosition tracks whether a ticker currently has an open position.
type StockPosition struct {
	Ticker          string    `gorm:"primaryKey;size:16" json:"ticker"`
	HasOpenPosition bool      `json:"has_open_position"`
	PositionState   string    `gorm:"size:32" json:"position_state"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Position states written to StockPosition.
const (
	PositionStateOpen   = "open"
	PositionStateClosed = "closed"
)

// TaskType names a follow-up task for the analysis pipeline.
type TaskType string

const (
	TaskPositionCloseReview    TaskType = "position_close_review"
	TaskPositionIncreaseReview TaskType = "position_increase_review"
	TaskReviewAssignment       TaskType = "review_assignment"
	TaskWatchlistTriggered     TaskType = "watchlist_triggered"
	TaskExpirationReview       TaskType = "expiration_review"
)

// Task priorities, higher is more urgent.
const (
	PriorityIncreaseReview     = 6
	PriorityCloseReview        = 7
	PriorityAssignmentReview   = 8
	PriorityWatchlistTriggered = 8
	PriorityExpirationReview   = 9
)

// TaskRequest asks the store to enqueue a task. When CooldownKey is set, a
// task with the same key created within CooldownHours suppresses this one.
type TaskRequest struct {
	Type          TaskType
	Ticker        string
	Prompt        string
	Priority      int
	CooldownKey   string
	CooldownHours float64
}

// Task is a queued follow-up task.
type Task struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UUID        uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"uuid"`
	Type        TaskType  `gorm:"size:32;index;not null" json:"type"`
	Ticker      string    `gorm:"size:16" json:"ticker"`
	Prompt      string    `json:"prompt"`
	Priority    int       `json:"priority"`
	CooldownKey string    `gorm:"size:64;index" json:"cooldown_key,omitempty"`
	Status      string    `gorm:"size:16" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskStatusPending is the status of a freshly queued task.
const TaskStatusPending = "pending"

// NewTask builds a pending task from a request.
func NewTask(req TaskRequest, now time.Time) Task {
	return Task{
		UUID:        uuid.New(),
		Type:        req.Type,
		Ticker:      req.Ticker,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		CooldownKey: req.CooldownKey,
		Status:      TaskStatusPending,
		CreatedAt:   now,
	}
}
