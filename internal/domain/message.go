package domain

import "time"

type Status string

const (
	Scheduled Status = "scheduled"
	Queued    Status = "queued"
	Sent      Status = "sent"
	Failed    Status = "failed"
)

// CancelledMessage is the error text recorded on a user cancellation.
const CancelledMessage = "cancelled by user"

// Message is the durable record of one scheduled send (source of truth).
type Message struct {
	ID                 string
	Sender             string
	Recipient          string
	Subject            string
	Body               string
	ScheduledAt        time.Time
	Status             Status
	SentAt             *time.Time
	ErrorMessage       *string
	JobID              *string
	TenantID           *string
	TransportMessageID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Tenant returns the tenant id or "" when the message has none.
func (m *Message) Tenant() string {
	if m.TenantID == nil {
		return ""
	}
	return *m.TenantID
}

type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

type BatchJob struct {
	ID             string
	Owner          string
	TotalCount     int
	ProcessedCount int
	Status         BatchStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RateLimitCounter is the durable copy of one hourly window counter.
type RateLimitCounter struct {
	ScopeKey    string
	WindowStart time.Time
	Count       int64
}

// Stats counts messages per status.
type Stats struct {
	Total     int64 `json:"total"`
	Scheduled int64 `json:"scheduled"`
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
