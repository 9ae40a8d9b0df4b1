package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/SirClappington/sendq/internal/domain"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type messageView struct {
	ID                 string     `json:"id"`
	SenderEmail        string     `json:"senderEmail"`
	RecipientEmail     string     `json:"recipientEmail"`
	Subject            string     `json:"subject"`
	Body               string     `json:"body"`
	ScheduledAt        time.Time  `json:"scheduledAt"`
	Status             string     `json:"status"`
	SentAt             *time.Time `json:"sentAt,omitempty"`
	ErrorMessage       *string    `json:"errorMessage,omitempty"`
	JobID              *string    `json:"jobId,omitempty"`
	TenantID           *string    `json:"tenantId,omitempty"`
	TransportMessageID *string    `json:"transportMessageId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func toView(m *domain.Message) messageView {
	return messageView{
		ID:                 m.ID,
		SenderEmail:        m.Sender,
		RecipientEmail:     m.Recipient,
		Subject:            m.Subject,
		Body:               m.Body,
		ScheduledAt:        m.ScheduledAt,
		Status:             string(m.Status),
		SentAt:             m.SentAt,
		ErrorMessage:       m.ErrorMessage,
		JobID:              m.JobID,
		TenantID:           m.TenantID,
		TransportMessageID: m.TransportMessageID,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
