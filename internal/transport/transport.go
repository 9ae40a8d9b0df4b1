package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is one outbound message.
type Envelope struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers an envelope and returns the transport's message id.
type Sender interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// LogSender only logs. It stands in when no SMTP server is configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("transport")}
}

func (s *LogSender) Send(_ context.Context, env Envelope) (string, error) {
	id := "<" + uuid.NewString() + "@sendq.local>"
	s.log.Info("message sent (log transport)",
		zap.String("message_id", id),
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.String("subject", env.Subject))
	return id, nil
}
