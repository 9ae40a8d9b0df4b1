package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/sendq/internal/domain"
	"github.com/SirClappington/sendq/internal/queue"
	"github.com/SirClappington/sendq/internal/scheduling"
)

type Scheduler interface {
	ScheduleOne(ctx context.Context, req scheduling.ScheduleRequest) (*domain.Message, error)
	ScheduleBulk(ctx context.Context, req scheduling.BulkRequest) (scheduling.BulkResult, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	Cancel(ctx context.Context, id string) error
	ListScheduled(ctx context.Context, p domain.Page) ([]*domain.Message, error)
	ListSent(ctx context.Context, p domain.Page) ([]*domain.Message, error)
	ListBySender(ctx context.Context, sender string, p domain.Page) ([]*domain.Message, error)
	ListByTenant(ctx context.Context, tenant string, p domain.Page) ([]*domain.Message, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Handler struct {
	svc   Scheduler
	queue QueueStats
	log   *zap.Logger
	now   func() time.Time
}

func NewHandler(svc Scheduler, q QueueStats, log *zap.Logger) *Handler {
	return &Handler{svc: svc, queue: q, log: log.Named("api"), now: time.Now}
}

// Routes builds the HTTP surface.
func (h *Handler) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer, h.accessLog)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rtr.Handle("/metrics", promhttp.Handler())

	rtr.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.scheduleOne)
			r.Post("/bulk", h.scheduleBulk)
			r.Get("/scheduled", h.listScheduled)
			r.Get("/sent", h.listSent)
			r.Get("/sender/{sender}", h.listBySender)
			r.Get("/tenant/{tenant}", h.listByTenant)
			r.Get("/{id}", h.get)
			r.Delete("/{id}", h.cancel)
		})
	})
	return rtr
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type scheduleBody struct {
	SenderEmail    string    `json:"senderEmail"`
	RecipientEmail string    `json:"recipientEmail"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	TenantID       string    `json:"tenantId,omitempty"`
}

type bulkBody struct {
	SenderEmail string    `json:"senderEmail"`
	Recipients  []string  `json:"recipients"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduledAt"`
	// DelayBetweenEmails is in milliseconds.
	DelayBetweenEmails int64  `json:"delayBetweenEmails,omitempty"`
	TenantID           string `json:"tenantId,omitempty"`
}

func (h *Handler) scheduleOne(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, errors.Wrap(domain.ErrValidation, "malformed JSON body"))
		return
	}
	if !body.ScheduledAt.IsZero() && !body.ScheduledAt.After(h.now()) {
		h.fail(w, errors.Wrap(domain.ErrValidation, "scheduledAt must be in the future"))
		return
	}
	m, err := h.svc.ScheduleOne(r.Context(), scheduling.ScheduleRequest{
		Sender:      body.SenderEmail,
		Recipient:   body.RecipientEmail,
		Subject:     body.Subject,
		Body:        body.Body,
		ScheduledAt: body.ScheduledAt,
		TenantID:    body.TenantID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: toView(m), Message: "message scheduled"})
}

func (h *Handler) scheduleBulk(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, errors.Wrap(domain.ErrValidation, "malformed JSON body"))
		return
	}
	if !body.ScheduledAt.IsZero() && !body.ScheduledAt.After(h.now()) {
		h.fail(w, errors.Wrap(domain.ErrValidation, "scheduledAt must be in the future"))
		return
	}
	if body.DelayBetweenEmails < 0 {
		h.fail(w, errors.Wrap(domain.ErrValidation, "delayBetweenEmails must not be negative"))
		return
	}
	res, err := h.svc.ScheduleBulk(r.Context(), scheduling.BulkRequest{
		Sender:       body.SenderEmail,
		Recipients:   body.Recipients,
		Subject:      body.Subject,
		Body:         body.Body,
		ScheduledAt:  body.ScheduledAt,
		DelayBetween: time.Duration(body.DelayBetweenEmails) * time.Millisecond,
		TenantID:     body.TenantID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Data:    res,
		Message: strconv.Itoa(res.TotalScheduled) + " messages scheduled",
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: toView(m)})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "message cancelled"})
}

func (h *Handler) listScheduled(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
		return h.svc.ListScheduled(ctx, p)
	})
}

func (h *Handler) listSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
		return h.svc.ListSent(ctx, p)
	})
}

func (h *Handler) listBySender(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")
	h.list(w, r, func(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
		return h.svc.ListBySender(ctx, sender, p)
	})
}

func (h *Handler) listByTenant(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	h.list(w, r, func(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
		return h.svc.ListByTenant(ctx, tenant, p)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, domain.Page) ([]*domain.Message, error)) {
	p := domain.Page{}
	p.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	p.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	msgs, err := fetch(r.Context(), p.Normalize())
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = toView(m)
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: views, Count: len(views)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := struct {
		Messages domain.Stats `json:"messages"`
		Queue    *queue.Stats `json:"queue,omitempty"`
	}{Messages: msgs}
	if qs, err := h.queue.Stats(r.Context()); err != nil {
		h.log.Warn("queue stats unavailable", zap.Error(err))
	} else {
		out.Queue = &qs
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Success: false, Error: msg})
}
