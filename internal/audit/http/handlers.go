package audithttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/platform/httpx"
)

const maxDateRange = 90 * 24 * time.Hour

// ChainService defines the business contract for the audit endpoints.
type ChainService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Subject(ctx context.Context, subjectType, subjectID string) ([]audit.Event, error)
	ExportCSV(ctx context.Context, filters audit.TimelineFilters, w io.Writer) error
	VerifyChain(ctx context.Context, r audit.VerifyRange) (audit.Verification, error)
}

// Handler serves the audit timeline endpoints.
type Handler struct {
	logger  *slog.Logger
	service ChainService
	now     func() time.Time
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service ChainService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleSubject(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Subject(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("audit subject stream", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-events.csv"`)
	if err := h.service.ExportCSV(r.Context(), filters, w); err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
	}
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := httpx.QueryInt64(r, "from_seq")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := httpx.QueryInt64(r, "to_seq")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.VerifyChain(r.Context(), audit.VerifyRange{FromSeq: from, ToSeq: to})
	if err != nil && !errors.Is(err, audit.ErrChainIntegrity) {
		h.logger.Error("audit verify", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	if to.IsZero() {
		to = h.now().UTC()
	} else {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	if from.IsZero() {
		from = to.Add(-7 * 24 * time.Hour)
	}
	if to.Sub(from) > maxDateRange {
		from = to.Add(-maxDateRange)
	}
	actor, err := httpx.QueryInt64(r, "actor_id")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	return audit.TimelineFilters{
		From:        from,
		To:          to,
		ActorID:     actor,
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		Module:      q.Get("module"),
		Action:      audit.Action(q.Get("action")),
		Page:        page,
		PageSize:    pageSize,
	}, nil
}
