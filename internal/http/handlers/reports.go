package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/internal/reporting"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// ReportBuilder generates a report without side effects.
type ReportBuilder interface {
	Report(ctx context.Context, period reporting.Period) (*reporting.ComplianceReport, error)
}

// ReportPublisher generates, archives and announces a report.
type ReportPublisher interface {
	Publish(ctx context.Context, period reporting.Period) (*reporting.ComplianceReport, string, error)
}

// ReportHandler serves compliance reports.
type ReportHandler struct {
	reporter  ReportBuilder
	publisher ReportPublisher
	now       func() time.Time
	logger    *logging.Logger
}

func NewReportHandler(reporter ReportBuilder, publisher ReportPublisher, now func() time.Time, logger *logging.Logger) *ReportHandler {
	if reporter == nil {
		panic("handlers: reporter required")
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReportHandler{reporter: reporter, publisher: publisher, now: now, logger: logger}
}

type publishResponse struct {
	Report *reporting.ComplianceReport `json:"report"`
	S3Key  string                      `json:"s3_key,omitempty"`
}

// GetReport returns the report for ?period=daily|weekly|monthly around
// ?at (RFC 3339 or YYYY-MM-DD, default now), or for ?from&to.
// Route: GET /v1/reports
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	period, err := h.periodFrom(r)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	report, err := h.reporter.Report(r.Context(), period)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PublishReport generates the report, archives it and emits the ready event.
// Route: POST /admin/reports
func (h *ReportHandler) PublishReport(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		http.Error(w, "report publishing not configured", http.StatusServiceUnavailable)
		return
	}
	period, err := h.periodFrom(r)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	report, key, err := h.publisher.Publish(r.Context(), period)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{Report: report, S3Key: key})
}

func (h *ReportHandler) periodFrom(r *http.Request) (reporting.Period, error) {
	q := r.URL.Query()
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		start, err := parseInstant("from", from)
		if err != nil {
			return reporting.Period{}, err
		}
		end, err := parseInstant("to", to)
		if err != nil {
			return reporting.Period{}, err
		}
		return reporting.Custom(start, end)
	}
	at := h.now()
	if raw := q.Get("at"); raw != "" {
		parsed, err := parseInstant("at", raw)
		if err != nil {
			return reporting.Period{}, err
		}
		at = parsed
	}
	return reporting.ParsePeriod(q.Get("period"), at)
}

func parseInstant(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, phierr.Validationf("http.report", field, "%s must be RFC 3339 or YYYY-MM-DD", field)
}
