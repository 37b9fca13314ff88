package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/phi-deid-engine/internal/engine"
	httpmiddleware "github.com/wolfman30/phi-deid-engine/internal/http/middleware"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// ScanEngine is the subset of engine.Service the scan endpoints use.
type ScanEngine interface {
	Scan(ctx context.Context, in engine.Input) (*engine.Outcome, error)
	Transform(ctx context.Context, scanID, text string, principal phi.Principal) (*engine.Outcome, error)
	Reverse(ctx context.Context, scanID, text string, principal phi.Principal) (string, error)
}

// ScanHandler serves /v1/scans.
type ScanHandler struct {
	engine   ScanEngine
	maxBytes int64
	logger   *logging.Logger
}

func NewScanHandler(e ScanEngine, maxBytes int64, logger *logging.Logger) *ScanHandler {
	if e == nil {
		panic("handlers: scan engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ScanHandler{engine: e, maxBytes: maxBytes, logger: logger}
}

type scanRequest struct {
	ScanID  string          `json:"scan_id,omitempty"`
	Text    string          `json:"text"`
	Context phi.ScanContext `json:"context"`
	Options phi.ScanOptions `json:"options"`
}

type textRequest struct {
	Text string `json:"text"`
}

type reverseResponse struct {
	ScanID string `json:"scan_id"`
	Text   string `json:"text"`
}

// CreateScan detects and classifies PHI in the posted text.
// Route: POST /v1/scans
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpmiddleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req scanRequest
	if err := decodeJSON(w, r, h.maxBytes, &req); err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	out, err := h.engine.Scan(r.Context(), engine.Input{
		ScanID:    strings.TrimSpace(req.ScanID),
		Text:      req.Text,
		Context:   req.Context,
		Options:   req.Options,
		Principal: principal,
		RequestID: chimw.GetReqID(r.Context()),
	})
	if err != nil {
		scanID := ""
		if out != nil {
			scanID = out.Request.ID
		}
		writeError(w, h.logger, err, scanID)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// TransformScan retries de-identification of a stored scan.
// Route: POST /v1/scans/{scanID}/transform
func (h *ScanHandler) TransformScan(w http.ResponseWriter, r *http.Request) {
	principal, scanID, req, ok := h.textCall(w, r)
	if !ok {
		return
	}
	out, err := h.engine.Transform(r.Context(), scanID, req.Text, principal)
	if err != nil {
		writeError(w, h.logger, err, scanID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ReverseScan restores the original text of a reversible de-identification.
// Route: POST /v1/scans/{scanID}/reverse
func (h *ScanHandler) ReverseScan(w http.ResponseWriter, r *http.Request) {
	principal, scanID, req, ok := h.textCall(w, r)
	if !ok {
		return
	}
	original, err := h.engine.Reverse(r.Context(), scanID, req.Text, principal)
	if err != nil {
		writeError(w, h.logger, err, scanID)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, reverseResponse{ScanID: scanID, Text: original})
}

func (h *ScanHandler) textCall(w http.ResponseWriter, r *http.Request) (phi.Principal, string, textRequest, bool) {
	var req textRequest
	principal, ok := httpmiddleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return principal, "", req, false
	}
	scanID := strings.TrimSpace(chi.URLParam(r, "scanID"))
	if scanID == "" {
		writeError(w, h.logger, phierr.Validationf("http.scan", "scan_id", "scan id is required"), "")
		return principal, "", req, false
	}
	if err := decodeJSON(w, r, h.maxBytes, &req); err != nil {
		writeError(w, h.logger, err, scanID)
		return principal, "", req, false
	}
	return principal, scanID, req, true
}
