package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	httpmiddleware "github.com/wolfman30/phi-deid-engine/internal/http/middleware"
	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// LedgerService is the subset of ledger.Ledger the API exposes.
type LedgerService interface {
	History(ctx context.Context, scanID string) ([]ledger.Entry, error)
	Sweep(ctx context.Context, principal string) (int, error)
	Dispose(ctx context.Context, scanID string, principal phi.Principal) (ledger.Entry, error)
	Compensate(ctx context.Context, entryID, reason string, principal phi.Principal) (ledger.Entry, error)
}

// LedgerHandler serves ledger history and the privacy-officer operations.
type LedgerHandler struct {
	ledger LedgerService
	logger *logging.Logger
}

func NewLedgerHandler(l LedgerService, logger *logging.Logger) *LedgerHandler {
	if l == nil {
		panic("handlers: ledger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LedgerHandler{ledger: l, logger: logger}
}

type historyResponse struct {
	ScanID  string         `json:"scan_id"`
	State   ledger.State   `json:"state"`
	Entries []ledger.Entry `json:"entries"`
}

type sweepResponse struct {
	Eligible int `json:"eligible"`
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

// History lists a scan's ledger entries in order.
// Route: GET /v1/scans/{scanID}/ledger
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	scanID := strings.TrimSpace(chi.URLParam(r, "scanID"))
	entries, err := h.ledger.History(r.Context(), scanID)
	if err != nil {
		writeError(w, h.logger, err, scanID)
		return
	}
	if len(entries) == 0 {
		writeError(w, h.logger, phierr.NotFound("http.ledger", "scan_id", ledger.ErrEntryNotFound), scanID)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		ScanID:  scanID,
		State:   entries[len(entries)-1].ToState,
		Entries: entries,
	})
}

// Sweep runs the retention sweep now.
// Route: POST /admin/ledger/sweep
func (h *LedgerHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	principal, _ := httpmiddleware.PrincipalFromContext(r.Context())
	n, err := h.ledger.Sweep(r.Context(), principal.ID)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Eligible: n})
}

// Dispose purges an eligible scan.
// Route: POST /admin/ledger/{scanID}/dispose
func (h *LedgerHandler) Dispose(w http.ResponseWriter, r *http.Request) {
	principal, _ := httpmiddleware.PrincipalFromContext(r.Context())
	scanID := strings.TrimSpace(chi.URLParam(r, "scanID"))
	entry, err := h.ledger.Dispose(r.Context(), scanID, principal)
	if err != nil {
		writeError(w, h.logger, err, scanID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Compensate appends a correction for an entry.
// Route: POST /admin/ledger/entries/{entryID}/compensate
func (h *LedgerHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	principal, _ := httpmiddleware.PrincipalFromContext(r.Context())
	entryID := strings.TrimSpace(chi.URLParam(r, "entryID"))
	var req compensateRequest
	if err := decodeJSON(w, r, 64<<10, &req); err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	entry, err := h.ledger.Compensate(r.Context(), entryID, strings.TrimSpace(req.Reason), principal)
	if err != nil {
		writeError(w, h.logger, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
