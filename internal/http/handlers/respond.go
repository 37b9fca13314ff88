package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/phi-deid-engine/internal/bundle"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Field  string `json:"field,omitempty"`
	ScanID string `json:"scan_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, bundle.ErrNoApprovedConfig) {
		return http.StatusServiceUnavailable
	}
	switch phierr.KindOf(err) {
	case phierr.KindValidation:
		return http.StatusBadRequest
	case phierr.KindAuthorization:
		return http.StatusForbidden
	case phierr.KindNotFound:
		return http.StatusNotFound
	case phierr.KindConflict:
		return http.StatusConflict
	case phierr.KindConfiguration:
		return http.StatusUnprocessableEntity
	case phierr.KindKeyManagement:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal errors are logged and replaced with a
// generic message so storage details never reach the caller.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error, scanID string) {
	status := statusFor(err)
	resp := errorResponse{
		Error:  err.Error(),
		Kind:   string(phierr.KindOf(err)),
		Field:  phierr.FieldOf(err),
		ScanID: scanID,
	}
	if status == http.StatusRequestEntityTooLarge {
		resp.Kind = string(phierr.KindValidation)
		resp.Field = "text"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "scan_id", scanID, "status", status)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return phierr.Validation("http.decode", "body", err)
	}
	return nil
}
