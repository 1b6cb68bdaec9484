package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/records"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound, apperrors.ErrNotCached:
		return http.StatusNotFound
	case apperrors.ErrValidation:
		return http.StatusUnprocessableEntity
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrSyncOffline, apperrors.ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncConflict, apperrors.ErrSyncUnresolvedConflict, apperrors.ErrConstraint:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	body := ErrorResponse{Code: string(code), Message: err.Error()}
	if code == apperrors.ErrValidation {
		body.Fields = records.FormatValidationError(err)
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	respondJSON(w, status, body)
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, ErrorResponse{Code: string(apperrors.ErrInvalid), Message: message})
}
