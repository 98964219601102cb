package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dres-dev/DRES-sub000/internal/errors"
)

// Error codes for standardized API error responses
const (
	ErrCodeWrongState     = "WRONG_STATE"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeRejected       = "SUBMISSION_REJECTED"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// respondJSON writes v as a JSON response
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError maps an application error kind to an HTTP status.
// Rejected submissions surface as 412 so clients can tell a filter
// rejection apart from a malformed request.
func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch errors.KindOf(err) {
	case errors.ErrWrongState:
		status, code = http.StatusBadRequest, ErrCodeWrongState
	case errors.ErrUnknownEntity:
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.ErrRejected:
		status, code = http.StatusPreconditionFailed, ErrCodeRejected
	case errors.ErrInvalidArgument:
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	case errors.ErrForbidden:
		status, code = http.StatusForbidden, ErrCodeForbidden
	default:
		status, code = http.StatusInternalServerError, ErrCodeInternalServer
		h.Log.Error("request failed", "error", err)
	}
	respondJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// decodeJSON reads the request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidArgumentf("malformed request body: %v", err)
	}
	return nil
}
