package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/jobly/internal/prefill"
)

// Error types reported in the envelope's "type" field.
const (
	TypeNotFound         = "not_found"
	TypeUnauthorized     = "unauthorized"
	TypeTokenExpired     = "token_expired"
	TypeInvalidState     = "invalid_state"
	TypeConflict         = "conflict"
	TypeInvalidReference = "invalid_reference"
	TypeInvalidPayload   = "invalid_payload"
	TypeRateLimited      = "rate_limited"
	TypeInternal         = "internal_error"
)

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse is the JSON envelope for every non-2xx response.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

var kindStatus = map[prefill.Kind]struct {
	status int
	typ    string
}{
	prefill.KindNotFound:         {http.StatusNotFound, TypeNotFound},
	prefill.KindUnauthorized:     {http.StatusUnauthorized, TypeUnauthorized},
	prefill.KindExpired:          {http.StatusUnauthorized, TypeTokenExpired},
	prefill.KindInvalidState:     {http.StatusConflict, TypeInvalidState},
	prefill.KindConflict:         {http.StatusConflict, TypeConflict},
	prefill.KindInvalidReference: {http.StatusNotFound, TypeInvalidReference},
	prefill.KindInvalidPayload:   {http.StatusUnprocessableEntity, TypeInvalidPayload},
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, typ, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:     ErrorBody{Code: status, Message: message, Type: typ},
		RequestID: RequestIDFrom(r.Context()),
	})
}

// respondServiceError maps a service error onto the envelope. Anything that is
// not a domain error is logged and reported as a bare 500.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *prefill.Error
	if errors.As(err, &perr) {
		if m, found := kindStatus[perr.Kind]; found {
			respondError(w, r, m.status, m.typ, perr.Message)
			return
		}
	}
	zap.L().Error("unhandled request error",
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	respondError(w, r, http.StatusInternalServerError, TypeInternal, "Internal server error")
}
