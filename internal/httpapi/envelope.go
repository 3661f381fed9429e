package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/queue"
)

// Data types carried in the envelope.
const (
	dataTypeObject = "object"
	dataTypeJob    = "job"
	dataTypeHealth = "health"
)

// Envelope is the body of every successful response.
type Envelope struct {
	Success  bool   `json:"success"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	DataType string `json:"dataType"`
	Data     any    `json:"data"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorEnvelope is the body of every failed response.
type ErrorEnvelope struct {
	Success bool        `json:"success"`
	Code    int         `json:"code"`
	Error   ErrorDetail `json:"error"`
}

const (
	codeValidation  = "validation_error"
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeUnavailable = "unavailable"
	codeInternal    = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) respond(w http.ResponseWriter, status int, message, dataType string, data any) {
	writeJSON(w, status, Envelope{
		Success:  true,
		Code:     status,
		Message:  message,
		DataType: dataType,
		Data:     data,
	})
}

func (s *Server) fail(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, ErrorEnvelope{
		Code:  status,
		Error: ErrorDetail{Code: code, Message: message, Field: field},
	})
}

// failWith maps an error from the queue services to a response.
func (s *Server) failWith(w http.ResponseWriter, r *http.Request, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		s.fail(w, http.StatusBadRequest, codeValidation, verr.Error(), verr.Field)
	case errors.Is(err, queue.ErrValidation):
		s.fail(w, http.StatusBadRequest, codeValidation, err.Error(), "")
	case errors.Is(err, queue.ErrNotFound):
		s.fail(w, http.StatusNotFound, codeNotFound, "job not found", "")
	case errors.Is(err, queue.ErrUnavailable):
		s.logger.Warn("dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		s.fail(w, http.StatusServiceUnavailable, codeUnavailable, "service temporarily unavailable, retry later", "")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.fail(w, http.StatusInternalServerError, codeInternal, "internal error", "")
	}
}
