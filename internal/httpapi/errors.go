package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"aicpusched/internal/manager"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
	"aicpusched/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, types.ErrorResponse{Error: msg, Code: status})
}

func writeErrorResponse(w http.ResponseWriter, resp types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps a scheduler error to an HTTP status.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsClosed(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrNotAttached):
		return http.StatusNotFound
	}
	switch model.CodeOf(err) {
	case model.CodeParamInvalid:
		return http.StatusBadRequest
	case model.CodeModelNotFound, model.CodeStreamNotFound:
		return http.StatusNotFound
	case model.CodeStatusNotAllow:
		return http.StatusConflict
	case model.CodeInWorking:
		return http.StatusTooManyRequests
	case model.CodeFromDriver, model.CodeCallHCCL:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status and, for model
// failures, the scheduler status code name.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	var me *model.Error
	if errors.As(err, &me) {
		resp.Status = me.Code.String()
	}
	if status == http.StatusTooManyRequests {
		reason := "busy"
		if manager.IsTooBusy(err) {
			reason = "capacity"
		}
		IncrementBackpressure(reason)
	}
	writeErrorResponse(w, resp)
	return status
}
