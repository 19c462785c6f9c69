package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/errdefs"
	"inferd/pkg/types"
)

// statusFor maps taxonomy codes onto HTTP statuses.
func statusFor(code errdefs.Code) int {
	switch code {
	case errdefs.ModelNotFound, errdefs.FileNotFound:
		return http.StatusNotFound
	case errdefs.Busy, errdefs.ResourceExhausted:
		return http.StatusTooManyRequests
	case errdefs.ConfigurationInvalid, errdefs.ContextWindowExceeded, errdefs.TokenizationFailure:
		return http.StatusBadRequest
	case errdefs.OperationCancelled:
		// Client went away; 499 in the nginx tradition.
		return 499
	case errdefs.EngineNotInitialized, errdefs.ArchUnsupported:
		return http.StatusNotImplemented
	case errdefs.MemoryInsufficient:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a taxonomy error as the consistent JSON payload.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(errdefs.CodeOf(err))
	resp := types.ErrorResponse{Error: err.Error(), Status: status}
	var te *errdefs.Error
	if errors.As(err, &te) {
		resp.Error = te.Message
		resp.Code = string(te.Code)
		resp.Suggestion = te.Suggestion
	}
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(resp.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSONError writes a plain error payload for transport-level failures.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Status: status})
}
