package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"topstepx-engine/pkg/types"
)

// errorEnvelope is the uniform failure body: a human message plus the
// machine-readable error kind.
type errorEnvelope struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		logger.Error("request failed", "kind", string(kind), "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: err.Error(), Code: string(kind)})
}

func writeBadRequest(w http.ResponseWriter, kind types.ErrorKind, msg string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: msg, Code: string(kind)})
}

func writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorEnvelope{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidInput, types.KindInvalidPrice:
		return http.StatusBadRequest
	case types.KindAuthExpired:
		return http.StatusUnauthorized
	case types.KindRiskVeto:
		return http.StatusForbidden
	case types.KindNoContract:
		return http.StatusNotFound
	case types.KindStateConflict:
		return http.StatusConflict
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindTransient, types.KindBrokerRejected:
		return http.StatusBadGateway
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
