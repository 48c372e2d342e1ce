// Package gateway is the credential-holding sidecar. Every operation that
// needs a secret (model calls, chat, code hosting, git network I/O) happens
// here on behalf of sandboxed containers that hold nothing.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/khan/jib/pkg/wire"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case wire.ErrNotAllowed, wire.ErrBranchNotOwned, wire.ErrProtectedBranch:
		return http.StatusForbidden
	case wire.ErrUnauthorized:
		return http.StatusUnauthorized
	case wire.ErrBlockedVisibility:
		return http.StatusForbidden
	case wire.ErrConflict:
		return http.StatusConflict
	case wire.ErrTimeout:
		return http.StatusGatewayTimeout
	case wire.ErrUpstream4xx:
		return http.StatusBadGateway
	case wire.ErrUpstream5xx, wire.ErrNoActiveContainer:
		return http.StatusBadGateway
	case wire.ErrInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// writeError emits the JSON error envelope with a request id and logs it.
// Policy rejections log at warn with the dotted security event name.
func writeError(w http.ResponseWriter, r *http.Request, kind, message string) {
	reqID := requestID(r)
	switch kind {
	case wire.ErrNotAllowed, wire.ErrBranchNotOwned, wire.ErrProtectedBranch, wire.ErrBlockedVisibility:
		slog.Warn("security.request_blocked",
			"kind", kind, "path", r.URL.Path, "request_id", reqID, "detail", message)
	default:
		slog.Info("gateway.request_failed",
			"kind", kind, "path", r.URL.Path, "request_id", reqID, "detail", message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(wire.Error{Kind: kind, Message: message, RequestID: reqID})
}

// writeJSON emits a 200 with the given body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, wire.ErrNotAllowed, "malformed request body: "+err.Error())
		return false
	}
	return true
}

const requestIDHeader = "X-Jib-Request-Id"

// requestID returns the caller-supplied correlation id, minting one when
// absent so every error envelope is traceable in the request log.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}
