// Package api provides the uniform JSON response envelope and CORS handling
// shared by the bridge and admin endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Response is the body of every bridge and admin reply.
// Success carries Data; failure carries Error. Never both.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Common failure messages.
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgInternal         = "Internal bridge error"
	MsgRateLimited      = "Rate limit exceeded"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteOK writes {ok:true, data}.
func WriteOK(w http.ResponseWriter, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	WriteJSON(w, http.StatusOK, Response{OK: true, Data: data})
}

// WriteData marshals v and writes it as a success envelope.
func WriteData(w http.ResponseWriter, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		WriteInternal(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	WriteOK(w, raw)
}

// WriteError writes {ok:false, error:msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Response{OK: false, Error: msg})
}

// WriteBadRequest writes a 400 failure.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

// WriteUnauthorized writes a 401 failure.
func WriteUnauthorized(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusUnauthorized, msg)
}

// WriteForbidden writes a 403 failure.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusForbidden, msg)
}

// WriteMethodNotAllowed writes a 405 failure listing the accepted methods.
func WriteMethodNotAllowed(w http.ResponseWriter, allow string) {
	if allow != "" {
		w.Header().Set("Allow", allow)
	}
	WriteError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
}

// WriteTooManyRequests writes a 429 failure with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, MsgRateLimited)
}

// WriteInternal logs err and writes a 500 carrying its message, or the
// generic fallback when err is nil or empty.
func WriteInternal(w http.ResponseWriter, err error) {
	msg := MsgInternal
	if err != nil {
		slog.Error("internal bridge error", "error", err)
		if err.Error() != "" {
			msg = err.Error()
		}
	}
	WriteError(w, http.StatusInternalServerError, msg)
}
