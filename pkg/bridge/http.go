package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/aobridge/pkg/api"
	"github.com/Mindburn-Labs/aobridge/pkg/auth"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
)

// maxRequestBytes caps an inbound envelope.
const maxRequestBytes = 1 << 20

// ServeHTTP is the HTTP adapter for Handle.
//
//	OPTIONS  -> 200 with CORS headers
//	POST     -> Handle
//	other    -> 405
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.SetCORSHeaders(w.Header(), r.Header.Get("Origin"), h.origins)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		api.WriteMethodNotAllowed(w, "POST, OPTIONS")
		return
	}

	ctx, done := h.obs.TrackRequest(r.Context(), "bridge.request")
	status := http.StatusInternalServerError
	var handleErr error
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.ErrorContext(ctx, "bridge adapter panic", "panic", rec)
			res := internal(rec)
			status = res.Status
			api.WriteError(w, res.Status, res.Error)
		}
		done(status, handleErr)
	}()

	req, err := decodeRequest(r)
	if err != nil {
		status = http.StatusBadRequest
		handleErr = err
		api.WriteBadRequest(w, MsgInvalidJSON)
		return
	}
	if c, ok := signature.CredentialsFromHeader(r.Header); ok {
		req.Credentials = &c
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ao.action", req.Action),
		attribute.String("ao.target", req.Target),
	)

	h.logger.DebugContext(ctx, "bridge request",
		"request_id", auth.GetRequestID(ctx),
		"action", req.Action,
		"target", req.Target,
	)

	res := h.Handle(ctx, req)
	status = res.Status
	if !res.OK {
		handleErr = errors.New(res.Error)
		api.WriteError(w, res.Status, res.Error)
		return
	}
	api.WriteOK(w, res.Data)
}

// decodeRequest reads the envelope. An empty body decodes to a zero Request
// so that it is reported as missing fields rather than malformed JSON.
// Keys are matched exactly: {"target":...} leaves Target empty.
func decodeRequest(r *http.Request) (Request, error) {
	var req Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return req, err
	}
	if len(body) > maxRequestBytes {
		return req, errors.New("request body too large")
	}
	if strings.TrimSpace(string(body)) == "" {
		return req, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return req, err
	}
	for key, dst := range map[string]any{
		"Target": &req.Target,
		"Action": &req.Action,
		"Data":   &req.Data,
		"Tags":   &req.Tags,
	} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return req, fmt.Errorf("%s: %w", key, err)
		}
	}
	return req, nil
}
