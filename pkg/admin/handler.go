// Package admin is the operator front door. It signs every command it receives
// and re-issues it through the bridge's public HTTP contract, so the bridge
// stays the only component that decides whether a signature was needed.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/aobridge/pkg/api"
	"github.com/Mindburn-Labs/aobridge/pkg/audit"
	"github.com/Mindburn-Labs/aobridge/pkg/auth"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
)

// Failure messages returned to callers.
const (
	MsgMissingAction     = "Missing action in request body"
	MsgInvalidJSON       = "Invalid JSON in request body"
	MsgNotConfigured     = "Admin authentication not configured"
	MsgNoTarget          = "Admin target not configured"
	msgBridgeUnreachable = "Bridge unreachable: "
)

// ErrNoTarget is returned by Execute when no process id is configured.
var ErrNoTarget = errors.New("admin: process id not configured")

// DefaultBridgeTimeout covers the bridge's worst case of three 10s attempts
// plus backoff.
const DefaultBridgeTimeout = 35 * time.Second

const maxCommandBytes = 1 << 20

// Command is the admin request body.
type Command struct {
	Action string            `json:"action"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// bridgeRequest is the body posted to the bridge.
type bridgeRequest struct {
	Target string            `json:"Target"`
	Action string            `json:"Action"`
	Data   json.RawMessage   `json:"Data,omitempty"`
	Tags   map[string]string `json:"Tags,omitempty"`
}

// Signer mints admin signatures. *signature.Service implements it.
type Signer interface {
	Sign(action string) (signature.Signed, error)
}

// Handler serves POST /api/admin.
type Handler struct {
	signer    Signer
	bridgeURL string
	processID string
	client    *http.Client
	audit     audit.Logger
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used to reach the bridge.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		if c != nil {
			h.client = c
		}
	}
}

// WithAuditLogger records every minted signature.
func WithAuditLogger(l audit.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.audit = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates the admin handler. processID is the Target of every
// command; it must be the same value the bridge is deployed against.
func NewHandler(signer Signer, bridgeURL, processID string, opts ...Option) *Handler {
	h := &Handler{
		signer:    signer,
		bridgeURL: bridgeURL,
		processID: processID,
		client:    &http.Client{Timeout: DefaultBridgeTimeout},
		audit:     audit.Nop{},
		logger:    slog.Default().With("component", "admin"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, "POST")
		return
	}

	var cmd Command
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		api.WriteBadRequest(w, MsgInvalidJSON)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &cmd); err != nil {
			api.WriteBadRequest(w, MsgInvalidJSON)
			return
		}
	}
	if cmd.Action == "" {
		api.WriteBadRequest(w, MsgMissingAction)
		return
	}

	status, header, payload, err := h.Execute(r.Context(), cmd)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoTarget):
			api.WriteError(w, http.StatusInternalServerError, MsgNoTarget)
		case errors.Is(err, signature.ErrNoSecret):
			api.WriteError(w, http.StatusInternalServerError, MsgNotConfigured)
		default:
			api.WriteError(w, http.StatusBadGateway, msgBridgeUnreachable+err.Error())
		}
		return
	}

	if ct := header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// Execute signs cmd and posts it to the bridge, returning the bridge's status,
// headers and body untouched. ErrNoTarget and signing failures are returned
// as-is; any other error means the bridge could not be reached.
func (h *Handler) Execute(ctx context.Context, cmd Command) (int, http.Header, []byte, error) {
	if h.processID == "" {
		h.logger.ErrorContext(ctx, "admin command rejected: AO_PROCESS_ID is not set", "action", cmd.Action)
		return 0, nil, nil, ErrNoTarget
	}
	if auth.GetOperator(ctx) == "" {
		h.logger.WarnContext(ctx, "signing admin command for unauthenticated caller", "action", cmd.Action)
	}
	signed, err := h.signer.Sign(cmd.Action)
	if err != nil {
		h.logger.ErrorContext(ctx, "admin signing failed", "action", cmd.Action, "error", err)
		return 0, nil, nil, err
	}
	if err := h.audit.Record(ctx, audit.DecisionMinted, cmd.Action, h.processID, nil); err != nil {
		h.logger.ErrorContext(ctx, "audit record failed", "action", cmd.Action, "error", err)
	}

	body, err := json.Marshal(bridgeRequest{
		Target: h.processID,
		Action: cmd.Action,
		Data:   cmd.Data,
		Tags:   cmd.Tags,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("encode bridge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.bridgeURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	signed.Apply(req.Header)
	if id := auth.GetRequestID(ctx); id != "" {
		req.Header.Set(auth.HeaderRequestID, id)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.ErrorContext(ctx, "bridge unreachable", "url", h.bridgeURL, "error", err)
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read bridge response: %w", err)
	}

	h.logger.InfoContext(ctx, "admin command relayed",
		"action", cmd.Action,
		"status", resp.StatusCode,
		"operator", auth.GetOperator(ctx),
	)
	return resp.StatusCode, resp.Header, payload, nil
}
