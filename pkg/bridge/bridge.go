// Package bridge is the single authority deciding whether an inbound envelope
// reaches the AO relay. Each request runs the same sequence:
//
//	parse -> allowlist -> admin signature (sensitive actions only) -> forward -> respond
//
// The sequence lives in Handler.Handle, which knows nothing about HTTP. The
// http.Handler adapter in http.go only decodes, extracts headers and encodes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/aobridge/pkg/audit"
	"github.com/Mindburn-Labs/aobridge/pkg/observability"
	"github.com/Mindburn-Labs/aobridge/pkg/policy"
	"github.com/Mindburn-Labs/aobridge/pkg/relay"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
)

// Failure messages returned to callers.
const (
	MsgMissingFields = "Missing Target or Action in request body"
	MsgInvalidJSON   = "Invalid JSON in request body"
	MsgUnauthorized  = "Unauthorized: Admin access required for this action"
)

// Request is a decoded bridge call.
type Request struct {
	Target string            `json:"Target"`
	Action string            `json:"Action"`
	Data   json.RawMessage   `json:"Data,omitempty"`
	Tags   map[string]string `json:"Tags,omitempty"`

	// Credentials is nil unless both signature headers were present.
	Credentials *signature.Credentials `json:"-"`
}

// Result is the outcome of Handle. Exactly one of Data or Error is meaningful,
// selected by OK.
type Result struct {
	Status int
	OK     bool
	Data   json.RawMessage
	Error  string
}

func fail(status int, msg string) Result {
	return Result{Status: status, Error: msg}
}

// Forwarder delivers envelopes upstream. *relay.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, env relay.Envelope, headers http.Header) (*relay.Response, error)
}

// Verifier checks admin signatures. *signature.Service implements it.
type Verifier interface {
	Open() bool
	VerifyCredentials(action string, c signature.Credentials) bool
}

// Handler runs the bridge sequence. It is stateless across requests and safe
// for concurrent use once constructed.
type Handler struct {
	policy    *policy.ActionPolicy
	verifier  Verifier
	forwarder Forwarder
	apiKey    string
	origins   []string
	audit     audit.Logger
	obs       *observability.Provider
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAPIKey adds "Authorization: Bearer <key>" to every upstream call.
func WithAPIKey(key string) Option {
	return func(h *Handler) { h.apiKey = key }
}

// WithAllowedOrigins restricts CORS on the HTTP adapter. Empty means any.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithAuditLogger records sensitive-action decisions.
func WithAuditLogger(l audit.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.audit = l
		}
	}
}

// WithObservability enables request spans and metrics.
func WithObservability(p *observability.Provider) Option {
	return func(h *Handler) { h.obs = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Handler. All three collaborators are required.
func New(p *policy.ActionPolicy, v Verifier, f Forwarder, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, errors.New("bridge: action policy is required")
	}
	if v == nil {
		return nil, errors.New("bridge: signature verifier is required")
	}
	if f == nil {
		return nil, errors.New("bridge: relay forwarder is required")
	}
	h := &Handler{
		policy:    p,
		verifier:  v,
		forwarder: f,
		audit:     audit.Nop{},
		logger:    slog.Default().With("component", "bridge"),
	}
	for _, o := range opts {
		o(h)
	}
	if v.Open() {
		h.logger.Warn("admin signature verification is disabled: no secret configured; sensitive actions are open")
	}
	return h, nil
}

// Handle validates, authorizes and forwards req. It never panics; unexpected
// faults become a 500 result.
func (h *Handler) Handle(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "bridge panic", "action", req.Action, "panic", r)
			res = internal(r)
		}
	}()

	// 1. Parse
	if req.Target == "" || req.Action == "" {
		return fail(http.StatusBadRequest, MsgMissingFields)
	}

	// 2. Policy: allowlist, Data schema, CEL rule
	if !h.policy.IsAllowed(req.Action) {
		return fail(http.StatusForbidden, fmt.Sprintf("Action '%s' is not allowed", req.Action))
	}
	data, err := decodeData(req.Data)
	if err == nil {
		err = h.policy.ValidateData(req.Action, data)
	}
	if err != nil {
		return fail(http.StatusBadRequest, fmt.Sprintf("Invalid Data for action '%s': %v", req.Action, err))
	}
	if err := h.policy.CheckRule(req.Action, req.Target, data, req.Tags); err != nil {
		h.logger.WarnContext(ctx, "policy rule denied call", "action", req.Action, "error", err)
		return fail(http.StatusForbidden, fmt.Sprintf("Action '%s' denied by policy: %v", req.Action, err))
	}

	// 3. Authorization
	if h.policy.IsSensitive(req.Action) && !h.authorize(ctx, req) {
		return fail(http.StatusUnauthorized, MsgUnauthorized)
	}

	// 4. Forward
	headers := http.Header{}
	if h.apiKey != "" {
		headers.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.forwarder.Forward(ctx, relay.Envelope{
		Target: req.Target,
		Action: req.Action,
		Data:   req.Data,
		Tags:   req.Tags,
	}, headers)

	// 5. Respond
	if err != nil {
		return h.relayFailure(ctx, req, err)
	}
	return Result{Status: http.StatusOK, OK: true, Data: resp.Payload}
}

func decodeData(raw json.RawMessage) (any, error) {
	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (h *Handler) authorize(ctx context.Context, req Request) bool {
	if h.verifier.Open() {
		h.logger.WarnContext(ctx, "admin signature check bypassed: no secret configured",
			"action", req.Action, "target", req.Target)
		h.record(ctx, audit.DecisionBypassed, req, nil)
		return true
	}

	if req.Credentials == nil {
		h.record(ctx, audit.DecisionDenied, req, map[string]any{"reason": "missing signature headers"})
		return false
	}
	if !h.verifier.VerifyCredentials(req.Action, *req.Credentials) {
		h.record(ctx, audit.DecisionDenied, req, map[string]any{"reason": "signature verification failed"})
		return false
	}

	h.record(ctx, audit.DecisionAuthorized, req, nil)
	return true
}

func (h *Handler) record(ctx context.Context, d audit.Decision, req Request, meta map[string]any) {
	if err := h.audit.Record(ctx, d, req.Action, req.Target, meta); err != nil {
		h.logger.ErrorContext(ctx, "audit record failed", "action", req.Action, "error", err)
	}
}

func (h *Handler) relayFailure(ctx context.Context, req Request, err error) Result {
	var statusErr *relay.StatusError
	if errors.As(err, &statusErr) && statusErr.ClientError() {
		h.logger.WarnContext(ctx, "relay rejected request",
			"action", req.Action, "status", statusErr.Status)
		return fail(statusErr.Status, "Relay rejected request: "+statusErr.Error())
	}

	if errors.Is(err, relay.ErrResponseTooLarge) {
		h.logger.ErrorContext(ctx, "relay response too large", "action", req.Action, "error", err)
		return fail(http.StatusBadGateway, "Relay failure: "+err.Error())
	}

	var exhausted *relay.ExhaustedError
	if errors.As(err, &exhausted) {
		if cause := ctx.Err(); cause != nil {
			h.logger.WarnContext(ctx, "relay aborted",
				"action", req.Action, "attempts", exhausted.Attempts, "cause", cause)
			return fail(http.StatusGatewayTimeout,
				fmt.Sprintf("Relay aborted after %s: %v", relay.Attempts(exhausted.Attempts), cause))
		}
		h.logger.ErrorContext(ctx, "relay failure",
			"action", req.Action, "attempts", exhausted.Attempts, "error", exhausted.Last)
		return fail(http.StatusBadGateway,
			fmt.Sprintf("Relay failure after %s: %v", relay.Attempts(exhausted.Attempts), exhausted.Last))
	}

	h.logger.ErrorContext(ctx, "bridge error", "action", req.Action, "error", err)
	return fail(http.StatusInternalServerError, err.Error())
}

func internal(r any) Result {
	msg := ""
	switch v := r.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	}
	if msg == "" {
		msg = "Internal bridge error"
	}
	return fail(http.StatusInternalServerError, msg)
}
