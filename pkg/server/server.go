// Package server assembles the bridge, the admin door and their middleware
// from a loaded Config, and runs the HTTP listener until its context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/aobridge/pkg/admin"
	"github.com/Mindburn-Labs/aobridge/pkg/api"
	"github.com/Mindburn-Labs/aobridge/pkg/audit"
	"github.com/Mindburn-Labs/aobridge/pkg/auth"
	"github.com/Mindburn-Labs/aobridge/pkg/bridge"
	"github.com/Mindburn-Labs/aobridge/pkg/config"
	"github.com/Mindburn-Labs/aobridge/pkg/observability"
	"github.com/Mindburn-Labs/aobridge/pkg/policy"
	"github.com/Mindburn-Labs/aobridge/pkg/ratelimit"
	"github.com/Mindburn-Labs/aobridge/pkg/relay"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
	"github.com/Mindburn-Labs/aobridge/pkg/version"
)

// Routes.
const (
	PathBridge = "/api/ao"
	PathAdmin  = "/api/admin"
	PathHealth = "/health"
)

const shutdownTimeout = 15 * time.Second

// Server owns every long-lived component of a running bridge.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	obs     *observability.Provider
	closers []io.Closer
	logger  *slog.Logger
}

// Deps overrides components built from configuration. Zero fields are built
// from the Config.
type Deps struct {
	Policy    *policy.ActionPolicy
	Signer    *signature.Service
	Forwarder bridge.Forwarder
	Limiter   ratelimit.Store
	Audit     audit.Logger
}

// New builds a server from cfg.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default().With("component", "server"),
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.obs = obs

	pol := deps.Policy
	if pol == nil {
		if pol, err = policy.Load(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	signer := deps.Signer
	if signer == nil {
		signer = signature.NewService(cfg.AdminSecret, signature.WithWindow(cfg.SignatureWindow))
	}

	fwd := deps.Forwarder
	if fwd == nil {
		fwd = relay.NewForwarder(cfg.RelayURL, relay.WithTracer(obs.Tracer()))
	}

	auditLog := deps.Audit
	if auditLog == nil {
		auditLog = audit.NewLogger()
		if cfg.AuditDSN != "" {
			sqlLog, err := audit.OpenSQL(ctx, cfg.AuditDSN)
			if err != nil {
				return nil, fmt.Errorf("audit sink: %w", err)
			}
			s.closers = append(s.closers, sqlLog)
			auditLog = audit.Tee(auditLog, sqlLog)
		}
	}

	limiter := deps.Limiter
	if limiter == nil && cfg.RateLimitRPM > 0 {
		if limiter, err = s.buildLimiter(ctx); err != nil {
			return nil, err
		}
	}

	origins := api.ParseOrigins(cfg.CORSOrigins)

	bridgeHandler, err := bridge.New(pol, signer, fwd,
		bridge.WithAPIKey(cfg.RelayAPIKey),
		bridge.WithAllowedOrigins(origins),
		bridge.WithAuditLogger(auditLog),
		bridge.WithObservability(obs),
	)
	if err != nil {
		return nil, err
	}

	adminHandler := admin.NewHandler(signer, cfg.BridgeURL, cfg.ProcessID,
		admin.WithAuditLogger(auditLog),
	)
	operator := auth.NewOperatorValidator(cfg.AdminTokenSecret)
	if operator == nil && !signer.Open() {
		s.logger.ErrorContext(ctx, "admin door signs commands for any caller: set ADMIN_TOKEN_SECRET to require an operator token",
			"path", PathAdmin)
	}
	if cfg.ProcessID == "" {
		s.logger.ErrorContext(ctx, "AO_PROCESS_ID is not set: admin commands will be rejected", "path", PathAdmin)
	}

	mux := http.NewServeMux()
	mux.Handle(PathBridge, bridgeHandler)
	mux.Handle(PathAdmin, auth.OperatorMiddleware(operator)(adminHandler))
	mux.HandleFunc(PathHealth, handleHealth)

	var h http.Handler = mux
	h = ratelimit.Middleware(limiter, ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}, s.logger)(h)
	h = api.CORSMiddleware(origins)(h)
	h = auth.RequestIDMiddleware(h)
	s.handler = h

	s.logger.InfoContext(ctx, "bridge configured",
		"relay_url", cfg.RelayURL,
		"process_id", cfg.ProcessID,
		"allowed_actions", len(pol.Allowed()),
		"sensitive_actions", len(pol.Sensitive()),
		"signature_open", signer.Open(),
		"operator_guard", operator != nil,
		"rate_limit_rpm", cfg.RateLimitRPM,
		"audit_sql", cfg.AuditDSN != "",
		"version", version.Version,
	)
	return s, nil
}

func (s *Server) buildLimiter(ctx context.Context) (ratelimit.Store, error) {
	if s.cfg.RedisAddr == "" {
		m := ratelimit.NewMemoryStore()
		s.closers = append(s.closers, m)
		return m, nil
	}
	r, err := ratelimit.DialRedis(ctx, s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	s.closers = append(s.closers, r)
	s.logger.InfoContext(ctx, "rate limiter using redis", "addr", s.cfg.RedisAddr)
	return r, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Longer than the bridge's worst-case retry sequence.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close releases the rate limiter and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.obs.Shutdown(ctx))
	return errors.Join(errs...)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		api.WriteMethodNotAllowed(w, "GET, HEAD")
		return
	}
	api.WriteData(w, map[string]string{"status": "ok"})
}
