package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/aobridge/pkg/admin"
	"github.com/Mindburn-Labs/aobridge/pkg/audit"
	"github.com/Mindburn-Labs/aobridge/pkg/auth"
	"github.com/Mindburn-Labs/aobridge/pkg/config"
	"github.com/Mindburn-Labs/aobridge/pkg/server"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
	"github.com/Mindburn-Labs/aobridge/pkg/version"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "admin":
		return runAdminCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "aobridge %s\n", version.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aobridge - allowlisted, signed relay to an AO process")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  aobridge <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the bridge server (default)")
	fmt.Fprintln(w, "  sign      Mint x-admin-sig / x-admin-ts for an action")
	fmt.Fprintln(w, "  admin     Send a signed command through a running admin door")
	fmt.Fprintln(w, "  token     Issue an operator token for the admin door")
	fmt.Fprintln(w, "  health    Check a running server")
	fmt.Fprintln(w, "  audit     List recent audit events from AUDIT_DSN")
	fmt.Fprintln(w, "  version   Print the version")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "ENVIRONMENT:")
	fmt.Fprintln(w, "  AO_RELAY_URL (required), AO_RELAY_API_KEY, AO_ADMIN_SECRET, AO_PROCESS_ID,")
	fmt.Fprintln(w, "  PORT, LOG_LEVEL, BRIDGE_URL, CORS_ORIGINS, POLICY_FILE, SIGNATURE_WINDOW,")
	fmt.Fprintln(w, "  REDIS_ADDR, RATE_LIMIT_RPM, RATE_LIMIT_BURST, ADMIN_TOKEN_SECRET, AUDIT_DSN,")
	fmt.Fprintln(w, "  OTEL_ENABLED")
}

func setupLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// serve is a variable to allow stubbing in tests
var serve = func(ctx context.Context, cfg *config.Config) error {
	s, err := server.New(ctx, cfg, server.Deps{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			slog.Error("close failed", "error", err)
		}
	}()
	return s.ListenAndServe(ctx)
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := setupLogger(stderr, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("aobridge starting", "addr", cfg.Addr())
	if err := serve(ctx, cfg); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("aobridge stopped")
	return 0
}

func runSignCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("AO_ADMIN_SECRET"), "HMAC secret (default $AO_ADMIN_SECRET)")
	jsonOut := fs.Bool("json", false, "Print as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: aobridge sign [--secret S] [--json] <action>")
		return 2
	}
	action := fs.Arg(0)

	signed, err := signature.NewService(*secret).Sign(action)
	if errors.Is(err, signature.ErrNoSecret) {
		_, _ = fmt.Fprintln(stderr, "Error: no secret: set AO_ADMIN_SECRET or pass --secret")
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(map[string]string{
			"action":                  action,
			signature.HeaderSignature: signed.Signature,
			signature.HeaderTimestamp: signed.Timestamp,
		})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s\n%s: %s\n",
		signature.HeaderSignature, signed.Signature,
		signature.HeaderTimestamp, signed.Timestamp)
	return 0
}

func runAdminCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", defaultBaseURL(), "Server base URL")
	action := fs.String("action", "", "Action to send (required)")
	data := fs.String("data", "", "JSON value for data")
	tags := fs.String("tags", "", "Comma-separated key=value tags")
	token := fs.String("token", os.Getenv("AO_OPERATOR_TOKEN"), "Operator token (default $AO_OPERATOR_TOKEN)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *action == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --action is required")
		return 2
	}

	cmd := admin.Command{Action: *action}
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			_, _ = fmt.Fprintln(stderr, "Error: --data must be valid JSON")
			return 2
		}
		cmd.Data = json.RawMessage(*data)
	}
	if *tags != "" {
		parsed, err := parseTags(*tags)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		cmd.Tags = parsed
	}

	resp, status, err := admin.NewClient(*url, admin.WithOperatorToken(*token)).Send(context.Background(), cmd)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
	if status != http.StatusOK || !resp.OK {
		return 1
	}
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("ADMIN_TOKEN_SECRET"), "Operator token secret (default $ADMIN_TOKEN_SECRET)")
	subject := fs.String("subject", "", "Operator name (required)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	v := auth.NewOperatorValidator(*secret)
	if v == nil {
		_, _ = fmt.Fprintln(stderr, "Error: no secret: set ADMIN_TOKEN_SECRET or pass --secret")
		return 1
	}
	tok, err := v.Issue(*subject, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", defaultBaseURL(), "Server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*url, "/") + server.PathHealth)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("dsn", os.Getenv("AUDIT_DSN"), "Audit database (default $AUDIT_DSN)")
	limit := fs.Int("limit", 20, "Maximum events to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no audit database: set AUDIT_DSN or pass --dsn")
		return 2
	}

	ctx := context.Background()
	sink, err := audit.OpenSQL(ctx, *dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sink.Close()

	events, err := sink.Recent(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, ev := range events {
		_ = enc.Encode(ev)
	}
	return 0
}

func defaultBaseURL() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return "http://127.0.0.1:" + port
}

func parseTags(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid tag %q (expected key=value)", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
