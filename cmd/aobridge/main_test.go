package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aobridge/pkg/admin"
	"github.com/Mindburn-Labs/aobridge/pkg/audit"
	"github.com/Mindburn-Labs/aobridge/pkg/auth"
	"github.com/Mindburn-Labs/aobridge/pkg/config"
	"github.com/Mindburn-Labs/aobridge/pkg/signature"
	"github.com/Mindburn-Labs/aobridge/pkg/version"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"aobridge"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "COMMANDS:")
	assert.Contains(t, out, "AO_RELAY_URL")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_ServeRequiresRelayURL(t *testing.T) {
	t.Setenv("AO_RELAY_URL", "")

	code, _, errOut := run("serve")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "AO_RELAY_URL is required")
}

func TestRun_ServeUsesLoadedConfig(t *testing.T) {
	t.Setenv("AO_RELAY_URL", "https://relay.example/message")
	t.Setenv("AO_PROCESS_ID", "proc-9")

	var got *config.Config
	orig := serve
	serve = func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	}
	defer func() { serve = orig }()

	code, _, _ := run()
	assert.Equal(t, 0, code)
	require.NotNil(t, got)
	assert.Equal(t, "proc-9", got.ProcessID)
}

func TestRun_SignVerifies(t *testing.T) {
	code, out, _ := run("sign", "--secret", "s3cret", "--json", "ClearCache")
	require.Equal(t, 0, code)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ClearCache", got["action"])
	assert.True(t, signature.NewService("s3cret").Verify("ClearCache", got["x-admin-ts"], got["x-admin-sig"]))
}

func TestRun_SignHeaderFormat(t *testing.T) {
	code, out, _ := run("sign", "--secret", "s3cret", "TriggerScrape")
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "x-admin-sig: "))
	assert.Contains(t, out, "\nx-admin-ts: ")
}

func TestRun_SignWithoutSecret(t *testing.T) {
	t.Setenv("AO_ADMIN_SECRET", "")
	code, _, errOut := run("sign", "ClearCache")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no secret")
}

func TestRun_SignUsage(t *testing.T) {
	code, _, errOut := run("sign")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage:")
}

func TestRun_Admin(t *testing.T) {
	var got admin.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"data":{"queued":true}}`)
	}))
	defer srv.Close()

	code, out, errOut := run("admin", "--url", srv.URL, "--action", "TriggerScrape",
		"--data", `{"platform":"snapshot"}`, "--tags", "Reason=manual, Page=2")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"queued": true`)
	assert.Equal(t, "TriggerScrape", got.Action)
	assert.JSONEq(t, `{"platform":"snapshot"}`, string(got.Data))
	assert.Equal(t, map[string]string{"Reason": "manual", "Page": "2"}, got.Tags)
}

func TestRun_AdminFailureExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"ok":false,"error":"Action 'X' is not allowed"}`)
	}))
	defer srv.Close()

	code, out, _ := run("admin", "--url", srv.URL, "--action", "X")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "is not allowed")
}

func TestRun_AdminValidation(t *testing.T) {
	code, _, _ := run("admin")
	assert.Equal(t, 2, code)

	code, _, errOut := run("admin", "--action", "Info", "--data", "{nope")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "valid JSON")

	code, _, _ = run("admin", "--action", "Info", "--tags", "novalue")
	assert.Equal(t, 2, code)
}

func TestRun_Token(t *testing.T) {
	code, out, _ := run("token", "--secret", "op", "--subject", "alice")
	require.Equal(t, 0, code)

	claims, err := auth.NewOperatorValidator("op").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestRun_TokenValidation(t *testing.T) {
	t.Setenv("ADMIN_TOKEN_SECRET", "")
	code, _, _ := run("token", "--subject", "alice")
	assert.Equal(t, 1, code)

	code, _, _ = run("token", "--secret", "op")
	assert.Equal(t, 2, code)
}

func TestRun_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true,"data":{"status":"ok"}}`)
	}))
	defer srv.Close()

	code, out, _ := run("health", "--url", srv.URL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", out)
}

func TestRun_HealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	code, _, errOut := run("health", "--url", srv.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "status 503")
}

func TestParseTags(t *testing.T) {
	tags, err := parseTags("a=1, b = 2 ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, tags)

	_, err = parseTags("=x")
	assert.Error(t, err)
}

func TestRun_Version(t *testing.T) {
	code, out, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "aobridge "+version.Version+"\n", out)
}

func TestRun_Audit(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	sink, err := audit.OpenSQL(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, sink.Record(context.Background(), audit.DecisionDenied, "ClearCache", "p1", nil))
	require.NoError(t, sink.Close())

	code, out, errOut := run("audit", "--dsn", dsn)
	require.Equal(t, 0, code, errOut)

	var ev audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &ev))
	assert.Equal(t, "ClearCache", ev.Action)
	assert.Equal(t, audit.DecisionDenied, ev.Decision)
}

func TestRun_AuditRequiresDSN(t *testing.T) {
	t.Setenv("AUDIT_DSN", "")
	code, _, errOut := run("audit")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "AUDIT_DSN")
}
