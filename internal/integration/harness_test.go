// Package integration exercises the fully wired PolicyShield stack: rules
// loaded from disk, the decision engine with its session and approval
// stores, the trace recorder, and the HTTP API served over a real listener.
package integration

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	httpapi "github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	tracestore "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/trace"
	"github.com/policyshield/policyshield/internal/service"
	"github.com/policyshield/policyshield/pkg/wire"
)

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type shieldConfig struct {
	recorder   trace.Recorder
	engineOpts []service.EngineOption
	serverOpts []httpapi.Option
}

type shieldOption func(*shieldConfig)

func withEngineOptions(opts ...service.EngineOption) shieldOption {
	return func(c *shieldConfig) { c.engineOpts = append(c.engineOpts, opts...) }
}

func withRecorder(rec trace.Recorder) shieldOption {
	return func(c *shieldConfig) { c.recorder = rec }
}

// shield is one wired PolicyShield instance behind an httptest listener.
type shield struct {
	t         *testing.T
	rulesPath string
	rulesets  *service.RulesetService
	sessions  *memory.MemorySessionStore
	approvals *approval.Manager
	engine    *service.Engine
	srv       *httptest.Server
}

func newShield(t *testing.T, rules string, opts ...shieldOption) *shield {
	t.Helper()

	cfg := shieldConfig{recorder: tracestore.Nop{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rulesets, err := service.NewRulesetService(path, testLogger())
	if err != nil {
		t.Fatalf("NewRulesetService: %v", err)
	}
	sessions := memory.NewSessionStore()
	approvals := approval.NewManager()
	engine := service.NewEngine(rulesets, sessions, approvals, cfg.recorder, testLogger(), cfg.engineOpts...)

	serverOpts := append([]httpapi.Option{httpapi.WithLogger(testLogger())}, cfg.serverOpts...)
	api := httpapi.NewServer(engine, rulesets, sessions, approvals, serverOpts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &shield{
		t:         t,
		rulesPath: path,
		rulesets:  rulesets,
		sessions:  sessions,
		approvals: approvals,
		engine:    engine,
		srv:       srv,
	}
}

// rewriteRules replaces the rules file on disk. The running set is
// unaffected until a reload.
func (s *shield) rewriteRules(rules string) {
	s.t.Helper()
	if err := os.WriteFile(s.rulesPath, []byte(rules), 0o600); err != nil {
		s.t.Fatalf("rewrite rules: %v", err)
	}
}

func (s *shield) postJSON(path string, body, out any) int {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode %s body: %v", path, err)
		}
	}
	resp, err := s.srv.Client().Post(s.srv.URL+path, "application/json", &buf)
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *shield) getJSON(path string, out any) int {
	s.t.Helper()

	resp, err := s.srv.Client().Get(s.srv.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// check posts one decision request and fails the test on transport errors.
func (s *shield) check(tool string, args map[string]any, sessionID string) wire.CheckResponse {
	s.t.Helper()

	var resp wire.CheckResponse
	status := s.postJSON("/api/v1/check", wire.CheckRequest{
		ToolName:  tool,
		Args:      args,
		SessionID: sessionID,
	}, &resp)
	if status != http.StatusOK {
		s.t.Fatalf("check %s: status = %d, want 200", tool, status)
	}
	return resp
}

func (s *shield) postCheck(tool string, args map[string]any, result, sessionID string) wire.PostCheckResponse {
	s.t.Helper()

	var resp wire.PostCheckResponse
	status := s.postJSON("/api/v1/post-check", wire.PostCheckRequest{
		ToolName:  tool,
		Args:      args,
		Result:    result,
		SessionID: sessionID,
	}, &resp)
	if status != http.StatusOK {
		s.t.Fatalf("post-check %s: status = %d, want 200", tool, status)
	}
	return resp
}

func (s *shield) health() wire.HealthResponse {
	s.t.Helper()

	var resp wire.HealthResponse
	if status := s.getJSON("/api/v1/health", &resp); status != http.StatusOK {
		s.t.Fatalf("health: status = %d, want 200", status)
	}
	return resp
}
