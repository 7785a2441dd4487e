package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/agentoven/adjudicator/internal/config"
	"github.com/agentoven/adjudicator/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Telemetry.Enabled = false
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(t.TempDir(), "adjudicator.db")
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	srv, err := server.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func createSession(t *testing.T, h http.Handler) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("POST /api/v1/sessions = %d %s", w.Code, w.Body.String())
	}
}

func TestNewWithConfig_SQLite(t *testing.T) {
	srv := newServer(t, testConfig(t))

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
	createSession(t, srv.Handler)
}

func TestNewWithConfig_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Database.Driver = "memory"
	cfg.Sessions.Backend = "redis"
	cfg.Sessions.RedisAddr = mr.Addr()

	srv := newServer(t, cfg)
	createSession(t, srv.Handler)

	found := false
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "adjudicator:session:") {
			found = true
		}
	}
	if !found {
		t.Errorf("no session key in redis, keys = %v", mr.Keys())
	}
}

func TestNewWithConfig_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.Backend = "carrier-pigeon"
	if _, err := server.NewWithConfig(context.Background(), cfg); err == nil {
		t.Error("unknown session backend should fail")
	}

	cfg = testConfig(t)
	cfg.Router.AgentsFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := server.NewWithConfig(context.Background(), cfg); err == nil {
		t.Error("missing agents file should fail")
	}
}
