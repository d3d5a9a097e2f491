package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mobileconnect/sandbox"
	"mobileconnect/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cookieRecorder wraps the sandbox and remembers the cookies each
// discovery call carried.
type cookieRecorder struct {
	next    http.Handler
	mu      sync.Mutex
	cookies [][]*http.Cookie
}

func (c *cookieRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/discovery" {
		c.mu.Lock()
		c.cookies = append(c.cookies, r.Cookies())
		c.mu.Unlock()
	}
	c.next.ServeHTTP(w, r)
}

func newSandboxConfig(t *testing.T) (server.Config, *cookieRecorder) {
	t.Helper()
	sb, err := sandbox.New(sandbox.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("sandbox.New returned error: %v", err)
	}
	rec := &cookieRecorder{next: sb.Routes()}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	cfg := server.DefaultConfig()
	cfg.MobileConnect.DiscoveryURL = srv.URL + "/discovery"
	return cfg, rec
}

func TestRunDiscoverCompletesSelection(t *testing.T) {
	cfg, rec := newSandboxConfig(t)
	var out bytes.Buffer

	if err := runDiscover(context.Background(), cfg, testLogger(), "901", "01", &out, nil); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}

	var summary discoverySummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", out.String(), err)
	}
	if summary.Operator != "testop" || summary.ResponseCode != http.StatusOK {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Endpoints == nil || !strings.HasSuffix(summary.Endpoints.AuthorizationHref, "/operators/testop/authorize") {
		t.Fatalf("expected operator endpoints, got %+v", summary.Endpoints)
	}

	if len(rec.cookies) != 2 {
		t.Fatalf("expected two discovery calls, got %d", len(rec.cookies))
	}
	var replayed bool
	for _, c := range rec.cookies[1] {
		if c.Name == sandbox.SelectionCookie {
			replayed = true
		}
	}
	if !replayed {
		t.Fatal("selection cookie was not replayed on completion")
	}
}

func TestRunDiscoverReportsSelectionURL(t *testing.T) {
	cfg, _ := newSandboxConfig(t)
	var out bytes.Buffer

	if err := runDiscover(context.Background(), cfg, testLogger(), "", "", &out, nil); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}
	var summary discoverySummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.ResponseCode != http.StatusAccepted || !strings.Contains(summary.SelectionURL, "/select?") {
		t.Fatalf("expected operator selection, got %+v", summary)
	}
}

func TestRunDiscoverRejectedCredentials(t *testing.T) {
	cfg, _ := newSandboxConfig(t)
	cfg.MobileConnect.ClientSecret = "wrong"

	err := runDiscover(context.Background(), cfg, testLogger(), "", "", io.Discard, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid_client") {
		t.Fatalf("expected invalid_client error, got %v", err)
	}
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	answers := strings.Join([]string{
		"y",                       // dev mode
		"http://127.0.0.1:9000/",  // public url
		"",                        // listen addr
		"n",                       // sandbox
		"https://discovery.example.com/v2/discovery",
		"rp-client",
		"rp-secret",
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, testLogger()); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9000" || cfg.Sandbox.Enabled {
		t.Fatalf("unexpected server settings: %+v / sandbox=%v", cfg.Server, cfg.Sandbox.Enabled)
	}
	if cfg.MobileConnect.ClientID != "rp-client" || cfg.MobileConnect.DiscoveryURL != "https://discovery.example.com/v2/discovery" {
		t.Fatalf("unexpected mobile connect settings: %+v", cfg.MobileConnect)
	}

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, testLogger()); err == nil {
		t.Fatal("expected error when config already exists")
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := loadConfig(path, testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if !cfg.Sandbox.Enabled {
		t.Fatal("expected default config with sandbox enabled")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("loadConfig must not create the file")
	}
}

func TestValidateURLTreatsClientErrorsAsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := validateURL(context.Background(), srv.URL+"/discovery"); err != nil {
		t.Fatalf("401 should count as reachable: %v", err)
	}
	if err := validateURL(context.Background(), srv.URL+"/broken"); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
