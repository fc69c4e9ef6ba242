package dashboard

import (
	"testing"

	"spreadmatrix/config"
	"spreadmatrix/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	table := newFixtureTable(t, fixtureRows())
	srv, err := NewServer(config.ServerConfig{Enabled: true, Address: ":9000"}, config.DisplayConfig{}, table, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{Enabled: false}, config.DisplayConfig{}, nil, logger.Logger())
	if err != nil || srv != nil {
		t.Fatalf("disabled server = %v, %v; want nil, nil", srv, err)
	}
	if srv.Address() != "" {
		t.Fatalf("nil server should report an empty address")
	}
}

func TestNewServerRequiresTable(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{Enabled: true}, config.DisplayConfig{}, nil, logger.Logger()); err == nil {
		t.Fatal("expected error without a table")
	}
}

func TestAllowOrigin(t *testing.T) {
	s := &Server{cfg: config.ServerConfig{CORSOrigin: "http://ui.local"}}
	if !s.allowOrigin("") || !s.allowOrigin("http://ui.local") {
		t.Fatal("expected configured and empty origins to be allowed")
	}
	if s.allowOrigin("http://evil.local") {
		t.Fatal("unexpected origin allowed")
	}
	s.cfg.CORSOrigin = "*"
	if !s.allowOrigin("http://anything") {
		t.Fatal("wildcard should allow every origin")
	}
}
