// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "rproxy.example.yaml")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load example config: %v", err)
	}

	if cfg.Frontend.Listen != "0.0.0.0:8080" {
		t.Errorf("expected frontend.listen '0.0.0.0:8080', got %q", cfg.Frontend.Listen)
	}
	if cfg.Frontend.TimeoutClient() != 30*time.Second {
		t.Errorf("expected timeout_client 30s, got %s", cfg.Frontend.TimeoutClient())
	}
	if len(cfg.Frontend.Redirects) != 1 || cfg.Frontend.Redirects[0].Status != 301 {
		t.Fatalf("expected one redirect with status 301, got %+v", cfg.Frontend.Redirects)
	}
	if cfg.Frontend.Tarpit == nil || cfg.Frontend.Tarpit.Match != "prefix:/slow" {
		t.Fatalf("expected tarpit_rule match 'prefix:/slow', got %+v", cfg.Frontend.Tarpit)
	}

	if len(cfg.Backend.Servers) != 2 {
		t.Fatalf("expected 2 backend servers, got %d", len(cfg.Backend.Servers))
	}
	if cfg.Backend.TimeoutConnect() != 5*time.Second {
		t.Errorf("expected timeout_connect 5s, got %s", cfg.Backend.TimeoutConnect())
	}

	if cfg.Tune.MaxRewriteBytes() != 2*1024 {
		t.Errorf("expected maxrewrite 2048 bytes, got %d", cfg.Tune.MaxRewriteBytes())
	}
	if cfg.Tune.BufSizeBytes() != 16*1024 {
		t.Errorf("expected bufsize 16384 bytes, got %d", cfg.Tune.BufSizeBytes())
	}

	if !cfg.Admin.Enabled || cfg.Admin.Listen != "unix:/run/rproxy/admin.sock" {
		t.Errorf("expected admin socket enabled at unix:/run/rproxy/admin.sock, got %+v", cfg.Admin)
	}

	if cfg.Peers.LocalName != "rproxy-01" || len(cfg.Peers.Peers) != 2 {
		t.Errorf("expected 2 peers with local name rproxy-01, got %+v", cfg.Peers)
	}

	tbl, ok := cfg.StickTables["src_conns"]
	if !ok {
		t.Fatal("expected stick_tables.src_conns to be defined")
	}
	if tbl.Type != "ip" || tbl.Expires() != 30*time.Second {
		t.Errorf("expected ip table with 30s expiry, got %+v", tbl)
	}

	if cfg.Logging.Format != "json" {
		t.Errorf("expected logging.format json, got %q", cfg.Logging.Format)
	}
}

func TestLoad_DefaultsAreFilledIn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	yamlBody := "frontend:\n  listen: \"127.0.0.1:8080\"\nbackend:\n  servers:\n    - name: s1\n      address: \"127.0.0.1:9090\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Frontend.MaxConn != 2000 {
		t.Errorf("expected default maxconn 2000, got %d", cfg.Frontend.MaxConn)
	}
	if cfg.Frontend.TimeoutClient() != 30*time.Second {
		t.Errorf("expected default timeout_client 30s, got %s", cfg.Frontend.TimeoutClient())
	}
	if cfg.Backend.ConnRetries != 3 {
		t.Errorf("expected default conn_retries 3, got %d", cfg.Backend.ConnRetries)
	}
	if cfg.Backend.Servers[0].Weight != 1 {
		t.Errorf("expected default server weight 1, got %d", cfg.Backend.Servers[0].Weight)
	}
	if cfg.Tune.BufSizeBytes() != 16*1024 {
		t.Errorf("expected default bufsize 16384, got %d", cfg.Tune.BufSizeBytes())
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("expected default logging info/text, got %+v", cfg.Logging)
	}
}

func TestLoad_RejectsMissingFrontendListen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  servers:\n    - name: s1\n      address: \"127.0.0.1:9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing frontend.listen")
	}
}

func TestLoad_RejectsEmptyBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("frontend:\n  listen: \"127.0.0.1:8080\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for backend with no servers")
	}
}

func TestLoad_RejectsIncompletePeersTLS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "frontend:\n  listen: \"127.0.0.1:8080\"\nbackend:\n  servers:\n    - name: s1\n      address: \"127.0.0.1:9090\"\npeers:\n  local_name: a\n  peers:\n    - name: a\n      address: \"127.0.0.1:10000\"\n  tls:\n    enabled: true\n    ca_cert: \"/tmp/ca.pem\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when peers.tls is enabled without cert/key")
	}
}

func TestLoad_RejectsUnknownServerTos(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "frontend:\n  listen: \"127.0.0.1:8080\"\nbackend:\n  servers:\n    - name: s1\n      address: \"127.0.0.1:9090\"\n      tos: \"NOT-A-DSCP\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown server tos name")
	}
}

func TestLoad_RejectsBufSizeSmallerThanMaxRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "frontend:\n  listen: \"127.0.0.1:8080\"\nbackend:\n  servers:\n    - name: s1\n      address: \"127.0.0.1:9090\"\ntune:\n  maxrewrite: \"8kb\"\n  bufsize: \"4kb\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when bufsize is smaller than maxrewrite")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"64kb":  64 * 1024,
		"100b":  100,
		"42":    42,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestAnalyserOptions_CompilesRedirectMatchers(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "rproxy.example.yaml")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	opts, err := cfg.AnalyserOptions()
	if err != nil {
		t.Fatalf("AnalyserOptions: %v", err)
	}
	if len(opts.Redirects) != 1 {
		t.Fatalf("expected 1 compiled redirect, got %d", len(opts.Redirects))
	}
	if opts.BufSize != 16*1024 {
		t.Errorf("expected BufSize 16384, got %d", opts.BufSize)
	}

	match, err := cfg.TarpitMatcher()
	if err != nil {
		t.Fatalf("TarpitMatcher: %v", err)
	}
	if match == nil {
		t.Fatal("expected a compiled tarpit matcher")
	}
}

func TestStickTables_BuildsLiveTables(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "rproxy.example.yaml")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tables, err := cfg.StickTables()
	if err != nil {
		t.Fatalf("StickTables: %v", err)
	}
	tbl, ok := tables["src_conns"]
	if !ok {
		t.Fatal("expected src_conns table to be built")
	}
	tbl.Set("10.0.0.5", map[int]interface{}{0: uint64(1)})
	if tbl.Len() != 1 {
		t.Errorf("expected 1 row after Set, got %d", tbl.Len())
	}
}
