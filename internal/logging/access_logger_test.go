// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStreamTraceLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewStreamTraceLogger(base, "", "web", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when traceDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewStreamTraceLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewStreamTraceLogger(base, dir, "web", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frontendDir := filepath.Join(dir, "web")
	if _, err := os.Stat(frontendDir); os.IsNotExist(err) {
		t.Fatalf("frontend dir not created: %s", frontendDir)
	}

	expectedPath := filepath.Join(frontendDir, "42.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("tarpit engaged", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "tarpit engaged") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading trace file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "tarpit engaged") {
		t.Errorf("log message not found in trace file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in trace file: %s", content)
	}
}

func TestNewStreamTraceLogger_DebugInTraceInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewStreamTraceLogger(base, dir, "web", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("analyser rewrite decision")
	logger.Info("request forwarded")
	closer.Close()

	if strings.Contains(baseBuf.String(), "analyser rewrite decision") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "request forwarded") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "analyser rewrite decision") {
		t.Errorf("DEBUG message missing from trace file: %s", content)
	}
	if !strings.Contains(content, "request forwarded") {
		t.Errorf("INFO message missing from trace file: %s", content)
	}
}

func TestRemoveStreamTrace(t *testing.T) {
	dir := t.TempDir()
	frontendDir := filepath.Join(dir, "web")
	os.MkdirAll(frontendDir, 0755)

	logPath := filepath.Join(frontendDir, "9.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: trace file not created")
	}

	RemoveStreamTrace(dir, "web", 9)

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("trace file should have been removed")
	}
}

func TestRemoveStreamTrace_NoOpWhenEmpty(t *testing.T) {
	RemoveStreamTrace("", "web", 1)
}

func TestRemoveStreamTrace_NoOpWhenFileMissing(t *testing.T) {
	RemoveStreamTrace(t.TempDir(), "web", 404)
}
