// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewStreamTraceLogger to write simultaneously to the
// global handler and a stream's dedicated trace file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each handler's own Enabled() is checked before dispatch, so a DEBUG
	// record isn't sent to a primary handler that only accepts INFO+.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewStreamTraceLogger creates a logger that writes both to baseLogger
// (global) and to a dedicated per-stream trace file, for operators
// debugging one misbehaving connection without turning on DEBUG globally.
// The file is created at:
//
//	{traceDir}/{frontendName}/{streamID}.log
//
// Returns the enriched logger, an io.Closer that must be called (defer)
// when the stream ends, and the file's path (relative if traceDir is).
//
// If traceDir is empty, returns baseLogger unmodified (no-op): per-stream
// tracing is off by default given the volume of connections a frontend
// handles.
func NewStreamTraceLogger(baseLogger *slog.Logger, traceDir, frontendName string, streamID uint64) (*slog.Logger, io.Closer, string, error) {
	if traceDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(traceDir, frontendName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating trace directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%d.log", streamID))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening trace file %s: %w", logPath, err)
	}

	// The trace file always runs at DEBUG to capture every analyser
	// decision regardless of the base logger's configured level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveStreamTrace deletes a finished stream's trace file. No-op if
// traceDir is empty or the file doesn't exist. Callers keep the file
// around (skip calling this) for streams that ended in error, so a trace
// directory accumulates exactly the connections worth investigating.
func RemoveStreamTrace(traceDir, frontendName string, streamID uint64) {
	if traceDir == "" {
		return
	}
	logPath := filepath.Join(traceDir, frontendName, fmt.Sprintf("%d.log", streamID))
	os.Remove(logPath)
}
