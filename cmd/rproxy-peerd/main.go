// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command rproxy-peerd is the standalone peer-sync sidecar: it loads the
// same peers/stick-table sections as rproxyd and keeps shared tables in
// sync with its siblings without running a frontend of its own. Useful
// when the stick tables are fed by something other than the proxy core
// (an external agent, a test harness) or when peer-sync wants its own
// process lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/rproxy/internal/config"
	"github.com/nishisan-dev/rproxy/internal/logging"
	"github.com/nishisan-dev/rproxy/internal/peer"
	"github.com/nishisan-dev/rproxy/internal/pki"
)

func main() {
	configPath := flag.String("config", "/etc/rproxy/rproxy.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if len(cfg.Peers.Peers) == 0 {
		logger.Error("no peers section configured, nothing to run")
		os.Exit(1)
	}

	tables, err := cfg.StickTables()
	if err != nil {
		logger.Error("building stick tables", "error", err)
		os.Exit(1)
	}

	endpoints := make([]peer.Endpoint, 0, len(cfg.Peers.Peers))
	for _, e := range cfg.Peers.Peers {
		endpoints = append(endpoints, peer.Endpoint{Name: e.Name, Address: e.Address})
	}

	runner, err := peer.NewRunner(cfg.Peers.LocalName, endpoints, tables, logger)
	if err != nil {
		logger.Error("building peer runner", "error", err)
		os.Exit(1)
	}

	if cfg.Peers.TLS.Enabled {
		serverTLS, err := pki.NewServerTLSConfig(cfg.Peers.TLS.CACert, cfg.Peers.TLS.Cert, cfg.Peers.TLS.Key)
		if err != nil {
			logger.Error("building peer server TLS config", "error", err)
			os.Exit(1)
		}
		clientTLS, err := pki.NewClientTLSConfig(cfg.Peers.TLS.CACert, cfg.Peers.TLS.Cert, cfg.Peers.TLS.Key)
		if err != nil {
			logger.Error("building peer client TLS config", "error", err)
			os.Exit(1)
		}
		runner.SetTLS(serverTLS, clientTLS)
		logger.Info("peer links secured with mutual TLS")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		logger.Error("peer runner error", "error", err)
		os.Exit(1)
	}
}
