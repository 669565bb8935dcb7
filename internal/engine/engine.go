// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine wires the proxy's building blocks — config, the
// session engine, the stats applet and host metrics — into the running
// daemon: it owns the scheduler's drive loop, the frontend and admin
// accept loops, and the backend server pool a Stream is handed a dial
// func for.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/rproxy/internal/analyser"
	"github.com/nishisan-dev/rproxy/internal/applet"
	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/config"
	"github.com/nishisan-dev/rproxy/internal/session"
	"github.com/nishisan-dev/rproxy/internal/si"
	"github.com/nishisan-dev/rproxy/internal/stick"
	"github.com/nishisan-dev/rproxy/internal/sysinfo"
	"github.com/nishisan-dev/rproxy/internal/task"
)

const driveInterval = 5 * time.Millisecond

// version is overridden at link time in release builds; "show info"
// reports it as-is otherwise.
var version = "dev"

// Engine is the running proxy: one frontend listener load-balancing
// across one backend's server pool, an optional admin socket, and the
// background host-metrics sampler that feeds "show info".
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	sched *task.Scheduler
	opts  *analyser.Options
	match session.TarpitMatch

	monitor  *sysinfo.Monitor
	registry *registry
	tables   map[string]*stick.Table

	frontendName string
	traceDir     string

	nextID  atomic.Uint64
	rrIndex atomic.Uint64

	pid int
}

// New builds an Engine from a validated config. It does not start
// listening; call Run for that.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	opts, err := cfg.AnalyserOptions()
	if err != nil {
		return nil, fmt.Errorf("building analyser options: %w", err)
	}
	match, err := cfg.TarpitMatcher()
	if err != nil {
		return nil, fmt.Errorf("compiling tarpit rule: %w", err)
	}
	tables, err := cfg.StickTables()
	if err != nil {
		return nil, fmt.Errorf("building stick tables: %w", err)
	}

	frontendName := listenerName(cfg.Frontend.Listen)
	backendName := "backend"

	monitor := sysinfo.NewMonitor(logger)
	monitor.Start(2 * time.Second)

	return &Engine{
		cfg:          cfg,
		logger:       logger,
		sched:        task.New(clock.New()),
		opts:         opts,
		match:        match,
		monitor:      monitor,
		registry:     newRegistry(frontendName, backendName),
		tables:       tables,
		frontendName: frontendName,
		traceDir:     cfg.Logging.TraceDir,
		pid:          os.Getpid(),
	}, nil
}

// Run starts the frontend and (if enabled) the admin listener, drives the
// scheduler until ctx is cancelled, and blocks until shutdown completes.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Frontend.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", e.cfg.Frontend.Listen, err)
	}
	defer ln.Close()
	e.logger.Info("frontend listening", "address", e.cfg.Frontend.Listen)

	var adminLn net.Listener
	if e.cfg.Admin.Enabled {
		network, address := splitListen(e.cfg.Admin.Listen)
		adminLn, err = net.Listen(network, address)
		if err != nil {
			return fmt.Errorf("listening on admin socket %s: %w", e.cfg.Admin.Listen, err)
		}
		defer adminLn.Close()
		e.logger.Info("admin socket listening", "address", e.cfg.Admin.Listen)
		go e.acceptAdmin(ctx, adminLn)
	}

	go func() {
		<-ctx.Done()
		e.logger.Info("shutting down engine")
		ln.Close()
		if adminLn != nil {
			adminLn.Close()
		}
		e.monitor.Stop()
	}()

	go e.driveScheduler(ctx)

	return e.acceptFrontend(ctx, ln)
}

// driveScheduler repeatedly ticks the cooperative scheduler: every stream
// and admin session is a task.Task, and nothing runs except through this
// loop.
func (e *Engine) driveScheduler(ctx context.Context) {
	ticker := time.NewTicker(driveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sched.Tick()
		}
	}
}

func (e *Engine) acceptFrontend(ctx context.Context, ln net.Listener) error {
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				e.logger.Info("frontend shutdown complete")
				return nil
			default:
				consecutiveErrors++
				e.logger.Error("accepting frontend connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := min(time.Duration(consecutiveErrors)*100*time.Millisecond, 5*time.Second)
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		e.acceptStream(conn)
	}
}

func (e *Engine) acceptStream(conn net.Conn) {
	id := e.nextID.Add(1)
	srv := e.pickServer()

	dial := func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", srv.Address, e.opts.TimeoutConnect)
		if err != nil {
			return nil, err
		}
		if srv.Tos != "" {
			if err := si.ApplyTOS(conn, srv.Tos); err != nil {
				e.logger.Warn("applying server tos", "server", srv.Name, "tos", srv.Tos, "error", err)
			}
		}
		return conn, nil
	}

	st := session.NewStream(id, conn, dial, e.opts, e.match, e.logger)
	st.EnableTrace(e.traceDir, e.frontendName)
	e.registry.add(st, conn.RemoteAddr().String(), srv.Address)
	e.touchConnTable(conn.RemoteAddr())

	st.Start(e.sched)
	go e.awaitFinish(st)
}

// awaitFinish polls Stream.Done and retires the registry entry (and, for
// a stream that ended in error, records one "show errors" line) once the
// scheduler has torn it down. Streams run on the scheduler's own
// goroutine, not this one; this just watches the outcome.
func (e *Engine) awaitFinish(st *session.Stream) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if !st.Done() {
			continue
		}
		if st.Txn().Err != analyser.OriginNone {
			e.registry.recordError(applet.ErrorLine{
				IID:     e.registry.frontendIID,
				When:    time.Now(),
				Origin:  st.Txn().Err.String(),
				Phase:   fmt.Sprintf("%d", st.Txn().Phase),
				Status:  st.Txn().StatusCode,
				Snippet: st.Txn().Finish.String(),
			})
		}
		e.registry.remove(st.ID)
		return
	}
}

func (e *Engine) acceptAdmin(ctx context.Context, ln net.Listener) {
	var nextAdminID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.logger.Error("accepting admin connection", "error", err)
				continue
			}
		}
		nextAdminID++
		a := applet.NewApplet(e)
		s := applet.NewSession(nextAdminID, conn, a, 0, e.logger)
		s.Start(e.sched)
	}
}

type serverTarget struct {
	Name    string
	Address string
	Tos     string
}

// pickServer round-robins across the configured backend pool, weighted by
// repeating each server Weight times in the rotation.
func (e *Engine) pickServer() serverTarget {
	servers := e.cfg.Backend.Servers
	total := 0
	for _, s := range servers {
		total += s.Weight
	}
	idx := int(e.rrIndex.Add(1)-1) % total
	for _, s := range servers {
		if idx < s.Weight {
			return serverTarget{Name: s.Name, Address: s.Address, Tos: s.Tos}
		}
		idx -= s.Weight
	}
	return serverTarget{Name: servers[0].Name, Address: servers[0].Address, Tos: servers[0].Tos}
}

// touchConnTable bumps the conn_cur counter in the "frontend_conns"
// stick table, if configured, keyed by the client's address. This is
// the one concrete use of the live stick.Table set inside the request
// path the engine wires up directly; full per-request stick-table
// tracking analysers are future work (see DESIGN.md).
func (e *Engine) touchConnTable(addr net.Addr) {
	tbl, ok := e.tables["frontend_conns"]
	if !ok {
		return
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	tbl.Set(host, map[int]interface{}{0: uint64(1)})
}

// Proxies implements applet.StatsProvider by delegating to the session
// registry.
func (e *Engine) Proxies() []applet.ProxySnapshot { return e.registry.Proxies() }

// Sessions implements applet.StatsProvider by delegating to the session
// registry.
func (e *Engine) Sessions() []applet.SessionLine { return e.registry.Sessions() }

// Errors implements applet.StatsProvider by delegating to the session
// registry.
func (e *Engine) Errors(iid int) []applet.ErrorLine { return e.registry.Errors(iid) }

// Info implements the part of applet.StatsProvider that needs the
// engine's own identity and the sysinfo snapshot.
func (e *Engine) Info() applet.InfoLine {
	snap := e.monitor.Snapshot()
	return applet.InfoLine{
		Name:       "rproxy",
		Version:    version,
		Pid:        e.pid,
		Uptime:     e.monitor.Uptime(),
		CurrConns:  len(e.registry.Sessions()),
		MaxConns:   e.cfg.Frontend.MaxConn,
		CPUPercent: snap.CPUPercent,
		MemPercent: snap.MemPercent,
		Load1:      snap.Load1,
	}
}

func listenerName(listen string) string {
	if listen == "" {
		return "frontend"
	}
	return strings.ReplaceAll(listen, ":", "_")
}

// splitListen turns an "admin.listen" value of the form "unix:/path" or
// "tcp:host:port" into the (network, address) pair net.Listen expects.
func splitListen(listen string) (network, address string) {
	if rest, ok := strings.CutPrefix(listen, "unix:"); ok {
		return "unix", rest
	}
	if rest, ok := strings.CutPrefix(listen, "tcp:"); ok {
		return "tcp", rest
	}
	return "tcp", listen
}
