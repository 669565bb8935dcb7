// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"sync"
	"time"

	"github.com/nishisan-dev/rproxy/internal/applet"
	"github.com/nishisan-dev/rproxy/internal/session"
)

// entry is one active stream's bookkeeping, kept alongside the Stream
// itself for information the stats applet needs that Stream doesn't
// expose (addresses, start time).
type entry struct {
	stream     *session.Stream
	clientAddr string
	serverAddr string
	startedAt  time.Time
}

// registry tracks every live stream plus a bounded ring of recently
// finished errors. Engine is the applet.StatsProvider the admin socket is
// handed; it answers Proxies, Sessions and Errors from this registry.
type registry struct {
	mu          sync.RWMutex
	streams     map[uint64]*entry
	errs        []applet.ErrorLine
	maxErrs     int
	frontendIID int
	frontend    string
	backend     string
}

func newRegistry(frontendName, backendName string) *registry {
	return &registry{
		streams:     make(map[uint64]*entry),
		maxErrs:     200,
		frontendIID: 1,
		frontend:    frontendName,
		backend:     backendName,
	}
}

func (r *registry) add(st *session.Stream, clientAddr, serverAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[st.ID] = &entry{stream: st, clientAddr: clientAddr, serverAddr: serverAddr, startedAt: time.Now()}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

func (r *registry) recordError(e applet.ErrorLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
	if len(r.errs) > r.maxErrs {
		r.errs = r.errs[len(r.errs)-r.maxErrs:]
	}
}

// Sessions implements applet.StatsProvider.
func (r *registry) Sessions() []applet.SessionLine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := make([]applet.SessionLine, 0, len(r.streams))
	for _, e := range r.streams {
		txn := e.stream.Txn()
		lines = append(lines, applet.SessionLine{
			ID:         e.stream.ID,
			Frontend:   r.frontend,
			Backend:    r.backend,
			ClientAddr: e.clientAddr,
			ServerAddr: e.serverAddr,
			Age:        time.Since(e.startedAt),
			BytesIn:    e.stream.BytesIn(),
			BytesOut:   e.stream.BytesOut(),
			State:      txn.Mode.String(),
			Status:     txn.StatusCode,
		})
	}
	return lines
}

// Errors implements applet.StatsProvider.
func (r *registry) Errors(iid int) []applet.ErrorLine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if iid != 0 && iid != r.frontendIID {
		return nil
	}
	out := make([]applet.ErrorLine, len(r.errs))
	copy(out, r.errs)
	return out
}

// Proxies implements applet.StatsProvider: this engine models exactly one
// frontend/backend pair, so there is always exactly one ProxySnapshot.
func (r *registry) Proxies() []applet.ProxySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var curr, bin, bout int64
	for _, e := range r.streams {
		curr++
		bin += e.stream.BytesIn()
		bout += e.stream.BytesOut()
	}

	fe := applet.StatRow{
		Pxname: r.frontend, Svname: "FRONTEND", Type: applet.RowFrontend,
		Scur: curr, Status: "OPEN", Bin: bin, Bout: bout, Iid: int64(r.frontendIID),
	}
	be := applet.StatRow{
		Pxname: r.backend, Svname: "BACKEND", Type: applet.RowBackend,
		Scur: curr, Status: "UP", Bin: bin, Bout: bout, Iid: int64(r.frontendIID),
	}
	return []applet.ProxySnapshot{{IID: r.frontendIID, Name: r.frontend, Frontend: fe, Backend: be}}
}
