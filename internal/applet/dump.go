// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"errors"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/nishisan-dev/rproxy/internal/buf"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// pxSubState walks one proxy's contribution to a "show stat" dump.
type pxSubState int

const (
	pxInit pxSubState = iota
	pxTh
	pxFe
	pxSv
	pxBe
	pxEnd
	pxFin
)

// statDump drives the cursor-paged CSV dump for "show stat": one proxy at
// a time (frontend row, then each server row, then the backend row),
// yielding whenever the response channel has no room for the next row and
// resuming at the same cursor on the next run call.
type statDump struct {
	rows      []ProxySnapshot
	filterIID int // 0 == no filter

	proxyIdx   int
	serverIdx  int
	sub        pxSubState
	headerSent bool
	pending    []byte
}

func newStatDump(rows []ProxySnapshot, filterIID int) *statDump {
	return &statDump{rows: rows, filterIID: filterIID}
}

// run emits as many rows as in's buffer currently has room for. It returns
// true once the dump has fully drained (PX_FIN reached and nothing left to
// flush), false if it yielded mid-dump and must be called again.
func (d *statDump) run(in *ichan.Channel) bool {
	for {
		if len(d.pending) > 0 {
			if !d.flush(in) {
				return false
			}
		}
		switch d.sub {
		case pxInit:
			if d.proxyIdx >= len(d.rows) {
				d.sub = pxFin
				continue
			}
			if d.filterIID != 0 && d.rows[d.proxyIdx].IID != d.filterIID {
				d.proxyIdx++
				continue
			}
			d.sub = pxTh
		case pxTh:
			d.serverIdx = 0
			d.sub = pxFe
		case pxFe:
			d.pending = d.renderRow(d.rows[d.proxyIdx].Frontend)
			d.sub = pxSv
		case pxSv:
			servers := d.rows[d.proxyIdx].Servers
			if d.serverIdx >= len(servers) {
				d.sub = pxBe
				continue
			}
			d.pending = d.renderRow(servers[d.serverIdx])
			d.serverIdx++
		case pxBe:
			d.pending = d.renderRow(d.rows[d.proxyIdx].Backend)
			d.sub = pxEnd
		case pxEnd:
			d.proxyIdx++
			d.sub = pxInit
		case pxFin:
			return true
		}
	}
}

// renderRow marshals a single row through gocsv, stripping its header on
// every call but the first (the first call's header also gets the leading
// "#" the external CSV contract requires).
func (d *statDump) renderRow(row StatRow) []byte {
	text, err := gocsv.MarshalString([]StatRow{row})
	if err != nil {
		return nil
	}
	lines := strings.SplitN(text, "\n", 2)
	if !d.headerSent {
		d.headerSent = true
		if len(lines) > 1 {
			return []byte("#" + lines[0] + "\n" + lines[1])
		}
		return []byte("#" + lines[0])
	}
	if len(lines) > 1 {
		return []byte(lines[1])
	}
	return nil
}

// flush attempts to commit d.pending to in's output region in one shot
// (rows are always far smaller than tune.bufsize, so partial writes never
// happen in practice); it returns false when the buffer has no room yet.
func (d *statDump) flush(in *ichan.Channel) bool {
	n, err := in.Buffer().PutBlock(d.pending)
	if err != nil {
		if errors.Is(err, buf.ErrTooLarge) {
			d.pending = nil
			return true
		}
		return false
	}
	in.Buffer().Advance(n)
	d.pending = nil
	return true
}
