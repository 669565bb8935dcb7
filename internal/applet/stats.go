// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package applet implements the stats/admin line-oriented interpreter: a
// si.Applet that reads commands from a client-facing Channel and writes
// responses to another, with no backend connection of its own.
package applet

import "time"

// Row type codes for StatRow.Type, matching the external CSV contract.
const (
	RowFrontend = 0
	RowBackend  = 1
	RowServer   = 2
)

// StatRow is one line of the "show stat" CSV dump. Field order matches the
// fixed external column order and drives gocsv's header generation; do not
// reorder without also updating the documented column contract.
type StatRow struct {
	Pxname        string `csv:"pxname"`
	Svname        string `csv:"svname"`
	Qcur          int64  `csv:"qcur"`
	Qmax          int64  `csv:"qmax"`
	Scur          int64  `csv:"scur"`
	Smax          int64  `csv:"smax"`
	Slim          int64  `csv:"slim"`
	Stot          int64  `csv:"stot"`
	Bin           int64  `csv:"bin"`
	Bout          int64  `csv:"bout"`
	Dreq          int64  `csv:"dreq"`
	Dresp         int64  `csv:"dresp"`
	Ereq          int64  `csv:"ereq"`
	Econ          int64  `csv:"econ"`
	Eresp         int64  `csv:"eresp"`
	Wretr         int64  `csv:"wretr"`
	Wredis        int64  `csv:"wredis"`
	Status        string `csv:"status"`
	Weight        int64  `csv:"weight"`
	Act           int64  `csv:"act"`
	Bck           int64  `csv:"bck"`
	Chkfail       int64  `csv:"chkfail"`
	Chkdown       int64  `csv:"chkdown"`
	Lastchg       int64  `csv:"lastchg"`
	Downtime      int64  `csv:"downtime"`
	Qlimit        int64  `csv:"qlimit"`
	Pid           int64  `csv:"pid"`
	Iid           int64  `csv:"iid"`
	Sid           int64  `csv:"sid"`
	Throttle      int64  `csv:"throttle"`
	Lbtot         int64  `csv:"lbtot"`
	Tracked       int64  `csv:"tracked"`
	Type          int64  `csv:"type"`
	Rate          int64  `csv:"rate"`
	RateLim       int64  `csv:"rate_lim"`
	RateMax       int64  `csv:"rate_max"`
	CheckStatus   string `csv:"check_status"`
	CheckCode     int64  `csv:"check_code"`
	CheckDuration int64  `csv:"check_duration"`
}

// ProxySnapshot is one proxy's worth of stat rows: a frontend row, a
// backend row, and zero or more server rows, keyed by iid for the "show
// stat [iid ...]" filter.
type ProxySnapshot struct {
	IID      int
	Name     string
	Frontend StatRow
	Backend  StatRow
	Servers  []StatRow
}

// SessionLine is one row of "show sess": a live stream summary.
type SessionLine struct {
	ID         uint64
	Frontend   string
	Backend    string
	ClientAddr string
	ServerAddr string
	Age        time.Duration
	BytesIn    int64
	BytesOut   int64
	State      string // connection mode label (analyser.ConnMode string)
	Status     int    // resolved HTTP status, 0 if not yet answered
}

// ErrorLine is one row of "show errors": one failed transaction. The
// engine keeps the most recent 200 across all proxies; the count is not
// limited per proxy.
type ErrorLine struct {
	IID     int
	When    time.Time
	Origin  string // ERR_* label
	Phase   string
	Status  int
	Snippet string // finish-state label; no bytes of the offending input are kept
}

// InfoLine is the "show info" payload: process identity plus host metrics.
type InfoLine struct {
	Name       string
	Version    string
	Pid        int
	Uptime     time.Duration
	CurrConns  int
	MaxConns   int
	CPUPercent float64
	MemPercent float64
	Load1      float64
}

// StatsProvider is the read-only view the admin applet needs of the
// running session engine. A single implementation backs all admin
// sessions; cmd/rproxyd wires it to the live proxy/session registry.
type StatsProvider interface {
	Proxies() []ProxySnapshot
	Sessions() []SessionLine
	Errors(iid int) []ErrorLine
	Info() InfoLine
}
