// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"time"

	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// Options carries the subset of frontend/backend configuration the
// analyser chain consults: timeouts, connection-mode defaults and the
// redirect rule set.
type Options struct {
	TimeoutTarpit  time.Duration
	TimeoutHTTPReq time.Duration // timeout.http-request: time allowed for WAIT_HTTP
	TimeoutClient  time.Duration
	TimeoutServer  time.Duration
	TimeoutConnect time.Duration

	BufSize int // tune.bufsize: capacity of each direction's Buffer

	// FrontendClose forces CLO regardless of request version (http-close on
	// the frontend). BackendForceConn is the equivalent for SCL.
	FrontendClose    bool
	BackendForceConn bool // forceclose on the backend: downgrades KAL to SCL

	Redirects []RedirectRule

	MaxRewrite int // tune.maxrewrite: reserve a rewriting analyser must respect

	ConnRetries int // backend connect attempts before giving up (si.SI's maxRetries)
}

// RedirectRule is one declared redirect: predicates are evaluated in
// declared order and the first match wins.
type RedirectRule struct {
	Match       func(req *httpmsg.Message) bool
	StatusCode  int // one of 301, 302, 303, 307, 308
	Scheme      string
	Host        string
	Prefix      string
	Location    string // explicit target; wins over scheme/host/prefix when set
	AppendSlash bool
	DropQuery   bool
}

// Context bundles one direction's parser state with its Channel and the
// shared Txn for one pass of the analyser chain. Request and response
// directions each get their own Context; Txn is shared between the two.
type Context struct {
	Channel *ichan.Channel
	Msg     *httpmsg.Message
	Txn     *Txn
	Opts    *Options
	Now     clock.Tick

	// Peer is the Context for the other direction, used by analysers that
	// need to write into the opposite channel (100-continue, tarpit
	// status line, redirect responses).
	Peer *Context
}
