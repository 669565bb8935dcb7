// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the proxy's YAML configuration: the
// frontend and backend definitions, tunables, the admin socket, the peer
// group and the stick-table set.
package config

import (
	"time"
)

// Config is the top-level document loaded from the proxy's config file.
type Config struct {
	Frontend    FrontendConfig              `yaml:"frontend"`
	Backend     BackendConfig               `yaml:"backend"`
	Tune        TuneConfig                  `yaml:"tune"`
	Admin       AdminConfig                 `yaml:"admin"`
	Peers       PeersConfig                 `yaml:"peers"`
	StickTables map[string]StickTableConfig `yaml:"stick_tables"`
	Logging     LoggingConfig               `yaml:"logging"`
}

// FrontendConfig is the client-facing listener: where it binds, how long it
// waits at each stage, and the redirect/tarpit rules applied to requests.
type FrontendConfig struct {
	Listen  string `yaml:"listen"`
	MaxConn int    `yaml:"maxconn"`

	TimeoutClient  string `yaml:"timeout_client"`
	TimeoutHTTPReq string `yaml:"timeout_http_request"`
	TimeoutHTTPKA  string `yaml:"timeout_http_keep_alive"`
	TimeoutTarpit  string `yaml:"timeout_tarpit"`

	// HTTPClose forces CLO at the end of every transaction regardless of
	// what the client's request asked for (http-close).
	HTTPClose bool `yaml:"http_close"`

	Redirects []RedirectRuleConfig `yaml:"redirects"`
	Tarpit    *TarpitRuleConfig    `yaml:"tarpit_rule"`

	timeoutClientRaw  time.Duration
	timeoutHTTPReqRaw time.Duration
	timeoutHTTPKARaw  time.Duration
	timeoutTarpitRaw  time.Duration
}

// RedirectRuleConfig declares one redirect rule, evaluated in list order.
// Match selects which requests the rule applies to: "always", or
// "prefix:/some/path" to match a URL prefix.
type RedirectRuleConfig struct {
	Match       string `yaml:"match"`
	Status      int    `yaml:"status"`
	Scheme      string `yaml:"scheme"`
	Host        string `yaml:"host"`
	Prefix      string `yaml:"prefix"`
	Location    string `yaml:"location"`
	AppendSlash bool   `yaml:"append_slash"`
	DropQuery   bool   `yaml:"drop_query"`
}

// TarpitRuleConfig selects which requests get parked by the tarpit analyser
// instead of being processed normally. Match uses the same "always" /
// "prefix:/path" vocabulary as RedirectRuleConfig.Match.
type TarpitRuleConfig struct {
	Match string `yaml:"match"`
}

// BackendConfig is the pool of servers a stream is load-balanced to.
type BackendConfig struct {
	Servers []ServerConfig `yaml:"servers"`

	TimeoutServer  string `yaml:"timeout_server"`
	TimeoutConnect string `yaml:"timeout_connect"`
	ConnRetries    int    `yaml:"conn_retries"`

	// ForceClose downgrades a keep-alive backend response to SCL (forceclose).
	ForceClose bool `yaml:"force_close"`

	timeoutServerRaw  time.Duration
	timeoutConnectRaw time.Duration
}

// ServerConfig is one backend server entry.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`

	// Tos names a DSCP code point (RFC 2474/4594, e.g. "EF", "AF41", "CS5")
	// applied to the IP_TOS option of sockets dialed to this server. Left
	// empty, the connection carries no explicit marking.
	Tos string `yaml:"tos"`
}

// TuneConfig holds the tune.* knobs that size the Channel/Buffer pair every
// stream is given.
type TuneConfig struct {
	MaxRewrite string `yaml:"maxrewrite"` // reserve a rewriting analyser must respect, e.g. "2kb"
	BufSize    string `yaml:"bufsize"`    // capacity of each direction's Buffer, e.g. "16kb"

	maxRewriteRaw int
	bufSizeRaw    int
}

// AdminConfig configures the stats/admin applet's listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // "unix:/path/to.sock" or "tcp:127.0.0.1:9999"
}

// PeersConfig is the local peer group definition: this node's own name and
// the full roster it tries to stay in sync with.
type PeersConfig struct {
	LocalName string        `yaml:"local_name"`
	Peers     []PeerEntry   `yaml:"peers"`
	TLS       PeersTLSConfig `yaml:"tls"`
}

// PeersTLSConfig optionally wraps peer links in mutual TLS. Left empty,
// peer links are plain TCP — the core treats the transport as opaque
// either way (internal/si accepts any net.Conn) and nothing about the
// resync protocol itself depends on which one is in use.
type PeersTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CACert   string `yaml:"ca_cert"`
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
}

// PeerEntry is one member of the peer group.
type PeerEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// StickTableConfig declares one shared table: its key shape, its entry
// lifetime and the data columns it replicates.
type StickTableConfig struct {
	Type     string           `yaml:"type"` // "ip" | "string" | "integer" | "binary"
	KeySize  int              `yaml:"key_size"`
	Expire   string           `yaml:"expire"` // e.g. "30s", "10m"
	Columns  []string         `yaml:"columns"`
	FreqCols map[string]string `yaml:"freq_periods"` // column name -> window, e.g. "10s"

	expireRaw time.Duration
}

// LoggingConfig configures the structured logger every package writes
// through.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`

	// TraceDir, if set, turns on per-stream debug trace files under
	// {trace_dir}/{frontendName}/{streamID}.log (see
	// session.Stream.EnableTrace). Left empty, no per-stream tracing
	// happens regardless of Level.
	TraceDir string `yaml:"trace_dir"`
}
