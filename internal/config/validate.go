// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/rproxy/internal/si"
)

func (c *Config) validate() error {
	if err := c.Frontend.validate(); err != nil {
		return fmt.Errorf("frontend: %w", err)
	}
	if err := c.Backend.validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := c.Tune.validate(); err != nil {
		return fmt.Errorf("tune: %w", err)
	}
	if err := c.Admin.validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Peers.validate(); err != nil {
		return fmt.Errorf("peers: %w", err)
	}
	for name, tbl := range c.StickTables {
		v := tbl
		if err := v.validate(); err != nil {
			return fmt.Errorf("stick_tables[%s]: %w", name, err)
		}
		c.StickTables[name] = v
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}

func (f *FrontendConfig) validate() error {
	if f.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if f.MaxConn <= 0 {
		f.MaxConn = 2000
	}

	var err error
	if f.timeoutClientRaw, err = parseDurationDefault(f.TimeoutClient, 30*time.Second); err != nil {
		return fmt.Errorf("timeout_client: %w", err)
	}
	if f.timeoutHTTPReqRaw, err = parseDurationDefault(f.TimeoutHTTPReq, 10*time.Second); err != nil {
		return fmt.Errorf("timeout_http_request: %w", err)
	}
	if f.timeoutHTTPKARaw, err = parseDurationDefault(f.TimeoutHTTPKA, 10*time.Second); err != nil {
		return fmt.Errorf("timeout_http_keep_alive: %w", err)
	}
	if f.timeoutTarpitRaw, err = parseDurationDefault(f.TimeoutTarpit, 30*time.Second); err != nil {
		return fmt.Errorf("timeout_tarpit: %w", err)
	}

	for i, r := range f.Redirects {
		if r.Match == "" {
			return fmt.Errorf("redirects[%d].match is required", i)
		}
		if r.Status == 0 {
			f.Redirects[i].Status = 302
		}
		switch f.Redirects[i].Status {
		case 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("redirects[%d].status must be one of 301,302,303,307,308, got %d", i, r.Status)
		}
	}
	if f.Tarpit != nil && f.Tarpit.Match == "" {
		return fmt.Errorf("tarpit_rule.match is required when tarpit_rule is set")
	}
	return nil
}

func (f *FrontendConfig) TimeoutClient() time.Duration  { return f.timeoutClientRaw }
func (f *FrontendConfig) TimeoutHTTPReq() time.Duration { return f.timeoutHTTPReqRaw }
func (f *FrontendConfig) TimeoutHTTPKA() time.Duration  { return f.timeoutHTTPKARaw }
func (f *FrontendConfig) TimeoutTarpit() time.Duration  { return f.timeoutTarpitRaw }

func (b *BackendConfig) validate() error {
	if len(b.Servers) == 0 {
		return fmt.Errorf("servers must have at least one entry")
	}
	for i, s := range b.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d].name is required", i)
		}
		if s.Address == "" {
			return fmt.Errorf("servers[%d].address is required", i)
		}
		if s.Weight <= 0 {
			b.Servers[i].Weight = 1
		}
		if _, err := si.ParseDSCP(s.Tos); err != nil {
			return fmt.Errorf("servers[%d].tos: %w", i, err)
		}
	}
	if b.ConnRetries <= 0 {
		b.ConnRetries = 3
	}

	var err error
	if b.timeoutServerRaw, err = parseDurationDefault(b.TimeoutServer, 30*time.Second); err != nil {
		return fmt.Errorf("timeout_server: %w", err)
	}
	if b.timeoutConnectRaw, err = parseDurationDefault(b.TimeoutConnect, 5*time.Second); err != nil {
		return fmt.Errorf("timeout_connect: %w", err)
	}
	return nil
}

func (b *BackendConfig) TimeoutServer() time.Duration  { return b.timeoutServerRaw }
func (b *BackendConfig) TimeoutConnect() time.Duration { return b.timeoutConnectRaw }

func (t *TuneConfig) validate() error {
	if t.MaxRewrite == "" {
		t.MaxRewrite = "2kb"
	}
	n, err := ParseByteSize(t.MaxRewrite)
	if err != nil {
		return fmt.Errorf("maxrewrite: %w", err)
	}
	t.maxRewriteRaw = int(n)

	if t.BufSize == "" {
		t.BufSize = "16kb"
	}
	n, err = ParseByteSize(t.BufSize)
	if err != nil {
		return fmt.Errorf("bufsize: %w", err)
	}
	if n <= int64(t.maxRewriteRaw) {
		return fmt.Errorf("bufsize (%d) must be larger than maxrewrite (%d)", n, t.maxRewriteRaw)
	}
	t.bufSizeRaw = int(n)
	return nil
}

func (t *TuneConfig) MaxRewriteBytes() int { return t.maxRewriteRaw }
func (t *TuneConfig) BufSizeBytes() int    { return t.bufSizeRaw }

func (a *AdminConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Listen == "" {
		return fmt.Errorf("listen is required when admin.enabled is true")
	}
	return nil
}

func (p *PeersConfig) validate() error {
	if len(p.Peers) == 0 {
		return nil
	}
	if p.LocalName == "" {
		return fmt.Errorf("local_name is required when peers are configured")
	}
	seen := make(map[string]bool, len(p.Peers))
	for i, peer := range p.Peers {
		if peer.Name == "" {
			return fmt.Errorf("peers[%d].name is required", i)
		}
		if peer.Address == "" {
			return fmt.Errorf("peers[%d].address is required", i)
		}
		if seen[peer.Name] {
			return fmt.Errorf("peers[%d].name %q is duplicated", i, peer.Name)
		}
		seen[peer.Name] = true
	}
	if p.TLS.Enabled {
		if p.TLS.CACert == "" || p.TLS.Cert == "" || p.TLS.Key == "" {
			return fmt.Errorf("peers.tls requires ca_cert, cert and key when enabled")
		}
	}
	return nil
}

func (s *StickTableConfig) validate() error {
	switch s.Type {
	case "":
		s.Type = "string"
	case "ip", "string", "integer", "binary":
	default:
		return fmt.Errorf("type must be one of ip,string,integer,binary, got %q", s.Type)
	}
	if s.KeySize <= 0 {
		switch s.Type {
		case "ip":
			s.KeySize = 4
		case "integer":
			s.KeySize = 8
		default:
			s.KeySize = 32
		}
	}
	var err error
	if s.expireRaw, err = parseDurationDefault(s.Expire, 30*time.Second); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	for _, col := range s.Columns {
		name, typ, ferr := splitColumnSpec(col)
		if ferr != nil {
			return ferr
		}
		if typ == "frqp" {
			if _, ok := s.FreqCols[name]; !ok {
				return fmt.Errorf("column %q is frqp but has no entry in freq_periods", name)
			}
		}
	}
	for name, period := range s.FreqCols {
		if _, err := time.ParseDuration(period); err != nil {
			return fmt.Errorf("freq_periods[%s]: %w", name, err)
		}
	}
	return nil
}

func (s *StickTableConfig) Expires() time.Duration { return s.expireRaw }

// splitColumnSpec parses a "name:type" column declaration.
func splitColumnSpec(spec string) (name, typ string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("column %q must be in name:type form", spec)
	}
	name, typ = parts[0], parts[1]
	switch typ {
	case "sint", "uint", "ull", "frqp":
	default:
		return "", "", fmt.Errorf("column %q has unknown type %q", spec, typ)
	}
	return name, typ, nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// ParseByteSize parses a human-readable byte size such as "256mb", "1gb" or
// a plain integer byte count. Matching is longest-suffix-first so "mb" is
// not mistaken for a trailing "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}
	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return n * sfx.mult, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
