// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nishisan-dev/rproxy/internal/analyser"
	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/stick"
)

// AnalyserOptions translates the frontend/backend/tune sections into the
// Options struct the analyser chain consults on every stream.
func (c *Config) AnalyserOptions() (*analyser.Options, error) {
	redirects := make([]analyser.RedirectRule, 0, len(c.Frontend.Redirects))
	for _, r := range c.Frontend.Redirects {
		match, err := compileMatcher(r.Match)
		if err != nil {
			return nil, fmt.Errorf("redirect %q: %w", r.Match, err)
		}
		redirects = append(redirects, analyser.RedirectRule{
			Match:       match,
			StatusCode:  r.Status,
			Scheme:      r.Scheme,
			Host:        r.Host,
			Prefix:      r.Prefix,
			Location:    r.Location,
			AppendSlash: r.AppendSlash,
			DropQuery:   r.DropQuery,
		})
	}

	return &analyser.Options{
		TimeoutTarpit:    c.Frontend.TimeoutTarpit(),
		TimeoutHTTPReq:   c.Frontend.TimeoutHTTPReq(),
		TimeoutClient:    c.Frontend.TimeoutClient(),
		TimeoutServer:    c.Backend.TimeoutServer(),
		TimeoutConnect:   c.Backend.TimeoutConnect(),
		BufSize:          c.Tune.BufSizeBytes(),
		FrontendClose:    c.Frontend.HTTPClose,
		BackendForceConn: c.Backend.ForceClose,
		Redirects:        redirects,
		MaxRewrite:       c.Tune.MaxRewriteBytes(),
		ConnRetries:      c.Backend.ConnRetries,
	}, nil
}

// TarpitMatcher compiles the frontend's tarpit rule, if any, into the
// predicate a Stream consults to decide whether to park a request.
func (c *Config) TarpitMatcher() (func(req *httpmsg.Message) bool, error) {
	if c.Frontend.Tarpit == nil {
		return nil, nil
	}
	return compileMatcher(c.Frontend.Tarpit.Match)
}

// compileMatcher turns a "always" / "prefix:<path>" declaration into a
// predicate over the parsed request line. Unrecognized forms are rejected
// at load time rather than silently matching nothing.
func compileMatcher(match string) (func(req *httpmsg.Message) bool, error) {
	if match == "always" {
		return func(*httpmsg.Message) bool { return true }, nil
	}
	if prefix, ok := strings.CutPrefix(match, "prefix:"); ok {
		if prefix == "" {
			return nil, fmt.Errorf("prefix match requires a non-empty path")
		}
		return func(req *httpmsg.Message) bool {
			return strings.HasPrefix(req.URI, prefix)
		}, nil
	}
	return nil, fmt.Errorf("unrecognized match expression %q", match)
}

// StickTables builds the live stick.Table set declared in the config. The
// returned map is keyed by the same name used in the config file and in
// peer DEFINE/update frames.
func (c *Config) StickTables() (map[string]*stick.Table, error) {
	tables := make(map[string]*stick.Table, len(c.StickTables))
	for name, tc := range c.StickTables {
		keyType, err := stickKeyType(tc.Type)
		if err != nil {
			return nil, fmt.Errorf("stick_tables[%s]: %w", name, err)
		}
		columns, err := stickColumns(tc)
		if err != nil {
			return nil, fmt.Errorf("stick_tables[%s]: %w", name, err)
		}
		tables[name] = stick.New(name, keyType, tc.KeySize, columns, uint32(tc.Expires()/time.Millisecond))
	}
	return tables, nil
}

func stickKeyType(t string) (stick.KeyType, error) {
	switch t {
	case "ip":
		return stick.KeyIPv4, nil
	case "string":
		return stick.KeyString, nil
	case "integer":
		return stick.KeyInteger, nil
	case "binary":
		return stick.KeyBinary, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", t)
	}
}

func stickColumns(tc StickTableConfig) ([]stick.Column, error) {
	columns := make([]stick.Column, 0, len(tc.Columns))
	for i, spec := range tc.Columns {
		name, typ, err := splitColumnSpec(spec)
		if err != nil {
			return nil, err
		}
		col := stick.Column{Index: i}
		switch typ {
		case "sint":
			col.Type = stick.TypeSInt
		case "uint":
			col.Type = stick.TypeUInt
		case "ull":
			col.Type = stick.TypeULL
		case "frqp":
			col.Type = stick.TypeFrqp
			period, err := time.ParseDuration(tc.FreqCols[name])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			col.Period = period
		}
		columns = append(columns, col)
	}
	return columns, nil
}
