// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package httpmsg implements the incremental HTTP/1 message parser: a
// resumable finite state machine over a Channel's input bytes, producing
// an indexed header list and resolving transfer length per RFC 7230 §3.3.3.
package httpmsg

import (
	"errors"
)

// State is the parser's position within one HTTP message.
type State int

const (
	RQBefore State = iota
	RQMeth
	RQURI
	RQVer
	Hdr
	EOH
	Body
	ChunkSize
	Data
	Trailers
	Sent100
	Done
	Closing
	Closed
	Tunnel
	Ending
	Error
)

// Flags records resolved properties of the message as parsing progresses.
type Flags uint32

const (
	Ver11 Flags = 1 << iota
	XferLen
	CntLen
	TeChnk
	Compressing
	WaitConn
)

// Header is one entry in the indexed header list: its byte offsets within
// the raw message bytes, plus a link to the next header for in-place
// insert/removal with offset adjustment.
type Header struct {
	NameStart, NameLen   int
	ValueStart, ValueLen int
	HasCR                bool
	Next                 int // index of the next header, or -1
}

// ErrMalformedRequestLine is returned when method/URI/version cannot be
// parsed from the start line.
var ErrMalformedRequestLine = errors.New("httpmsg: malformed request line")

// ErrMalformedVersion is returned when the HTTP version isn't exactly one
// digit, a dot, one digit (RFC 7230 §2.6).
var ErrMalformedVersion = errors.New("httpmsg: malformed HTTP version")

// ErrMalformedHeader is returned when a header line has no colon
// separator.
var ErrMalformedHeader = errors.New("httpmsg: malformed header line")

// Message holds the incremental parse state for one HTTP/1 message
// (request or response) over a byte slice supplied incrementally via
// Feed.
type Message struct {
	IsResponse bool

	state State
	flags Flags

	raw []byte // accumulated bytes seen so far, including consumed ones

	next int // offset of the first unparsed byte
	sov  int // start of current value/body
	eoh  int // end of headers offset, -1 until known
	sol  int // start of current line
	eol  int // end of current line, -1 until found

	Method, URI, Version string
	StatusCode           int
	ReasonPhrase         string

	Headers []Header

	BodyLen  int64 // -1 means unknown (read-to-close)
	ChunkLen int64

	ErrPos int // offset of the byte that triggered a parse error, -1 if none
}

// New creates a Message parser. isResponse selects request-line vs
// status-line parsing for the start line.
func New(isResponse bool) *Message {
	return &Message{
		IsResponse: isResponse,
		state:      RQBefore,
		eoh:        -1,
		eol:        -1,
		BodyLen:    -1,
		ErrPos:     -1,
	}
}

// State returns the parser's current state.
func (m *Message) State() State { return m.state }

// Flags returns the resolved flag bitmask.
func (m *Message) Flags() Flags { return m.flags }

// Feed appends newly available bytes and advances the parser as far as
// it can. It returns true if the parser consumed at least one element (the
// start line, a header line or the end of headers) during this call, and
// an error for malformed framing
// (never retried per spec: the caller must surface 400/502 and stop).
func (m *Message) Feed(data []byte) (progressed bool, err error) {
	m.raw = append(m.raw, data...)

	for {
		switch m.state {
		case RQBefore, RQMeth, RQURI, RQVer:
			ok, perr := m.parseStartLine()
			if perr != nil {
				return progressed, perr
			}
			if !ok {
				return progressed, nil
			}
			m.state = Hdr
			progressed = true

		case Hdr:
			ok, done, perr := m.parseOneHeaderLine()
			if perr != nil {
				return progressed, perr
			}
			if !ok {
				return progressed, nil
			}
			progressed = true
			if done {
				m.eoh = m.next
				m.state = EOH
			}

		case EOH:
			if err := m.resolveTransferLength(); err != nil {
				return progressed, err
			}
			if m.flags&XferLen != 0 {
				m.state = Body
			} else {
				m.state = Done
			}
			progressed = true

		default:
			return progressed, nil
		}
	}
}

// findLine locates the next LF at or after m.next, returning its offset
// or -1 if not yet present.
func (m *Message) findLine() int {
	for i := m.next; i < len(m.raw); i++ {
		if m.raw[i] == '\n' {
			return i
		}
	}
	return -1
}

func (m *Message) parseStartLine() (bool, error) {
	lf := m.findLine()
	if lf < 0 {
		return false, nil
	}
	line := m.raw[m.next:lf]
	line = trimCR(line)

	parts := splitSP(string(line), 3)
	if len(parts) != 3 {
		m.ErrPos = m.next
		m.state = Error
		return false, ErrMalformedRequestLine
	}

	if m.IsResponse {
		m.Version = parts[0]
		m.ReasonPhrase = parts[2]
		code, ok := parseStatusCode(parts[1])
		if !ok {
			m.ErrPos = m.next
			m.state = Error
			return false, ErrMalformedRequestLine
		}
		m.StatusCode = code
	} else {
		m.Method = parts[0]
		m.URI = parts[1]
		m.Version = parts[2]
	}

	if err := validateVersion(m.Version); err != nil {
		m.ErrPos = m.next
		m.state = Error
		return false, err
	}
	if m.Version == "HTTP/1.1" {
		m.flags |= Ver11
	}

	m.next = lf + 1
	return true, nil
}

// validateVersion enforces RFC 7230 §2.6: exactly one digit, a dot, one
// digit after "HTTP/".
func validateVersion(v string) error {
	const prefix = "HTTP/"
	if len(v) != len(prefix)+3 || v[:len(prefix)] != prefix {
		return ErrMalformedVersion
	}
	rest := v[len(prefix):]
	if !isDigit(rest[0]) || rest[1] != '.' || !isDigit(rest[2]) {
		return ErrMalformedVersion
	}
	return nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// parseOneHeaderLine consumes one header (or continuation) line. It
// returns (true, true, nil) once the blank line ending headers is
// reached.
func (m *Message) parseOneHeaderLine() (ok bool, headersDone bool, err error) {
	lf := m.findLine()
	if lf < 0 {
		return false, false, nil
	}
	lineStart := m.next
	line := trimCR(m.raw[lineStart:lf])

	if len(line) == 0 {
		m.next = lf + 1
		return true, true, nil
	}

	if line[0] == ' ' || line[0] == '\t' {
		// Continuation of the previous header's value: the folded value
		// spans from the original ValueStart through the end of this line.
		if n := len(m.Headers); n > 0 {
			h := &m.Headers[n-1]
			lineEnd := lineStart + len(line)
			h.ValueLen = lineEnd - h.ValueStart
		}
		m.next = lf + 1
		return true, false, nil
	}

	colon := indexByte(line, ':')
	if colon < 0 {
		m.ErrPos = lineStart
		m.state = Error
		return false, false, ErrMalformedHeader
	}

	nameStart := lineStart
	nameLen := colon
	valueStart := lineStart + colon + 1
	for valueStart < lineStart+len(line) && (m.raw[valueStart] == ' ' || m.raw[valueStart] == '\t') {
		valueStart++
	}
	valueLen := (lineStart + len(line)) - valueStart

	m.Headers = append(m.Headers, Header{
		NameStart:  nameStart,
		NameLen:    nameLen,
		ValueStart: valueStart,
		ValueLen:   valueLen,
		HasCR:      m.raw[lf-1] == '\r',
		Next:       -1,
	})
	if n := len(m.Headers); n > 1 {
		m.Headers[n-2].Next = n - 1
	}

	m.next = lf + 1
	return true, false, nil
}

// Consumed returns the number of raw bytes the parser has consumed so far,
// including framing overhead (chunk-size lines, trailing CRLFs) that a
// caller forwarding the underlying channel bytes verbatim needs to advance
// by, as opposed to BodyLen/ChunkLen which count body payload only.
func (m *Message) Consumed() int { return m.next }

// EOHOffset returns the byte offset of the end of headers (just past the
// blank line terminating them, where the body starts), or -1 if headers are
// not yet fully parsed.
func (m *Message) EOHOffset() int { return m.eoh }

// HeaderLineRange returns the [start,end) byte range of header i's entire
// line, including its trailing CRLF, for callers that need to excise or
// replace a header line wholesale (e.g. stripping Expect before forwarding).
func (m *Message) HeaderLineRange(i int) (start, end int) {
	h := m.Headers[i]
	start = h.NameStart
	if h.Next >= 0 {
		end = m.Headers[h.Next].NameStart
	} else {
		// eoh is past the blank line; stop at the blank line's start.
		end = m.eoh - 1
		if end > 0 && m.raw[end-1] == '\r' {
			end--
		}
	}
	return start, end
}

// HeaderName returns the raw bytes of header h's name.
func (m *Message) HeaderName(h Header) []byte {
	return m.raw[h.NameStart : h.NameStart+h.NameLen]
}

// HeaderValue returns the raw bytes of header h's value.
func (m *Message) HeaderValue(h Header) []byte {
	return m.raw[h.ValueStart : h.ValueStart+h.ValueLen]
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func splitSP(s string, maxParts int) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s) && len(parts) < maxParts-1; i++ {
		if s[i] == ' ' {
			if i > start {
				parts = append(parts, s[start:i])
				start = i + 1
			} else {
				start = i + 1
			}
		}
	}
	if start <= len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func parseStatusCode(s string) (int, bool) {
	if len(s) != 3 {
		return 0, false
	}
	code := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}
