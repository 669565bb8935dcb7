// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

// ConnMode is the resolved connection-mode for one transaction, computed
// from frontend/backend options and the observed request version.
type ConnMode int

const (
	ModeUnset ConnMode = iota
	ModeCLO            // close after this transaction
	ModeKAL            // keep-alive: stream survives for another transaction
	ModeSCL            // server-close: backend side closes, client side persists
	ModeTUN            // tunnel: analysers detached, bytes forwarded verbatim
)

// String renders the connection-mode label used in logs and show sess.
func (m ConnMode) String() string {
	switch m {
	case ModeCLO:
		return "CLO"
	case ModeKAL:
		return "KAL"
	case ModeSCL:
		return "SCL"
	case ModeTUN:
		return "TUN"
	default:
		return "-"
	}
}

// Origin classifies where an error originated.
type Origin int

const (
	OriginNone Origin = iota
	OriginClient
	OriginServer
	OriginProxy
	OriginResource
	OriginLocal
	OriginKilled
)

// String renders the ERR_* label used in logs and the stats applet.
func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "ERR_CLIENT"
	case OriginServer:
		return "ERR_SERVER"
	case OriginProxy:
		return "ERR_PROXY"
	case OriginResource:
		return "ERR_RESOURCE"
	case OriginLocal:
		return "ERR_LOCAL"
	case OriginKilled:
		return "ERR_KILLED"
	default:
		return "ERR_NONE"
	}
}

// Phase classifies which stage of the transaction an error occurred in.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseRequestHeaders
	PhaseRequestBody
	PhaseQueue
	PhaseConnect
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseTarpit
	PhaseLocalAction
)

// FinishFlag records the FINST_* outcome of a transaction, surfaced in logs
// and in show sess/show stat output.
type FinishFlag int

const (
	FinNone FinishFlag = iota
	FinR               // error while waiting for/reading the request
	FinQ               // error in queue
	FinC               // error while connecting
	FinD               // error while relaying data
	FinL               // error on a local action (redirect, stats)
	FinT               // terminated by tarpit
)

// String renders the FINST_* label used in logs and the stats applet.
func (f FinishFlag) String() string {
	switch f {
	case FinR:
		return "FINST_R"
	case FinQ:
		return "FINST_Q"
	case FinC:
		return "FINST_C"
	case FinD:
		return "FINST_D"
	case FinL:
		return "FINST_L"
	case FinT:
		return "FINST_T"
	default:
		return "FINST_"
	}
}

// Txn holds per-transaction state shared across the analyser chain: the
// parsed request/response messages, resolved connection mode, redirect
// outcome, and error/finish classification. One Txn is reset between
// keep-alive transactions on the same stream.
type Txn struct {
	ReqMethod  string
	ReqVersion string

	Mode ConnMode

	Expect100    bool
	Sent100      bool
	RequestDone  bool
	ResponseDone bool

	// ResponseStarted is true once response header bytes have been
	// committed to the client channel's output region: from this point a
	// later error can no longer be answered with a clean status line.
	ResponseStarted bool

	StatusCode int

	ConnectTunnel bool // CONNECT accepted with a 2xx, switches both sides to tunnel

	Err    Origin
	Phase  Phase
	Finish FinishFlag
}

// Reset clears per-transaction fields so the same Txn can be reused for the
// next request on a keep-alive stream.
func (t *Txn) Reset() {
	*t = Txn{}
}
