// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// TarpitGate holds a request open for a fixed duration using the same
// token-bucket idiom as a throttled writer: a single token is reserved up
// front and only refills once the hold duration elapses, so the analyser
// can poll Allow without tracking its own deadline arithmetic.
type TarpitGate struct {
	limiter *rate.Limiter
	armed   bool
	delay   time.Duration
}

// NewTarpitGate creates a gate that holds for the given duration. A
// non-positive duration gates for zero time (tarpit rule configured with no
// hold, effectively just forcing the 500 outcome).
func NewTarpitGate(hold time.Duration) *TarpitGate {
	if hold <= 0 {
		return &TarpitGate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &TarpitGate{limiter: rate.NewLimiter(rate.Every(hold), 1)}
}

func (g *TarpitGate) arm() {
	r := g.limiter.ReserveN(time.Now(), 1)
	g.delay = r.Delay()
	g.armed = true
}

// Tarpit holds the request channel for the gate's duration, then answers
// 500 with FINST_T. The backend is never connected: DontConnect stays set
// for the whole hold.
func Tarpit(ctx *Context, gate *TarpitGate) Result {
	if !gate.armed {
		gate.arm()
		ctx.Channel.SetDontConnect(true)
		ctx.Channel.SuspendAnalyser(ctx.Now, gate.delay.Milliseconds())
		return NeedMore
	}
	if !gate.limiter.Allow() {
		return NeedMore
	}

	ctx.Txn.StatusCode = 500
	ctx.Txn.Finish = FinT
	ctx.Txn.Phase = PhaseTarpit
	if ctx.Peer != nil {
		writeLocal(ctx.Peer.Channel, []byte(statusLine(500)+"Content-Length: 0\r\n\r\n"))
	}
	ctx.Channel.Set(ichan.ShutR)
	return Complete
}
