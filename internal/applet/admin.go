// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/rproxy/internal/buf"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

const helpText = `The following commands are valid:
help            : this message
prompt          : toggle interactive mode
quit            : close the connection
show info       : process and host information
show stat [iid] : proxy statistics, CSV format
show sess       : list live streams
show errors [iid] : last captured parser/transport errors
`

// Applet is the stats/admin line-oriented command interpreter, a si.Applet
// wired to a Session for its transport. A command line may carry several
// semicolon-separated commands; each is dispatched in order. A paged "show
// stat" dump suspends Handle (returning false, no error) until it drains.
type Applet struct {
	provider StatsProvider

	limiter *rate.Limiter

	interactive bool
	queued      []string

	dump *statDump

	quit bool
}

// NewApplet creates an Applet backed by provider. The command rate limiter
// caps how many commands one Handle pass will dispatch per scheduler tick,
// so a single pipelined line full of semicolons cannot monopolize a worker.
func NewApplet(provider StatsProvider) *Applet {
	return &Applet{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(50), 10),
	}
}

// Handle implements si.Applet: it is invoked once per scheduler dispatch
// of the owning SI, drains as much of out's pending command line(s) as the
// rate limiter and in's buffer room allow, and reports done once "quit"
// has been issued or out reports an EOF/error mid-command.
func (a *Applet) Handle(out, in *ichan.Channel) (bool, error) {
	if a.quit {
		return true, nil
	}

	if a.dump != nil {
		if !a.dump.run(in) {
			return false, nil
		}
		a.dump = nil
		a.afterCommand(in)
	}

	for {
		if a.quit {
			return true, nil
		}
		if len(a.queued) == 0 {
			line, ok, err := readLine(out)
			if err != nil {
				return true, err
			}
			if !ok {
				if out.Has(ichan.ShutR) {
					return true, nil
				}
				return false, nil
			}
			a.queued = splitCommands(line)
			if len(a.queued) == 0 {
				a.afterCommand(in)
				continue
			}
		}

		if !a.limiter.Allow() {
			return false, nil
		}

		cmd := a.queued[0]
		a.queued = a.queued[1:]
		a.dispatch(cmd, in)

		if a.dump != nil {
			if !a.dump.run(in) {
				return false, nil
			}
			a.dump = nil
		}
		a.afterCommand(in)
	}
}

func (a *Applet) afterCommand(in *ichan.Channel) {
	if a.quit || !a.interactive {
		return
	}
	writeText(in, "\n> ")
}

func (a *Applet) dispatch(cmd string, in *ichan.Channel) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "quit":
		a.quit = true
	case "prompt":
		a.interactive = !a.interactive
	case "help":
		writeText(in, helpText)
	case "show":
		a.dispatchShow(fields[1:], in)
	default:
		writeText(in, fmt.Sprintf("Unknown command: '%s'\n", cmd))
	}
}

func (a *Applet) dispatchShow(args []string, in *ichan.Channel) {
	if len(args) == 0 {
		writeText(in, "Unknown command.\n")
		return
	}
	switch args[0] {
	case "info":
		writeText(in, renderInfo(a.provider.Info()))
	case "stat":
		iid := parseOptionalInt(args, 1)
		a.dump = newStatDump(a.provider.Proxies(), iid)
		if !a.dump.run(in) {
			return
		}
		a.dump = nil
	case "sess":
		writeText(in, renderSessions(a.provider.Sessions()))
	case "errors":
		iid := parseOptionalInt(args, 1)
		writeText(in, renderErrors(a.provider.Errors(iid)))
	default:
		writeText(in, fmt.Sprintf("Unknown 'show' target: '%s'\n", args[0]))
	}
}

func parseOptionalInt(args []string, i int) int {
	if i >= len(args) {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0
	}
	return n
}

// readLine consumes one LF-terminated command line from ch's input region
// (commands are never forwarded anywhere, so the consumed bytes are
// advanced to output and immediately skipped rather than left pending).
func readLine(ch *ichan.Channel) (string, bool, error) {
	first, second, err := ch.Buffer().GetLineNC()
	if err != nil {
		if errors.Is(err, buf.ErrNoLine) {
			return "", false, nil
		}
		return "", false, err
	}
	n := len(first) + len(second)
	line := make([]byte, 0, n)
	line = append(line, first...)
	line = append(line, second...)
	ch.Buffer().Advance(n)
	ch.Buffer().Skip(n)
	return strings.TrimRight(string(line), "\r\n"), true, nil
}

// splitCommands treats a bare ';' as a line terminator for one command,
// supporting pipelined admin requests on a single line.
func splitCommands(line string) []string {
	parts := strings.Split(line, ";")
	cmds := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cmds = append(cmds, p)
		}
	}
	return cmds
}

func writeText(ch *ichan.Channel, s string) {
	n, err := ch.Buffer().PutBlock([]byte(s))
	if err != nil {
		return
	}
	ch.Buffer().Advance(n)
}
