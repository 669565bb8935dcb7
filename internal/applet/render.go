// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"fmt"
	"strings"
)

func renderInfo(info InfoLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", info.Name)
	fmt.Fprintf(&b, "Version: %s\n", info.Version)
	fmt.Fprintf(&b, "Pid: %d\n", info.Pid)
	fmt.Fprintf(&b, "Uptime: %s\n", info.Uptime.Truncate(1e9))
	fmt.Fprintf(&b, "CurrConns: %d\n", info.CurrConns)
	fmt.Fprintf(&b, "MaxConns: %d\n", info.MaxConns)
	fmt.Fprintf(&b, "CPULoad1m: %.2f\n", info.Load1)
	fmt.Fprintf(&b, "CPUPercent: %.2f\n", info.CPUPercent)
	fmt.Fprintf(&b, "MemPercent: %.2f\n", info.MemPercent)
	return b.String()
}

func renderSessions(sessions []SessionLine) string {
	if len(sessions) == 0 {
		return "no sessions\n"
	}
	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%d: proto=%s->%s src=%s dst=%s age=%s bin=%d bout=%d state=%s status=%d\n",
			s.ID, s.Frontend, s.Backend, s.ClientAddr, s.ServerAddr, s.Age.Truncate(1e6), s.BytesIn, s.BytesOut, s.State, s.Status)
	}
	return b.String()
}

func renderErrors(errs []ErrorLine) string {
	if len(errs) == 0 {
		return "no errors\n"
	}
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "[%s] iid=%d status=%d origin=%s phase=%s: %q\n",
			e.When.Format("02/Jan/2006:15:04:05"), e.IID, e.Status, e.Origin, e.Phase, e.Snippet)
	}
	return b.String()
}
