// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package si

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// dscpValues maps DSCP names (RFC 2474/4594) to their 6-bit code point.
// The wire value set on the socket is the code point shifted left two
// bits, since the IPv4 TOS byte is DSCP<<2 | ECN.
var dscpValues = map[string]int{
	"EF": 46,

	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// ParseDSCP converts a DSCP name ("EF", "AF41", "CS5") to its numeric code
// point. An empty name parses to 0, "disabled".
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil
	}
	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("si: unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
	return val, nil
}

// ApplyTOS sets the IP_TOS socket option on conn from a DSCP name, for the
// "tos" server/bind keyword: packets routed toward this endpoint carry the
// named marking so upstream routers can prioritize or police them. A empty
// name is a no-op.
func ApplyTOS(conn net.Conn, dscpName string) error {
	dscp, err := ParseDSCP(dscpName)
	if err != nil || dscp == 0 {
		return err
	}

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("si: cannot apply TOS: conn is %T, not *net.TCPConn", conn)
	}
	rawConn, err := tc.SyscallConn()
	if err != nil {
		return fmt.Errorf("si: raw conn for TOS: %w", err)
	}

	tos := dscp << 2
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	}); err != nil {
		return fmt.Errorf("si: control fd for TOS: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("si: setsockopt IP_TOS=%d: %w", tos, sysErr)
	}
	return nil
}
