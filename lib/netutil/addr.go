// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"net"
	"net/netip"
)

// containerRange is the private block Docker and most container
// runtimes allocate bridge networks from.
var containerRange = netip.MustParsePrefix("172.16.0.0/12")

// RemoteAddr parses an http.Request.RemoteAddr style "host:port" (or a
// bare host) into an address. IPv4-mapped IPv6 addresses are unmapped.
func RemoteAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IsLocalOrContainer reports whether remote is a loopback address or
// lies within the container bridge range.
func IsLocalOrContainer(remote string) bool {
	addr, ok := RemoteAddr(remote)
	if !ok {
		return false
	}
	return addr.IsLoopback() || containerRange.Contains(addr)
}
