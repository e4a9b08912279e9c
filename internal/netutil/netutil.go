// Package netutil is a minimal best-effort local-address helper. It is
// intentionally small: IP/broadcast-address probing is treated as an
// external collaborator, this just supplies the few facts discovery
// and election need to advertise an address.
package netutil

import (
	"net"
	"strings"
)

// PrimaryIP returns the local IPv4 address that would be used to reach
// the public internet, falling back to loopback. Grounded on
// cafeds/net.py's primary_ip: connecting a UDP socket picks a route
// without sending any packet.
func PrimaryIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// DirectedBroadcast guesses the /24 directed broadcast address for ip.
func DirectedBroadcast(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) == 4 && !strings.HasPrefix(ip, "127.") {
		return strings.Join(parts[:3], ".") + ".255"
	}
	return "255.255.255.255"
}

// DiscoveryTargets builds the list of destination IPs for datagram
// broadcasts: the LAN /24 broadcast, the global broadcast, and — in
// single-host mode — loopback, so a multi-peer demo on one machine can
// still find itself.
func DiscoveryTargets(singleHost bool) []string {
	ip := PrimaryIP()
	var targets []string

	if !strings.HasPrefix(ip, "127.") {
		targets = append(targets, DirectedBroadcast(ip))
	}
	targets = append(targets, "255.255.255.255")

	if singleHost {
		targets = append(targets, "127.0.0.1")
	}

	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
