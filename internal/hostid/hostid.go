// Package hostid answers the question every dispatch path asks: does a
// user-supplied name refer to this machine?
//
// Names arrive in many shapes — short hostnames, Tailscale FQDNs, FQDNs in
// absolute DNS notation with a trailing dot, mixed case. A single
// un-normalized name causes cascade failures in SSH resolution and peer
// matching, so every comparison here goes through Normalize.
package hostid

import (
	"net"
	"os"
	"strings"

	"halvor/internal/config"
)

// Normalize lowercases a hostname, strips any trailing dot, and reduces it to
// its short form (the text before the first dot).
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

// StripTrailingDot removes absolute-DNS notation without shortening.
func StripTrailingDot(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".")
}

// Current returns the system hostname: HOSTNAME env var first (set in
// containers and by some init systems), then the kernel's value, then
// /etc/hostname.
func Current() (string, error) {
	if h := strings.TrimSpace(os.Getenv("HOSTNAME")); h != "" {
		return h, nil
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h, nil
	}
	data, err := os.ReadFile("/etc/hostname")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// LocalIPv4s returns every IPv4 address assigned to a local interface,
// loopback excluded. Tailscale addresses (100.64.0.0/10) are included since
// tailscaled assigns them to a regular interface.
func LocalIPv4s() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		ips = append(ips, ip4.String())
	}
	return ips
}

// candidateForms builds every comparable shape of a name: as given, lowered,
// dot-stripped, short, and normalized.
func candidateForms(name string) []string {
	stripped := StripTrailingDot(name)
	lower := strings.ToLower(stripped)
	forms := []string{name, stripped, lower, Normalize(name)}
	if i := strings.IndexByte(lower, '.'); i > 0 {
		forms = append(forms, lower[:i])
	}
	return forms
}

// matchesAny reports whether any form of a matches any form of b,
// case-insensitively.
func matchesAny(a, b string) bool {
	for _, fa := range candidateForms(a) {
		for _, fb := range candidateForms(b) {
			if strings.EqualFold(fa, fb) {
				return true
			}
		}
	}
	return false
}

// IsLocal applies the dispatch rule, in order:
//
//  1. "localhost" and "127.0.0.1" are local.
//  2. Any form of the name matching any form of the system hostname is local.
//  3. A config entry (looked up with normalization) whose IP appears in the
//     local interface set, or whose hostname matches the system hostname, is
//     local.
//
// Everything else is remote.
func IsLocal(name string, cfg *config.Config) bool {
	if name == "localhost" || name == "127.0.0.1" {
		return true
	}

	current, err := Current()
	if err == nil && matchesAny(name, current) {
		return true
	}

	if cfg == nil {
		return false
	}
	_, hc, ok := cfg.FindHost(name)
	if !ok {
		return false
	}
	if hc.IP != "" {
		for _, ip := range LocalIPv4s() {
			if ip == hc.IP {
				return true
			}
		}
	}
	if hc.Hostname != "" && err == nil && matchesAny(hc.Hostname, current) {
		return true
	}
	return false
}
