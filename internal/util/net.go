package util

import (
	"net/url"
	"strings"
)

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",         "0.0.0.0") → "0.0.0.0"
//	NormalizeAddr("10.0.0.1", "0.0.0.0") → "10.0.0.1"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// HostOf returns the host name of a master API URL, which is also the address
// other instances dial to reach tunnels hosted on that master.
func HostOf(apiURL string) string {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsPlainHTTP reports whether apiURL would send credentials unencrypted to a
// non-loopback host.
func IsPlainHTTP(apiURL string) bool {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}
