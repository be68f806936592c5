package service

import "github.com/nodepassproject/npctl/internal/model"

// Peer type codes written to instance metadata. The load-balanced variants
// are used when a service forwards to more than one target.
const (
	codeDirect         = "0"
	codeNAT            = "1"
	codeTunnel         = "2"
	codeNATAlt         = "3"
	codeTunnelExternal = "4"
	codeDirectBalanced = "5"
	codeNATBalanced    = "6"
	codeTunnelBalanced = "7"
)

func isDirectCode(code string) bool {
	return code == codeDirect || code == codeDirectBalanced
}

// pairFamily maps a two-instance code to its topology.
func pairFamily(code string) (model.ServiceType, bool) {
	switch code {
	case codeNAT, codeNATAlt, codeNATBalanced:
		return model.NATPassthrough, true
	case codeTunnel, codeTunnelBalanced:
		return model.TunnelForward, true
	case codeTunnelExternal:
		return model.TunnelForwardExternal, true
	}
	return "", false
}

// PeerTypeCode is the code written for a service of type t.
func PeerTypeCode(t model.ServiceType, balanced bool) string {
	switch t {
	case model.DirectForward:
		if balanced {
			return codeDirectBalanced
		}
		return codeDirect
	case model.NATPassthrough:
		if balanced {
			return codeNATBalanced
		}
		return codeNAT
	case model.TunnelForward:
		if balanced {
			return codeTunnelBalanced
		}
		return codeTunnel
	case model.TunnelForwardExternal:
		return codeTunnelExternal
	}
	return ""
}
