// Package trust resolves the real client network address from a request's
// peer address and forwarded headers, honoring only configured trusted
// proxy ranges. A client connecting directly cannot influence the
// resolved address through headers it controls.
package trust

import (
	"net/netip"
	"strings"
)

// Level describes how the client address was established.
type Level string

const (
	// LevelDirect means the address is the TCP peer itself.
	LevelDirect Level = "direct"
	// LevelProxied means the address was taken from a forwarded header
	// vouched for by trusted proxy hops.
	LevelProxied Level = "proxied"
)

// ClientIdentity is the per-request resolution result. It is created
// fresh for every request and never persisted.
type ClientIdentity struct {
	Address    netip.Addr
	Trust      Level
	ProxyChain []netip.Addr
}

// IP returns the resolved address in string form, suitable as a rate
// limit identifier.
func (c ClientIdentity) IP() string {
	return c.Address.String()
}

// Resolver resolves client identities against a fixed trusted proxy set.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver builds a resolver from trusted proxy CIDR ranges.
func NewResolver(cidrs []string) (*Resolver, error) {
	trusted := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, err
		}
		trusted = append(trusted, prefix)
	}
	return &Resolver{trusted: trusted}, nil
}

// Resolve determines the client address for a request. remoteAddr is the
// TCP peer ("ip:port" as in http.Request.RemoteAddr) and forwardedFor is
// the raw X-Forwarded-For header, possibly empty.
//
// The forwarded list is walked from the rightmost entry inward,
// consuming hops only while each consumed hop lies inside the trusted
// set. The first entry that is not a trusted hop is the client. If the
// peer itself is not trusted the header is ignored entirely, so a direct
// client claiming arbitrary addresses is attributed to its own peer
// address. Resolve never fails; a malformed header degrades to the last
// address established, worst case the peer itself.
func (r *Resolver) Resolve(remoteAddr, forwardedFor string) ClientIdentity {
	peer := parseHost(remoteAddr)

	if !r.isTrusted(peer) || forwardedFor == "" {
		return ClientIdentity{Address: peer, Trust: LevelDirect}
	}

	entries := strings.Split(forwardedFor, ",")
	client := peer
	chain := []netip.Addr{peer}
	proxied := false

	for i := len(entries) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(entries[i]))
		if err != nil {
			// Malformed entry: stop walking, keep what we have.
			break
		}
		client = addr
		proxied = true
		if !r.isTrusted(addr) {
			break
		}
		chain = append(chain, addr)
	}

	if !proxied {
		return ClientIdentity{Address: peer, Trust: LevelDirect}
	}
	return ClientIdentity{Address: client, Trust: LevelProxied, ProxyChain: chain}
}

func (r *Resolver) isTrusted(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, prefix := range r.trusted {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// parseHost extracts the address from "ip:port" or a bare IP. An
// unparseable input yields the zero Addr, which is never trusted.
func parseHost(remoteAddr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
