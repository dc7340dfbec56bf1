package trust

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver([]string{"10.0.0.0/8", "172.16.0.0/12", "127.0.0.1/32"})
	require.NoError(t, err)
	return r
}

func TestNewResolver_InvalidCIDR(t *testing.T) {
	_, err := NewResolver([]string{"10.0.0.0/8", "not-a-cidr"})
	assert.Error(t, err)
}

func TestResolve_DirectClient(t *testing.T) {
	r := newTestResolver(t)

	identity := r.Resolve("203.0.113.7:54321", "")

	assert.Equal(t, "203.0.113.7", identity.IP())
	assert.Equal(t, LevelDirect, identity.Trust)
	assert.Empty(t, identity.ProxyChain)
}

func TestResolve_UntrustedPeerIgnoresHeader(t *testing.T) {
	r := newTestResolver(t)

	// A direct client claiming to be someone else via X-Forwarded-For
	// must be attributed to its own peer address.
	identity := r.Resolve("203.0.113.7:54321", "198.51.100.1")

	assert.Equal(t, "203.0.113.7", identity.IP())
	assert.Equal(t, LevelDirect, identity.Trust)
}

func TestResolve_SingleTrustedProxy(t *testing.T) {
	r := newTestResolver(t)

	identity := r.Resolve("10.0.0.5:443", "203.0.113.7")

	assert.Equal(t, "203.0.113.7", identity.IP())
	assert.Equal(t, LevelProxied, identity.Trust)
}

func TestResolve_MultiHopChain(t *testing.T) {
	r := newTestResolver(t)

	// client, untrusted hop it prepended, then two trusted hops.
	identity := r.Resolve("10.0.0.5:443", "198.51.100.9, 203.0.113.7, 10.0.1.1, 10.0.2.2")

	// The walk stops at the first untrusted address: that is the client.
	// The entry to its left is client-controlled and must be ignored.
	assert.Equal(t, "203.0.113.7", identity.IP())
	assert.Equal(t, LevelProxied, identity.Trust)
}

func TestResolve_SpoofedPrefixDoesNotOverrideClient(t *testing.T) {
	r := newTestResolver(t)

	// The client itself sent "X-Forwarded-For: 1.2.3.4" before the
	// trusted proxy appended the real client address.
	identity := r.Resolve("10.0.0.5:443", "1.2.3.4, 203.0.113.7")

	assert.Equal(t, "203.0.113.7", identity.IP())
}

func TestResolve_MalformedHeaderFallsBackToPeer(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name string
		xff  string
	}{
		{"garbage", "not-an-ip"},
		{"trailing garbage", "203.0.113.7, banana"},
		{"empty entries", " , , "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := r.Resolve("10.0.0.5:443", tt.xff)
			assert.Equal(t, "10.0.0.5", identity.IP())
			assert.Equal(t, LevelDirect, identity.Trust)
		})
	}
}

func TestResolve_AllHopsTrusted(t *testing.T) {
	r := newTestResolver(t)

	// Internal traffic where every hop is in the trusted ranges: the
	// leftmost entry is the best client estimate.
	identity := r.Resolve("10.0.0.5:443", "10.9.9.9, 10.0.1.1")

	assert.Equal(t, "10.9.9.9", identity.IP())
	assert.Equal(t, LevelProxied, identity.Trust)
}

func TestResolve_UnparseablePeer(t *testing.T) {
	r := newTestResolver(t)

	identity := r.Resolve("@", "203.0.113.7")

	// The zero address is never trusted, so the header is ignored.
	assert.Equal(t, LevelDirect, identity.Trust)
	assert.Equal(t, netip.Addr{}, identity.Address)
}

func TestResolve_IPv6(t *testing.T) {
	r, err := NewResolver([]string{"fd00::/8"})
	require.NoError(t, err)

	identity := r.Resolve("[fd00::1]:8080", "2001:db8::7")

	assert.Equal(t, "2001:db8::7", identity.IP())
	assert.Equal(t, LevelProxied, identity.Trust)
}
