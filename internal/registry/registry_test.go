package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/wire"
)

func strPtr(s string) *string { return &s }

func newTestRegistry() *Registry {
	return New(Config{
		Domain:         "tunnel.example.com",
		TCPPortMin:     20000,
		TCPPortMax:     20010,
		ReservationTTL: 50 * time.Millisecond,
	})
}

func TestAllocateHTTPExplicitSubdomain(t *testing.T) {
	reg := newTestRegistry()

	endpoints, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}}, "tunnel-1")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "http://myapp.tunnel.example.com", endpoints[0].URL)
}

func TestAllocateHTTPConflict(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}}, "tunnel-1")
	require.NoError(t, err)

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("myapp")}}, "tunnel-2")
	assert.ErrorContains(t, err, "already in use")
}

func TestAllocateAtomicAllOrNothing(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("taken")}}, "tunnel-1")
	require.NoError(t, err)

	_, err = reg.Allocate([]wire.ProtocolSpec{
		{Type: "tcp", Port: 20001},
		{Type: "http", Subdomain: strPtr("taken")},
	}, "tunnel-2")
	require.Error(t, err)

	_, ok := reg.LookupTCP(20001)
	assert.False(t, ok, "tcp port must not be committed when a later descriptor in the same Allocate call conflicts")
}

func TestReservationContinuity(t *testing.T) {
	reg := newTestRegistry()

	endpoints, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("demo")}}, "tunnel-3")
	require.NoError(t, err)
	original := endpoints[0]

	reg.Release("tunnel-3", time.Hour)

	_, ok := reg.LookupHost("demo")
	assert.False(t, ok, "reserved route must not resolve for new traffic")

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "tcp", Port: 20002}}, "other-tunnel")
	require.NoError(t, err, "unrelated keys must remain allocatable while demo is reserved")

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("demo")}}, "intruder")
	assert.Error(t, err, "a different tunnel must not claim a reserved key within the TTL")

	reallocated, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("demo")}}, "tunnel-3")
	require.NoError(t, err)
	assert.Equal(t, original, reallocated[0])
}

func TestReservationExpiry(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("stale")}}, "tunnel-4")
	require.NoError(t, err)

	reg.Release("tunnel-4", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	reg.ExpireNow(time.Now())

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("stale")}}, "new-owner")
	assert.NoError(t, err, "key must be claimable by any tunnel once the reservation TTL has elapsed")
}

func TestSNIWildcardLongestSuffixMatch(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "tls", SNIPattern: "*.example.com"}}, "wildcard-tunnel")
	require.NoError(t, err)
	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "tls", SNIPattern: "api.example.com"}}, "exact-tunnel")
	require.NoError(t, err)

	entry, ok := reg.LookupSNI("api.example.com")
	require.True(t, ok)
	assert.Equal(t, "exact-tunnel", entry.TunnelID)

	entry, ok = reg.LookupSNI("web.example.com")
	require.True(t, ok)
	assert.Equal(t, "wildcard-tunnel", entry.TunnelID)

	_, ok = reg.LookupSNI("example.com")
	assert.False(t, ok, "the bare domain must not match a *.example.com pattern")
}

func TestAllocateTCPPortRangeExhausted(t *testing.T) {
	reg := New(Config{Domain: "tunnel.example.com", TCPPortMin: 30000, TCPPortMax: 30001})

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "tcp"}}, "t1")
	require.NoError(t, err)
	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "tcp"}}, "t2")
	require.NoError(t, err)

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "tcp"}}, "t3")
	assert.Error(t, err)
}

func TestAllocateHTTPAutoAssignedSubdomain(t *testing.T) {
	reg := newTestRegistry()

	endpoints, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http"}}, "tunnel-auto")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Contains(t, endpoints[0].URL, ".tunnel.example.com")
}

func TestReleaseNowFreesRouteImmediately(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("bye")}}, "tunnel-5")
	require.NoError(t, err)

	reg.ReleaseNow("tunnel-5")

	_, ok := reg.LookupHost("bye")
	assert.False(t, ok)

	_, err = reg.Allocate([]wire.ProtocolSpec{{Type: "http", Subdomain: strPtr("bye")}}, "new-owner")
	assert.NoError(t, err, "an explicit disconnect must not leave the route reserved")
}

func TestBindCustomDomain(t *testing.T) {
	reg := newTestRegistry()

	err := reg.BindCustomDomain("app.example.org", "tunnel-6", 0, wire.Endpoint{Protocol: "https", URL: "https://app.example.org"})
	require.NoError(t, err)

	entry, ok := reg.LookupCustomDomain("app.example.org")
	require.True(t, ok)
	assert.Equal(t, "tunnel-6", entry.TunnelID)

	err = reg.BindCustomDomain("app.example.org", "intruder", 0, wire.Endpoint{})
	assert.Error(t, err, "a live owner's custom domain must not be reassignable")
}
