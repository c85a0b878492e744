package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTunnelsGaugeTracksCreatedAndRemoved(t *testing.T) {
	t.Parallel()

	m := New()
	m.OnTunnelCreated("abcd")
	m.OnTunnelCreated("wxyz")
	if got := testutil.ToFloat64(m.tunnels); got != 2 {
		t.Fatalf("tunnels gauge = %v, want 2", got)
	}

	m.OnTunnelRemoved("abcd")
	if got := testutil.ToFloat64(m.tunnels); got != 1 {
		t.Fatalf("tunnels gauge = %v, want 1", got)
	}
}

func TestConnectedSocketsGaugeIsPerTunnel(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetConnectedSockets("abcd", 3)
	m.SetConnectedSockets("wxyz", 1)

	if got := testutil.ToFloat64(m.connectedSockets.WithLabelValues("abcd")); got != 3 {
		t.Fatalf("abcd sockets = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.connectedSockets.WithLabelValues("wxyz")); got != 1 {
		t.Fatalf("wxyz sockets = %v, want 1", got)
	}
}

func TestRequestsTotalLabeledByOutcome(t *testing.T) {
	t.Parallel()

	m := New()
	m.OnRequest(OutcomeOK)
	m.OnRequest(OutcomeOK)
	m.OnRequest(OutcomeNoTunnel)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(OutcomeOK)); got != 2 {
		t.Fatalf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(OutcomeNoTunnel)); got != 1 {
		t.Fatalf("no_tunnel count = %v, want 1", got)
	}
}

func TestPoolEvictionsTotal(t *testing.T) {
	t.Parallel()

	m := New()
	m.OnPoolEvicted("abcd")
	m.OnPoolEvicted("abcd")

	if got := testutil.ToFloat64(m.poolEvictionTotal); got != 2 {
		t.Fatalf("evictions = %v, want 2", got)
	}
}
