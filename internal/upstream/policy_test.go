package upstream

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEndpoints(t *testing.T, weights ...int) []*Endpoint {
	t.Helper()
	endpoints := make([]*Endpoint, len(weights))
	for i, w := range weights {
		u, err := url.Parse("http://10.0.0." + string(rune('1'+i)) + ":8080")
		require.NoError(t, err)
		endpoints[i] = NewEndpoint(u, w)
		endpoints[i].MarkHealthy()
	}
	return endpoints
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	endpoints := testEndpoints(t, 1, 1, 1)
	rr := &RoundRobin{}
	now := time.Now()

	first, err := rr.Select(endpoints, now)
	require.NoError(t, err)

	endpoints[1].MarkUnhealthy(now)

	seen := map[*Endpoint]bool{}
	for i := 0; i < 6; i++ {
		h, err := rr.Select(endpoints, now)
		require.NoError(t, err)
		seen[h] = true
	}
	require.False(t, seen[endpoints[1]], "round robin must skip the unhealthy endpoint")
	_ = first
}

func TestWeightedDistributesProportionally(t *testing.T) {
	endpoints := testEndpoints(t, 3, 1)
	w := &Weighted{}
	now := time.Now()

	counts := map[*Endpoint]int{}
	const n = 100
	for i := 0; i < n; i++ {
		h, err := w.Select(endpoints, now)
		require.NoError(t, err)
		counts[h]++
	}

	// |c_i - N*w_i/sum(w)| <= 1, per SPEC_FULL.md §8.
	wantA := n * 3 / 4
	wantB := n * 1 / 4
	require.InDelta(t, wantA, counts[endpoints[0]], 1)
	require.InDelta(t, wantB, counts[endpoints[1]], 1)
}

func TestLeastConnectionPicksFewestActive(t *testing.T) {
	endpoints := testEndpoints(t, 1, 1, 1)
	endpoints[0].Acquire()
	endpoints[0].Acquire()
	endpoints[1].Acquire()

	lc := &LeastConnection{}
	h, err := lc.Select(endpoints, time.Now())
	require.NoError(t, err)
	require.Same(t, endpoints[2], h)
}

func TestLeastConnectionTieBreaksOnWeight(t *testing.T) {
	endpoints := testEndpoints(t, 1, 5)
	lc := &LeastConnection{}
	h, err := lc.Select(endpoints, time.Now())
	require.NoError(t, err)
	require.Same(t, endpoints[1], h, "equal active_conns should prefer the higher-weight endpoint")
}

func TestAllUnhealthyFails(t *testing.T) {
	endpoints := testEndpoints(t, 1, 1)
	now := time.Now()
	endpoints[0].MarkUnhealthy(now)
	endpoints[1].MarkUnhealthy(now)

	rr := &RoundRobin{}
	_, err := rr.Select(endpoints, now)
	require.ErrorIs(t, err, ErrNoneAvailable)
}

func TestActiveConnsNeverNegative(t *testing.T) {
	e := testEndpoints(t, 1)[0]
	e.Release()
	require.GreaterOrEqual(t, e.ActiveConns(), int64(0))
}

func TestUnhealthyCooldownEventuallyEligible(t *testing.T) {
	endpoints := testEndpoints(t, 1, 1)
	base := time.Now()
	endpoints[0].MarkUnhealthy(base)

	rr := &RoundRobin{}
	// immediately after marking unhealthy, endpoint 0 is not eligible
	for i := 0; i < 4; i++ {
		h, err := rr.Select(endpoints, base)
		require.NoError(t, err)
		require.NotSame(t, endpoints[0], h)
	}

	// well past the cooldown window, it becomes selectable again
	later := base.Add(10 * time.Minute)
	require.True(t, endpoints[0].EligibleForProbe(later))
}
