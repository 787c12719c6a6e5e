package grantd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterEvictsOnlyStaleVisitors(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Now()
	rl.nowFn = func() time.Time { return now }

	// Drain the active client's burst.
	active := rl.obtainLimiter("10.0.0.1")
	require.True(t, active.Allow())
	require.True(t, active.Allow())
	require.False(t, active.Allow())

	rl.obtainLimiter("10.0.0.2")

	// The active client keeps touching its bucket; the other goes idle.
	now = now.Add(visitorTTL / 2)
	got := rl.obtainLimiter("10.0.0.1")
	require.Same(t, active, got)

	// Past the TTL the sweep runs: the recently seen bucket survives
	// intact, the idle one is dropped.
	now = now.Add(visitorTTL/2 + time.Second)
	got = rl.obtainLimiter("10.0.0.1")
	require.Same(t, active, got, "active visitor bucket must survive the sweep")

	rl.mu.Lock()
	_, activeKept := rl.visitors["10.0.0.1"]
	_, idleKept := rl.visitors["10.0.0.2"]
	rl.mu.Unlock()
	require.True(t, activeKept)
	require.False(t, idleKept, "idle visitor should be evicted after the TTL")
}
