package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
)

// fakeClock lets tests drive breaker time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	clock := newFakeClock()
	r := NewRegistry(cfg, nil, zap.NewNop())
	r.now = clock.now
	return r, clock
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(Config{}, nil, zap.NewNop())

	assert.Equal(t, 5, r.cfg.FailureThreshold, "zero threshold should fall back to default")
	assert.Equal(t, 60*time.Second, r.cfg.Window, "zero window should fall back to default")
	assert.Equal(t, 30*time.Second, r.cfg.Cooldown, "zero cooldown should fall back to default")
}

func TestAllowStartsClosed(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	assert.True(t, r.Allow("openai"), "a fresh breaker must admit requests")
	assert.Equal(t, domain.BreakerClosed, r.State("openai"))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		r.RecordOutcome("openai", false)
		assert.Equal(t, domain.BreakerClosed, r.State("openai"),
			"breaker must stay closed below the threshold")
	}

	r.RecordOutcome("openai", false)
	assert.Equal(t, domain.BreakerOpen, r.State("openai"),
		"the threshold-th failure must trip the breaker")
	assert.False(t, r.Allow("openai"), "an open breaker must reject requests")
}

func TestSuccessDoesNotResetWindowCount(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 3})

	r.RecordOutcome("openai", false)
	r.RecordOutcome("openai", false)
	r.RecordOutcome("openai", true)
	r.RecordOutcome("openai", false)

	assert.Equal(t, domain.BreakerOpen, r.State("openai"),
		"failures within the window count regardless of interleaved successes")
}

func TestFailuresOutsideWindowArePruned(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 3, Window: 10 * time.Second})

	r.RecordOutcome("openai", false)
	r.RecordOutcome("openai", false)

	clock.advance(11 * time.Second)
	r.RecordOutcome("openai", false)

	assert.Equal(t, domain.BreakerClosed, r.State("openai"),
		"failures older than the window must not count toward the threshold")
}

func TestOpenBreakerAdmitsProbeAfterCooldown(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})

	r.RecordOutcome("openai", false)
	require.Equal(t, domain.BreakerOpen, r.State("openai"))

	clock.advance(29 * time.Second)
	assert.False(t, r.Allow("openai"), "requests before cooldown expiry must be rejected")

	clock.advance(2 * time.Second)
	assert.True(t, r.Allow("openai"), "the first request after cooldown is the probe")
	assert.Equal(t, domain.BreakerHalfOpen, r.State("openai"))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second})

	r.RecordOutcome("openai", false)
	clock.advance(2 * time.Second)

	require.True(t, r.Allow("openai"), "probe slot should be granted")
	assert.False(t, r.Allow("openai"), "concurrent requests during the probe must be rejected")
	assert.False(t, r.Allow("openai"), "repeated requests during the probe must be rejected")
}

func TestProbeSuccessClosesBreaker(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second})

	r.RecordOutcome("openai", false)
	clock.advance(2 * time.Second)
	require.True(t, r.Allow("openai"))

	r.RecordOutcome("openai", true)
	assert.Equal(t, domain.BreakerClosed, r.State("openai"),
		"a successful probe must close the breaker")
	assert.True(t, r.Allow("openai"), "the closed breaker must admit requests again")

	// The failure history must be cleared; one new failure should not
	// re-trip a threshold-2 breaker.
	r2, clock2 := newTestRegistry(Config{FailureThreshold: 2, Cooldown: time.Second})
	r2.RecordOutcome("x", false)
	r2.RecordOutcome("x", false)
	clock2.advance(2 * time.Second)
	require.True(t, r2.Allow("x"))
	r2.RecordOutcome("x", true)
	r2.RecordOutcome("x", false)
	assert.Equal(t, domain.BreakerClosed, r2.State("x"),
		"recovery must clear the failure window")
}

func TestProbeFailureRestartsCooldown(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: 10 * time.Second})

	r.RecordOutcome("openai", false)
	clock.advance(11 * time.Second)
	require.True(t, r.Allow("openai"))

	r.RecordOutcome("openai", false)
	assert.Equal(t, domain.BreakerOpen, r.State("openai"),
		"a failed probe must reopen the breaker")

	clock.advance(9 * time.Second)
	assert.False(t, r.Allow("openai"), "the cooldown must restart from the failed probe")

	clock.advance(2 * time.Second)
	assert.True(t, r.Allow("openai"), "a fresh probe is admitted after the restarted cooldown")
}

func TestReleaseProbeFreesHalfOpenSlot(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second})

	r.RecordOutcome("openai", false)
	clock.advance(2 * time.Second)
	require.True(t, r.Allow("openai"), "cooldown expiry admits the probe")
	require.False(t, r.Allow("openai"), "the probe slot is held")

	// The admitted request was skipped before any outbound call; handing
	// the slot back must let the next caller probe instead.
	r.ReleaseProbe("openai")
	assert.Equal(t, domain.BreakerHalfOpen, r.State("openai"))
	assert.True(t, r.Allow("openai"), "a released slot must be grantable again")
}

func TestReleaseProbeThenSuccessfulProbeCloses(t *testing.T) {
	r, clock := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Second})

	r.RecordOutcome("openai", false)
	clock.advance(2 * time.Second)
	require.True(t, r.Allow("openai"))
	r.ReleaseProbe("openai")

	require.True(t, r.Allow("openai"))
	r.RecordOutcome("openai", true)
	assert.Equal(t, domain.BreakerClosed, r.State("openai"),
		"recovery must still work after a released admission")
}

func TestReleaseProbeOutsideHalfOpenIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})

	r.ReleaseProbe("openai")
	assert.Equal(t, domain.BreakerClosed, r.State("openai"))
	assert.True(t, r.Allow("openai"))

	r.RecordOutcome("openai", false)
	r.ReleaseProbe("openai")
	assert.Equal(t, domain.BreakerOpen, r.State("openai"),
		"releasing while open must not disturb the cooldown")
	assert.False(t, r.Allow("openai"))
}

func TestLateOutcomesWhileOpenAreIgnored(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})

	r.RecordOutcome("openai", false)
	require.Equal(t, domain.BreakerOpen, r.State("openai"))

	// Outcomes from calls admitted before the trip must not disturb the
	// open state or the cooldown.
	r.RecordOutcome("openai", true)
	r.RecordOutcome("openai", false)
	assert.Equal(t, domain.BreakerOpen, r.State("openai"))
	assert.False(t, r.Allow("openai"))
}

func TestBreakersAreIndependentPerProvider(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 1})

	r.RecordOutcome("openai", false)
	assert.Equal(t, domain.BreakerOpen, r.State("openai"))
	assert.Equal(t, domain.BreakerClosed, r.State("anthropic"),
		"one provider's failures must not affect another's breaker")
	assert.True(t, r.Allow("anthropic"))
}

func TestPruneOlderThan(t *testing.T) {
	base := time.Unix(1700000000, 0)
	ts := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}

	pruned := pruneOlderThan(ts, base.Add(time.Second))
	require.Len(t, pruned, 2)
	assert.Equal(t, base.Add(time.Second), pruned[0])

	assert.Len(t, pruneOlderThan(pruned, base.Add(time.Minute)), 0,
		"a cutoff past every entry must empty the slice")
}
