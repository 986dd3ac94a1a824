package bruteguard

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T) (*Guard, *quartz.Mock) {
	clock := quartz.NewMock(t)
	return New(Config{
		Window:      10 * time.Minute,
		MaxFails:    3,
		Cooldown:    time.Minute,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
		Clock:       clock,
	}), clock
}

func TestBackoffThenCooldown(t *testing.T) {
	ctx := context.Background()
	g, clock := newGuard(t)

	ok, _ := g.Allow("10.0.0.1")
	require.True(t, ok)

	g.Fail("10.0.0.1")
	ok, wait := g.Allow("10.0.0.1")
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	clock.Advance(time.Second).MustWait(ctx)
	ok, _ = g.Allow("10.0.0.1")
	require.True(t, ok)

	g.Fail("10.0.0.1")
	_, wait = g.Allow("10.0.0.1")
	require.Equal(t, 2*time.Second, wait)

	clock.Advance(2 * time.Second).MustWait(ctx)
	g.Fail("10.0.0.1")
	ok, wait = g.Allow("10.0.0.1")
	require.False(t, ok)
	require.Equal(t, time.Minute, wait)

	ok, _ = g.Allow("10.0.0.2")
	require.True(t, ok)

	keys, blocked := g.Stats()
	require.Equal(t, 1, keys)
	require.Equal(t, 1, blocked)
}

func TestSuccessClears(t *testing.T) {
	g, _ := newGuard(t)
	g.Fail("10.0.0.1")
	g.Success("10.0.0.1")
	ok, _ := g.Allow("10.0.0.1")
	require.True(t, ok)
}

func TestWindowRestartsCount(t *testing.T) {
	ctx := context.Background()
	g, clock := newGuard(t)
	g.Fail("10.0.0.1")
	g.Fail("10.0.0.1")
	clock.Advance(11 * time.Minute).MustWait(ctx)

	// counted from one again, so no cooldown yet
	g.Fail("10.0.0.1")
	_, wait := g.Allow("10.0.0.1")
	require.Equal(t, time.Second, wait)
}
