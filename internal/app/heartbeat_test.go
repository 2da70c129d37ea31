package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecore/internal/clock"
	"github.com/dkeye/voicecore/internal/core/coretest"
	"github.com/dkeye/voicecore/internal/domain"
)

type offlineRecorder struct {
	mu    sync.Mutex
	users []domain.UserID
}

func (r *offlineRecorder) record(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, uid)
}

func (r *offlineRecorder) calls() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.UserID(nil), r.users...)
}

func newSupervisor() (*Supervisor, *clock.FakeClock, *offlineRecorder) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	rec := &offlineRecorder{}
	return NewSupervisor(clk, 15*time.Second, 30*time.Second, rec.record), clk, rec
}

func TestSupervisorReconnectWithinGrace(t *testing.T) {
	s, clk, rec := newSupervisor()
	a, b := coretest.NewConn("a"), coretest.NewConn("b")

	assert.False(t, s.Connected(1, a))
	s.Disconnected(1, a.ID())
	assert.True(t, s.Pending(1))

	clk.Advance(10 * time.Second)
	assert.True(t, s.Connected(1, b), "came back before the timer fired")
	assert.False(t, s.Pending(1))

	clk.Advance(time.Minute)
	assert.Empty(t, rec.calls())
}

func TestSupervisorGraceExpiresOnce(t *testing.T) {
	s, clk, rec := newSupervisor()
	a := coretest.NewConn("a")
	s.Connected(1, a)
	s.Disconnected(1, a.ID())

	clk.Advance(29 * time.Second)
	assert.Empty(t, rec.calls())
	clk.Advance(time.Second)
	assert.Equal(t, []domain.UserID{1}, rec.calls())

	clk.Advance(time.Hour)
	assert.Equal(t, []domain.UserID{1}, rec.calls())
	assert.False(t, s.Pending(1))
}

func TestSupervisorNotLastConnectionArmsNothing(t *testing.T) {
	s, clk, rec := newSupervisor()
	a, b := coretest.NewConn("a"), coretest.NewConn("b")
	s.Connected(1, a)
	s.Connected(1, b)

	s.Disconnected(1, a.ID())
	assert.False(t, s.Pending(1))
	clk.Advance(time.Minute)
	assert.Empty(t, rec.calls())
}

func TestSupervisorSweepClosesStaleConnections(t *testing.T) {
	s, clk, rec := newSupervisor()
	stale, live := coretest.NewConn("stale"), coretest.NewConn("live")
	s.Connected(1, stale)
	s.Connected(2, live)

	clk.Advance(20 * time.Second)
	s.Ack(live.ID())
	clk.Advance(20 * time.Second)
	s.Sweep()

	assert.True(t, stale.Closed())
	assert.False(t, live.Closed())
	assert.Equal(t, 1, live.Count(EventPing))
	assert.Zero(t, stale.Count(EventPing))
	assert.Equal(t, []domain.UserID{1}, rec.calls(), "every connection of user 1 went stale")

	// The adapter notices the close later; that must not arm a second timer.
	s.Disconnected(1, stale.ID())
	assert.False(t, s.Pending(1))
	clk.Advance(time.Minute)
	assert.Equal(t, []domain.UserID{1}, rec.calls())
}

func TestSupervisorSweepKeepsUserWithLiveDevice(t *testing.T) {
	s, clk, rec := newSupervisor()
	phone, laptop := coretest.NewConn("phone"), coretest.NewConn("laptop")
	s.Connected(1, phone)
	clk.Advance(25 * time.Second)
	s.Connected(1, laptop)
	clk.Advance(10 * time.Second)

	s.Sweep()
	assert.True(t, phone.Closed())
	assert.False(t, laptop.Closed())
	assert.Empty(t, rec.calls())
}

func TestSupervisorRunPingsOnTick(t *testing.T) {
	s, clk, _ := newSupervisor()
	c := coretest.NewConn("a")
	s.Connected(1, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return clk.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	clk.Advance(15 * time.Second)
	assert.Eventually(t, func() bool { return c.Count(EventPing) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSupervisorCountsConnectionsPerUser(t *testing.T) {
	s, clk, rec := newSupervisor()
	old, fresh := coretest.NewConn("old"), coretest.NewConn("fresh")
	s.Connected(1, old)
	s.Connected(1, old)
	s.Connected(1, fresh)

	s.Disconnected(1, old.ID())
	assert.True(t, s.Online(1))
	assert.False(t, s.Pending(1), "fresh is still tracked")

	s.Disconnected(1, fresh.ID())
	assert.False(t, s.Online(1))
	assert.True(t, s.Pending(1))
	clk.Advance(30 * time.Second)
	assert.Equal(t, []domain.UserID{1}, rec.calls())
}
