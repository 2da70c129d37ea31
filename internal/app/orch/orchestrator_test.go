package orch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/clock"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/core/coretest"
	"github.com/dkeye/voicecore/internal/domain"
)

type openPolicy struct{}

func (openPolicy) Resolve(core.TransportOverrides) core.TransportOptions {
	return core.TransportOptions{ListenAddresses: []core.ListenAddress{{IP: "0.0.0.0"}}, EnableUDP: true}
}

type fakeDirectory map[domain.ChannelID]domain.Channel

func (d fakeDirectory) Channel(_ context.Context, id domain.ChannelID) (domain.Channel, error) {
	c, ok := d[id]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

type permKey struct {
	actor  domain.UserID
	action Action
}

// fakePerms allows everything that was not denied.
type fakePerms struct {
	mu     sync.Mutex
	denied map[permKey]bool
}

func (p *fakePerms) deny(actor domain.UserID, action Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied == nil {
		p.denied = make(map[permKey]bool)
	}
	p.denied[permKey{actor, action}] = true
}

func (p *fakePerms) Allowed(_ context.Context, actor domain.UserID, _ domain.ServerID, _ domain.ChannelID, action Action) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denied[permKey{actor, action}], nil
}

type harness struct {
	o     *Orchestrator
	eng   *coretest.Engine
	clk   *clock.FakeClock
	perms *fakePerms
}

const admin domain.UserID = 99

func newHarness(t *testing.T) *harness {
	t.Helper()
	eng := coretest.NewEngine()
	perms := &fakePerms{}
	dir := fakeDirectory{
		7: {ID: 7, ServerID: 1, Name: "lobby"},
		8: {ID: 8, ServerID: 1, Name: "afk"},
	}
	o := New(app.NewRoomManager(eng, openPolicy{}), app.NewPresence(nil), perms, dir)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	o.Supervisor = app.NewSupervisor(clk, 15*time.Second, 30*time.Second, o.Offline)
	return &harness{o: o, eng: eng, clk: clk, perms: perms}
}

func member(t *testing.T, id domain.UserID) domain.Member {
	t.Helper()
	u, err := domain.NewUser(id, "user-"+id.String())
	require.NoError(t, err)
	m, err := domain.NewMember(*u, "")
	require.NoError(t, err)
	return m
}

func (h *harness) connect(uid domain.UserID, id string) *coretest.Conn {
	c := coretest.NewConn(id)
	h.o.Connect(uid, c)
	return c
}

func (h *harness) join(t *testing.T, uid domain.UserID, ch domain.ChannelID) JoinResult {
	t.Helper()
	res, err := h.o.Join(context.Background(), member(t, uid), ch)
	require.NoError(t, err)
	return res
}

func (h *harness) publish(t *testing.T, uid domain.UserID, ch domain.ChannelID, kinds ...domain.MediaKind) []app.ProducerInfo {
	t.Helper()
	ctx := context.Background()
	tr, err := h.o.CreateTransport(ctx, uid, ch, domain.DirectionSend, core.TransportOverrides{})
	require.NoError(t, err)
	var out []app.ProducerInfo
	for _, k := range kinds {
		p, err := h.o.Produce(ctx, uid, ch, tr.ID, core.ProduceOptions{Kind: k})
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

// in reports room membership and fails if presence disagrees.
func (h *harness) in(t *testing.T, uid domain.UserID, ch domain.ChannelID) bool {
	t.Helper()
	inRoom := h.o.Rooms.HasParticipant(domain.RoomNameFor(ch), uid)
	inPresence := false
	for _, c := range h.o.Presence.ChannelsOf(uid) {
		if c == ch {
			inPresence = true
		}
	}
	require.Equal(t, inRoom, inPresence, "room and presence disagree on %s in %s", uid, ch)
	return inRoom
}

func TestEndToEndVoiceSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	connA := h.connect(1, "a")
	connB := h.connect(2, "b")

	res := h.join(t, 1, 7)
	assert.Equal(t, domain.RoomName("channel_7"), res.Room)
	assert.NotEmpty(t, res.Capabilities)
	require.Len(t, h.eng.Created(), 1)

	res = h.join(t, 2, 7)
	assert.Len(t, h.eng.Created(), 1, "second join reuses the room")
	assert.Len(t, res.Participants, 2)
	assert.Equal(t, 1, connA.Count(EventParticipantJoined))

	prod := h.publish(t, 1, 7, domain.KindAudio)[0]
	assert.Equal(t, 1, connB.Count(EventNewProducer))

	recv, err := h.o.CreateTransport(ctx, 2, 7, domain.DirectionRecv, core.TransportOverrides{})
	require.NoError(t, err)
	ci, err := h.o.Consume(ctx, 2, 7, recv.ID, prod.ID, core.ConsumeOptions{})
	require.NoError(t, err)
	assert.False(t, ci.ProducerPaused)

	_, err = h.o.Moderate(ctx, Command{Actor: admin, Action: ActionMute, Channel: 7, Target: 1})
	require.NoError(t, err)

	var consumer *coretest.Consumer
	for _, tr := range h.eng.Created()[0].Transports() {
		for _, c := range tr.Consumers() {
			if c.ID() == ci.ID {
				consumer = c
			}
		}
	}
	require.NotNil(t, consumer)
	assert.True(t, consumer.ProducerPaused())

	h.o.Disconnect(1, connA.ID())
	h.clk.Advance(30 * time.Second)
	assert.False(t, h.in(t, 1, 7))
	assert.Equal(t, 1, connB.Count(EventProducerClosed))
	assert.Equal(t, 1, connB.Count(EventParticipantLeft))
	assert.Len(t, h.o.Rooms.Rooms(), 1)

	require.NoError(t, h.o.Leave(2, 7))
	assert.Empty(t, h.o.Rooms.Rooms())
	assert.True(t, h.eng.Created()[0].Closed())
}

func TestJoinRequiresPermission(t *testing.T) {
	h := newHarness(t)
	h.perms.deny(1, ActionJoin)

	_, err := h.o.Join(context.Background(), member(t, 1), 7)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, h.eng.Created())
	assert.False(t, h.in(t, 1, 7))
}

func TestJoinUnknownChannel(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Join(context.Background(), member(t, 1), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.eng.Created())
}

func TestRejoinDoesNotAnnounceTwice(t *testing.T) {
	h := newHarness(t)
	other := h.connect(2, "b")
	h.join(t, 2, 7)
	h.join(t, 1, 7)
	h.join(t, 1, 7)
	assert.Equal(t, 1, other.Count(EventParticipantJoined))
}

func TestReconnectWithinGraceKeepsRooms(t *testing.T) {
	h := newHarness(t)
	a := h.connect(1, "a")
	watcher := h.connect(2, "b")
	assert.Equal(t, 1, a.Count(EventStatusChanged), "user 1 hears that user 2 came online")
	h.join(t, 1, 7)

	h.o.Disconnect(1, a.ID())
	h.clk.Advance(10 * time.Second)
	h.connect(1, "a2")
	h.clk.Advance(time.Minute)

	assert.True(t, h.in(t, 1, 7))
	assert.Zero(t, watcher.Count(EventStatusChanged))
}

func TestReloadRacingDisconnectStaysOnline(t *testing.T) {
	h := newHarness(t)
	old := h.connect(1, "old")
	watcher := h.connect(2, "b")
	h.join(t, 1, 7)

	// The new socket of a page reload lands between the old socket's
	// presence and supervisor bookkeeping.
	h.o.Presence.UnregisterConnection(1, old.ID())
	fresh := h.connect(1, "fresh")
	h.o.Supervisor.Disconnected(1, old.ID())
	h.clk.Advance(31 * time.Second)

	assert.True(t, h.o.Presence.IsOnline(1))
	assert.True(t, h.in(t, 1, 7))
	assert.Zero(t, watcher.Count(EventStatusChanged))
	require.Len(t, h.o.Presence.Connections(1), 1)
	assert.Equal(t, fresh.ID(), h.o.Presence.Connections(1)[0].ID())
}

func TestOfflineVerdictDroppedAfterReconnect(t *testing.T) {
	h := newHarness(t)
	a := h.connect(1, "a")
	watcher := h.connect(2, "b")
	h.join(t, 1, 7)
	h.o.Disconnect(1, a.ID())

	// The verdict was reached but the reconnect took the lock first.
	h.connect(1, "a2")
	h.o.Offline(1)

	assert.True(t, h.in(t, 1, 7))
	assert.True(t, h.o.Presence.IsOnline(1))
	assert.Zero(t, watcher.Count(EventStatusChanged))

	h.clk.Advance(time.Hour)
	assert.True(t, h.in(t, 1, 7))
}

func TestOfflineAnnouncedOnceAndEvictsEverywhere(t *testing.T) {
	h := newHarness(t)
	a := h.connect(1, "a")
	watcher := h.connect(2, "b")
	h.join(t, 1, 7)
	h.join(t, 1, 8)

	h.o.Disconnect(1, a.ID())
	h.clk.Advance(30 * time.Second)
	h.clk.Advance(time.Hour)

	assert.Equal(t, 1, watcher.Count(EventStatusChanged))
	assert.False(t, h.in(t, 1, 7))
	assert.False(t, h.in(t, 1, 8))
	assert.False(t, h.o.Presence.IsOnline(1))
	assert.Empty(t, h.o.Rooms.Rooms())
}

func TestCloseTransportAnnouncesProducers(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect(2, "b")
	h.join(t, 1, 7)
	h.join(t, 2, 7)
	h.publish(t, 1, 7, domain.KindAudio, domain.KindScreen)

	tr := h.eng.Created()[0].Transports()[0]
	require.NoError(t, h.o.CloseTransport(1, tr.ID()))
	assert.Equal(t, 2, watcher.Count(EventProducerClosed))

	assert.ErrorIs(t, h.o.CloseTransport(2, tr.ID()), domain.ErrNotFound)
}

func TestSyncReturnsEveryRoom(t *testing.T) {
	h := newHarness(t)
	h.join(t, 1, 7)
	h.join(t, 1, 8)
	h.join(t, 2, 8)

	snap := h.o.Sync(1)
	require.Len(t, snap, 2)
	assert.Equal(t, domain.ChannelID(7), snap[0].Channel)
	assert.Len(t, snap[1].Participants, 2)
	assert.Empty(t, h.o.Sync(3))
}
