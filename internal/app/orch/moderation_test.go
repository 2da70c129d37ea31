package orch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

func TestMuteAppliesToEveryDevice(t *testing.T) {
	h := newHarness(t)
	phone, laptop := h.connect(1, "phone"), h.connect(1, "laptop")
	watcher := h.connect(2, "watcher")
	h.join(t, 1, 7)
	h.join(t, 2, 7)
	prods := h.publish(t, 1, 7, domain.KindAudio, domain.KindScreen)

	out, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMute, Channel: 7, Target: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{prods[0].ID, prods[1].ID}, out.Producers)

	assert.Equal(t, 1, phone.Count(EventModerated))
	assert.Equal(t, 1, laptop.Count(EventModerated))
	assert.Equal(t, 1, watcher.Count(EventParticipantMuted))

	list, err := h.o.Rooms.ListParticipants(domain.RoomNameFor(7))
	require.NoError(t, err)
	require.Equal(t, domain.UserID(1), list[0].ID)
	assert.True(t, list[0].Muted)
	for _, p := range list[0].Producers {
		assert.True(t, p.Paused, p.ID)
	}

	_, err = h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionUnmute, Channel: 7, Target: 1})
	require.NoError(t, err)
	list, _ = h.o.Rooms.ListParticipants(domain.RoomNameFor(7))
	assert.False(t, list[0].Muted)
	assert.False(t, list[0].Producers[0].Paused)
}

func TestMuteIsIdempotentAndAllowsNoProducers(t *testing.T) {
	h := newHarness(t)
	h.join(t, 1, 7)
	cmd := Command{Actor: admin, Action: ActionMute, Channel: 7, Target: 1}

	out, err := h.o.Moderate(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, out.Producers)
	_, err = h.o.Moderate(context.Background(), cmd)
	assert.NoError(t, err)
}

func TestMuteUnknownParticipant(t *testing.T) {
	h := newHarness(t)
	h.join(t, 2, 7)
	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMute, Channel: 7, Target: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestModerationDeniedChangesNothing(t *testing.T) {
	h := newHarness(t)
	target := h.connect(1, "a")
	h.join(t, 1, 7)
	prod := h.publish(t, 1, 7, domain.KindAudio)[0]
	h.perms.deny(5, ActionMute)
	h.perms.deny(5, ActionKick)

	_, err := h.o.Moderate(context.Background(), Command{Actor: 5, Action: ActionMute, Channel: 7, Target: 1})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.o.Moderate(context.Background(), Command{Actor: 5, Action: ActionKick, Channel: 7, Target: 1})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	list, _ := h.o.Rooms.ListParticipants(domain.RoomNameFor(7))
	require.Len(t, list, 1)
	assert.False(t, list[0].Muted)
	assert.Equal(t, prod.ID, list[0].Producers[0].ID)
	assert.Zero(t, target.Count(EventModerated))
}

func TestModerateRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: "teleport", Channel: 7, Target: 1})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestRemoveFromTalkLeavesOtherRooms(t *testing.T) {
	h := newHarness(t)
	target := h.connect(1, "a")
	h.join(t, 1, 7)
	h.join(t, 1, 8)

	out, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionRemove, Channel: 7, Target: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.ChannelID{7}, out.Channels)
	assert.False(t, h.in(t, 1, 7))
	assert.True(t, h.in(t, 1, 8))
	assert.Equal(t, 1, target.Count(EventModerated))

	_, err = h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionRemove, Channel: 7, Target: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKickEvictsEverywhereButKeepsConnections(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(1, "a"), h.connect(1, "b")
	h.join(t, 1, 7)
	h.join(t, 1, 8)

	out, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionKick, Channel: 7, Target: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.ChannelID{7, 8}, out.Channels)
	assert.False(t, h.in(t, 1, 7))
	assert.False(t, h.in(t, 1, 8))
	assert.Empty(t, h.o.Rooms.Rooms())
	assert.False(t, a.Closed())
	assert.Equal(t, 1, b.Count(EventModerated))
	assert.True(t, h.o.Presence.IsOnline(1))
}

func TestBanClosesEveryConnection(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(1, "a"), h.connect(1, "b")
	h.join(t, 1, 7)

	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionBan, Channel: 7, Target: 1})
	require.NoError(t, err)
	assert.False(t, h.in(t, 1, 7))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 1, a.Count(EventModerated), "told before the connection closed")
}

func TestMoveEndsInExactlyOneRoom(t *testing.T) {
	h := newHarness(t)
	target := h.connect(1, "a")
	watcher := h.connect(2, "b")
	h.join(t, 2, 8)
	h.join(t, 1, 7)
	h.publish(t, 1, 7, domain.KindAudio)

	out, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMove, Channel: 7, Target: 1, Destination: 8})
	require.NoError(t, err)
	assert.Equal(t, []domain.ChannelID{8}, out.Channels)
	assert.False(t, h.in(t, 1, 7))
	assert.True(t, h.in(t, 1, 8))
	assert.Equal(t, 1, target.Count(EventModerated))
	assert.Equal(t, 1, watcher.Count(EventParticipantJoined))

	list, err := h.o.Rooms.ListParticipants(domain.RoomNameFor(8))
	require.NoError(t, err)
	assert.Equal(t, "user-1", list[0].Username)
}

func TestMoveKeepsMute(t *testing.T) {
	h := newHarness(t)
	h.connect(1, "a")
	watcher := h.connect(2, "b")
	h.join(t, 2, 8)
	h.join(t, 1, 7)
	h.publish(t, 1, 7, domain.KindAudio)
	ctx := context.Background()
	_, err := h.o.Moderate(ctx, Command{Actor: admin, Action: ActionMute, Channel: 7, Target: 1})
	require.NoError(t, err)

	_, err = h.o.Moderate(ctx, Command{Actor: admin, Action: ActionMove, Channel: 7, Target: 1, Destination: 8})
	require.NoError(t, err)

	list, err := h.o.Rooms.ListParticipants(domain.RoomNameFor(8))
	require.NoError(t, err)
	var moved core.ParticipantDTO
	for _, p := range list {
		if p.ID == 1 {
			moved = p
		}
	}
	assert.True(t, moved.Muted)
	assert.Equal(t, 1, watcher.Count(EventParticipantMuted))

	// Tracks published after the move start paused.
	prods := h.publish(t, 1, 8, domain.KindAudio)
	assert.True(t, prods[0].Paused)
}

func TestMoveFailureLeavesTargetInNeitherRoom(t *testing.T) {
	h := newHarness(t)
	target := h.connect(1, "a")
	h.join(t, 1, 7)
	h.eng.FailRouters(errors.New("worker unreachable"))

	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMove, Channel: 7, Target: 1, Destination: 8})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, h.in(t, 1, 7))
	assert.False(t, h.in(t, 1, 8))
	assert.Equal(t, 1, target.Count(EventModerated))
}

func TestMoveRequiresPermissionOnDestination(t *testing.T) {
	h := newHarness(t)
	h.join(t, 1, 7)
	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMove, Channel: 7, Target: 1, Destination: 404})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, h.in(t, 1, 7))
}

func TestMoveToSameChannelIsNoop(t *testing.T) {
	h := newHarness(t)
	h.join(t, 1, 7)
	_, err := h.o.Moderate(context.Background(), Command{Actor: admin, Action: ActionMove, Channel: 7, Target: 1, Destination: 7})
	require.NoError(t, err)
	assert.True(t, h.in(t, 1, 7))
	assert.Len(t, h.eng.Created(), 1)
}
