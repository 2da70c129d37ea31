package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

type ParticipantJoined struct {
	Channel     domain.ChannelID    `json:"channel"`
	Participant core.ParticipantDTO `json:"participant"`
}

type ParticipantLeft struct {
	Channel domain.ChannelID `json:"channel"`
	User    domain.UserID    `json:"user"`
}

type ProducerClosed struct {
	Channel  domain.ChannelID `json:"channel"`
	User     domain.UserID    `json:"user"`
	Producer string           `json:"producer"`
}

// JoinResult is the joinRoom acknowledgement.
type JoinResult struct {
	Room         domain.RoomName             `json:"room"`
	Channel      domain.ChannelID            `json:"channel"`
	Capabilities []webrtc.RTPCodecCapability `json:"capabilities"`
	Participants []core.ParticipantDTO       `json:"participants"`
}

// ChannelSnapshot is what a reconnecting client needs to redraw one room.
type ChannelSnapshot struct {
	Channel      domain.ChannelID      `json:"channel"`
	Participants []core.ParticipantDTO `json:"participants"`
}

// authorize resolves the channel and asks the permission resolver.
func (o *Orchestrator) authorize(ctx context.Context, actor domain.UserID, ch domain.ChannelID, action Action) (domain.Channel, error) {
	channel, err := o.Directory.Channel(ctx, ch)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel %s: %w", ch, err)
	}
	ok, err := o.Perms.Allowed(ctx, actor, channel.ServerID, ch, action)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("permission %s on %s: %w", action, ch, err)
	}
	if !ok {
		return domain.Channel{}, fmt.Errorf("%s may not %s in %s: %w", actor, action, ch, domain.ErrUnauthorized)
	}
	return channel, nil
}

// Join puts member into the room of ch after a permission check.
func (o *Orchestrator) Join(ctx context.Context, member domain.Member, ch domain.ChannelID) (JoinResult, error) {
	if _, err := o.authorize(ctx, member.User.ID, ch, ActionJoin); err != nil {
		return JoinResult{}, err
	}
	return o.join(ctx, member, ch)
}

func (o *Orchestrator) join(ctx context.Context, member domain.Member, ch domain.ChannelID) (JoinResult, error) {
	uid := member.User.ID
	name := domain.RoomNameFor(ch)
	rejoin := o.Rooms.HasParticipant(name, uid)
	if err := o.Rooms.RegisterParticipant(ctx, name, member); err != nil {
		return JoinResult{}, err
	}
	o.Presence.JoinChannel(uid, ch)

	caps, errCaps := o.Rooms.Capabilities(name)
	participants, errList := o.Rooms.ListParticipants(name)
	if err := errors.Join(errCaps, errList); err != nil {
		// The room closed under us; undo the presence side.
		o.Presence.LeaveChannel(uid, ch)
		return JoinResult{}, err
	}
	if !rejoin {
		for _, p := range participants {
			if p.ID == uid {
				o.Presence.BroadcastChannel(ch, EventParticipantJoined, ParticipantJoined{Channel: ch, Participant: p}, uid)
				break
			}
		}
	}
	o.logger.Info().Str("user", uid.String()).Str("room", string(name)).Bool("rejoin", rejoin).Msg("joined room")
	return JoinResult{Room: name, Channel: ch, Capabilities: caps, Participants: participants}, nil
}

// Leave is the voluntary leaveRoom.
func (o *Orchestrator) Leave(uid domain.UserID, ch domain.ChannelID) error {
	return o.removeFromChannel(uid, ch)
}

// removeFromChannel evicts uid from one room and the matching presence
// channel, then tells the remaining members.
func (o *Orchestrator) removeFromChannel(uid domain.UserID, ch domain.ChannelID) error {
	name := domain.RoomNameFor(ch)
	inPresence := slices.Contains(o.Presence.ChannelsOf(uid), ch)
	o.Presence.LeaveChannel(uid, ch)

	removal, err := o.Rooms.RemoveParticipant(name, uid)
	if err != nil && !(errors.Is(err, domain.ErrNotFound) && inPresence) {
		return err
	}
	for _, id := range removal.ProducerIDs {
		o.Presence.BroadcastChannel(ch, EventProducerClosed, ProducerClosed{Channel: ch, User: uid, Producer: id}, uid)
	}
	o.Presence.BroadcastChannel(ch, EventParticipantLeft, ParticipantLeft{Channel: ch, User: uid}, uid)
	o.logger.Info().Str("user", uid.String()).Str("room", string(name)).Bool("room_closed", removal.RoomClosed).Msg("left room")
	return nil
}

// evictRooms removes uid from every room and channel it occupies.
func (o *Orchestrator) evictRooms(uid domain.UserID) []domain.ChannelID {
	channels := o.Presence.ChannelsOf(uid)
	for _, name := range o.Rooms.RoomsOf(uid) {
		ch, err := name.Channel()
		if err != nil {
			o.logger.Error().Err(err).Str("room", string(name)).Msg("room without channel")
			continue
		}
		if !slices.Contains(channels, ch) {
			channels = append(channels, ch)
		}
	}
	slices.Sort(channels)
	for _, ch := range channels {
		if err := o.removeFromChannel(uid, ch); err != nil {
			o.logger.Warn().Err(err).Str("user", uid.String()).Str("channel", ch.String()).Msg("evict")
		}
	}
	return channels
}

// Sync returns a snapshot of every room uid is in.
func (o *Orchestrator) Sync(uid domain.UserID) []ChannelSnapshot {
	out := make([]ChannelSnapshot, 0)
	for _, ch := range o.Presence.ChannelsOf(uid) {
		participants, err := o.Rooms.ListParticipants(domain.RoomNameFor(ch))
		if err != nil {
			continue
		}
		out = append(out, ChannelSnapshot{Channel: ch, Participants: participants})
	}
	return out
}
