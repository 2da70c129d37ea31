package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

type Action string

const (
	ActionJoin   Action = "join"
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
	ActionRemove Action = "remove"
	ActionMove   Action = "move"
	ActionKick   Action = "kick"
	ActionBan    Action = "ban"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionMute, ActionUnmute, ActionRemove, ActionMove, ActionKick, ActionBan:
		return a, nil
	}
	return "", fmt.Errorf("moderation action %q: %w", s, domain.ErrBadRequest)
}

// Command is a moderation intent issued by Actor against Target in Channel.
// Destination is only used by move.
type Command struct {
	Actor       domain.UserID    `json:"actor"`
	Action      Action           `json:"action"`
	Channel     domain.ChannelID `json:"channel"`
	Target      domain.UserID    `json:"target"`
	Destination domain.ChannelID `json:"destination,omitempty"`
}

// Outcome reports what a moderation command changed.
type Outcome struct {
	Action    Action             `json:"action"`
	Target    domain.UserID      `json:"target"`
	Producers []string           `json:"producers,omitempty"`
	Channels  []domain.ChannelID `json:"channels,omitempty"`
}

// Moderated is pushed to every connection of the target.
type Moderated struct {
	Action      Action           `json:"action"`
	Channel     domain.ChannelID `json:"channel"`
	By          domain.UserID    `json:"by"`
	Destination domain.ChannelID `json:"destination,omitempty"`
	Producers   []string         `json:"producers,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type ParticipantMuted struct {
	Channel domain.ChannelID `json:"channel"`
	User    domain.UserID    `json:"user"`
	Muted   bool             `json:"muted"`
}

// Moderate applies cmd to the media plane and the presence plane. The
// permission resolver is asked first; a denial changes nothing.
func (o *Orchestrator) Moderate(ctx context.Context, cmd Command) (Outcome, error) {
	if _, err := ParseAction(string(cmd.Action)); err != nil {
		return Outcome{}, err
	}
	if _, err := o.authorize(ctx, cmd.Actor, cmd.Channel, cmd.Action); err != nil {
		return Outcome{}, err
	}
	if cmd.Action == ActionMove {
		if _, err := o.authorize(ctx, cmd.Actor, cmd.Destination, ActionMove); err != nil {
			return Outcome{}, err
		}
	}

	logger := o.logger.With().
		Str("action", string(cmd.Action)).
		Str("actor", cmd.Actor.String()).
		Str("user", cmd.Target.String()).
		Str("channel", cmd.Channel.String()).
		Logger()

	var out Outcome
	var err error
	switch cmd.Action {
	case ActionMute, ActionUnmute:
		out, err = o.setMuted(cmd)
	case ActionRemove:
		out, err = o.removeFromTalk(cmd)
	case ActionKick, ActionBan:
		out = o.kick(cmd)
	case ActionMove:
		out, err = o.move(ctx, cmd)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("moderation failed")
		return Outcome{}, err
	}
	logger.Info().Strs("producers", out.Producers).Msg("moderation applied")
	return out, nil
}

func (o *Orchestrator) setMuted(cmd Command) (Outcome, error) {
	name := domain.RoomNameFor(cmd.Channel)
	muted := cmd.Action == ActionMute
	var ids []string
	var err error
	if muted {
		ids, err = o.Rooms.MuteParticipant(name, cmd.Target)
	} else {
		ids, err = o.Rooms.UnmuteParticipant(name, cmd.Target)
	}
	if err != nil {
		return Outcome{}, err
	}
	o.notify(cmd, Moderated{Producers: ids})
	o.Presence.BroadcastChannel(cmd.Channel, EventParticipantMuted, ParticipantMuted{Channel: cmd.Channel, User: cmd.Target, Muted: muted}, cmd.Target)
	return Outcome{Action: cmd.Action, Target: cmd.Target, Producers: ids, Channels: []domain.ChannelID{cmd.Channel}}, nil
}

func (o *Orchestrator) removeFromTalk(cmd Command) (Outcome, error) {
	if err := o.removeFromChannel(cmd.Target, cmd.Channel); err != nil {
		return Outcome{}, err
	}
	o.notify(cmd, Moderated{})
	return Outcome{Action: cmd.Action, Target: cmd.Target, Channels: []domain.ChannelID{cmd.Channel}}, nil
}

// kick evicts the target from every room on this node. A ban also closes
// every signaling connection of the target; membership in the directory
// store is the caller's business.
func (o *Orchestrator) kick(cmd Command) Outcome {
	o.notify(cmd, Moderated{})
	channels := o.evictRooms(cmd.Target)
	if cmd.Action == ActionBan {
		for _, c := range o.Presence.Connections(cmd.Target) {
			c.Close()
		}
	}
	return Outcome{Action: cmd.Action, Target: cmd.Target, Channels: channels}
}

// move takes the target out of the source room and joins it to the
// destination. If the destination join fails the target stays out of both.
func (o *Orchestrator) move(ctx context.Context, cmd Command) (Outcome, error) {
	out := Outcome{Action: cmd.Action, Target: cmd.Target, Channels: []domain.ChannelID{cmd.Destination}}
	if cmd.Destination == cmd.Channel {
		if !o.Rooms.HasParticipant(domain.RoomNameFor(cmd.Channel), cmd.Target) {
			return Outcome{}, fmt.Errorf("%s not in %s: %w", cmd.Target, cmd.Channel, domain.ErrNotFound)
		}
		return out, nil
	}
	p, err := o.participantOf(cmd.Channel, cmd.Target)
	if err != nil {
		return Outcome{}, err
	}
	if err := o.removeFromChannel(cmd.Target, cmd.Channel); err != nil {
		return Outcome{}, err
	}
	if _, err := o.join(ctx, memberFromDTO(p), cmd.Destination); err != nil {
		o.notify(cmd, Moderated{Destination: cmd.Destination, Error: domain.Code(err)})
		return Outcome{}, fmt.Errorf("join %s: %w", cmd.Destination, err)
	}
	// A muted user stays muted in the destination.
	if p.Muted {
		if _, err := o.Rooms.MuteParticipant(domain.RoomNameFor(cmd.Destination), cmd.Target); err != nil {
			return Outcome{}, err
		}
		o.Presence.BroadcastChannel(cmd.Destination, EventParticipantMuted, ParticipantMuted{Channel: cmd.Destination, User: cmd.Target, Muted: true}, cmd.Target)
	}
	o.notify(cmd, Moderated{Destination: cmd.Destination})
	return out, nil
}

func (o *Orchestrator) participantOf(ch domain.ChannelID, uid domain.UserID) (core.ParticipantDTO, error) {
	participants, err := o.Rooms.ListParticipants(domain.RoomNameFor(ch))
	if err != nil {
		return core.ParticipantDTO{}, err
	}
	for _, p := range participants {
		if p.ID == uid {
			return p, nil
		}
	}
	return core.ParticipantDTO{}, fmt.Errorf("%s not in %s: %w", uid, ch, domain.ErrNotFound)
}

// memberFromDTO rebuilds the display metadata the participant joined with.
func memberFromDTO(p core.ParticipantDTO) domain.Member {
	return domain.Member{User: domain.User{ID: p.ID, Username: p.Username}, Avatar: p.Avatar}
}

// notify tells every connection of the target what happened to it.
func (o *Orchestrator) notify(cmd Command, ev Moderated) {
	ev.Action = cmd.Action
	ev.Channel = cmd.Channel
	ev.By = cmd.Actor
	o.Presence.Broadcast(cmd.Target, EventModerated, ev)
}
