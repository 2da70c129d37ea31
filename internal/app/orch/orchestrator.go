// Package orch glues signaling connections to the room manager and the
// presence registry, and applies moderation commands to both.
package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

// Events pushed to clients outside of request acknowledgements.
const (
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventParticipantMuted  = "participant-muted"
	EventNewProducer       = "new-producer"
	EventProducerClosed    = "producer-closed"
	EventStatusChanged     = "status-changed"
	EventModerated         = "moderated"
)

// Permissions answers whether actor may perform action in a channel.
type Permissions interface {
	Allowed(ctx context.Context, actor domain.UserID, server domain.ServerID, channel domain.ChannelID, action Action) (bool, error)
}

// Directory resolves channels in the external directory store.
type Directory interface {
	Channel(ctx context.Context, id domain.ChannelID) (domain.Channel, error)
}

type StatusChanged struct {
	User   domain.UserID `json:"user"`
	Online bool          `json:"online"`
}

type Orchestrator struct {
	Rooms      *app.RoomManager
	Presence   *app.Presence
	Supervisor *app.Supervisor
	Perms      Permissions
	Directory  Directory

	// lifecycle serializes Connect, Disconnect and Offline so the offline
	// decision never races a reconnect.
	lifecycle sync.Mutex
	logger    zerolog.Logger
}

// New returns an orchestrator without a heartbeat supervisor; set
// Supervisor before the first connection arrives.
func New(rooms *app.RoomManager, presence *app.Presence, perms Permissions, dir Directory) *Orchestrator {
	return &Orchestrator{
		Rooms:     rooms,
		Presence:  presence,
		Perms:     perms,
		Directory: dir,
		logger:    log.With().Str("module", "orch").Logger(),
	}
}

// Connect admits a new signaling connection of uid. The user is announced
// online only when it was not known, i.e. it is new or was declared
// offline since; a reconnect within the grace period stays silent.
func (o *Orchestrator) Connect(uid domain.UserID, conn core.SignalConnection) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	known := o.Presence.Known(uid)
	o.Presence.RegisterConnection(uid, conn)
	if o.Supervisor != nil {
		o.Supervisor.Connected(uid, conn)
	}
	if !known {
		o.Presence.BroadcastAll(EventStatusChanged, StatusChanged{User: uid, Online: true}, uid)
	}
}

// Disconnect forgets a closed connection. Losing the last one starts the
// offline grace period.
func (o *Orchestrator) Disconnect(uid domain.UserID, id core.ConnID) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	last := o.Presence.UnregisterConnection(uid, id)
	if o.Supervisor == nil {
		if last {
			o.EvictUser(uid)
		}
		return
	}
	o.Supervisor.Disconnected(uid, id)
}

// Offline is the heartbeat supervisor's verdict. It is dropped when a
// connection of uid arrived after the verdict was reached.
func (o *Orchestrator) Offline(uid domain.UserID) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.Supervisor != nil && o.Supervisor.Online(uid) {
		o.logger.Info().Str("user", uid.String()).Msg("offline verdict dropped, user reconnected")
		return
	}
	o.EvictUser(uid)
}

// Ack records a heartbeat answer on a connection.
func (o *Orchestrator) Ack(id core.ConnID) {
	if o.Supervisor != nil {
		o.Supervisor.Ack(id)
	}
}

// EvictUser declares uid offline: it leaves every room and channel, its
// presence entry is dropped and everyone else is told once.
func (o *Orchestrator) EvictUser(uid domain.UserID) {
	rooms := o.evictRooms(uid)
	o.Presence.Remove(uid)
	o.Presence.BroadcastAll(EventStatusChanged, StatusChanged{User: uid, Online: false}, uid)
	o.logger.Info().Str("user", uid.String()).Int("rooms", len(rooms)).Msg("user offline")
}
