package app

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

type presenceEntry struct {
	conns    map[core.ConnID]core.SignalConnection
	channels map[domain.ChannelID]struct{}
}

func newPresenceEntry() *presenceEntry {
	return &presenceEntry{
		conns:    make(map[core.ConnID]core.SignalConnection),
		channels: make(map[domain.ChannelID]struct{}),
	}
}

// Presence maps users to their open signaling connections and to the
// channels they occupy. A user is online while it has a connection.
type Presence struct {
	policy Policy
	logger zerolog.Logger

	mu      sync.RWMutex
	users   map[domain.UserID]*presenceEntry
	members map[domain.ChannelID]map[domain.UserID]struct{}
}

func NewPresence(policy Policy) *Presence {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Presence{
		policy:  policy,
		logger:  log.With().Str("module", "app.presence").Logger(),
		users:   make(map[domain.UserID]*presenceEntry),
		members: make(map[domain.ChannelID]map[domain.UserID]struct{}),
	}
}

func (r *Presence) entryLocked(uid domain.UserID) *presenceEntry {
	e, ok := r.users[uid]
	if !ok {
		e = newPresenceEntry()
		r.users[uid] = e
	}
	return e
}

// RegisterConnection reports whether conn is the user's first connection.
func (r *Presence) RegisterConnection(uid domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(uid)
	first := len(e.conns) == 0
	e.conns[conn.ID()] = conn
	r.logger.Info().Str("user", uid.String()).Str("conn", string(conn.ID())).Int("connections", len(e.conns)).Msg("connection registered")
	return first
}

// UnregisterConnection reports whether the user has no connection left.
// Channel membership survives until Remove.
func (r *Presence) UnregisterConnection(uid domain.UserID, id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[uid]
	if !ok {
		return false
	}
	if _, ok := e.conns[id]; !ok {
		return false
	}
	delete(e.conns, id)
	r.logger.Info().Str("user", uid.String()).Str("conn", string(id)).Int("connections", len(e.conns)).Msg("connection unregistered")
	return len(e.conns) == 0
}

func (r *Presence) IsOnline(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[uid]
	return ok && len(e.conns) > 0
}

// Known reports whether uid has an entry, i.e. it was not removed since
// it was last seen.
func (r *Presence) Known(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[uid]
	return ok
}

func (r *Presence) Connections(uid domain.UserID) []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[uid]
	if !ok {
		return nil
	}
	out := make([]core.SignalConnection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Online lists users with at least one connection.
func (r *Presence) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.users))
	for uid, e := range r.users {
		if len(e.conns) > 0 {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Presence) JoinChannel(uid domain.UserID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(uid).channels[ch] = struct{}{}
	m, ok := r.members[ch]
	if !ok {
		m = make(map[domain.UserID]struct{})
		r.members[ch] = m
	}
	m[uid] = struct{}{}
	r.logger.Info().Str("user", uid.String()).Str("channel", ch.String()).Msg("joined channel")
}

func (r *Presence) LeaveChannel(uid domain.UserID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(uid, ch)
}

func (r *Presence) leaveLocked(uid domain.UserID, ch domain.ChannelID) {
	if e, ok := r.users[uid]; ok {
		delete(e.channels, ch)
	}
	if m, ok := r.members[ch]; ok {
		delete(m, uid)
		if len(m) == 0 {
			delete(r.members, ch)
		}
	}
	r.logger.Info().Str("user", uid.String()).Str("channel", ch.String()).Msg("left channel")
}

// LeaveAllChannels drops every channel membership of uid and returns them.
func (r *Presence) LeaveAllChannels(uid domain.UserID) []domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[uid]
	if !ok {
		return nil
	}
	out := make([]domain.ChannelID, 0, len(e.channels))
	for ch := range e.channels {
		out = append(out, ch)
	}
	for _, ch := range out {
		r.leaveLocked(uid, ch)
	}
	slices.Sort(out)
	return out
}

func (r *Presence) ChannelsOf(uid domain.UserID) []domain.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[uid]
	if !ok {
		return nil
	}
	out := make([]domain.ChannelID, 0, len(e.channels))
	for ch := range e.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (r *Presence) MembersOf(ch domain.ChannelID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.members[ch]))
	for uid := range r.members[ch] {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// Remove forgets the user entirely. Connections are not closed.
func (r *Presence) Remove(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.users[uid]; ok {
		for ch := range e.channels {
			r.leaveLocked(uid, ch)
		}
	}
	delete(r.users, uid)
	r.logger.Info().Str("user", uid.String()).Msg("presence removed")
}

// Broadcast sends an event to every open connection of uid.
func (r *Presence) Broadcast(uid domain.UserID, event string, payload any) core.PublishResult {
	frame, err := core.EncodeEvent(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return core.PublishResult{}
	}
	return r.send(map[domain.UserID][]core.SignalConnection{uid: r.Connections(uid)}, frame, event)
}

// BroadcastChannel sends an event to every connection of every member of
// ch except the given user.
func (r *Presence) BroadcastChannel(ch domain.ChannelID, event string, payload any, except domain.UserID) core.PublishResult {
	frame, err := core.EncodeEvent(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return core.PublishResult{}
	}
	r.mu.RLock()
	targets := make(map[domain.UserID][]core.SignalConnection, len(r.members[ch]))
	for uid := range r.members[ch] {
		if uid == except {
			continue
		}
		targets[uid] = r.connsLocked(uid)
	}
	r.mu.RUnlock()
	return r.send(targets, frame, event)
}

// BroadcastAll sends an event to every online user except one.
func (r *Presence) BroadcastAll(event string, payload any, except domain.UserID) core.PublishResult {
	frame, err := core.EncodeEvent(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return core.PublishResult{}
	}
	r.mu.RLock()
	targets := make(map[domain.UserID][]core.SignalConnection, len(r.users))
	for uid := range r.users {
		if uid == except {
			continue
		}
		targets[uid] = r.connsLocked(uid)
	}
	r.mu.RUnlock()
	return r.send(targets, frame, event)
}

func (r *Presence) connsLocked(uid domain.UserID) []core.SignalConnection {
	e, ok := r.users[uid]
	if !ok {
		return nil
	}
	out := make([]core.SignalConnection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (r *Presence) send(targets map[domain.UserID][]core.SignalConnection, frame core.Frame, event string) core.PublishResult {
	res := core.PublishResult{}
	for uid, conns := range targets {
		for _, c := range conns {
			if err := c.TrySend(frame); err != nil {
				res.Dropped = append(res.Dropped, c)
				if r.policy.OnBackPressure(uid, c) == CloseConnection {
					r.logger.Warn().Err(err).Str("user", uid.String()).Str("conn", string(c.ID())).Msg("closing slow connection")
					c.Close()
				}
				continue
			}
			res.SendTo++
		}
	}
	r.logger.Debug().Str("event", event).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
