package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/clock"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

const (
	DefaultPingPeriod   = 15 * time.Second
	DefaultOfflineGrace = 30 * time.Second

	EventPing = "ping"
)

type connState struct {
	uid     domain.UserID
	conn    core.SignalConnection
	lastAck time.Time
}

type offlineTimer struct {
	timer *clock.Timer
	gen   uint64
}

// Supervisor pings every connection and declares a user offline once it
// has had no live connection for the grace period.
type Supervisor struct {
	clock     clock.Clock
	interval  time.Duration
	grace     time.Duration
	onOffline func(domain.UserID)
	logger    zerolog.Logger

	mu      sync.Mutex
	conns   map[core.ConnID]*connState
	perUser map[domain.UserID]int
	timers  map[domain.UserID]offlineTimer
	gen     uint64
}

// NewSupervisor calls onOffline exactly once per expired grace period,
// outside any lock.
func NewSupervisor(c clock.Clock, interval, grace time.Duration, onOffline func(domain.UserID)) *Supervisor {
	if interval <= 0 {
		interval = DefaultPingPeriod
	}
	if grace <= 0 {
		grace = DefaultOfflineGrace
	}
	return &Supervisor{
		clock:     c,
		interval:  interval,
		grace:     grace,
		onOffline: onOffline,
		logger:    log.With().Str("module", "app.heartbeat").Logger(),
		conns:     make(map[core.ConnID]*connState),
		perUser:   make(map[domain.UserID]int),
		timers:    make(map[domain.UserID]offlineTimer),
	}
}

// Connected tracks conn and cancels any pending offline timer of uid. It
// reports whether a timer was cancelled, i.e. the user came back within
// the grace period.
func (s *Supervisor) Connected(uid domain.UserID, conn core.SignalConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID()]; !ok {
		s.perUser[uid]++
	}
	s.conns[conn.ID()] = &connState{uid: uid, conn: conn, lastAck: s.clock.Now()}
	t, ok := s.timers[uid]
	if !ok {
		return false
	}
	delete(s.timers, uid)
	t.timer.Stop()
	s.logger.Info().Str("user", uid.String()).Msg("reconnected within grace, offline timer cancelled")
	return true
}

// Ack records a heartbeat acknowledgement.
func (s *Supervisor) Ack(id core.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.conns[id]; ok {
		st.lastAck = s.clock.Now()
	}
}

// Disconnected stops tracking a connection. When it was the user's last
// tracked one, the offline timer is armed. Connections already dropped by
// Sweep are ignored.
func (s *Supervisor) Disconnected(uid domain.UserID, id core.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return
	}
	s.dropLocked(id)
	if s.perUser[uid] > 0 {
		return
	}
	s.armLocked(uid)
}

func (s *Supervisor) dropLocked(id core.ConnID) {
	st := s.conns[id]
	delete(s.conns, id)
	if s.perUser[st.uid]--; s.perUser[st.uid] <= 0 {
		delete(s.perUser, st.uid)
	}
}

// Online reports whether uid has a tracked connection.
func (s *Supervisor) Online(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perUser[uid] > 0
}

func (s *Supervisor) armLocked(uid domain.UserID) {
	if old, ok := s.timers[uid]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(s.grace, func() { s.expire(uid, gen) })
	s.timers[uid] = offlineTimer{timer: t, gen: gen}
	s.logger.Info().Str("user", uid.String()).Dur("grace", s.grace).Msg("offline timer armed")
}

func (s *Supervisor) expire(uid domain.UserID, gen uint64) {
	s.mu.Lock()
	cur, ok := s.timers[uid]
	if !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, uid)
	if s.perUser[uid] > 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info().Str("user", uid.String()).Msg("grace expired, user offline")
	s.onOffline(uid)
}

// Pending reports whether uid has an armed offline timer.
func (s *Supervisor) Pending(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[uid]
	return ok
}

// Sweep pings every live connection and closes the ones that have not
// acknowledged within the grace period. A user whose every connection went
// stale is declared offline right away.
func (s *Supervisor) Sweep() {
	ping, err := core.EncodeEvent(EventPing, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode ping")
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	var live, stale []*connState
	for id, st := range s.conns {
		if now.Sub(st.lastAck) > s.grace {
			stale = append(stale, st)
			s.dropLocked(id)
			continue
		}
		live = append(live, st)
	}
	var offline []domain.UserID
	seen := make(map[domain.UserID]bool)
	for _, st := range stale {
		if s.perUser[st.uid] > 0 || seen[st.uid] {
			continue
		}
		seen[st.uid] = true
		if t, ok := s.timers[st.uid]; ok {
			t.timer.Stop()
			delete(s.timers, st.uid)
		}
		offline = append(offline, st.uid)
	}
	s.mu.Unlock()

	for _, st := range live {
		if err := st.conn.TrySend(ping); err != nil {
			s.logger.Debug().Err(err).Str("user", st.uid.String()).Str("conn", string(st.conn.ID())).Msg("ping failed")
		}
	}
	for _, st := range stale {
		s.logger.Info().Str("user", st.uid.String()).Str("conn", string(st.conn.ID())).Msg("heartbeat missed, closing connection")
		st.conn.Close()
	}
	for _, uid := range offline {
		s.onOffline(uid)
	}
}

// Run sweeps every interval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Dur("grace", s.grace).Msg("heartbeat supervisor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
