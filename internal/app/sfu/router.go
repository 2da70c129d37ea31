package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

// Router is the routing context of one room. Every transport of the room
// lives on the router's worker.
type Router struct {
	id     string
	worker *Worker
	room   domain.RoomName
	logger zerolog.Logger
	relays *RelayManager

	mu         sync.Mutex
	transports map[string]*Transport
	closed     bool
}

func (r *Router) ID() string    { return r.id }
func (r *Router) WorkerID() int { return r.worker.id }

func (r *Router) Capabilities() []webrtc.RTPCodecCapability {
	return routerCapabilities()
}

func (r *Router) CreateTransport(_ context.Context, opts core.TransportOptions) (core.Transport, error) {
	if opts.Direction != domain.DirectionSend && opts.Direction != domain.DirectionRecv {
		return nil, fmt.Errorf("transport direction %q: %w", opts.Direction, domain.ErrBadRequest)
	}
	api, err := r.worker.api(opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed: %w", r.id, domain.ErrTransport)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: r.worker.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w: %v", domain.ErrTransport, err)
	}
	t := newTransport(uuid.NewString(), opts.Direction, r, pc)
	r.transports[t.id] = t
	t.logger.Info().Msg("transport created")
	return t, nil
}

func (r *Router) forgetTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Close closes every transport of the router and detaches it from the worker.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	relays := r.relays.Len()
	for _, t := range transports {
		t.Close()
	}
	r.relays.StopAll()
	r.worker.forgetRouter(r.id)
	r.logger.Info().Int("producers", relays).Msg("router closed")
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
