package sfu

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

// Transport wraps one peer connection carrying either the participant's
// published tracks (send) or its subscriptions (recv).
type Transport struct {
	id     string
	dir    domain.Direction
	router *Router
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// negotiation serializes offer/answer exchanges on pc.
	negotiation sync.Mutex

	mu        sync.Mutex
	pending   []*Producer
	unclaimed []*webrtc.TrackRemote
	producers map[string]*Producer
	consumers map[string]*Consumer
	closed    bool
}

func newTransport(id string, dir domain.Direction, r *Router, pc *webrtc.PeerConnection) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        id,
		dir:       dir,
		router:    r,
		pc:        pc,
		logger:    r.logger.With().Str("transport", id).Str("direction", string(dir)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			t.Close()
		}
	})
	pc.OnTrack(t.onTrack)
	return t
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t.logger.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for i, p := range t.pending {
		if p.matches(track) {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			t.mu.Unlock()
			p.attach(track)
			return
		}
	}
	t.unclaimed = append(t.unclaimed, track)
	t.mu.Unlock()
}

// Connect applies the remote description. An offer is answered once ICE
// gathering completes or ctx ends.
func (t *Transport) Connect(ctx context.Context, remote webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	t.negotiation.Lock()
	defer t.negotiation.Unlock()

	if t.isClosed() {
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	switch remote.Type {
	case webrtc.SDPTypeOffer:
		if err := t.pc.SetRemoteDescription(remote); err != nil {
			return nil, fmt.Errorf("set remote offer: %w: %v", domain.ErrBadRequest, err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w: %v", domain.ErrTransport, err)
		}
		return t.setLocal(ctx, answer)
	case webrtc.SDPTypeAnswer:
		if err := t.pc.SetRemoteDescription(remote); err != nil {
			return nil, fmt.Errorf("set remote answer: %w: %v", domain.ErrBadRequest, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("description type %q: %w", remote.Type, domain.ErrBadRequest)
	}
}

func (t *Transport) setLocal(ctx context.Context, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local %s: %w: %v", desc.Type, domain.ErrTransport, err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.pc.LocalDescription(), nil
}

// Produce registers a producer that is bound to the first matching remote
// track, by track id if given and otherwise by kind.
func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport: %w", t.dir, domain.ErrBadRequest)
	}
	p := newProducer(t.ctx, uuid.NewString(), opts.Kind, opts.TrackID, t.logger)
	p.onClose = t.forgetProducer

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.cancel()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	t.producers[p.id] = p
	var track *webrtc.TrackRemote
	for i, tr := range t.unclaimed {
		if p.matches(tr) {
			track = tr
			t.unclaimed = append(t.unclaimed[:i], t.unclaimed[i+1:]...)
			break
		}
	}
	if track == nil {
		t.pending = append(t.pending, p)
	}
	t.mu.Unlock()

	t.router.relays.Register(p)
	if track != nil {
		p.attach(track)
	}
	p.logger.Info().Str("track_id", opts.TrackID).Msg("producer created")
	return p, nil
}

func (t *Transport) forgetProducer(p *Producer) {
	t.mu.Lock()
	delete(t.producers, p.id)
	for i, q := range t.pending {
		if q == p {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.router.relays.Remove(p.id)
}

// Consume adds a local track fed by the producer and returns the
// renegotiation offer for the subscriber.
func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, *webrtc.SessionDescription, error) {
	if t.dir != domain.DirectionRecv {
		return nil, nil, fmt.Errorf("consume on %s transport: %w", t.dir, domain.ErrBadRequest)
	}
	if opts.Producer == nil {
		return nil, nil, fmt.Errorf("consume without producer: %w", domain.ErrBadRequest)
	}
	p, ok := t.router.relays.Get(opts.Producer.ID())
	if !ok {
		return nil, nil, fmt.Errorf("producer %s on router %s: %w", opts.Producer.ID(), t.router.id, domain.ErrNotFound)
	}
	codec := p.Codec()
	if !canReceive(opts.Capabilities, codec) {
		return nil, nil, fmt.Errorf("codec %s not in receiver capabilities: %w", codec.MimeType, domain.ErrBadRequest)
	}

	t.negotiation.Lock()
	defer t.negotiation.Unlock()

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, p.id)
	if err != nil {
		return nil, nil, fmt.Errorf("local track: %w: %v", domain.ErrTransport, err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, nil, fmt.Errorf("add track: %w: %v", domain.ErrTransport, err)
	}
	go drainRTCP(sender)

	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		track:     local,
		sender:    sender,
		logger:    t.logger.With().Str("consumer", id).Str("producer", p.id).Logger(),
	}
	if opts.Paused {
		c.Pause()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransport)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		c.Close()
		return nil, nil, fmt.Errorf("producer %s closed: %w", p.id, domain.ErrNotFound)
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("create offer: %w: %v", domain.ErrTransport, err)
	}
	desc, err := t.setLocal(ctx, offer)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	c.logger.Info().Msg("consumer created")
	return c, desc, nil
}

func canReceive(caps []webrtc.RTPCodecCapability, codec webrtc.RTPCodecCapability) bool {
	if len(caps) == 0 {
		return true
	}
	for _, c := range caps {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			return true
		}
	}
	return false
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) detachConsumer(c *Consumer) {
	t.mu.Lock()
	_, ok := t.consumers[c.id]
	delete(t.consumers, c.id)
	closed := t.closed
	t.mu.Unlock()
	if ok && !closed && c.sender != nil {
		if err := t.pc.RemoveTrack(c.sender); err != nil {
			c.logger.Debug().Err(err).Msg("remove track")
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the transport's producers and consumers, then the peer
// connection.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.pending = nil
	t.unclaimed = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	t.cancel()
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
	}
	t.router.forgetTransport(t.id)
	t.logger.Info().Msg("transport closed")
}
