package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicecore/internal/domain"
)

// Producer is one published track. Once the remote track arrives, its loop
// forwards every RTP packet to the producer's consumers.
type Producer struct {
	id      string
	kind    domain.MediaKind
	trackID string
	logger  zerolog.Logger
	onClose func(*Producer)

	paused atomic.Bool
	closed atomic.Bool

	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	consumers map[string]*Consumer

	ctx    context.Context
	cancel context.CancelFunc
}

func newProducer(ctx context.Context, id string, kind domain.MediaKind, trackID string, logger zerolog.Logger) *Producer {
	ctx, cancel := context.WithCancel(ctx)
	return &Producer{
		id:        id,
		kind:      kind,
		trackID:   trackID,
		logger:    logger.With().Str("producer", id).Str("kind", string(kind)).Logger(),
		consumers: make(map[string]*Consumer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

// Codec is the negotiated codec of the source track, or the router default
// for the kind until the track arrives.
func (p *Producer) Codec() webrtc.RTPCodecCapability {
	p.mu.RLock()
	src := p.src
	p.mu.RUnlock()
	if src != nil {
		return src.Codec().RTPCodecCapability
	}
	if p.kind == domain.KindAudio {
		return audioCodec
	}
	return videoCodec
}

func (p *Producer) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info().Msg("producer paused")
	}
}

func (p *Producer) Resume() {
	if p.paused.Swap(false) {
		p.logger.Info().Msg("producer resumed")
	}
}

// matches reports whether a remote track belongs to this producer.
func (p *Producer) matches(track *webrtc.TrackRemote) bool {
	if p.trackID != "" {
		return p.trackID == track.ID()
	}
	return kindOf(p.kind) == track.Kind()
}

// attach binds the remote track and starts forwarding.
func (p *Producer) attach(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.src != nil || p.closed.Load() {
		p.mu.Unlock()
		return
	}
	p.src = track
	p.mu.Unlock()

	p.logger.Info().Str("track_id", track.ID()).Str("codec", track.Codec().MimeType).Msg("starting relay loop")
	go p.loop()
}

func (p *Producer) loop() {
	p.mu.RLock()
	src := p.src
	p.mu.RUnlock()
	for {
		select {
		case <-p.ctx.Done():
			p.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				p.logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			}
			p.markAllDelete()
			return
		}
		if p.paused.Load() {
			continue
		}
		p.forward(pkt)
	}
}

func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	snapshot := make(map[string]*Consumer, len(p.consumers))
	maps.Copy(snapshot, p.consumers)
	p.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, c := range snapshot {
		switch c.state() {
		case consumerDelete:
			dirty = append(dirty, id)
		case consumerPaused:
		case consumerOk:
			if err := c.track.WriteRTP(pkt); err != nil {
				c.logger.Debug().Err(err).Msg("relay write RTP error, marking consumer for delete")
				c.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		p.cleanupDeleted(dirty)
	}
}

func (p *Producer) cleanupDeleted(dirty []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range dirty {
		delete(p.consumers, id)
	}
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.consumers {
		c.markDelete()
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// Close stops the relay. Consumers of a closed producer stop forwarding
// and are closed with it.
func (p *Producer) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()

	p.mu.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	if p.onClose != nil {
		p.onClose(p)
	}
	p.logger.Info().Msg("producer closed")
}

func (p *Producer) Closed() bool { return p.closed.Load() }

func kindOf(k domain.MediaKind) webrtc.RTPCodecType {
	if k == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
