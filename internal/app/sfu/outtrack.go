package sfu

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicecore/internal/domain"
)

type consumerState int32

const (
	consumerOk consumerState = iota
	consumerPaused
	consumerDelete
)

// Consumer is a single outgoing track to a subscriber, fed by its
// producer's relay loop.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	logger    zerolog.Logger

	st       atomic.Int32 // Zero by default (consumerOk)
	detached atomic.Bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *Consumer) Paused() bool           { return c.state() == consumerPaused }
func (c *Consumer) ProducerPaused() bool   { return c.producer.Paused() }

func (c *Consumer) state() consumerState {
	return consumerState(c.st.Load())
}

func (c *Consumer) Pause() {
	c.st.CompareAndSwap(int32(consumerOk), int32(consumerPaused))
}

func (c *Consumer) Resume() {
	c.st.CompareAndSwap(int32(consumerPaused), int32(consumerOk))
}

func (c *Consumer) markDelete() {
	c.st.Store(int32(consumerDelete))
}

func (c *Consumer) Close() {
	c.markDelete()
	if c.detached.Swap(true) {
		return
	}
	c.producer.removeConsumer(c.id)
	c.transport.detachConsumer(c)
	c.logger.Info().Msg("consumer closed")
}

func (c *Consumer) Closed() bool { return c.state() == consumerDelete }
