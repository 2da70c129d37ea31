package orch

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

type NewProducer struct {
	Channel  domain.ChannelID `json:"channel"`
	User     domain.UserID    `json:"user"`
	Producer app.ProducerInfo `json:"producer"`
}

func (o *Orchestrator) CreateTransport(ctx context.Context, uid domain.UserID, ch domain.ChannelID, dir domain.Direction, overrides core.TransportOverrides) (app.TransportInfo, error) {
	return o.Rooms.CreateTransport(ctx, domain.RoomNameFor(ch), uid, dir, overrides)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, uid domain.UserID, transportID string, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return o.Rooms.ConnectTransport(ctx, uid, transportID, desc)
}

// CloseTransport closes one of uid's transports and announces the
// producers that went with it.
func (o *Orchestrator) CloseTransport(uid domain.UserID, transportID string) error {
	name, closed, err := o.Rooms.CloseTransport(uid, transportID)
	if err != nil {
		return err
	}
	ch, err := name.Channel()
	if err != nil {
		return err
	}
	for _, id := range closed {
		o.Presence.BroadcastChannel(ch, EventProducerClosed, ProducerClosed{Channel: ch, User: uid, Producer: id}, uid)
	}
	return nil
}

// Produce publishes a track and tells the other members so they can
// consume it.
func (o *Orchestrator) Produce(ctx context.Context, uid domain.UserID, ch domain.ChannelID, transportID string, opts core.ProduceOptions) (app.ProducerInfo, error) {
	info, err := o.Rooms.Produce(ctx, domain.RoomNameFor(ch), uid, transportID, opts)
	if err != nil {
		return app.ProducerInfo{}, err
	}
	o.Presence.BroadcastChannel(ch, EventNewProducer, NewProducer{Channel: ch, User: uid, Producer: info}, uid)
	return info, nil
}

func (o *Orchestrator) CloseProducer(uid domain.UserID, ch domain.ChannelID, producerID string) error {
	if err := o.Rooms.CloseProducer(domain.RoomNameFor(ch), uid, producerID); err != nil {
		return err
	}
	o.Presence.BroadcastChannel(ch, EventProducerClosed, ProducerClosed{Channel: ch, User: uid, Producer: producerID}, uid)
	return nil
}

func (o *Orchestrator) Consume(ctx context.Context, uid domain.UserID, ch domain.ChannelID, transportID, producerID string, opts core.ConsumeOptions) (app.ConsumerInfo, error) {
	return o.Rooms.Consume(ctx, domain.RoomNameFor(ch), uid, transportID, producerID, opts)
}

func (o *Orchestrator) PauseConsumer(uid domain.UserID, consumerID string) error {
	return o.Rooms.PauseConsumer(uid, consumerID)
}

func (o *Orchestrator) ResumeConsumer(uid domain.UserID, consumerID string) error {
	return o.Rooms.ResumeConsumer(uid, consumerID)
}
