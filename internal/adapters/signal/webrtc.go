package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

type createTransportPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Direction string           `json:"direction"`
	// ForceTCP disables UDP for clients behind restrictive networks.
	ForceTCP bool `json:"forceTcp,omitempty"`
}

type transportPayload struct {
	TransportID string                     `json:"transportId"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
}

type producePayload struct {
	ChannelID   domain.ChannelID `json:"channelId"`
	TransportID string           `json:"transportId"`
	Kind        string           `json:"kind"`
	TrackID     string           `json:"trackId,omitempty"`
	AppData     map[string]any   `json:"appData,omitempty"`
}

type producerPayload struct {
	ChannelID  domain.ChannelID `json:"channelId"`
	ProducerID string           `json:"producerId"`
}

type consumePayload struct {
	ChannelID       domain.ChannelID            `json:"channelId"`
	TransportID     string                      `json:"transportId"`
	ProducerID      string                      `json:"producerId"`
	RTPCapabilities []webrtc.RTPCodecCapability `json:"rtpCapabilities,omitempty"`
	AppData         map[string]any              `json:"appData,omitempty"`
}

type consumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type connectResult struct {
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p createTransportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	dir, err := domain.ParseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	var overrides core.TransportOverrides
	if p.ForceTCP {
		udp, tcp := false, true
		overrides.EnableUDP, overrides.EnableTCP = &udp, &tcp
	}
	return ctl.Orch.CreateTransport(ctx, s.member.User.ID, p.ChannelID, dir, overrides)
}

func (ctl *SignalWSController) handleCloseTransport(s *session, data json.RawMessage) (any, error) {
	var p transportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseTransport(s.member.User.ID, p.TransportID)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p transportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.Description == nil {
		return nil, fmt.Errorf("connect %s without description: %w", p.TransportID, domain.ErrBadRequest)
	}
	answer, err := ctl.Orch.ConnectTransport(ctx, s.member.User.ID, p.TransportID, *p.Description)
	if err != nil {
		return nil, err
	}
	return connectResult{Answer: answer}, nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p producePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Produce(ctx, s.member.User.ID, p.ChannelID, p.TransportID, core.ProduceOptions{
		Kind:    kind,
		TrackID: p.TrackID,
		AppData: p.AppData,
	})
}

func (ctl *SignalWSController) handleCloseProducer(s *session, data json.RawMessage) (any, error) {
	var p producerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseProducer(s.member.User.ID, p.ChannelID, p.ProducerID)
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.Consume(ctx, s.member.User.ID, p.ChannelID, p.TransportID, p.ProducerID, core.ConsumeOptions{
		Capabilities: p.RTPCapabilities,
		AppData:      p.AppData,
	})
}

func (ctl *SignalWSController) handlePauseConsumer(s *session, data json.RawMessage, pause bool) (any, error) {
	var p consumerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if pause {
		return nil, ctl.Orch.PauseConsumer(s.member.User.ID, p.ConsumerID)
	}
	return nil, ctl.Orch.ResumeConsumer(s.member.User.ID, p.ConsumerID)
}
