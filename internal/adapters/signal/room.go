package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicecore/internal/domain"
)

type channelPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Avatar    string           `json:"avatar,omitempty"`
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p channelPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	member := s.member
	if p.Avatar != "" {
		m, err := domain.NewMember(s.member.User, p.Avatar)
		if err != nil {
			return nil, fmt.Errorf("avatar: %w: %v", domain.ErrBadRequest, err)
		}
		member = m
	}
	s.logger.Info().Str("channel", p.ChannelID.String()).Msg("join")
	return ctl.Orch.Join(ctx, member, p.ChannelID)
}

// handleLeave leaves one room; the socket stays open.
func (ctl *SignalWSController) handleLeave(s *session, data json.RawMessage) (any, error) {
	var p channelPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("channel", p.ChannelID.String()).Msg("leave")
	return nil, ctl.Orch.Leave(s.member.User.ID, p.ChannelID)
}
