package signal

import (
	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/domain"
)

type whoAmI struct {
	User     domain.User        `json:"user"`
	Avatar   string             `json:"avatar,omitempty"`
	Channels []domain.ChannelID `json:"channels"`
}

func (ctl *SignalWSController) handleWhoAmI(s *session) any {
	channels := ctl.Orch.Presence.ChannelsOf(s.member.User.ID)
	if channels == nil {
		channels = []domain.ChannelID{}
	}
	return whoAmI{User: s.member.User, Avatar: s.member.Avatar, Channels: channels}
}

// handleSync returns the participant snapshot of every room the user is
// in, used to reconcile UI state after a reconnect.
func (ctl *SignalWSController) handleSync(s *session) []orch.ChannelSnapshot {
	return ctl.Orch.Sync(s.member.User.ID)
}
