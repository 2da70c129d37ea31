package core

import (
	"context"

	"github.com/dkeye/voicecore/internal/domain"
)

// RouterFactory hands out routers, one per room.
type RouterFactory interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
}

// ProducerDTO is a read-only view of one published track.
type ProducerDTO struct {
	ID     string           `json:"id"`
	Kind   domain.MediaKind `json:"kind"`
	Paused bool             `json:"paused"`
}

// ParticipantDTO is a read-only view for APIs (no transport fields).
type ParticipantDTO struct {
	ID        domain.UserID `json:"id"`
	Username  string        `json:"username"`
	Avatar    string        `json:"avatar,omitempty"`
	Muted     bool          `json:"muted"`
	Producers []ProducerDTO `json:"producers"`
}

type RoomInfo struct {
	Name             domain.RoomName  `json:"name"`
	Channel          domain.ChannelID `json:"channel"`
	ParticipantCount int              `json:"participant_count"`
	WorkerID         int              `json:"worker"`
}
