package domain

import "fmt"

// Member represents a user's display meta inside a room.
// No transport or lifecycle logic here.
type Member struct {
	User   User   `json:"user"`
	Avatar string `json:"avatar,omitempty"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user User, avatar string) (Member, error) {
	if len(avatar) > MaxAvatarLen {
		return Member{}, ErrAvatarTooLong
	}
	return Member{User: user, Avatar: avatar}, nil
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionSend, DirectionRecv:
		return d, nil
	}
	return "", fmt.Errorf("direction %q: %w", s, ErrBadRequest)
}

type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(s); k {
	case KindAudio, KindVideo, KindScreen:
		return k, nil
	case "":
		return KindAudio, nil
	}
	return "", fmt.Errorf("kind %q: %w", s, ErrBadRequest)
}
