package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type (
	ChannelID int64
	ServerID  int64
	RoomName  string
)

const roomPrefix = "channel_"

func (c ChannelID) String() string { return strconv.FormatInt(int64(c), 10) }

// RoomNameFor derives the stable room name of a voice channel.
func RoomNameFor(ch ChannelID) RoomName {
	return RoomName(roomPrefix + ch.String())
}

// Channel parses the channel id back out of a room name.
func (n RoomName) Channel() (ChannelID, error) {
	raw, ok := strings.CutPrefix(string(n), roomPrefix)
	if !ok {
		return 0, fmt.Errorf("room %q: %w", n, ErrBadRequest)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("room %q: %w", n, ErrBadRequest)
	}
	return ChannelID(id), nil
}

// Channel is the directory store's view of a voice channel.
type Channel struct {
	ID       ChannelID `json:"id"`
	ServerID ServerID  `json:"server_id"`
	Name     string    `json:"name"`
}
