package domain

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomNameRoundTrip(t *testing.T) {
	name := RoomNameFor(7)
	assert.Equal(t, RoomName("channel_7"), name)

	ch, err := name.Channel()
	require.NoError(t, err)
	assert.Equal(t, ChannelID(7), ch)
}

func TestRoomNameRejectsForeignNames(t *testing.T) {
	for _, name := range []RoomName{"lobby", "channel_", "channel_x"} {
		_, err := name.Channel()
		assert.ErrorIs(t, err, ErrBadRequest, string(name))
	}
}

func TestNewUserValidation(t *testing.T) {
	_, err := NewUser(1, "")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser(1, strings.Repeat("a", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)

	u, err := NewUser(42, "alice")
	require.NoError(t, err)
	assert.Equal(t, UserID(42), u.ID)
	assert.Equal(t, "42", u.ID.String())
}

func TestParseDirectionAndKind(t *testing.T) {
	d, err := ParseDirection("recv")
	require.NoError(t, err)
	assert.Equal(t, DirectionRecv, d)
	_, err = ParseDirection("both")
	assert.ErrorIs(t, err, ErrBadRequest)

	k, err := ParseMediaKind("")
	require.NoError(t, err)
	assert.Equal(t, KindAudio, k)
	_, err = ParseMediaKind("hologram")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("room channel_1: %w", ErrNotFound), "not_found", http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrUnauthorized), "unauthorized", http.StatusForbidden},
		{ErrTransport, "transport_error", http.StatusBadGateway},
		{ErrWorkerDied, "transport_error", http.StatusBadGateway},
		{ErrAlreadyExists, "already_exists", http.StatusConflict},
		{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
		{fmt.Errorf("boom"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, Code(tc.err), tc.err.Error())
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
	}
	assert.Equal(t, "", Code(nil))
}
