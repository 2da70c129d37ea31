package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecore/internal/adapters/directory"
	"github.com/dkeye/voicecore/internal/adapters/signal"
	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/config"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/core/coretest"
	"github.com/dkeye/voicecore/internal/domain"
)

// tokens maps bearer tokens to users.
type tokens map[string]directory.Identity

func (t tokens) VerifyIdentity(_ context.Context, token string) (directory.Identity, error) {
	id, ok := t[token]
	if !ok {
		return directory.Identity{}, domain.ErrUnauthorized
	}
	return id, nil
}

type adminOnly struct{}

func (adminOnly) Allowed(_ context.Context, actor domain.UserID, _ domain.ServerID, _ domain.ChannelID, action orch.Action) (bool, error) {
	return action == orch.ActionJoin || actor == 99, nil
}

type channels struct{}

func (channels) Channel(_ context.Context, id domain.ChannelID) (domain.Channel, error) {
	if id > 100 {
		return domain.Channel{}, domain.ErrNotFound
	}
	return domain.Channel{ID: id, ServerID: 1}, nil
}

type openPolicy struct{}

func (openPolicy) Resolve(core.TransportOverrides) core.TransportOptions {
	return core.TransportOptions{EnableUDP: true}
}

func newRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := orch.New(app.NewRoomManager(coretest.NewEngine(), openPolicy{}), app.NewPresence(nil), adminOnly{}, channels{})
	deps := Deps{
		Orch:   o,
		Signal: signal.NewSignalWSController(o, signal.Config{}),
		Identity: tokens{
			"alice": {UserID: 1, Username: "alice"},
			"admin": {UserID: 99, Username: "admin"},
		},
		Workers: func() int { return 4 },
	}
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	return SetupRouter(context.Background(), cfg, deps), o
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func joinAlice(t *testing.T, o *orch.Orchestrator, ch domain.ChannelID) {
	t.Helper()
	u, _ := domain.NewUser(1, "alice")
	m, _ := domain.NewMember(*u, "")
	_, err := o.Join(context.Background(), m, ch)
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	r, o := newRouter(t)
	joinAlice(t, o, 7)

	w := do(r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(4), body["workers"])
	assert.Equal(t, float64(1), body["rooms"])
}

func TestAPIRequiresIdentity(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)

	w = do(r, http.MethodGet, "/api/rooms", "forged", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSessionCookieCachesIdentity(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, http.MethodGet, "/api/rooms", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoomEndpoints(t *testing.T) {
	r, o := newRouter(t)
	joinAlice(t, o, 7)

	w := do(r, http.MethodGet, "/api/rooms", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rooms struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, domain.ChannelID(7), rooms.Rooms[0].Channel)
	assert.Equal(t, 1, rooms.Rooms[0].ParticipantCount)

	w = do(r, http.MethodGet, "/api/rooms/7", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/rooms/8", "alice", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/rooms/x", "alice", nil).Code)
}

func TestModerationEndpoints(t *testing.T) {
	r, o := newRouter(t)
	joinAlice(t, o, 7)

	w := do(r, http.MethodPost, "/api/moderation/mute", "alice", moderationRequest{Channel: 7, Target: 1})
	assert.Equal(t, http.StatusForbidden, w.Code, "alice is no moderator")

	w = do(r, http.MethodPost, "/api/moderation/mute", "admin", moderationRequest{Channel: 7, Target: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list, err := o.Rooms.ListParticipants(domain.RoomNameFor(7))
	require.NoError(t, err)
	assert.True(t, list[0].Muted)

	w = do(r, http.MethodPost, "/api/moderation/move", "admin", moderationRequest{Channel: 7, Target: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/moderation/move", "admin", moderationRequest{Channel: 7, Target: 1, Destination: 8})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, o.Rooms.HasParticipant(domain.RoomNameFor(8), 1))

	w = do(r, http.MethodPost, "/api/moderation/remove", "admin", moderationRequest{Channel: 7, Target: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"not_found"`)

	w = do(r, http.MethodPost, "/api/moderation/kick", "admin", moderationRequest{Channel: 8, Target: 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, o.Rooms.Rooms())

	w = do(r, http.MethodPost, "/api/moderation/teleport", "admin", moderationRequest{Channel: 8, Target: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/moderation/mute", "admin", map[string]any{"channel": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
