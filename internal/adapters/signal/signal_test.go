package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/core/coretest"
	"github.com/dkeye/voicecore/internal/domain"
)

type allowAll struct{}

func (allowAll) Allowed(context.Context, domain.UserID, domain.ServerID, domain.ChannelID, orch.Action) (bool, error) {
	return true, nil
}

type anyChannel struct{}

func (anyChannel) Channel(_ context.Context, id domain.ChannelID) (domain.Channel, error) {
	return domain.Channel{ID: id, ServerID: 1, Name: "voice-" + id.String()}, nil
}

type openPolicy struct{}

func (openPolicy) Resolve(core.TransportOverrides) core.TransportOptions {
	return core.TransportOptions{ListenAddresses: []core.ListenAddress{{IP: "0.0.0.0"}}, EnableUDP: true}
}

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ackError       `json:"error"`
}

func newServer(t *testing.T, cfg Config) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := orch.New(app.NewRoomManager(coretest.NewEngine(), openPolicy{}), app.NewPresence(nil), allowAll{}, anyChannel{})
	ctl := NewSignalWSController(o, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Query("uid"), 10, 64)
		require.NoError(t, err)
		u, err := domain.NewUser(domain.UserID(id), "user-"+c.Query("uid"))
		require.NoError(t, err)
		m, err := domain.NewMember(*u, "")
		require.NoError(t, err)
		ctl.HandleSignal(ctx, c, m)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server, uid int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + strconv.Itoa(uid)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(request{Type: typ, ID: id, Data: raw}))
}

// next reads frames until one of the wanted type (and ack id) arrives.
func next(t *testing.T, ws *websocket.Conn, typ, id string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ && (id == "" || f.ID == id) {
			return f
		}
	}
}

func call(t *testing.T, ws *websocket.Conn, typ, id string, data any) frame {
	t.Helper()
	send(t, ws, typ, id, data)
	return next(t, ws, "ack", id)
}

func TestJoinRoomOverSocket(t *testing.T) {
	srv, _ := newServer(t, Config{})
	alice := dial(t, srv, 1)
	bob := dial(t, srv, 2)

	ack := call(t, alice, opJoinRoom, "1", channelPayload{ChannelID: 7})
	require.True(t, ack.OK, "%+v", ack.Error)
	var res orch.JoinResult
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	assert.Equal(t, domain.RoomName("channel_7"), res.Room)
	assert.Len(t, res.Participants, 1)

	ack = call(t, bob, opJoinRoom, "2", channelPayload{ChannelID: 7})
	require.True(t, ack.OK)
	ev := next(t, alice, orch.EventParticipantJoined, "")
	assert.Equal(t, orch.EventParticipantJoined, ev.Type)
}

func TestFailedRequestsAreAcknowledged(t *testing.T) {
	srv, _ := newServer(t, Config{})
	ws := dial(t, srv, 1)

	ack := call(t, ws, "teleport", "1", nil)
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "bad_request", ack.Error.Code)

	ack = call(t, ws, opCreateTransport, "2", createTransportPayload{ChannelID: 7, Direction: "send"})
	assert.Equal(t, "not_found", ack.Error.Code, "not in the room yet")

	require.True(t, call(t, ws, opJoinRoom, "3", channelPayload{ChannelID: 7}).OK)
	ack = call(t, ws, opCreateTransport, "4", createTransportPayload{ChannelID: 7, Direction: "both"})
	assert.Equal(t, "bad_request", ack.Error.Code)

	require.True(t, call(t, ws, opCreateTransport, "5", createTransportPayload{ChannelID: 7, Direction: "send"}).OK)
	ack = call(t, ws, opCreateTransport, "6", createTransportPayload{ChannelID: 7, Direction: "send"})
	assert.Equal(t, "already_exists", ack.Error.Code)

	ack = call(t, ws, opPauseConsumer, "7", consumerPayload{ConsumerID: "nope"})
	assert.Equal(t, "not_found", ack.Error.Code)
}

func TestProduceAndConsumeOverSocket(t *testing.T) {
	srv, _ := newServer(t, Config{})
	alice, bob := dial(t, srv, 1), dial(t, srv, 2)
	require.True(t, call(t, alice, opJoinRoom, "j", channelPayload{ChannelID: 7}).OK)
	require.True(t, call(t, bob, opJoinRoom, "j", channelPayload{ChannelID: 7}).OK)

	ack := call(t, alice, opCreateTransport, "t", createTransportPayload{ChannelID: 7, Direction: "send"})
	require.True(t, ack.OK)
	var tr app.TransportInfo
	require.NoError(t, json.Unmarshal(ack.Data, &tr))

	ack = call(t, alice, opProduce, "p", producePayload{ChannelID: 7, TransportID: tr.ID, Kind: "audio"})
	require.True(t, ack.OK)
	var prod app.ProducerInfo
	require.NoError(t, json.Unmarshal(ack.Data, &prod))
	next(t, bob, orch.EventNewProducer, "")

	ack = call(t, bob, opCreateTransport, "t", createTransportPayload{ChannelID: 7, Direction: "recv"})
	require.True(t, ack.OK)
	var recv app.TransportInfo
	require.NoError(t, json.Unmarshal(ack.Data, &recv))

	ack = call(t, bob, opConsume, "c", consumePayload{
		ChannelID:   7,
		TransportID: recv.ID,
		ProducerID:  prod.ID,
		AppData:     map[string]any{"source": "mic"},
	})
	require.True(t, ack.OK, "%+v", ack.Error)
	var cons app.ConsumerInfo
	require.NoError(t, json.Unmarshal(ack.Data, &cons))
	assert.Equal(t, domain.UserID(1), cons.ProducerOwner)
	assert.NotNil(t, cons.Offer)
	assert.Equal(t, map[string]any{"source": "mic"}, cons.AppData)

	// Alice cannot touch Bob's transport.
	ack = call(t, alice, opConsume, "x", consumePayload{ChannelID: 7, TransportID: recv.ID, ProducerID: prod.ID})
	assert.Equal(t, "unauthorized", ack.Error.Code)

	require.True(t, call(t, alice, opCloseProducer, "cp", producerPayload{ChannelID: 7, ProducerID: prod.ID}).OK)
	next(t, bob, orch.EventProducerClosed, "")
}

func TestAdmissionLimiterOverSocket(t *testing.T) {
	srv, _ := newServer(t, Config{RateLimit: 0.001, RateBurst: 1})
	ws := dial(t, srv, 1)

	require.True(t, call(t, ws, opJoinRoom, "1", channelPayload{ChannelID: 7}).OK)
	ack := call(t, ws, opJoinRoom, "2", channelPayload{ChannelID: 8})
	require.NotNil(t, ack.Error)
	assert.Equal(t, "rate_limited", ack.Error.Code)

	// Unlimited requests still pass.
	assert.True(t, call(t, ws, opWhoAmI, "3", nil).OK)
}

func TestClosingSocketDisconnects(t *testing.T) {
	srv, o := newServer(t, Config{})
	ws := dial(t, srv, 1)
	require.True(t, call(t, ws, opJoinRoom, "1", channelPayload{ChannelID: 7}).OK)
	assert.True(t, o.Presence.IsOnline(1))

	require.NoError(t, ws.Close())
	// Without a supervisor the last disconnect evicts at once.
	assert.Eventually(t, func() bool { return !o.Presence.IsOnline(1) && len(o.Rooms.Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLimiterOnlyCountsMediaRequests(t *testing.T) {
	l := NewLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)

	assert.NoError(t, l.allowAt(opJoinRoom, now))
	assert.NoError(t, l.allowAt(opProduce, now))
	assert.ErrorIs(t, l.allowAt(opConsume, now), domain.ErrRateLimited)
	assert.NoError(t, l.allowAt(opPauseConsumer, now))
	assert.NoError(t, l.allowAt(opPong, now))

	assert.NoError(t, l.allowAt(opCreateTransport, now.Add(time.Second)))
}
