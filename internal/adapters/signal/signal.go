package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Config struct {
	ReadLimit    int64
	SendBuffer   int
	WriteTimeout time.Duration
	// RateLimit is the sustained rate of limited requests per second on
	// one connection; RateBurst is the bucket size.
	RateLimit float64
	RateBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return c
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	cfg  Config
}

func NewSignalWSController(o *orch.Orchestrator, cfg Config) *SignalWSController {
	return &SignalWSController{Orch: o, cfg: cfg.withDefaults()}
}

// WsSignalConn is one websocket of a user. Frames are queued on send and
// written by the write pump; a full queue is reported as backpressure.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is the state of one signaling connection.
type session struct {
	member  domain.Member
	conn    *WsSignalConn
	limiter *Limiter
	logger  zerolog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request of an authenticated user and serves
// its signaling session until the socket closes or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, member domain.Member) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := newWsSignalConn(ws, ctl.cfg.SendBuffer)
	s := &session{
		member:  member,
		conn:    conn,
		limiter: NewLimiter(ctl.cfg.RateLimit, ctl.cfg.RateBurst),
		logger: log.With().Str("module", "signal").
			Str("user", member.User.ID.String()).
			Str("conn", string(conn.ID())).
			Logger(),
	}
	s.logger.Info().Msg("new WS connection")
	ctl.Orch.Connect(member.User.ID, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, s)
	go func() {
		defer cancel()
		ctl.readPump(ctx, s)
	}()
}
