package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/domain"
)

// Request types understood on the signaling socket.
const (
	opJoinRoom         = "joinRoom"
	opLeaveRoom        = "leaveRoom"
	opCreateTransport  = "createTransport"
	opCloseTransport   = "closeTransport"
	opConnectTransport = "connectTransport"
	opProduce          = "produce"
	opCloseProducer    = "closeProducer"
	opConsume          = "consume"
	opPauseConsumer    = "pauseConsumer"
	opResumeConsumer   = "resumeConsumer"
	opPing             = "ping"
	opPong             = "pong"
	opSync             = "sync"
	opWhoAmI           = "whoami"
)

type request struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ack struct {
	Type  string    `json:"type"`
	ID    string    `json:"id,omitempty"`
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *ackError `json:"error,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, s *session) {
	c := s.conn
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				s.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteTimeout)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, s *session) {
	defer func() {
		s.logger.Info().Msg("readPump closing")
		s.conn.Close()
		ctl.Orch.Disconnect(s.member.User.ID, s.conn.ID())
	}()

	for {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, s, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn().Err(err).Msg("bad json")
		ctl.reply(s, request{Type: "invalid"}, nil, fmt.Errorf("decode request: %w", domain.ErrBadRequest))
		return
	}
	if err := s.limiter.Allow(req.Type); err != nil {
		s.logger.Warn().Str("type", req.Type).Msg("request rate limited")
		ctl.reply(s, req, nil, err)
		return
	}

	var (
		res any
		err error
	)
	switch req.Type {
	case opJoinRoom:
		res, err = ctl.handleJoin(ctx, s, req.Data)
	case opLeaveRoom:
		res, err = ctl.handleLeave(s, req.Data)
	case opCreateTransport:
		res, err = ctl.handleCreateTransport(ctx, s, req.Data)
	case opCloseTransport:
		res, err = ctl.handleCloseTransport(s, req.Data)
	case opConnectTransport:
		res, err = ctl.handleConnectTransport(ctx, s, req.Data)
	case opProduce:
		res, err = ctl.handleProduce(ctx, s, req.Data)
	case opCloseProducer:
		res, err = ctl.handleCloseProducer(s, req.Data)
	case opConsume:
		res, err = ctl.handleConsume(ctx, s, req.Data)
	case opPauseConsumer:
		res, err = ctl.handlePauseConsumer(s, req.Data, true)
	case opResumeConsumer:
		res, err = ctl.handlePauseConsumer(s, req.Data, false)
	case opPing:
		res = ctl.handlePing(s)
	case opPong:
		ctl.handlePong(s)
		return
	case opSync:
		res = ctl.handleSync(s)
	case opWhoAmI:
		res = ctl.handleWhoAmI(s)
	default:
		s.logger.Warn().Str("type", req.Type).Msg("unknown signal")
		err = fmt.Errorf("unknown request %q: %w", req.Type, domain.ErrBadRequest)
	}
	ctl.reply(s, req, res, err)
}

// reply acknowledges a request. Errors never cross the socket as anything
// but a failed acknowledgement.
func (ctl *SignalWSController) reply(s *session, req request, data any, err error) {
	a := ack{Type: "ack", ID: req.ID, OK: err == nil, Data: data}
	if err != nil {
		a.Data = nil
		a.Error = &ackError{Code: domain.Code(err), Message: err.Error()}
		s.logger.Info().Err(err).Str("type", req.Type).Str("code", a.Error.Code).Msg("request failed")
	}
	ctl.sendJSON(s, a)
}

func (ctl *SignalWSController) sendJSON(s *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := s.conn.TrySend(b); err != nil {
		s.logger.Debug().Err(err).Msg("sendJSON dropped")
	}
}

// decode unmarshals request data, mapping failures to bad_request.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data: %w", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w: %v", domain.ErrBadRequest, err)
	}
	return nil
}
