package server

import (
	"context"
	"errors"
	"time"

	"candlefeed/internal/gateway"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// client is one websocket connection. The handler goroutine runs the writer;
// readPump runs alongside it and applies subscription requests.
type client struct {
	id      string
	conn    *websocket.Conn
	session *gateway.Session
	send    func(gateway.ServerMessage) error
	logger  zerolog.Logger
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	id := "ws-" + uuid.NewString()
	logger := s.logger.With().Str("connectionId", id).Str("remote", c.ClientIP()).Logger()

	outbox, err := s.gw.Register(ctx, id)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errStopped(err) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "unavailable"), time.Now().Add(writeWait))
		logger.Warn().Err(err).Msg("rejected websocket client")
		return
	}
	defer func() {
		if err := s.gw.Unregister(context.WithoutCancel(ctx), id); err != nil {
			logger.Error().Err(err).Msg("failed to unregister connection")
		}
	}()
	logger.Info().Msg("websocket client connected")

	cl := &client{
		id:      id,
		conn:    conn,
		session: gateway.NewSession(s.gw, id),
		logger:  logger,
	}
	cl.send = gateway.Serialize(cl.write)

	go func() {
		defer cancel()
		cl.readPump(ctx)
	}()
	go cl.pingLoop(ctx)

	err = gateway.Pump(ctx, outbox, s.cfg.Heartbeat, s.gw.Clock(), cl.send)

	var closed *gateway.ClosedError
	switch {
	case errors.As(err, &closed) && closed.Reason == gateway.ReasonSlowClient:
		cl.close(websocket.ClosePolicyViolation, "client too slow")
		logger.Warn().Msg("client disconnected for falling behind")
	case errors.As(err, &closed):
		cl.close(websocket.CloseGoingAway, string(closed.Reason))
		logger.Info().Str("reason", string(closed.Reason)).Msg("connection closed by gateway")
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("websocket client disconnected")
	default:
		logger.Warn().Err(err).Msg("websocket write failed")
	}
}

// readPump reads client requests until the connection fails. It also acts as
// the liveness watchdog: every pong extends the read deadline.
func (cl *client) readPump(ctx context.Context) {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cl.logger.Info().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg gateway.ClientMessage
		reply := gateway.ServerMessage{Type: gateway.TypeError, Error: "malformed message"}
		if err := json.Unmarshal(raw, &msg); err == nil {
			reply = cl.session.Handle(ctx, msg)
		}
		if reply.Type == gateway.TypeError {
			cl.logger.Warn().Str("error", reply.Error).Msg("rejected client request")
		}
		if err := cl.send(reply); err != nil {
			return
		}
	}
}

func (cl *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (cl *client) write(m gateway.ServerMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cl.conn.WriteMessage(websocket.TextMessage, b)
}

func (cl *client) close(code int, text string) {
	_ = cl.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
