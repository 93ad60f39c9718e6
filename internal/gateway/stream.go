package gateway

import (
	"context"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/relay"
)

const (
	// Time allowed to write one frame to the peer
	writeWait = 10 * time.Second

	// Time allowed for the client to send its request frame
	requestWait = 30 * time.Second

	// Maximum request frame size, sized for base64 attachments
	maxRequestSize = 64 << 20
)

// sseSink writes envelopes as Server-Sent Events: event is the event type,
// id the envelope id, data the JSON payload.
type sseSink struct {
	c       *gin.Context
	started bool
}

func newSSESink(c *gin.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) Send(ctx context.Context, e relay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	payload, err := e.Payload()
	if err != nil {
		return err
	}

	ev := sse.Event{
		Id:    e.ID,
		Event: string(e.Event.Type()),
		Data:  payload,
	}
	if !s.started {
		s.started = true
		ev.WriteContentType(s.c.Writer)
		s.c.Header("Connection", "keep-alive")
		s.c.Header("X-Accel-Buffering", "no")
	}
	if err := sse.Encode(s.c.Writer, ev); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// wsFrame is one envelope on the WebSocket transport.
type wsFrame struct {
	ID    string          `json:"id"`
	Event relay.EventType `json:"event"`
	Data  any             `json:"data"`
}

type wsSink struct {
	conn    *gorillaws.Conn
	started bool
}

func (s *wsSink) Send(ctx context.Context, e relay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	s.started = true
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsFrame{ID: e.ID, Event: e.Event.Type(), Data: payload})
}

// wsSendMessage streams a session over a WebSocket. The first client frame
// is the message request; each event is then sent as one JSON frame and the
// server closes the connection when the session ends. Closing from the client
// side ends the session.
func (h *handlers) wsSendMessage(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxRequestSize)
	_ = conn.SetReadDeadline(time.Now().Add(requestWait))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	sink := &wsSink{conn: conn}

	var req messageRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Debug("invalid websocket request", zap.Error(err))
		h.wsFail(ctx, sink, invalidPayload())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// The connection is hijacked, so a client close is only seen by reading.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.svc.SendMessage(ctx, callerID(c), req.ProjectID, req.toMessage(), sink)
	if err != nil {
		if !sink.started {
			h.wsFail(ctx, sink, err)
			return
		}
		h.logger.Info("session stream ended with error",
			zap.String("project_id", req.ProjectID),
			zap.Error(err))
	}
	h.wsClose(conn, gorillaws.CloseNormalClosure, "")
}

// wsFail reports an error raised before the session started, then closes.
func (h *handlers) wsFail(ctx context.Context, sink *wsSink, err error) {
	_, code, message := publicError(err)
	if sendErr := sink.Send(ctx, relay.NewEnvelope(relay.Error{Code: code, Message: message})); sendErr != nil {
		h.logger.Debug("could not deliver error frame", zap.Error(sendErr))
	}
	h.wsClose(sink.conn, gorillaws.ClosePolicyViolation, code)
}

func (h *handlers) wsClose(conn *gorillaws.Conn, code int, text string) {
	msg := gorillaws.FormatCloseMessage(code, text)
	if err := conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		h.logger.Debug("failed to write close frame", zap.Error(err))
	}
}
