package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgard/projectlog/internal/broker"
)

const (
	headerLastEventID = "Last-Event-ID"
	maxInboundFrame   = 4096
)

// resumeFrom returns the seq to resume after: the Last-Event-ID header of a
// reconnecting EventSource wins over the from_seq query parameter.
func resumeFrom(c *gin.Context) (int64, bool) {
	raw := c.GetHeader(headerLastEventID)
	if raw == "" {
		raw = c.Query("from_seq")
	}
	if raw == "" {
		return 0, true
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		abortBadRequest(c, "from_seq must be a non-negative integer")
		return 0, false
	}
	return seq, true
}

func (s *Server) subscribe(c *gin.Context) (*broker.Subscription, bool) {
	fromSeq, ok := resumeFrom(c)
	if !ok {
		return nil, false
	}
	internal, ok := includeInternal(c, c.Query("include_internal") == "true")
	if !ok {
		return nil, false
	}
	return s.broker.Subscribe(broker.SubscribeRequest{
		ProjectID:       c.Param("project"),
		UserID:          userID(c),
		FromSeq:         fromSeq,
		IncludeInternal: internal,
	}), true
}

// sseSink writes events as server-sent events. Message events carry their seq as the
// event id, so an EventSource resumes with Last-Event-ID.
type sseSink struct {
	w            gin.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func newSSESink(w gin.ResponseWriter, writeTimeout time.Duration) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (s *sseSink) deadline() {
	// Not every writer supports deadlines; the strike policy still applies to errors.
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
}

func (s *sseSink) Send(_ context.Context, ev broker.Event, cursor int64) error {
	s.deadline()
	e := sse.Event{Event: string(ev.Type), Data: ev}
	if ev.Type == broker.EventMessage {
		e.Id = strconv.FormatInt(cursor, 10)
	}
	if err := sse.Encode(s.w, e); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) Keepalive(context.Context) error {
	s.deadline()
	if _, err := s.w.WriteString(": keepalive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Server) handleSSE(c *gin.Context) {
	sub, ok := s.subscribe(c)
	if !ok {
		return
	}
	defer sub.Close()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err := sub.Run(c.Request.Context(), newSSESink(c.Writer, s.opts.WriteTimeout))
	s.logStreamEnd(c.Request.Context(), sub, "sse", err)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is one event on the websocket, tagged with the connection's cursor.
type wsFrame struct {
	broker.Event
	Cursor int64 `json:"cursor"`
}

// inboundFrame is a control signal sent by the client.
type inboundFrame struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

// wsSink writes events as JSON text frames and keepalives as pings. Only the Run
// goroutine writes data frames; pings go through WriteControl.
type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *wsSink) Send(_ context.Context, ev broker.Event, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsFrame{Event: ev, Cursor: cursor})
}

func (s *wsSink) Keepalive(context.Context) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSink) close(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeTimeout))
	_ = s.conn.Close()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	sub, ok := s.subscribe(c)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	sink := &wsSink{conn: conn, writeTimeout: s.opts.WriteTimeout}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readPump(ctx, cancel, conn, sub)

	err = sub.Run(ctx, sink)
	switch {
	case errors.Is(err, broker.ErrDropped), errors.Is(err, broker.ErrReplayFailed):
		sink.close(websocket.CloseTryAgainLater, "resubscribe from last cursor")
	default:
		sink.close(websocket.CloseNormalClosure, "")
	}
	s.logStreamEnd(c.Request.Context(), sub, "websocket", err)
}

// readPump consumes inbound control signals until the connection fails, then cancels
// the stream. Signals over the connection's rate limit are dropped and reported to it.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *broker.Subscription) {
	defer cancel()

	idle := 3 * s.broker.KeepaliveInterval()
	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.DebugContext(ctx, "WebSocket read failed", "subscription_id", sub.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		if !sub.AllowInbound() {
			continue
		}
		switch frame.Type {
		case "typing", "heartbeat":
			typing := frame.Typing || frame.Type == "typing"
			if err := s.presence.Heartbeat(ctx, sub.ProjectID(), sub.UserID(), typing); err != nil {
				s.logger.WarnContext(ctx, "Heartbeat from websocket failed", "subscription_id", sub.ID(), "error", err)
			}
		default:
			s.logger.DebugContext(ctx, "Ignoring unknown inbound frame", "subscription_id", sub.ID(), "type", frame.Type)
		}
	}
}

func (s *Server) logStreamEnd(ctx context.Context, sub *broker.Subscription, transport string, err error) {
	attrs := []any{
		"transport", transport, "subscription_id", sub.ID(), "project_id", sub.ProjectID(),
		"user_id", sub.UserID(), "cursor", sub.Cursor(), "state", sub.State().String(),
	}
	if err != nil {
		s.logger.InfoContext(ctx, "Stream ended", append(attrs, "error", err)...)
		return
	}
	s.logger.DebugContext(ctx, "Stream ended", attrs...)
}
