// ABOUTME: Websocket session pumping delivery events to one visitor or agent
// ABOUTME: Frames read from the socket are decoded as inbound messages and handed to the router

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Subscriber hands out event streams per target.
type Subscriber interface {
	Subscribe(ctx context.Context, target delivery.Target) (<-chan *delivery.Event, string)
}

// InboxFunc receives a message read from the socket.
type InboxFunc func(ctx context.Context, in *message.Inbound) error

// Frame is what the session writes to the socket.
type Frame struct {
	Type  string          `json:"type"` // "event", "ack", "error"
	Event *delivery.Event `json:"event,omitempty"`
	Ref   string          `json:"ref,omitempty"` // message id being acked or rejected
	Error string          `json:"error,omitempty"`
}

// NewUpgrader returns an upgrader accepting the listed origins. An empty
// list accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// Session is one live socket for a visitor or an agent.
type Session struct {
	conn   *websocket.Conn
	target delivery.Target
	hub    Subscriber
	inbox  InboxFunc
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewSession wraps an upgraded connection. Pass nil logger for default.
func NewSession(conn *websocket.Conn, target delivery.Target, hub Subscriber, inbox InboxFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		target: target,
		hub:    hub,
		inbox:  inbox,
		logger: logger.With("component", "realtime", "address", target.Address()),
	}
}

// Serve pumps events and inbound frames until the socket closes or ctx ends.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, subID := s.hub.Subscribe(ctx, s.target)
	s.logger.Info("session opened", "sub_id", subID)

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx)
		cancel()
	}()

	err := s.writeLoop(ctx, events)
	cancel()
	// Unblocks the pending read.
	s.conn.Close()
	if rerr := <-readErr; rerr != nil {
		err = rerr
	}

	s.logger.Info("session closed", "sub_id", subID)
	if isNormalClose(err) {
		return nil
	}
	return err
}

func (s *Session) writeLoop(ctx context.Context, events <-chan *delivery.Event) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return nil
		case ev, ok := <-events:
			if !ok {
				s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return nil
			}
			if err := s.send(Frame{Type: "event", Event: ev}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		in, err := s.decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			_ = s.send(Frame{Type: "error", Error: err.Error()})
			continue
		}
		if err := s.inbox(ctx, in); err != nil {
			s.logger.Warn("inbound message rejected",
				"conversation_id", in.ConversationID,
				"message_id", in.MessageID,
				"error", err)
			_ = s.send(Frame{Type: "error", Ref: in.MessageID, Error: err.Error()})
			continue
		}
		_ = s.send(Frame{Type: "ack", Ref: in.MessageID})
	}
}

// decode parses a frame, pinning the sender identity to the session's target.
func (s *Session) decode(data []byte) (*message.Inbound, error) {
	var in message.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Join(message.ErrMalformedPayload, err)
	}
	switch s.target.Kind {
	case delivery.TargetVisitor:
		in.VisitorID = s.target.ID
		in.AgentID = ""
		if in.Channel == "" {
			in.Channel = s.target.Channel
		}
	case delivery.TargetAgent:
		in.AgentID = s.target.ID
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	if in.MsgType == "" {
		in.MsgType = message.TypeText
	}
	if s.target.Kind == delivery.TargetVisitor {
		if err := in.Validate(); err != nil {
			return nil, err
		}
	} else if in.ConversationID == "" {
		return nil, errors.Join(message.ErrMalformedPayload, errors.New("conversation_id is required"))
	}
	return &in, nil
}

func (s *Session) send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *Session) writeControl(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(kind, data, time.Now().Add(writeWait))
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}
