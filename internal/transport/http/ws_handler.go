package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/domain"
)

// Inbound command types.
const (
	cmdCreateSession = "createSession"
	cmdJoinSession   = "joinSession"
	cmdStartSession  = "startSession"
	cmdSubmitAnswer  = "submitAnswer"
	cmdAdvance       = "advance"
	cmdEndSession    = "endSession"
)

var errNotJoined = fmt.Errorf("%w: connection has not joined a session", domain.ErrValidation)

type WSHandler struct {
	service  *app.QuizService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type advancePayload struct {
	QuestionIndex *int `json:"questionIndex,omitempty"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// connection is the per-socket binding to one player of one session.
// It is only touched by the read loop.
type connection struct {
	gameCode string
	playerID string
	cancel   func()
}

func (c *connection) bound() bool { return c.gameCode != "" }

// ServeWS upgrades HTTP requests to websockets. A connection starts unbound and
// attaches to a session with createSession or joinSession.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	send := make(chan outboundMessage[any], 32)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	var forwarders []chan struct{}

	go func() {
		defer close(writerDone)
		failed := false
		for msg := range send {
			if failed {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", "error", err)
				// unblock the read loop; keep draining so senders never stall
				_ = conn.Close()
				failed = true
			}
		}
	}()

	reply := func(typ domain.EventType, payload any) {
		send <- outboundMessage[any]{Type: string(typ), Payload: payload}
	}
	reject := func(command string, err error) {
		if !domain.IsBenign(err) {
			h.logger.Debug("command rejected", "command", command, "error", err)
		}
		reply(domain.EventRejected, domain.RejectedEvent{
			Command: command,
			Reason:  domain.Reason(err),
			Message: err.Error(),
		})
	}

	var c connection
	bind := func(joined app.JoinResult, updates <-chan domain.Event, cancel func()) {
		c = connection{gameCode: joined.Session.GameCode, playerID: joined.Player.ID, cancel: cancel}
		done := make(chan struct{})
		forwarders = append(forwarders, done)
		go h.forward(updates, send, closeSignals, done)
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if !isClosed(err) {
				h.logger.Debug("ws read ended", "error", err)
			}
			break
		}
		if err := h.dispatch(ctx, &c, inbound, reply, bind); err != nil {
			reject(inbound.Type, err)
		}
	}

	if c.bound() {
		c.cancel()
		h.service.Disconnect(context.Background(), c.gameCode, c.playerID)
	}
	close(closeSignals)
	for _, done := range forwarders {
		<-done
	}
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(
	ctx context.Context,
	c *connection,
	inbound inboundMessage,
	reply func(domain.EventType, any),
	bind func(joined app.JoinResult, updates <-chan domain.Event, cancel func()),
) error {
	switch inbound.Type {
	case cmdCreateSession:
		if c.bound() {
			return fmt.Errorf("%w: connection already joined %s", domain.ErrValidation, c.gameCode)
		}
		var req app.CreateRequest
		if err := decode(inbound.Payload, &req); err != nil {
			return err
		}
		created, err := h.service.CreateSession(ctx, req)
		if err != nil {
			return err
		}
		// the creating connection becomes the host's connection
		joined, updates, cancel, err := h.service.Attach(ctx, app.JoinRequest{GameCode: created.GameCode, PlayerID: created.Host.ID})
		if err != nil {
			return err
		}
		bind(joined, updates, cancel)
		created.Host = joined.Player
		created.Session = joined.Session
		reply(domain.EventSessionCreated, created)
		return nil

	case cmdJoinSession:
		if c.bound() {
			return fmt.Errorf("%w: connection already joined %s", domain.ErrValidation, c.gameCode)
		}
		var req app.JoinRequest
		if err := decode(inbound.Payload, &req); err != nil {
			return err
		}
		// subscribed before the join lands, so nothing published right after it is lost
		joined, updates, cancel, err := h.service.Attach(ctx, req)
		if err != nil {
			return err
		}
		bind(joined, updates, cancel)
		reply(domain.EventSessionJoined, joined)
		return nil
	}

	if !c.bound() {
		return errNotJoined
	}

	switch inbound.Type {
	case cmdStartSession:
		return h.service.StartSession(ctx, c.gameCode, c.playerID)

	case cmdAdvance:
		var req advancePayload
		if err := decode(inbound.Payload, &req); err != nil {
			return err
		}
		return h.service.Advance(ctx, c.gameCode, c.playerID, req.QuestionIndex)

	case cmdEndSession:
		return h.service.EndSession(ctx, c.gameCode, c.playerID)

	case cmdSubmitAnswer:
		var req app.SubmitRequest
		if err := decode(inbound.Payload, &req); err != nil {
			return err
		}
		result, err := h.service.SubmitAnswer(ctx, c.gameCode, c.playerID, req)
		if err != nil {
			return err
		}
		reply(domain.EventAnswerAcknowledged, result)
		return nil

	default:
		return fmt.Errorf("%w: unsupported message type %q", domain.ErrValidation, inbound.Type)
	}
}

// forward relays session events to the writer until the session closes the
// subscription or the connection goes away.
func (h *WSHandler) forward(updates <-chan domain.Event, send chan<- outboundMessage[any], closeSignals <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			select {
			case send <- outboundMessage[any]{Type: string(ev.Type), Payload: ev.Payload}:
			case <-closeSignals:
				return
			}
		case <-closeSignals:
			return
		}
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", domain.ErrValidation, err)
	}
	return nil
}

// isClosed reports errors that mean the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
