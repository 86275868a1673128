package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsUpdatePeriod   = 5 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The REST middleware already allows any origin; the socket follows.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is the client→server message.
type wsCommand struct {
	CommandType string            `json:"commandType"`
	ServiceID   string            `json:"serviceId,omitempty"`
	Token       string            `json:"token,omitempty"`
	APIKey      string            `json:"apiKey,omitempty"`
	Filter      *broadcast.Filter `json:"filter,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
}

// wsMessage is the server→client envelope.
type wsMessage struct {
	Type     string         `json:"type"`
	Event    *types.Event   `json:"event,omitempty"`
	Snapshot any            `json:"snapshot,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.bus.Subscribe()
	metrics.WebsocketConnectionsActive.Inc()
	s.wsConns.Add(1)
	logger := log.WithComponent("server").With().Str("subscriber", sub.ID()).Logger()
	logger.Info().Msg("websocket connected")

	defer func() {
		s.bus.Unsubscribe(sub)
		metrics.WebsocketConnectionsActive.Dec()
		s.wsConns.Add(-1)
		conn.Close()
		logger.Info().Msg("websocket disconnected")
	}()

	conn.SetReadLimit(wsMaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// outbound is the single channel the writer goroutine drains; all
	// writes to the socket happen there.
	outbound := make(chan wsMessage, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg wsMessage) {
		msg.At = time.Now()
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	// Initial snapshot so a fresh dashboard renders without waiting for
	// events.
	send(wsMessage{Type: "snapshot", Snapshot: s.reg.List()})

	// Reader feeds commands; a read error ends the session.
	commands := make(chan wsCommand, 8)
	go func() {
		defer cancel()
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsUpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			event := ev
			send(wsMessage{Type: "event", Event: &event})
		case <-ticker.C:
			send(wsMessage{Type: "state_update", Snapshot: s.reg.List()})
		case cmd := <-commands:
			s.handleWSCommand(ctx, sub, cmd, send)
		case <-ctx.Done():
			<-writerDone
			return
		}
	}
}

func (s *Server) handleWSCommand(ctx context.Context, sub *broadcast.Subscription, cmd wsCommand, send func(wsMessage)) {
	switch cmd.CommandType {
	case "subscribe_events":
		if cmd.Filter != nil {
			sub.SetFilter(*cmd.Filter)
		} else {
			sub.ClearFilter()
		}
		send(wsMessage{Type: "subscribed"})

	case "clear_subscription":
		sub.ClearFilter()
		send(wsMessage{Type: "subscribed"})

	case "get_service_details":
		detail, err := s.serviceDetail(cmd.ServiceID)
		if err != nil {
			send(wsMessage{Type: "error", Error: &errorBody{ErrorKind: "not_found", Message: err.Error(), RequestID: cmd.RequestID}})
			return
		}
		send(wsMessage{Type: "service_details", Result: detail})

	case "restart_service":
		requestID := cmd.RequestID
		if requestID == "" {
			requestID = requestIDFrom(ctx)
		}
		res, err := s.dispatcher.Restart(ctx, types.Command{
			Kind:        types.CommandRestartService,
			ServiceID:   cmd.ServiceID,
			RequestID:   requestID,
			Credentials: types.Credentials{APIKey: cmd.APIKey, Bearer: cmd.Token},
		})
		if err != nil {
			send(wsMessage{Type: "error", Error: wsError(err, requestID)})
			return
		}
		send(wsMessage{Type: "restart_result", Result: res})

	default:
		send(wsMessage{Type: "error", Error: &errorBody{
			ErrorKind: "invalid",
			Message:   "unknown command type " + cmd.CommandType,
			RequestID: cmd.RequestID,
		}})
	}
}

func wsError(err error, requestID string) *errorBody {
	kind := "internal"
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		kind = "unauthorized"
	case errors.Is(err, types.ErrBusy):
		kind = "busy"
	case errors.Is(err, types.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, types.ErrInvalid):
		kind = "invalid"
	}
	return &errorBody{ErrorKind: kind, Message: err.Error(), RequestID: requestID}
}
