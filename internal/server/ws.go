package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/factory"
	"github.com/quantsim/marketsim/internal/push"
	"github.com/quantsim/marketsim/internal/series"
)

// subscribeRequest is one inbound websocket command.
type subscribeRequest struct {
	Action      string `json:"action,omitempty"` // subscribe (default) or unsubscribe
	InstanceID  string `json:"instanceId"`
	Type        string `json:"type"` // kline, trades, progress
	Symbol      string `json:"symbol,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// wsMessage is one outbound websocket frame.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsSession tracks per-connection subscription state. The read loop mutates
// it; the write pump reads it.
type wsSession struct {
	mu sync.Mutex
	// instance ids this connection wants progress updates for
	progress map[string]struct{}
}

func (ws *wsSession) setProgress(instanceID string, want bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if want {
		ws.progress[instanceID] = struct{}{}
	} else {
		delete(ws.progress, instanceID)
	}
}

func (ws *wsSession) wantsProgress(instanceID string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, ok := ws.progress[instanceID]
	return ok
}

// handleWebSocket upgrades the connection and serves push subscriptions until
// the client disconnects or falls behind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sub := s.bus.Subscribe()
	defer sub.Close()

	session := &wsSession{progress: make(map[string]struct{})}
	replies := make(chan wsMessage, 16)
	pumpDone := make(chan struct{})

	ctx := r.Context()
	go s.writePump(ctx, conn, sub, session, replies, pumpDone)

	for {
		var req subscribeRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		reply := s.applySubscription(sub, session, req)
		select {
		case replies <- reply:
		case <-pumpDone:
			return
		}
	}
}

// applySubscription mutates the bus subscription per one client command and
// returns the ack or error frame.
func (s *Server) applySubscription(sub *push.Subscription, session *wsSession, req subscribeRequest) wsMessage {
	topic, err := topicFor(req)
	if err != nil {
		return wsMessage{Type: "error", Data: domain.Fail(err).Error}
	}

	unsubscribe := req.Action == "unsubscribe"
	if unsubscribe {
		err = s.bus.RemoveTopics(sub.ID, topic)
	} else {
		err = s.bus.AddTopics(sub.ID, topic)
	}
	if err != nil {
		return wsMessage{Type: "error", Data: domain.Fail(err).Error}
	}

	if req.Type == "progress" {
		session.setProgress(req.InstanceID, !unsubscribe)
	}

	ack := "subscribed"
	if unsubscribe {
		ack = "unsubscribed"
	}
	return wsMessage{Type: ack, Data: req}
}

// topicFor resolves a client command to a bus topic.
func topicFor(req subscribeRequest) (push.Topic, error) {
	if req.InstanceID == "" {
		return "", domain.NewError(domain.CodeValidation, "instanceId is required")
	}
	switch req.Type {
	case "kline":
		if req.Symbol == "" {
			return "", domain.NewError(domain.CodeValidation, "symbol is required for kline subscriptions")
		}
		g, err := series.ParseGranularity(req.Granularity)
		if err != nil {
			return "", err
		}
		return push.KlineTopic(req.InstanceID, req.Symbol, g), nil
	case "trades":
		return push.TradesTopic(req.InstanceID), nil
	case "progress":
		return push.TopicProgress, nil
	}
	return "", domain.NewError(domain.CodeValidation, "unknown subscription type %q", req.Type)
}

// writePump forwards bus messages and command acks to the client. It owns
// all writes on the connection.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *push.Subscription, session *wsSession, replies <-chan wsMessage, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				if sub.Err() != nil {
					conn.Close(websocket.StatusPolicyViolation, "subscriber lagging")
				}
				return
			}
			out, deliver := translate(session, msg)
			if !deliver {
				continue
			}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				return
			}
		case reply := <-replies:
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// translate converts a bus message into the client frame, applying the
// per-connection progress filter.
func translate(session *wsSession, msg push.Message) (wsMessage, bool) {
	switch {
	case msg.Topic == push.TopicProgress:
		p, ok := msg.Data.(factory.Progress)
		if !ok || !session.wantsProgress(p.InstanceID) {
			return wsMessage{}, false
		}
		return wsMessage{Type: "progress_update", Data: p}, true
	case strings.HasPrefix(string(msg.Topic), "kline:"):
		return wsMessage{Type: "kline_update", Data: msg.Data}, true
	case strings.HasPrefix(string(msg.Topic), "trades:"):
		return wsMessage{Type: "trade", Data: msg.Data}, true
	}
	return wsMessage{}, false
}
