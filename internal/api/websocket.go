package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"position-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed are the topics pushed to websocket clients.
var streamed = []events.Event{
	events.EventStateChange,
	events.EventPositionChange,
	events.EventTradeClosed,
	events.EventLevelsMoved,
	events.EventRiskAlert,
}

type wsMessage struct {
	Topic   events.Event `json:"topic"`
	Payload any          `json:"payload"`
	Time    time.Time    `json:"time"`
}

// websocket streams engine events until the client disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsMessage, 256)
	done := make(chan struct{})
	for _, topic := range streamed {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for payload := range stream {
				select {
				case out <- wsMessage{Topic: topic, Payload: payload, Time: time.Now()}:
				case <-done:
					return
				}
			}
		}(topic, stream)
	}

	// reader detects the client going away
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.Log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}
