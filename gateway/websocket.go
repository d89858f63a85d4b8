// Copyright 2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/relay"
)

// writeWait max duration of one websocket write
const writeWait = time.Second * 10

// wsSession one live websocket connection. Implements relay.ClientConn
type wsSession struct {
	common.Component
	sessionID   string
	conn        *websocket.Conn
	sendChan    chan relay.ServerEvent
	closeOnce   sync.Once
	closeReason string
	closed      chan struct{}
}

// newWsSession wrap a freshly upgraded websocket connection
func newWsSession(conn *websocket.Conn, sendBuffer int) *wsSession {
	sessionID := uuid.New().String()
	logTags := log.Fields{
		"module": "gateway", "component": "ws-session", "session": sessionID,
	}
	return &wsSession{
		Component: common.Component{LogTags: logTags},
		sessionID: sessionID,
		conn:      conn,
		sendChan:  make(chan relay.ServerEvent, sendBuffer),
		closed:    make(chan struct{}),
	}
}

// SessionID unique ID of this connection
func (s *wsSession) SessionID() string {
	return s.sessionID
}

// Send queue one event for delivery. A full buffer means the client is not
// draining fast enough; drop the connection instead of blocking the relay
func (s *wsSession) Send(event relay.ServerEvent) error {
	select {
	case s.sendChan <- event:
		return nil
	case <-s.closed:
		return fmt.Errorf("session %s already closed", s.sessionID)
	default:
		s.Close("send buffer overflow")
		return fmt.Errorf("session %s send buffer overflow", s.sessionID)
	}
}

// Close request disconnect of the client. The write pump owns the actual
// connection teardown so events queued before Close still reach the client
func (s *wsSession) Close(reason string) {
	s.closeOnce.Do(func() {
		log.WithFields(s.LogTags).Infof("Closing session: %s", reason)
		s.closeReason = reason
		close(s.closed)
	})
}

// writePump single writer of the connection: outbound events, keepalive
// pings, and the final close frame all leave through here
func (s *wsSession) writePump(wg *sync.WaitGroup, config common.WebsocketConfig) {
	defer wg.Done()
	defer func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason),
			time.Now().Add(writeWait),
		)
		_ = s.conn.Close()
	}()
	pinger := time.NewTicker(time.Second * time.Duration(config.PingInterval))
	defer pinger.Stop()
	for {
		select {
		case event := <-s.sendChan:
			if !s.writeEvent(event) {
				return
			}
		case <-pinger.C:
			if err := s.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeWait),
			); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Ping failed")
				s.Close("ping failed")
				return
			}
		case <-s.closed:
			// Flush events queued ahead of the close request
			for {
				select {
				case event := <-s.sendChan:
					if !s.writeEvent(event) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeEvent write one event to the connection
func (s *wsSession) writeEvent(event relay.ServerEvent) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(&event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Write failed")
		s.Close("write failed")
		return false
	}
	return true
}

// readPump read client frames until the connection dies
func (s *wsSession) readPump(
	ctxt context.Context, eventRelay relay.EventRelay, config common.WebsocketConfig,
) {
	pongWait := time.Second * time.Duration(config.PongWait)
	s.conn.SetReadLimit(config.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Read failed")
			}
			return
		}
		eventRelay.HandleEvent(ctxt, s, raw)
	}
}

// ========================================================================================

// APIRestWebsocketHandler REST handler upgrading clients onto the event relay
type APIRestWebsocketHandler struct {
	APIRestHandler
	eventRelay  relay.EventRelay
	upgrader    websocket.Upgrader
	wsConfig    common.WebsocketConfig
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestWebsocketHandler define APIRestWebsocketHandler
func GetAPIRestWebsocketHandler(
	baseContext context.Context,
	eventRelay relay.EventRelay,
	config common.GatewayConfig,
	wg *sync.WaitGroup,
) (APIRestWebsocketHandler, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "websocket-api",
	}
	return APIRestWebsocketHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: config.RequestIDHeader,
		},
		eventRelay: eventRelay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsConfig:    config.Websocket,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// extractToken pull the client auth token off the upgrade request
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// Connect godoc
// @Summary Open an event relay session
// @Description Upgrade the connection to a websocket and authenticate the
// session with the provided token
// @Param token query string false "Client auth token"
// @Router /v1/connect [get]
func (h APIRestWebsocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)

	token := extractToken(r)
	if token == "" {
		msg := "no auth token provided"
		h.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), "Connect",
		)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	session := newWsSession(conn, h.wsConfig.SendBuffer)
	log.WithFields(localLogTags).Infof("New session %s", session.SessionID())

	h.wg.Add(1)
	go session.writePump(h.wg, h.wsConfig)

	if err := h.eventRelay.HandleConnect(h.baseContext, session, token); err != nil {
		// The relay already told the client and closed the session
		return
	}
	session.readPump(h.baseContext, h.eventRelay, h.wsConfig)
	session.Close("connection ended")
	h.eventRelay.HandleDisconnect(h.baseContext, session)
}

// ConnectHandler wrapper around Connect
func (h APIRestWebsocketHandler) ConnectHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	})
}
