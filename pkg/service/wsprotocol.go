// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/routing"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

// clientEvent is a command sent by a signal client.
type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type WSSignalConnection struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func NewWSSignalConnection(conn *websocket.Conn) *WSSignalConnection {
	wsc := &WSSignalConnection{
		conn: conn,
		done: make(chan struct{}),
	}
	go wsc.pingWorker()
	return wsc
}

func (c *WSSignalConnection) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}

func (c *WSSignalConnection) ReadEvent() (*clientEvent, int, error) {
	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, 0, err
	}

	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		msg := &clientEvent{}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, len(payload), ErrInvalidEventData
		}
		return msg, len(payload), nil
	default:
		logger.Debugw("unsupported message", "message", messageType)
		return nil, len(payload), nil
	}
}

func (c *WSSignalConnection) WriteMessage(msg *routing.Message) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(payload), c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
