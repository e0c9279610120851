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

package routing

import (
	"sort"
	"sync"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
	"github.com/livebeacon/beacon-server/pkg/utils"
)

// SignalHub is the in-process Notifier for signal connections. Room groups are keyed by
// identity, so every connection of a member receives the room's messages.
type SignalHub struct {
	lock        sync.RWMutex
	bufferSize  int
	connections map[livekit.ParticipantIdentity]map[string]*MessageChannel
	groups      map[livekit.RoomName]map[livekit.ParticipantIdentity]struct{}
	logger      logger.Logger
	dropLogger  utils.SampledLogger
}

func NewSignalHub(bufferSize int) *SignalHub {
	l := logger.GetLogger().WithValues("component", "signalhub")
	return &SignalHub{
		bufferSize:  bufferSize,
		connections: make(map[livekit.ParticipantIdentity]map[string]*MessageChannel),
		groups:      make(map[livekit.RoomName]map[livekit.ParticipantIdentity]struct{}),
		logger:      l,
		dropLogger:  utils.NewExponentialLogger(l, utils.ExponentialLoggerParams{Base: 10}),
	}
}

// Register opens an outbound channel for a new connection of identity. Closing the channel
// unregisters it.
func (h *SignalHub) Register(identity livekit.ParticipantIdentity) *MessageChannel {
	ch := NewMessageChannel(string(identity), h.bufferSize)

	h.lock.Lock()
	conns := h.connections[identity]
	if conns == nil {
		conns = make(map[string]*MessageChannel)
		h.connections[identity] = conns
	}
	conns[ch.ID()] = ch
	count := len(conns)
	h.lock.Unlock()

	ch.OnClose(func() {
		h.unregister(identity, ch.ID())
	})
	prometheus.AddConnection()
	h.logger.Debugw("connection registered", "participant", identity, "connID", ch.ID(), "connections", count)
	return ch
}

func (h *SignalHub) unregister(identity livekit.ParticipantIdentity, id string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	conns := h.connections[identity]
	if _, ok := conns[id]; !ok {
		return
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(h.connections, identity)
	}
	prometheus.SubConnection()
}

func (h *SignalHub) IsConnected(identity livekit.ParticipantIdentity) bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.connections[identity]) > 0
}

func (h *SignalHub) JoinRoom(room livekit.RoomName, identity livekit.ParticipantIdentity) {
	h.lock.Lock()
	defer h.lock.Unlock()
	group := h.groups[room]
	if group == nil {
		group = make(map[livekit.ParticipantIdentity]struct{})
		h.groups[room] = group
	}
	group[identity] = struct{}{}
}

func (h *SignalHub) LeaveRoom(room livekit.RoomName, identity livekit.ParticipantIdentity) {
	h.lock.Lock()
	defer h.lock.Unlock()
	group := h.groups[room]
	delete(group, identity)
	if len(group) == 0 {
		delete(h.groups, room)
	}
}

func (h *SignalHub) CloseRoom(room livekit.RoomName) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.groups, room)
}

func (h *SignalHub) RoomMembers(room livekit.RoomName) []livekit.ParticipantIdentity {
	h.lock.RLock()
	defer h.lock.RUnlock()
	members := make([]livekit.ParticipantIdentity, 0, len(h.groups[room]))
	for identity := range h.groups[room] {
		members = append(members, identity)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (h *SignalHub) SendToParticipant(identity livekit.ParticipantIdentity, msg *Message) {
	h.lock.RLock()
	targets := h.channelsLocked(identity)
	h.lock.RUnlock()
	h.deliver(msg, targets)
}

func (h *SignalHub) SendToRoom(room livekit.RoomName, msg *Message, except ...livekit.ParticipantIdentity) {
	h.lock.RLock()
	var targets []*MessageChannel
	for identity := range h.groups[room] {
		if contains(except, identity) {
			continue
		}
		targets = append(targets, h.channelsLocked(identity)...)
	}
	h.lock.RUnlock()
	h.deliver(msg, targets)
}

func (h *SignalHub) Broadcast(msg *Message) {
	h.lock.RLock()
	var targets []*MessageChannel
	for identity := range h.connections {
		targets = append(targets, h.channelsLocked(identity)...)
	}
	h.lock.RUnlock()
	h.deliver(msg, targets)
}

func (h *SignalHub) channelsLocked(identity livekit.ParticipantIdentity) []*MessageChannel {
	conns := h.connections[identity]
	channels := make([]*MessageChannel, 0, len(conns))
	for _, ch := range conns {
		channels = append(channels, ch)
	}
	return channels
}

func (h *SignalHub) deliver(msg *Message, targets []*MessageChannel) {
	for _, ch := range targets {
		if err := ch.WriteMessage(msg); err != nil {
			prometheus.MessageCounter.WithLabelValues(string(msg.Event), "dropped").Add(1)
			if err == ErrChannelFull {
				h.dropLogger.Warnw("dropping signal message", err, "event", msg.Event, "participant", ch.Identity(), "connID", ch.ID())
			}
			continue
		}
		prometheus.MessageCounter.WithLabelValues(string(msg.Event), "success").Add(1)
	}
}

func contains(identities []livekit.ParticipantIdentity, identity livekit.ParticipantIdentity) bool {
	for _, i := range identities {
		if i == identity {
			return true
		}
	}
	return false
}
