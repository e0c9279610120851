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
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/livekit"

	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
)

const reconcileConcurrency = 4

// Reconcile compares local rooms against the media server and repairs drift. Rooms the
// media server no longer lists are purged locally, empty rooms are closed, failed remote
// deletes are retried and locations of former sources are dropped.
func (r *RoomManager) Reconcile(ctx context.Context) error {
	started := time.Now()
	remote, err := r.gateway.ListRooms(ctx, nil)
	if err != nil {
		r.logger.Warnw("reconciliation skipped, could not list rooms", err)
		prometheus.RecordServiceOperation("reconcile", err, "unavailable")
		return newRemoteError("list rooms", err)
	}
	remoteRooms := make(map[livekit.RoomName]*livekit.Room, len(remote))
	for _, rr := range remote {
		remoteRooms[livekit.RoomName(rr.Name)] = rr
	}

	var (
		stale, empty []livekit.RoomName
	)
	for _, info := range r.store.Snapshot() {
		// created after the listing was taken, the remote view may not include it yet
		if !info.CreatedAt.Before(started) || info.State != rooms.StateActive {
			continue
		}
		rr, ok := remoteRooms[info.Name]
		switch {
		case !ok:
			stale = append(stale, info.Name)
		case len(info.Participants) == 0:
			empty = append(empty, info.Name)
		case rr.NumParticipants == 0 && r.config.Room.RemoteEmptyGrace > 0 &&
			started.Sub(info.CreatedAt) > r.config.Room.RemoteEmptyGrace:
			empty = append(empty, info.Name)
		}
	}

	for _, name := range stale {
		r.logger.Infow("purging room unknown to media server", "room", name)
		_ = r.finishTeardown(ctx, name, teardownReasonStale, false)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, name := range empty {
		name := name
		reason := teardownReasonEmpty
		if info, ok := r.store.Room(name); ok && len(info.Participants) > 0 {
			reason = teardownReasonRemoteEmpty
		}
		g.Go(func() error {
			if err := r.closeRoom(gctx, name, reason, 0); err != nil {
				r.logger.Warnw("could not close empty room", err, "room", name)
			}
			return nil
		})
	}
	for _, name := range r.pendingDeletes() {
		name := name
		if _, ok := remoteRooms[name]; !ok {
			r.removeTombstone(name)
			continue
		}
		g.Go(func() error {
			err := r.gateway.DeleteRoom(gctx, name)
			if err == nil || errors.Is(err, gateway.ErrRoomNotFound) {
				r.removeTombstone(name)
			}
			return nil
		})
	}
	_ = g.Wait()

	pruned := r.store.PruneLocations()
	prometheus.RecordServiceOperation("reconcile", nil, "")
	r.logger.Debugw("reconciliation complete",
		"remoteRooms", len(remote),
		"stale", len(stale),
		"closed", len(empty),
		"prunedLocations", len(pruned),
		"duration", time.Since(started),
	)
	return nil
}

// CleanupDuplicateSourceRooms keeps only the newest room of every source and closes the rest.
// Sources are read from remote room metadata, falling back to local state.
func (r *RoomManager) CleanupDuplicateSourceRooms(ctx context.Context) ([]livekit.RoomName, error) {
	remote, err := r.gateway.ListRooms(ctx, nil)
	if err != nil {
		r.logger.Warnw("duplicate check skipped, could not list rooms", err)
		prometheus.RecordServiceOperation("cleanup_duplicates", err, "unavailable")
		return nil, newRemoteError("list rooms", err)
	}

	bySource := make(map[livekit.ParticipantIdentity][]*livekit.Room)
	for _, rr := range remote {
		source := r.roomSource(rr)
		if source == "" {
			continue
		}
		bySource[source] = append(bySource[source], rr)
	}

	var removed []livekit.RoomName
	for source, sourceRooms := range bySource {
		if len(sourceRooms) < 2 {
			continue
		}
		createdAt := make(map[string]time.Time, len(sourceRooms))
		for _, rr := range sourceRooms {
			createdAt[rr.Name] = r.roomCreatedAt(rr)
		}
		sort.Slice(sourceRooms, func(i, j int) bool {
			ti, tj := createdAt[sourceRooms[i].Name], createdAt[sourceRooms[j].Name]
			if ti.Equal(tj) {
				return sourceRooms[i].Name > sourceRooms[j].Name
			}
			return ti.After(tj)
		})
		for _, rr := range sourceRooms[1:] {
			name := livekit.RoomName(rr.Name)
			r.logger.Infow("closing duplicate room", "room", name, "participant", source, "kept", sourceRooms[0].Name)
			if err := r.closeDuplicate(ctx, name); err != nil {
				r.logger.Warnw("could not close duplicate room", err, "room", name)
				continue
			}
			removed = append(removed, name)
		}
	}
	prometheus.RecordServiceOperation("cleanup_duplicates", nil, "")
	return removed, nil
}

// roomCreatedAt prefers the local creation time, the media server only reports whole seconds.
func (r *RoomManager) roomCreatedAt(rr *livekit.Room) time.Time {
	if info, ok := r.store.Room(livekit.RoomName(rr.Name)); ok {
		return info.CreatedAt
	}
	return time.Unix(rr.CreationTime, 0)
}

func (r *RoomManager) closeDuplicate(ctx context.Context, name livekit.RoomName) error {
	if _, ok := r.store.Room(name); ok {
		return r.closeRoom(ctx, name, teardownReasonDuplicate, 0)
	}
	err := r.gateway.DeleteRoom(ctx, name)
	if err != nil && !errors.Is(err, gateway.ErrRoomNotFound) {
		return newRemoteError("delete room", err)
	}
	return nil
}

// SourceFromMetadata returns the source recorded in a room's metadata, or an empty identity.
func SourceFromMetadata(metadata string) livekit.ParticipantIdentity {
	if metadata == "" {
		return ""
	}
	var md roomMetadata
	if err := json.Unmarshal([]byte(metadata), &md); err != nil {
		return ""
	}
	return livekit.ParticipantIdentity(md.Source)
}

func (r *RoomManager) roomSource(rr *livekit.Room) livekit.ParticipantIdentity {
	if source := SourceFromMetadata(rr.Metadata); source != "" {
		return source
	}
	if info, ok := r.store.Room(livekit.RoomName(rr.Name)); ok {
		return info.Source
	}
	return ""
}
