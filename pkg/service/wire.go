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

//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/recording"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/routing"
)

func InitializeServer(conf *config.Config) (*BeaconServer, error) {
	wire.Build(
		ServiceSet,
	)
	return &BeaconServer{}, nil
}

func InitializeRoomManager(conf *config.Config) (*RoomManager, error) {
	wire.Build(
		createRedisClient,
		createSessionStore,
		createGateway,
		createIssuer,
		createSignalHub,
		wire.Bind(new(routing.Notifier), new(*routing.SignalHub)),
		rooms.NewStore,
		NewRecordingService,
		NewRoomManager,
	)
	return &RoomManager{}, nil
}

func InitializeGateway(conf *config.Config) (gateway.RoomGateway, error) {
	wire.Build(createGateway)
	return nil, nil
}

func InitializeRecordingStore(conf *config.Config) (recording.Store, error) {
	wire.Build(
		createRedisClient,
		createSessionStore,
	)
	return nil, nil
}
