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
	"time"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/auth"
	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/recording"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/routing"
)

var ServiceSet = wire.NewSet(
	createRedisClient,
	createSessionStore,
	createGateway,
	createKeyProvider,
	createIssuer,
	createSignalHub,
	wire.Bind(new(routing.Notifier), new(*routing.SignalHub)),
	auth.NewVerifier,
	rooms.NewStore,
	NewRecordingService,
	NewRoomManager,
	NewRoomAPI,
	NewSignalService,
	NewBeaconServer,
)

func createRedisClient(conf *config.Config) (*redis.Client, error) {
	if !conf.Redis.IsConfigured() {
		return nil, nil
	}

	logger.Infow("using redis for recording sessions", "address", conf.Redis.Address)
	rc := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Address,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rc, nil
}

func createSessionStore(rc *redis.Client) recording.Store {
	if rc != nil {
		return recording.NewRedisStore(rc)
	}
	return recording.NewLocalStore()
}

func createGateway(conf *config.Config) gateway.RoomGateway {
	var gw gateway.RoomGateway
	if conf.LiveKit.URL == "" {
		logger.Infow("no media server configured, using in-process gateway")
		gw = gateway.NewLocalGateway()
	} else {
		gw = gateway.NewLiveKitGateway(conf.LiveKit)
	}
	return gateway.Instrument(gw, logger.GetLogger())
}

func createKeyProvider(conf *config.Config) lkauth.KeyProvider {
	return lkauth.NewSimpleKeyProvider(conf.LiveKit.APIKey, conf.LiveKit.APISecret)
}

func createIssuer(conf *config.Config) *auth.Issuer {
	return auth.NewIssuer(conf.LiveKit.APIKey, conf.LiveKit.APISecret, conf.Room.TokenTTL)
}

func createSignalHub() *routing.SignalHub {
	return routing.NewSignalHub(routing.DefaultMessageChannelSize)
}
