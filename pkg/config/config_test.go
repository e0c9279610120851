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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `room:
  empty_timeout: 10`
	app := cli.NewApp()
	set := flag.NewFlagSet("test", 0)
	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig(content, true, c, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(10), conf.Room.EmptyTimeout)
	require.Equal(t, uint32(20), conf.Room.MaxParticipants)
	require.Equal(t, 2*time.Second, conf.Room.GraceInterval)
	require.Equal(t, time.Minute, conf.Room.ReconcileInterval)
	require.Equal(t, 10*time.Second, conf.LiveKit.RequestTimeout)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
room:
  empty_timeout: 10`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(10), conf.Room.EmptyTimeout)
}

func TestConfig_DurationsParsed(t *testing.T) {
	const content = `room:
  grace_interval: 500ms
  location_broadcast_interval: 3s`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, conf.Room.GraceInterval)
	require.Equal(t, 3*time.Second, conf.Room.LocationBroadcastInterval)
}

func TestConfig_DevelopmentLogLevel(t *testing.T) {
	conf, err := NewConfig("development: true", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)
}

func TestConfig_DisplayName(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "alice's stream", conf.DisplayName("alice"))
}

func TestConfig_ValidateKeys(t *testing.T) {
	t.Run("missing keys", func(t *testing.T) {
		conf, err := NewConfig("", true, nil, nil)
		require.NoError(t, err)
		require.ErrorIs(t, conf.ValidateKeys(), ErrKeysNotSet)
	})

	t.Run("inline keys", func(t *testing.T) {
		conf, err := NewConfig(`livekit:
  api_key: key1
  api_secret: secret1`, true, nil, nil)
		require.NoError(t, err)
		require.NoError(t, conf.ValidateKeys())
	})

	t.Run("key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte("key2: secret2"), 0o600))

		conf, err := NewConfig("", true, nil, nil)
		require.NoError(t, err)
		conf.LiveKit.KeyFile = path
		require.NoError(t, conf.ValidateKeys())
		require.Equal(t, "key2", conf.LiveKit.APIKey)
		require.Equal(t, "secret2", conf.LiveKit.APISecret)
	})

	t.Run("key file readable by others", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte("key2: secret2"), 0o644))

		conf, err := NewConfig("", true, nil, nil)
		require.NoError(t, err)
		conf.LiveKit.KeyFile = path
		require.ErrorIs(t, conf.ValidateKeys(), ErrKeyFileIncorrectPermission)
	})
}

func TestGenerateCLIFlags(t *testing.T) {
	flags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	byName := map[string]cli.Flag{}
	for _, f := range flags {
		byName[f.Names()[0]] = f
	}
	require.IsType(t, &cli.DurationFlag{}, byName["room.grace_interval"])
	require.IsType(t, &cli.UintFlag{}, byName["room.max_participants"])
	require.IsType(t, &cli.StringFlag{}, byName["livekit.url"])
	require.NotContains(t, byName, "bind_addresses")
}
