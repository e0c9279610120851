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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/service"
	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
	"github.com/livebeacon/beacon-server/version"
)

const (
	devAPIKey    = "devkey"
	devAPISecret = "secret"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to beacon config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "beacon config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"BEACON_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "livekit-url",
		Usage:   "URL of the LiveKit media server. Without it an in-process gateway is used",
		EnvVars: []string{"LIVEKIT_URL"},
	},
	&cli.StringFlag{
		Name:    "livekit-api-key",
		Usage:   "API key for the media server",
		EnvVars: []string{"LIVEKIT_API_KEY"},
	},
	&cli.StringFlag{
		Name:    "livekit-api-secret",
		Usage:   "API secret for the media server",
		EnvVars: []string{"LIVEKIT_API_SECRET"},
	},
	&cli.StringFlag{
		Name:  "key-file",
		Usage: "path to file that contains the API key/secret",
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server, used for recording sessions",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and uses placeholder keys. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "beacon-server",
		Usage:       "Live stream room coordinator for LiveKit",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "generate-keys",
				Usage:  "generates an API key and secret pair",
				Action: generateKeys,
			},
			{
				Name:   "create-join-token",
				Usage:  "create a join token for development use",
				Action: createToken,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "room",
						Usage: "name of room to join",
					},
					&cli.StringFlag{
						Name:     "identity",
						Usage:    "identity of participant that holds the token",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "admin",
						Usage: "creates a token allowed to list, delete and clean up rooms",
					},
				},
			},
			{
				Name:   "list-rooms",
				Usage:  "list rooms active on the media server",
				Action: listRooms,
			},
			{
				Name:   "delete-room",
				Usage:  "delete a room from the media server",
				Action: deleteRoom,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room",
						Usage:    "name of room to delete",
						Required: true,
					},
				},
			},
			{
				Name:   "cleanup-duplicates",
				Usage:  "close all but the newest room of every source",
				Action: cleanupDuplicates,
			},
			{
				Name:   "list-recordings",
				Usage:  "list recording sessions of a source",
				Action: listRecordings,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Usage:    "identity of the source",
						Required: true,
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")

		if conf.LiveKit.APIKey == "" && conf.LiveKit.KeyFile == "" {
			logger.Infow("no keys provided, using placeholder keys",
				"API Key", devAPIKey,
				"API Secret", devAPISecret,
			)
			conf.LiveKit.APIKey = devAPIKey
			conf.LiveKit.APISecret = devAPISecret
			// when dev mode and using shared keys, we'll bind to localhost by default
			if conf.BindAddresses == nil {
				conf.BindAddresses = []string{
					"127.0.0.1",
					"[::1]",
				}
			}
		}
	}
	if conf.LiveKit.URL == "" {
		// the in-process gateway never reports media participants
		conf.Room.RemoteEmptyGrace = 0
	}

	if err = conf.ValidateKeys(); err != nil {
		return nil, err
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init()

	server, err := service.InitializeServer(conf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop(false)
	}()

	return server.Start()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
