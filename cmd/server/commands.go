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
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/utils"

	"github.com/livebeacon/beacon-server/pkg/auth"
	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/service"
)

const commandTimeout = 30 * time.Second

func generateKeys(_ *cli.Context) error {
	apiKey := utils.NewGuid(utils.APIKeyPrefix)
	secret := utils.RandomSecret()
	fmt.Println("API Key: ", apiKey)
	fmt.Println("API Secret: ", secret)
	return nil
}

func createToken(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	issuer := auth.NewIssuer(conf.LiveKit.APIKey, conf.LiveKit.APISecret, conf.Room.TokenTTL)
	identity := c.String("identity")

	var token string
	if c.Bool("admin") {
		token, err = issuer.IssueAdmin(identity, 0)
	} else {
		room := c.String("room")
		if room == "" {
			return errors.New("--room is required unless --admin is set")
		}
		token, err = issuer.Issue(livekit.ParticipantIdentity(identity), livekit.RoomName(room), true, true, 0)
	}
	if err != nil {
		return errors.Wrap(err, "create token")
	}

	fmt.Println("Token:", token)
	return nil
}

func listRooms(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	gw, err := service.InitializeGateway(conf)
	if err != nil {
		return errors.Wrap(err, "create gateway")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	remote, err := gw.ListRooms(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "list rooms")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Name",
		"Source",
		"Participants",
		"Created",
	})

	for _, room := range remote {
		table.Append([]string{
			room.Name,
			string(service.SourceFromMetadata(room.Metadata)),
			strconv.Itoa(int(room.NumParticipants)),
			humanize.Time(time.Unix(room.CreationTime, 0)),
		})
	}

	table.Render()
	return nil
}

func deleteRoom(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	roomManager, err := service.InitializeRoomManager(conf)
	if err != nil {
		return errors.Wrap(err, "create room manager")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	room := c.String("room")
	if err = roomManager.DeleteRoom(ctx, livekit.RoomName(room)); err != nil {
		return errors.Wrapf(err, "delete room %s", room)
	}
	fmt.Println("Deleted", room)
	return nil
}

func cleanupDuplicates(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	roomManager, err := service.InitializeRoomManager(conf)
	if err != nil {
		return errors.Wrap(err, "create room manager")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	removed, err := roomManager.CleanupDuplicateSourceRooms(ctx)
	if err != nil {
		return errors.Wrap(err, "cleanup duplicates")
	}

	if len(removed) == 0 {
		fmt.Println("No duplicate rooms found")
		return nil
	}
	for _, room := range removed {
		fmt.Println("Closed", room)
	}
	return nil
}

func listRecordings(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}
	store, err := service.InitializeRecordingStore(conf)
	if err != nil {
		return errors.Wrap(err, "open recording store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	sessions, err := store.ListSessions(ctx, livekit.ParticipantIdentity(c.String("source")))
	if err != nil {
		return errors.Wrap(err, "list recordings")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"ID",
		"Room",
		"Status",
		"Tracks",
		"Started",
		"Duration",
	})

	for _, session := range sessions {
		duration := ""
		if session.EndedAt != nil {
			duration = session.EndedAt.Sub(session.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			session.ID,
			string(session.Room),
			string(session.Status),
			strconv.Itoa(len(session.Recordings)),
			humanize.Time(session.StartedAt),
			duration,
		})
	}

	table.Render()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
