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

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestNewRoomName(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := string(NewRoomName())
		require.NotEmpty(t, name)
		require.False(t, seen[name])
		seen[name] = true
	}
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestOpsQueueOrder(t *testing.T) {
	oq := NewOpsQueue(logger.GetLogger(), "test", 10)
	oq.Start()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, oq.Enqueue(func() { got = append(got, i) }))
	}
	oq.Stop()
	<-oq.Done()

	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.False(t, oq.Enqueue(func() {}))
}

func TestExponentialLoggerCounts(t *testing.T) {
	l := NewExponentialLogger(logger.GetLogger(), ExponentialLoggerParams{Base: 5})
	for i := 0; i < 30; i++ {
		l.Warnw("dropped", nil)
	}
	require.Equal(t, 30, l.Counter())
}

func TestContextLogger(t *testing.T) {
	require.NotNil(t, GetLogger(context.Background()))

	l := logger.GetLogger().WithValues("participant", "alice")
	ctx := ContextWithLogger(context.Background(), l)
	require.Equal(t, l, GetLogger(ctx))
}
