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
	"sync"

	"github.com/livekit/protocol/logger"
)

// SampledLogger logs repeated events with a running counter, skipping most of them once
// they become frequent.
type SampledLogger interface {
	Warnw(msg string, err error, keysAndValues ...any)
	Counter() int
}

// logs samples where counter % Base^n == 0 for n = 0, 1, 2, ...
// for example with Base = 5, it will log samples at 1, 2, 3, 4, 5, 10, 15, 20, 25, 50, 75, 100, 125, 250, 375, ...
type ExponentialLoggerParams struct {
	Base int
}

type exponentialLogger struct {
	lgr     logger.Logger
	params  ExponentialLoggerParams
	lock    sync.Mutex
	counter int
	current int
}

func NewExponentialLogger(lgr logger.Logger, params ExponentialLoggerParams) SampledLogger {
	if params.Base < 2 {
		params.Base = 2
	}
	return &exponentialLogger{
		lgr:     lgr,
		params:  params,
		current: 1,
	}
}

func (e *exponentialLogger) Warnw(msg string, err error, keysAndValues ...any) {
	e.lock.Lock()
	e.counter++
	if e.counter == e.current*e.params.Base {
		e.current *= e.params.Base
	}
	counter := e.counter
	sample := counter%e.current == 0
	e.lock.Unlock()

	if sample {
		e.lgr.Warnw(msg, err, append(keysAndValues, "counter", counter)...)
	}
}

func (e *exponentialLogger) Counter() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.counter
}
