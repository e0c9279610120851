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
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/auth"
	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/version"
)

type BeaconServer struct {
	config      *config.Config
	roomManager *RoomManager
	httpServer  *http.Server
	promServer  *http.Server
	running     atomic.Bool
	doneChan    chan struct{}
	closedChan  chan struct{}
}

func NewBeaconServer(
	conf *config.Config,
	roomAPI *RoomAPI,
	signalService *SignalService,
	verifier *auth.Verifier,
	roomManager *RoomManager,
) (*BeaconServer, error) {
	s := &BeaconServer{
		config:      conf,
		roomManager: roomManager,
		closedChan:  make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins: conf.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}),
		NewAPIKeyAuthMiddleware(verifier),
	}

	mux := http.NewServeMux()
	roomAPI.SetupRoutes(mux)
	signalService.SetupRoutes(mux)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Handler:           configureMiddlewares(mux, middlewares...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}

	return s, nil
}

func (s *BeaconServer) IsRunning() bool {
	return s.running.Load()
}

func (s *BeaconServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	values := []interface{}{
		"portHttp", s.config.Port,
		"version", version.Version,
		"development", s.config.Development,
	}
	if s.config.LiveKit.URL != "" {
		values = append(values, "livekit", s.config.LiveKit.URL)
	}
	if len(s.config.BindAddresses) > 0 {
		values = append(values, "bindAddresses", s.config.BindAddresses)
	}
	logger.Infow("starting beacon server", values...)

	for _, ln := range listeners {
		ln := ln
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("could not serve http", err, "address", ln.Addr().String())
			}
		}()
	}

	if s.promServer != nil {
		promListener, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			return err
		}
		go func() {
			if err := s.promServer.Serve(promListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("could not serve prometheus", err)
			}
		}()
	}

	// clear out drift left by a previous process before serving traffic
	if err := s.roomManager.Reconcile(context.Background()); err != nil {
		logger.Warnw("initial reconciliation failed", err)
	}
	s.roomManager.Start()
	s.running.Store(true)

	<-s.doneChan

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	s.roomManager.Stop()
	close(s.closedChan)
	return nil
}

func (s *BeaconServer) Stop(force bool) {
	if !s.running.Swap(false) {
		return
	}
	logger.Infow("stopping beacon server", "force", force)
	close(s.doneChan)

	// wait for fully closed
	<-s.closedChan
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
