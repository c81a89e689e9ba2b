// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/internal/token"
)

// DefaultSweepInterval is used when Server.SweepInterval is zero.
const DefaultSweepInterval = time.Minute

// DefaultMaxIdle is the idle time after which connections are removed when
// Server.MaxIdle is zero.
const DefaultMaxIdle = 10 * time.Minute

// Server serves a responder over HTTP at {Base}/spdm.
type Server struct {
	// Addr is the TCP address to listen on. It is ignored if Listener is
	// set.
	Addr     string
	Listener net.Listener

	// Base path of the SPDM endpoint. e.g. /device
	Base string

	// MaxIdle is how long a connection is kept without requests.
	MaxIdle       time.Duration
	SweepInterval time.Duration
}

var _ spdm.ServerTransport = (*Server)(nil)

// Serve implements spdm.ServerTransport. It returns nil when ctx is canceled.
func (s *Server) Serve(ctx context.Context, r *spdm.Responder) error {
	lis := s.Listener
	if lis == nil {
		var err error
		if lis, err = net.Listen("tcp", s.Addr); err != nil {
			return err
		}
	}
	maxIdle := s.MaxIdle
	if maxIdle == 0 {
		maxIdle = DefaultMaxIdle
	}
	interval := s.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}

	tokens := &token.Service{MaxIdle: maxIdle}
	mux := http.NewServeMux()
	mux.Handle(s.Base+"/spdm", &Handler{Responder: r, Tokens: tokens})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("spdm responder listening", "addr", lis.Addr().String(), "path", s.Base+"/spdm")
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				tokens.Sweep(now)
			}
		}
	})
	return g.Wait()
}
