// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package token maps bearer tokens to responder connections so that stateless
// transports can carry a connection across requests.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fido-device-onboard/go-spdm"
)

// ErrInvalidToken is returned for tokens that were not issued by the service
// or whose connection was invalidated.
var ErrInvalidToken = errors.New("invalid token")

// Service issues HMAC-authenticated tokens, each bound to one
// *spdm.Connection. Requests of a connection are serialized while independent
// connections proceed in parallel.
type Service struct {
	// HmacSecret authenticates tokens. A random secret is generated on first
	// use if empty.
	HmacSecret []byte

	// MaxIdle is the duration after which Sweep removes an unused connection.
	// Zero disables expiry.
	MaxIdle time.Duration

	mu    sync.Mutex
	conns map[connID]*entry
}

type entry struct {
	mu       sync.Mutex
	conn     *spdm.Connection
	lastUsed time.Time
	closed   bool
}

func (s *Service) secret() ([]byte, error) {
	if len(s.HmacSecret) == 0 {
		s.HmacSecret = make([]byte, 32)
		if _, err := rand.Read(s.HmacSecret); err != nil {
			s.HmacSecret = nil
			return nil, err
		}
	}
	return s.HmacSecret, nil
}

// NewToken creates a connection in the NotStarted state and returns its
// token.
func (s *Service) NewToken(context.Context) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	secret, err := s.secret()
	if err != nil {
		return "", err
	}
	if s.conns == nil {
		s.conns = make(map[connID]*entry)
	}
	s.conns[id] = &entry{conn: spdm.NewConnection(), lastUsed: time.Now()}
	return toToken(id, secret), nil
}

// Acquire locks the connection of a token. The returned release func must be
// called when the request has been handled.
func (s *Service) Acquire(ctx context.Context, token string) (_ *spdm.Connection, release func(), _ error) {
	s.mu.Lock()
	secret, err := s.secret()
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	id, err := fromToken(token, secret)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	e, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrInvalidToken
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return nil, nil, err
	}
	e.lastUsed = time.Now()
	return e.conn, e.mu.Unlock, nil
}

// InvalidateToken removes the connection of a token. A request holding the
// connection completes first.
func (s *Service) InvalidateToken(_ context.Context, token string) error {
	s.mu.Lock()
	secret, err := s.secret()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	id, err := fromToken(token, secret)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		return ErrInvalidToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Sweep removes connections which have been idle longer than MaxIdle and
// returns how many were removed. Connections with a request in progress are
// skipped.
func (s *Service) Sweep(now time.Time) int {
	if s.MaxIdle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, e := range s.conns {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastUsed) > s.MaxIdle {
			e.closed = true
			delete(s.conns, id)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		slog.Debug("spdm idle connections removed", "count", n)
	}
	return n
}

// Len returns the number of registered connections.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
