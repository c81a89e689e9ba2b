// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package token_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fido-device-onboard/go-spdm/internal/token"
)

func TestTokens(t *testing.T) {
	ctx := context.Background()
	s := &token.Service{HmacSecret: []byte("secret")}

	tok, err := s.NewToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	conn, release, err := s.Acquire(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	release()

	again, release, err := s.Acquire(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	release()
	if conn != again {
		t.Error("token resolved to a different connection")
	}

	other := &token.Service{HmacSecret: []byte("other secret")}
	if _, _, err := other.Acquire(ctx, tok); !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("expected token from another service to be invalid, got %v", err)
	}

	for _, bad := range []string{"", "not base64!", tok[:len(tok)-2], tok + "AA"} {
		if _, _, err := s.Acquire(ctx, bad); !errors.Is(err, token.ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", bad, err)
		}
	}

	if err := s.InvalidateToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Acquire(ctx, tok); !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("expected invalidated token to be rejected, got %v", err)
	}
	if err := s.InvalidateToken(ctx, tok); !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("expected second invalidation to fail, got %v", err)
	}
}

func TestSerializedAccess(t *testing.T) {
	ctx := context.Background()
	s := new(token.Service)
	tok, err := s.NewToken(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := s.Acquire(ctx, tok)
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > 1 {
				t.Error("connection acquired concurrently")
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := &token.Service{MaxIdle: time.Minute}

	idle, err := s.NewToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	busy, err := s.NewToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, release, err := s.Acquire(ctx, busy)
	if err != nil {
		t.Fatal(err)
	}

	if n := s.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("expected 1 connection removed, got %d", n)
	}
	release()
	if _, _, err := s.Acquire(ctx, idle); !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("expected swept token to be rejected, got %v", err)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("expected 1 connection left, got %d", got)
	}
}
