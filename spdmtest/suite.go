// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdmtest

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/internal/memory"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

const timeout = 30 * time.Second

// DeviceState is the device state under test.
type DeviceState interface {
	spdm.CertificateStore
	spdm.MeasurementSource
}

// TransportFunc creates the requester side transport for one connection. It
// is used to run the suite over real transports.
type TransportFunc func(t *testing.T, r *spdm.Responder) spdm.Transport

// RunResponderTestSuite is used to test different implementations of device
// state and transports at an end-to-end level. Slot 0 of state must hold a
// chain whose leaf key is usable with alg.
//
// If state is nil, then an in-memory implementation will be used. If
// newTransport is nil, the requester calls the responder directly.
func RunResponderTestSuite(t *testing.T, state DeviceState, alg protocol.BaseAsymAlgo, newTransport TransportFunc) {
	slog.SetDefault(slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug})))

	if state == nil {
		inMemory, err := memory.NewState(alg)
		if err != nil {
			t.Fatal(err)
		}
		state = inMemory
	}
	if newTransport == nil {
		newTransport = func(t *testing.T, r *spdm.Responder) spdm.Transport {
			return &Transport{T: t, Responder: r}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	chain, _, err := state.CertificateChain(ctx, 0)
	if err != nil {
		t.Fatalf("slot 0: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(chain[0])

	responder := &spdm.Responder{
		Certificates:    state,
		Measurements:    state,
		BaseAsym:        []protocol.BaseAsymAlgo{alg},
		HeartbeatPeriod: 10,
	}
	newRequester := func(t *testing.T) *spdm.Requester {
		return &spdm.Requester{
			Transport: newTransport(t, responder),
			BaseAsym:  []protocol.BaseAsymAlgo{alg},
			Roots:     roots,
		}
	}

	t.Run("Attestation", func(t *testing.T) {
		if err := Attest(ctx, newRequester(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Session", func(t *testing.T) {
		if err := SecureSession(ctx, newRequester(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Parallel connections", func(t *testing.T) {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 4; i++ {
			q := newRequester(t)
			g.Go(func() error {
				if err := Attest(gctx, q); err != nil {
					return fmt.Errorf("connection %d: %w", i, err)
				}
				if err := SecureSession(gctx, q); err != nil {
					return fmt.Errorf("connection %d: %w", i, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
	})
}

// RunAttackTestSuite runs the requester against a responder whose responses
// are corrupted, expecting every attack to be detected.
func RunAttackTestSuite(t *testing.T, alg protocol.BaseAsymAlgo) {
	slog.SetDefault(slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug})))

	state, err := memory.NewState(alg)
	if err != nil {
		t.Fatal(err)
	}
	responder := &spdm.Responder{
		Certificates: state,
		Measurements: state,
		BaseAsym:     []protocol.BaseAsymAlgo{alg},
	}

	for _, attack := range []AttackType{
		AttackBadDigest,
		AttackBadCertificate,
		AttackBadChallengeSignature,
		AttackBadMeasurementSignature,
		AttackBadKeyExchangeSignature,
		AttackBadVerifyData,
		AttackBadSecuredMAC,
	} {
		t.Run(attack.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			q := &spdm.Requester{
				Transport: &MaliciousTransport{
					Transport: &Transport{T: t, Responder: responder},
					Attack:    attack,
				},
				BaseAsym: []protocol.BaseAsymAlgo{alg},
			}
			err := Attest(ctx, q)
			if err == nil {
				err = SecureSession(ctx, q)
			}
			if err == nil {
				t.Fatal("expected attack to be detected")
			}
			t.Logf("attack detected: %v", err)
		})
	}
}

// Attest runs negotiation, certificate retrieval, CHALLENGE, and measurement
// retrieval.
func Attest(ctx context.Context, q *spdm.Requester) error {
	if err := q.Init(ctx); err != nil {
		return err
	}
	slots, digests, err := q.GetDigests(ctx)
	if err != nil {
		return err
	}
	if slots&1 == 0 || len(digests) == 0 {
		return fmt.Errorf("slot 0 is not provisioned: mask %08b", slots)
	}
	if _, err := q.GetCertificate(ctx, 0); err != nil {
		return err
	}
	if _, err := q.Challenge(ctx, 0, protocol.AllMeasurementSummary); err != nil {
		return err
	}

	count, err := q.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.MeasurementCount})
	if err != nil {
		return err
	}
	all, err := q.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.AllMeasurements})
	if err != nil {
		return err
	}
	if int(count.TotalIndices) != len(all.Blocks) {
		return fmt.Errorf("measurement count %d does not match %d blocks", count.TotalIndices, len(all.Blocks))
	}
	if len(all.Blocks) == 0 {
		return nil
	}
	signed, err := q.GetMeasurements(ctx, spdm.MeasurementRequest{
		Operation: all.Blocks[0].Index,
		Signed:    true,
	})
	if err != nil {
		return err
	}
	if len(signed.Blocks) != 1 || signed.Blocks[0].Index != all.Blocks[0].Index {
		return fmt.Errorf("unexpected signed measurement blocks %v", signed.Blocks)
	}
	return nil
}

// SecureSession establishes a session and exercises every session message.
// The requester must have retrieved the certificate chain of slot 0.
func SecureSession(ctx context.Context, q *spdm.Requester) error {
	if _, ok := q.CertificateChain(0); !ok {
		if err := q.Init(ctx); err != nil {
			return err
		}
		if _, err := q.GetCertificate(ctx, 0); err != nil {
			return err
		}
	}
	id, err := q.StartSession(ctx, 0, protocol.TCBMeasurementSummary)
	if err != nil {
		return err
	}
	if err := q.Heartbeat(ctx, id); err != nil {
		return err
	}
	if _, err := q.GetMeasurements(ctx, spdm.MeasurementRequest{
		Operation: protocol.AllMeasurements,
		Signed:    true,
		SessionID: id,
	}); err != nil {
		return err
	}
	if err := q.KeyUpdate(ctx, id, protocol.UpdateKey); err != nil {
		return err
	}
	if err := q.KeyUpdate(ctx, id, protocol.UpdateAllKeys); err != nil {
		return err
	}
	if err := q.Heartbeat(ctx, id); err != nil {
		return err
	}
	if err := q.EndSession(ctx, id); err != nil {
		return err
	}
	if err := q.Heartbeat(ctx, id); err == nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("heartbeat after END_SESSION: expected error, got %v", err)
	}
	return nil
}
