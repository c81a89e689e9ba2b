// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fido-device-onboard/go-spdm"
	spdm_http "github.com/fido-device-onboard/go-spdm/http"
	"github.com/fido-device-onboard/go-spdm/internal/memory"
	"github.com/fido-device-onboard/go-spdm/internal/token"
	"github.com/fido-device-onboard/go-spdm/protocol"
	"github.com/fido-device-onboard/go-spdm/spdmtest"
	"github.com/fido-device-onboard/go-spdm/sqlite"
)

func TestResponder(t *testing.T) {
	for _, alg := range []protocol.BaseAsymAlgo{
		protocol.ECDSAP256,
		protocol.ECDSAP384,
		protocol.RSAPSS3072,
	} {
		t.Run(alg.String(), func(t *testing.T) {
			t.Run("with direct transport", func(t *testing.T) {
				state, cleanup := newDB(t, alg)
				defer func() { _ = cleanup() }()

				spdmtest.RunResponderTestSuite(t, state, alg, nil)
			})

			t.Run("with HTTP transport", func(t *testing.T) {
				state, cleanup := newDB(t, alg)
				defer func() { _ = cleanup() }()

				tokens := new(token.Service)
				spdmtest.RunResponderTestSuite(t, state, alg, func(t *testing.T, r *spdm.Responder) spdm.Transport {
					return &spdm_http.Transport{
						Base: "http://example.com",
						Client: &http.Client{Transport: &transport{
							T: t,
							Handler: &spdm_http.Handler{
								Responder: r,
								Tokens:    tokens,
							},
						}},
					}
				})

				if n := tokens.Len(); n == 0 {
					t.Error("expected HTTP connections to be tracked by token")
				}
			})
		})
	}
}

func TestSlots(t *testing.T) {
	state, cleanup := newDB(t, protocol.ECDSAP256)
	defer func() { _ = cleanup() }()
	ctx := context.Background()

	chain, key, err := memory.GenerateChain(protocol.ECDSAP384, "Slot 3")
	if err != nil {
		t.Fatal(err)
	}
	if err := state.AddSlot(ctx, 3, key, chain); err != nil {
		t.Fatal(err)
	}
	if err := state.AddSlot(ctx, protocol.MaxSlots, key, chain); err == nil {
		t.Error("expected out of range slot to be rejected")
	}

	mask, err := state.Slots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mask != 0b1001 {
		t.Errorf("expected slot mask 00001001, got %08b", mask)
	}

	got, signer, err := state.CertificateChain(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(chain) {
		t.Fatalf("expected %d certificates, got %d", len(chain), len(got))
	}
	for i := range chain {
		if !got[i].Equal(chain[i]) {
			t.Errorf("certificate %d does not match", i)
		}
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		t.Error("slot key does not match")
	}

	if err := state.RemoveSlot(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := state.RemoveSlot(ctx, 3); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := state.CertificateChain(ctx, 3); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMeasurements(t *testing.T) {
	state, cleanup := newDB(t, protocol.ECDSAP256)
	defer func() { _ = cleanup() }()
	ctx := context.Background()

	updated := protocol.MeasurementBlock{
		Index:     2,
		ValueType: protocol.MutableFirmware | protocol.RawBitStream,
		Value:     []byte("firmware v2.0.0"),
	}
	if err := state.SetMeasurement(ctx, updated); err != nil {
		t.Fatal(err)
	}
	if err := state.RemoveMeasurement(ctx, 5); err != nil {
		t.Fatal(err)
	}
	for _, index := range []uint8{0, protocol.AllMeasurements} {
		if err := state.SetMeasurement(ctx, protocol.MeasurementBlock{Index: index}); err == nil {
			t.Errorf("expected index %d to be rejected", index)
		}
	}

	blocks, err := state.Measurements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != len(memory.DefaultMeasurements())-1 {
		t.Fatalf("expected %d blocks, got %d", len(memory.DefaultMeasurements())-1, len(blocks))
	}
	for i, blk := range blocks {
		if blk.Index != uint8(i+1) {
			t.Errorf("block %d: expected index %d, got %d", i, i+1, blk.Index)
		}
	}
	if !bytes.Equal(blocks[1].Value, updated.Value) || blocks[1].ValueType != updated.ValueType {
		t.Errorf("expected updated block %+v, got %+v", updated, blocks[1])
	}
}

func TestAuditLog(t *testing.T) {
	state, cleanup := newDB(t, protocol.ECDSAP256)
	defer func() { _ = cleanup() }()
	ctx := context.Background()
	since := time.Now()

	chain, _, err := state.CertificateChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(chain[0])
	r := &spdm.Responder{
		Certificates: state,
		Measurements: state,
		BaseAsym:     []protocol.BaseAsymAlgo{protocol.ECDSAP256},
		Events:       state,
	}
	q := &spdm.Requester{
		Transport: &spdmtest.Transport{T: t, Responder: r},
		BaseAsym:  []protocol.BaseAsymAlgo{protocol.ECDSAP256},
		Roots:     roots,
	}
	if err := spdmtest.Attest(ctx, q); err != nil {
		t.Fatal(err)
	}
	if err := spdmtest.SecureSession(ctx, q); err != nil {
		t.Fatal(err)
	}

	records, err := state.AuditLog(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[spdm.EventType]int)
	for _, rec := range records {
		t.Logf("%s: %s request=%s state=%s session=%#x %s", rec.Time.Format(time.RFC3339Nano), rec.Event, rec.Request, rec.State, rec.SessionID, rec.Error)
		seen[rec.Event]++
	}
	for _, typ := range []spdm.EventType{spdm.EventStateChanged, spdm.EventSessionEstablished, spdm.EventSessionEnded} {
		if seen[typ] == 0 {
			t.Errorf("expected at least one %q event", typ)
		}
	}

	later, err := state.AuditLog(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != 0 {
		t.Errorf("expected no events in the future, got %d", len(later))
	}
}

func newDB(t *testing.T, alg protocol.BaseAsymAlgo) (_ *sqlite.DB, cleanup func() error) {
	removeDB := func() error { return os.Remove("db.test") }
	_ = removeDB()

	state, err := sqlite.Open("db.test", "test_password")
	if err != nil {
		t.Fatal(err)
	}
	state.DebugLog = spdmtest.TestingLog(t)
	ctx := context.Background()

	chain, key, err := memory.GenerateChain(alg, "SQLite Responder")
	if err != nil {
		t.Fatal(err)
	}
	if err := state.AddSlot(ctx, 0, key, chain); err != nil {
		t.Fatal(err)
	}
	for _, blk := range memory.DefaultMeasurements() {
		if err := state.SetMeasurement(ctx, blk); err != nil {
			t.Fatal(err)
		}
	}

	return state, func() error {
		_ = state.Close()
		return removeDB()
	}
}

type transport struct {
	T       *testing.T
	Handler http.Handler
}

// Assume request is well-formed and ignore timeouts, retries, etc.
func (tr *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var buf bytes.Buffer
	rr := &httptest.ResponseRecorder{Body: &buf}
	tr.Handler.ServeHTTP(rr, req)
	resp := rr.Result()
	resp.Request = req
	return resp, nil
}
