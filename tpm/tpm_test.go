// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"context"
	"crypto"
	"crypto/elliptic"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/fido-device-onboard/go-spdm/internal/memory"
	"github.com/fido-device-onboard/go-spdm/protocol"
	"github.com/fido-device-onboard/go-spdm/spdmtest"
	"github.com/fido-device-onboard/go-spdm/tpm"
)

func TestIsDevNode(t *testing.T) {
	for _, test := range []struct {
		path   string
		kind   tpm.DevNodeKind
		expect bool
	}{
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpm1",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm1",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: false,
		},
		{
			path:   "tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "/dev/tpmrmx",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
	} {
		t.Run("whether "+test.path+" is a "+test.kind.PathPrefix(), func(t *testing.T) {
			if got, expect := tpm.IsDevNode(test.path, test.kind), test.expect; got != expect {
				var direction string
				if !expect {
					direction = " not"
				}
				t.Errorf("expected %q to%s match %q suffixed with a number", test.path, direction, test.kind.PathPrefix())
			}
		})
	}
}

func TestResponder(t *testing.T) {
	for _, test := range []struct {
		alg   protocol.BaseAsymAlgo
		curve elliptic.Curve
	}{
		{alg: protocol.ECDSAP256, curve: elliptic.P256()},
		{alg: protocol.ECDSAP384, curve: elliptic.P384()},
	} {
		t.Run(test.alg.String(), func(t *testing.T) {
			sim, err := simulator.OpenSimulator()
			if err != nil {
				t.Fatalf("error opening opening TPM simulator: %v", err)
			}
			defer func() {
				if err := sim.Close(); err != nil {
					t.Error(err)
				}
			}()
			dev := tpm.Synchronized(sim)

			key, err := tpm.GenerateECKey(dev, test.curve)
			if err != nil {
				t.Fatalf("error generating device key: %v", err)
			}
			defer func() { _ = key.Close() }()

			chain, err := memory.IssueChain(test.alg, "TPM Responder", key.Public())
			if err != nil {
				t.Fatal(err)
			}
			certs := &tpm.CertificateStore{
				TPM:  dev,
				PCRs: tpm.PCRList{crypto.SHA256: []int{0, 7}},
			}
			if err := certs.Provision(0, 0x01800010, key, chain); err != nil {
				t.Fatal(err)
			}

			spdmtest.RunResponderTestSuite(t, struct {
				*tpm.CertificateStore
				*tpm.PCRMeasurements
			}{
				CertificateStore: certs,
				PCRMeasurements:  &tpm.PCRMeasurements{TPM: dev},
			}, test.alg, nil)
		})
	}
}

func TestProvisionMismatchedKey(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() { _ = sim.Close() }()

	key, err := tpm.GenerateECKey(sim, elliptic.P256())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = key.Close() }()

	chain, _, err := memory.GenerateChain(protocol.ECDSAP256, "Other Key")
	if err != nil {
		t.Fatal(err)
	}
	certs := &tpm.CertificateStore{TPM: sim, PCRs: tpm.PCRList{crypto.SHA256: []int{0}}}
	if err := certs.Provision(0, 0x01800010, key, chain); err == nil {
		t.Fatal("expected a chain for another key to be rejected")
	}
	if mask, _ := certs.Slots(context.Background()); mask != 0 {
		t.Errorf("expected no slots, got %08b", mask)
	}
}

func TestPCRMeasurements(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	}()
	ctx := context.Background()

	m := &tpm.PCRMeasurements{TPM: sim, PCRs: []int{0, 2, 16}}
	before, err := m.Measurements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(before))
	}
	for i, expect := range []struct {
		index uint8
		typ   protocol.DMTFValueType
	}{
		{1, protocol.ImmutableROM},
		{3, protocol.MutableFirmware},
		{17, protocol.FreeformManifest},
	} {
		if before[i].Index != expect.index || before[i].ValueType != expect.typ {
			t.Errorf("block %d: expected index %d type %#x, got index %d type %#x",
				i, expect.index, expect.typ, before[i].Index, before[i].ValueType)
		}
		if len(before[i].Value) != crypto.SHA256.Size() {
			t.Errorf("block %d: expected a SHA-256 digest, got %d bytes", i, len(before[i].Value))
		}
	}

	// PCR 16 is the debug PCR and may be extended without platform auth
	digest := crypto.SHA256.New().Sum(nil)
	if _, err := (tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{Handle: tpm2.TPMHandle(16), Auth: tpm2.PasswordAuth(nil)},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{{HashAlg: tpm2.TPMAlgSHA256, Digest: digest}},
		},
	}).Execute(sim); err != nil {
		t.Fatal(err)
	}

	after, err := m.Measurements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(after[0].Value) != string(before[0].Value) {
		t.Error("PCR 0 should not have changed")
	}
	if string(after[2].Value) == string(before[2].Value) {
		t.Error("PCR 16 should have changed after extend")
	}

	if _, err := (&tpm.PCRMeasurements{TPM: sim, PCRs: []int{24}}).Measurements(ctx); err == nil {
		t.Error("expected PCR 24 to be rejected")
	}
}
