// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/fido-device-onboard/go-spdm/tpm"
)

func TestKeySign(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	}()

	for _, test := range []struct {
		Name string
		Gen  func(transport.TPM) (tpm.Key, error)
		Opts crypto.SignerOpts
	}{
		{
			Name: "RSA-SSA-2048",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateRSAKey(t, 2048)
			},
			Opts: crypto.SHA256,
		},
		{
			Name: "RSA-PSS-2048",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateRSAKey(t, 2048)
			},
			Opts: &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256},
		},
		{
			Name: "RSA-PSS-2048-SHA384",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateRSAKey(t, 2048)
			},
			Opts: &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA384},
		},
		{
			Name: "EC-P256",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateECKey(t, elliptic.P256())
			},
			Opts: crypto.SHA256,
		},
		{
			Name: "EC-P384",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateECKey(t, elliptic.P384())
			},
			Opts: crypto.SHA384,
		},

		//  RSA-3072 is not supported by the simulator and the simulator
		//  segfaults when -DRSA_3072 is added to CFLAGS
	} {
		t.Run(test.Name, func(t *testing.T) {
			key, err := test.Gen(sim)
			if err != nil {
				t.Fatalf("error generating key: %v", err)
			}
			defer func() {
				if err := key.Close(); err != nil {
					t.Error(err)
				}
			}()

			hash := test.Opts.HashFunc().New()
			_, _ = hash.Write([]byte("Hello World!"))
			digest := hash.Sum(nil)

			sig, err := key.Sign(rand.Reader, digest, test.Opts)
			if err != nil {
				t.Fatalf("error signing digest: %v", err)
			}

			switch pub := key.Public().(type) {
			case *ecdsa.PublicKey:
				if !ecdsa.VerifyASN1(pub, digest, sig) {
					t.Fatalf("error verifying ECDSA signature")
				}

			case *rsa.PublicKey:
				if pss, ok := test.Opts.(*rsa.PSSOptions); ok {
					err = rsa.VerifyPSS(pub, pss.Hash, digest, sig, pss)
				} else {
					err = rsa.VerifyPKCS1v15(pub, test.Opts.HashFunc(), digest, sig)
				}
				if err != nil {
					t.Fatalf("error verifying RSA signature: %v", err)
				}

			default:
				t.Fatalf("unexpected key type: %T", pub)
			}
		})
	}
}

func TestUnsupportedKeys(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	}()

	if _, err := tpm.GenerateECKey(sim, elliptic.P224()); err == nil {
		t.Error("expected P-224 to be rejected")
	}
	if _, err := tpm.GenerateRSAKey(sim, 1024); err == nil {
		t.Error("expected RSA-1024 to be rejected")
	}
}
