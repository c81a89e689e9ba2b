// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package kex_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/kex"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

func TestBinConcat(t *testing.T) {
	s := kex.Schedule{Hash: protocol.SHA256, AEAD: protocol.AES128GCM, Version: protocol.Version11}
	got := s.BinConcat(32, "key", []byte{0xAA})
	expect := append([]byte{32, 0}, []byte("spdm1.1 key")...)
	expect = append(expect, 0xAA)
	if !bytes.Equal(got, expect) {
		t.Fatalf("expected %x, got %x", expect, got)
	}
}

func TestHandshakeSecret(t *testing.T) {
	s := kex.Schedule{Hash: protocol.SHA256, AEAD: protocol.AES128GCM, Version: protocol.Version11}
	shared := []byte("shared secret")
	got, err := s.HandshakeSecret(shared)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, make([]byte, 32))
	_, _ = mac.Write(shared)
	if expect := mac.Sum(nil); !bytes.Equal(got, expect) {
		t.Fatalf("expected %x, got %x", expect, got)
	}
}

func newSession(t *testing.T, suite protocol.AEADSuite) (kex.Schedule, *kex.DirectionKeys, *kex.DirectionKeys) {
	t.Helper()
	s := kex.Schedule{Crypto: cryptosuite.Default, Hash: protocol.SHA384, AEAD: suite, Version: protocol.Version11}
	a, err := s.Crypto.GenerateKeyShare(protocol.SECP384R1, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Crypto.GenerateKeyShare(protocol.SECP384R1, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	shared, err := s.Crypto.DeriveSharedSecret(a, b.Public)
	if err != nil {
		t.Fatal(err)
	}
	hs, err := s.HandshakeSecret(shared)
	if err != nil {
		t.Fatal(err)
	}
	th1, _ := s.Crypto.Hash(s.Hash, []byte("th1"))
	req, rsp, err := s.HandshakeKeys(hs, th1)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.FinishedKey) != 48 || len(req.Key) != suite.KeySize() || len(req.IV) != protocol.AEADIVSize {
		t.Fatalf("unexpected key sizes: %d/%d/%d", len(req.FinishedKey), len(req.Key), len(req.IV))
	}
	if bytes.Equal(req.Key, rsp.Key) {
		t.Fatal("request and response keys must differ")
	}

	master, err := s.MasterSecret(hs)
	if err != nil {
		t.Fatal(err)
	}
	th2, _ := s.Crypto.Hash(s.Hash, []byte("th2"))
	dreq, drsp, err := s.DataKeys(master, th2)
	if err != nil {
		t.Fatal(err)
	}
	if dreq.FinishedKey != nil {
		t.Fatal("data keys must not have a finished key")
	}
	if bytes.Equal(dreq.Key, req.Key) {
		t.Fatal("data keys must differ from handshake keys")
	}
	return s, dreq, drsp
}

func TestSessionCrypter(t *testing.T) {
	for _, suite := range []protocol.AEADSuite{protocol.AES128GCM, protocol.AES256GCM, protocol.ChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			_, keys, _ := newSession(t, suite)
			sender := *keys
			receiver := *keys
			c := kex.SessionCrypter{Crypto: cryptosuite.Default, Suite: suite, SessionID: protocol.SessionID(0xFFFE, 0x0001)}

			for i, msg := range [][]byte{{0x11, 0xE8, 0, 0}, {0x11, 0xE8, 0, 0}, []byte("longer application data")} {
				sealed, err := c.Seal(&sender, msg)
				if err != nil {
					t.Fatal(err)
				}
				if len(sealed) != protocol.SecuredHeaderSize+protocol.AppDataLengthSize+len(msg)+protocol.AEADTagSize {
					t.Fatalf("unexpected secured message size %d", len(sealed))
				}
				opened, err := c.Open(&receiver, sealed)
				if err != nil {
					t.Fatalf("message %d: %v", i, err)
				}
				if !bytes.Equal(opened, msg) {
					t.Fatalf("message %d: expected %x, got %x", i, msg, opened)
				}
			}
			if sender.Seq != 3 || receiver.Seq != 3 {
				t.Fatalf("expected sequence 3, got %d and %d", sender.Seq, receiver.Seq)
			}

			sealed, _ := c.Seal(&sender, []byte{0x11, 0xE8, 0, 0})
			t.Run("tampered", func(t *testing.T) {
				bad := append([]byte(nil), sealed...)
				bad[len(bad)-1] ^= 1
				if _, err := c.Open(&receiver, bad); !errors.Is(err, cryptosuite.ErrAuthentication) {
					t.Fatalf("expected authentication error, got %v", err)
				}
				if receiver.Seq != 3 {
					t.Fatal("sequence advanced on failure")
				}
			})
			t.Run("replayed", func(t *testing.T) {
				if _, err := c.Open(&receiver, sealed); err != nil {
					t.Fatal(err)
				}
				if _, err := c.Open(&receiver, sealed); !errors.Is(err, cryptosuite.ErrAuthentication) {
					t.Fatalf("expected authentication error on replay, got %v", err)
				}
			})
			t.Run("wrong session", func(t *testing.T) {
				other := c
				other.SessionID++
				if _, err := other.Open(&receiver, sealed); err == nil {
					t.Fatal("expected session ID mismatch")
				}
			})
		})
	}
}

func TestUpdate(t *testing.T) {
	s, keys, _ := newSession(t, protocol.AES256GCM)
	a, err := s.Update(keys)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Update(keys)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Key, b.Key) || !bytes.Equal(a.IV, b.IV) {
		t.Fatal("updates of the same keys must agree")
	}
	if bytes.Equal(a.Key, keys.Key) {
		t.Fatal("updated key must differ")
	}
	if a.Seq != 0 {
		t.Fatal("updated keys must restart the sequence number")
	}
}

func TestNonce(t *testing.T) {
	k := kex.DirectionKeys{IV: bytes.Repeat([]byte{0xFF}, protocol.AEADIVSize), Seq: 0x0102}
	expect := []byte{0xFD, 0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if got := k.Nonce(); !bytes.Equal(got, expect) {
		t.Fatalf("expected %x, got %x", expect, got)
	}
	if k.IV[0] != 0xFF {
		t.Fatal("nonce must not modify the base IV")
	}
}
