// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package kex implements the SPDM 1.1 key schedule and the secured message
// record layer built on it.
package kex

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// ErrSequenceExhausted is returned when a direction has used every sequence
// number and must be rekeyed.
var ErrSequenceExhausted = errors.New("sequence number exhausted")

// Key schedule labels
const (
	labelReqHandshake = "req hs data"
	labelRspHandshake = "rsp hs data"
	labelReqData      = "req app data"
	labelRspData      = "rsp app data"
	labelDerived      = "derived"
	labelFinished     = "finished"
	labelKey          = "key"
	labelIV           = "iv"
	labelUpdate       = "traffic upd"
)

// Schedule derives session secrets for the negotiated hash and AEAD suite.
type Schedule struct {
	Crypto  cryptosuite.Provider
	Hash    protocol.BaseHashAlgo
	AEAD    protocol.AEADSuite
	Version protocol.Version
}

func (s Schedule) provider() cryptosuite.Provider {
	if s.Crypto == nil {
		return cryptosuite.Default
	}
	return s.Crypto
}

// BinConcat builds the HKDF info parameter:
//
//	BinConcat = Length(uint16) || "spdmM.m " || Label || Context
func (s Schedule) BinConcat(length int, label string, context []byte) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(length))
	b = fmt.Appendf(b, "spdm%d.%d ", s.Version.Major(), s.Version.Minor())
	b = append(b, label...)
	return append(b, context...)
}

func (s Schedule) expand(secret []byte, label string, context []byte, n int) ([]byte, error) {
	out, err := s.provider().HKDFExpand(s.Hash, secret, s.BinConcat(n, label, context), n)
	if err != nil {
		return nil, fmt.Errorf("derive %q: %w", label, err)
	}
	return out, nil
}

// HandshakeSecret extracts the handshake secret from the DHE shared secret
// with an all-zero salt.
func (s Schedule) HandshakeSecret(shared []byte) ([]byte, error) {
	return s.provider().HKDFExtract(s.Hash, make([]byte, s.Hash.Size()), shared)
}

// HandshakeKeys derives both directions of handshake keys from the handshake
// secret and the TH1 transcript hash.
func (s Schedule) HandshakeKeys(handshakeSecret, th1 []byte) (req, rsp *DirectionKeys, err error) {
	if req, err = s.directionKeys(handshakeSecret, labelReqHandshake, th1, true); err != nil {
		return nil, nil, err
	}
	if rsp, err = s.directionKeys(handshakeSecret, labelRspHandshake, th1, true); err != nil {
		return nil, nil, err
	}
	return req, rsp, nil
}

// MasterSecret derives the master secret from the handshake secret.
func (s Schedule) MasterSecret(handshakeSecret []byte) ([]byte, error) {
	salt, err := s.expand(handshakeSecret, labelDerived, nil, s.Hash.Size())
	if err != nil {
		return nil, err
	}
	return s.provider().HKDFExtract(s.Hash, salt, make([]byte, s.Hash.Size()))
}

// DataKeys derives both directions of application data keys from the master
// secret and the TH2 transcript hash.
func (s Schedule) DataKeys(masterSecret, th2 []byte) (req, rsp *DirectionKeys, err error) {
	if req, err = s.directionKeys(masterSecret, labelReqData, th2, false); err != nil {
		return nil, nil, err
	}
	if rsp, err = s.directionKeys(masterSecret, labelRspData, th2, false); err != nil {
		return nil, nil, err
	}
	return req, rsp, nil
}

// Update derives the next generation of data keys for one direction. The
// sequence number restarts at zero.
func (s Schedule) Update(keys *DirectionKeys) (*DirectionKeys, error) {
	secret, err := s.expand(keys.Secret, labelUpdate, nil, s.Hash.Size())
	if err != nil {
		return nil, err
	}
	return s.fromSecret(secret, false)
}

// VerifyData computes the HMAC of a transcript hash with a finished key.
func (s Schedule) VerifyData(finishedKey, thHash []byte) ([]byte, error) {
	return s.provider().HMAC(s.Hash, finishedKey, thHash)
}

func (s Schedule) directionKeys(base []byte, label string, th []byte, handshake bool) (*DirectionKeys, error) {
	if len(th) != s.Hash.Size() {
		return nil, fmt.Errorf("transcript hash is %d bytes, expected %d: %w", len(th), s.Hash.Size(), cryptosuite.ErrInvalidInput)
	}
	secret, err := s.expand(base, label, th, s.Hash.Size())
	if err != nil {
		return nil, err
	}
	return s.fromSecret(secret, handshake)
}

func (s Schedule) fromSecret(secret []byte, handshake bool) (*DirectionKeys, error) {
	if s.AEAD.KeySize() == 0 {
		return nil, fmt.Errorf("AEAD suite %s: %w", s.AEAD, cryptosuite.ErrUnsupported)
	}
	key, err := s.expand(secret, labelKey, nil, s.AEAD.KeySize())
	if err != nil {
		return nil, err
	}
	iv, err := s.expand(secret, labelIV, nil, protocol.AEADIVSize)
	if err != nil {
		return nil, err
	}
	keys := &DirectionKeys{Secret: secret, Key: key, IV: iv}
	if handshake {
		if keys.FinishedKey, err = s.expand(secret, labelFinished, nil, s.Hash.Size()); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// DirectionKeys are the keys protecting one direction of a session.
// FinishedKey is only set for handshake keys.
type DirectionKeys struct {
	Secret      []byte
	Key         []byte
	IV          []byte
	FinishedKey []byte
	Seq         uint64
}

// Nonce returns the AEAD nonce for the current sequence number: the base IV
// with the little-endian sequence number XOR'd into its leading bytes.
func (k *DirectionKeys) Nonce() []byte {
	nonce := append([]byte(nil), k.IV...)
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], k.Seq)
	for i := range seq {
		nonce[i] ^= seq[i]
	}
	return nonce
}

// Destroy zeroes every secret.
func (k *DirectionKeys) Destroy() {
	if k == nil {
		return
	}
	clear(k.Secret)
	clear(k.Key)
	clear(k.IV)
	clear(k.FinishedKey)
}
