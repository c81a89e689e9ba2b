// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// SessionCrypter seals and opens secured messages of a single session.
type SessionCrypter struct {
	Crypto    cryptosuite.Provider
	Suite     protocol.AEADSuite
	SessionID uint32
}

func (s SessionCrypter) String() string {
	return fmt.Sprintf("SessionCrypter[ID %08x, %s]", s.SessionID, s.Suite)
}

func (s SessionCrypter) provider() cryptosuite.Provider {
	if s.Crypto == nil {
		return cryptosuite.Default
	}
	return s.Crypto
}

// Seal wraps an SPDM message in a secured message and advances the sequence
// number of keys.
func (s SessionCrypter) Seal(keys *DirectionKeys, app []byte) ([]byte, error) {
	if keys.Seq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}
	if len(app) > protocol.MaxMessageSize {
		return nil, fmt.Errorf("secured message: application data too large (%d bytes)", len(app))
	}
	plaintext := binary.LittleEndian.AppendUint16(make([]byte, 0, protocol.AppDataLengthSize+len(app)), uint16(len(app)))
	plaintext = append(plaintext, app...)

	header := protocol.SecuredHeader{
		SessionID: s.SessionID,
		Length:    uint16(len(plaintext) + protocol.AEADTagSize),
	}.Append(nil)
	sealed, err := s.provider().Seal(s.Suite, keys.Key, keys.Nonce(), header, plaintext)
	if err != nil {
		return nil, fmt.Errorf("secured message: %w", err)
	}
	keys.Seq++
	return append(header, sealed...), nil
}

// Open authenticates and decrypts a secured message, returning the inner SPDM
// message. The sequence number of keys only advances on success.
func (s SessionCrypter) Open(keys *DirectionKeys, msg []byte) ([]byte, error) {
	if keys.Seq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}
	h, err := protocol.ParseSecuredHeader(msg)
	if err != nil {
		return nil, err
	}
	if h.SessionID != s.SessionID {
		return nil, fmt.Errorf("secured message: session ID %08x does not match %08x", h.SessionID, s.SessionID)
	}
	aad, ciphertext := msg[:protocol.SecuredHeaderSize], msg[protocol.SecuredHeaderSize:]
	plaintext, err := s.provider().Open(s.Suite, keys.Key, keys.Nonce(), aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secured message: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(plaintext))
	if n > len(plaintext)-protocol.AppDataLengthSize {
		return nil, fmt.Errorf("secured message: application data length %d exceeds payload", n)
	}
	keys.Seq++
	return plaintext[protocol.AppDataLengthSize : protocol.AppDataLengthSize+n], nil
}
