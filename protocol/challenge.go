// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// MeasurementSummaryType selects the measurement summary hash returned by
// CHALLENGE_AUTH and KEY_EXCHANGE_RSP.
type MeasurementSummaryType uint8

// Measurement summary hash types
const (
	NoMeasurementSummary  MeasurementSummaryType = 0x00
	TCBMeasurementSummary MeasurementSummaryType = 0x01
	AllMeasurementSummary MeasurementSummaryType = 0xFF
)

// Valid reports whether t is a defined summary type.
func (t MeasurementSummaryType) Valid() bool {
	return t == NoMeasurementSummary || t == TCBMeasurementSummary || t == AllMeasurementSummary
}

// MaxOpaqueDataSize bounds opaque data carried by any message.
const MaxOpaqueDataSize = 1024

// ChallengeRequest is the CHALLENGE request.
//
//	CHALLENGE = {
//	    Header: { SPDMVersion, 0x83, SlotID, MeasurementSummaryHashType },
//	    Nonce:  [ 32 ] uint8,
//	}
type ChallengeRequest struct {
	Version     Version
	SlotID      uint8
	SummaryType MeasurementSummaryType
	Nonce       [NonceSize]byte
}

// ChallengeSize is the encoded size of CHALLENGE.
const ChallengeSize = HeaderSize + NonceSize

// Append appends the encoded request to b.
func (m ChallengeRequest) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: Challenge, Param1: m.SlotID, Param2: uint8(m.SummaryType)}.Append(b)
	return append(b, m.Nonce[:]...)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *ChallengeRequest) UnmarshalBinary(b []byte) error {
	r := newReader("CHALLENGE", b)
	h := r.header()
	nonce := r.take(NonceSize)
	if r.err != nil {
		return r.err
	}
	*m = ChallengeRequest{Version: h.Version, SlotID: h.Param1, SummaryType: MeasurementSummaryType(h.Param2)}
	copy(m.Nonce[:], nonce)
	return nil
}

// ChallengeAuthResponse is the CHALLENGE_AUTH response. The signature is last
// so that the signed portion of the message is everything before it.
//
//	CHALLENGE_AUTH = {
//	    Header:                 { SPDMVersion, 0x03, SlotID, SlotMask },
//	    CertChainHash:          [ H ] uint8,
//	    Nonce:                  [ 32 ] uint8,
//	    MeasurementSummaryHash: [ H or 0 ] uint8,
//	    OpaqueLength:           uint16,
//	    OpaqueData:             [ OpaqueLength ] uint8,
//	    Signature:              [ S ] uint8,
//	}
type ChallengeAuthResponse struct {
	Version                Version
	SlotID                 uint8
	SlotMask               uint8
	CertChainHash          []byte
	Nonce                  [NonceSize]byte
	MeasurementSummaryHash []byte
	OpaqueData             []byte
	Signature              []byte
}

// Append appends the encoded response to b. A nil signature is omitted.
func (m ChallengeAuthResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: ChallengeAuth, Param1: m.SlotID & 0x0f, Param2: m.SlotMask}.Append(b)
	b = append(b, m.CertChainHash...)
	b = append(b, m.Nonce[:]...)
	b = append(b, m.MeasurementSummaryHash...)
	b = le.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.OpaqueData...)
	return append(b, m.Signature...)
}

// Decode decodes a CHALLENGE_AUTH response with the negotiated hash and
// signature sizes. withSummary must be true when a measurement summary hash
// was requested.
func (m *ChallengeAuthResponse) Decode(b []byte, hashSize, sigSize int, withSummary bool) error {
	r := newReader("CHALLENGE_AUTH", b)
	h := r.header()
	out := ChallengeAuthResponse{Version: h.Version, SlotID: h.Param1 & 0x0f, SlotMask: h.Param2}
	out.CertChainHash = r.bytes(hashSize)
	copy(out.Nonce[:], r.take(NonceSize))
	if withSummary {
		out.MeasurementSummaryHash = r.bytes(hashSize)
	}
	opaqueLen := int(r.u16())
	if opaqueLen > MaxOpaqueDataSize {
		return fmt.Errorf("CHALLENGE_AUTH: opaque data too large (%d bytes)", opaqueLen)
	}
	out.OpaqueData = r.bytes(opaqueLen)
	out.Signature = r.bytes(sigSize)
	if r.err != nil {
		return r.err
	}
	*m = out
	return nil
}
