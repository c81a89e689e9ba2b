// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// KeyExchangeRequest is the KEY_EXCHANGE request.
//
//	KEY_EXCHANGE = {
//	    Header:           { SPDMVersion, 0xE4, MeasurementSummaryHashType, SlotID },
//	    ReqSessionID:     uint16,
//	    Reserved:         uint16,
//	    RandomData:       [ 32 ] uint8,
//	    ExchangeData:     [ D ] uint8,
//	    OpaqueDataLength: uint16,
//	    OpaqueData:       [ OpaqueDataLength ] uint8,
//	}
type KeyExchangeRequest struct {
	Version      Version
	SummaryType  MeasurementSummaryType
	SlotID       uint8
	ReqSessionID uint16
	Random       [NonceSize]byte
	ExchangeData []byte
	OpaqueData   []byte
}

// Append appends the encoded request to b.
func (m KeyExchangeRequest) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: KeyExchange, Param1: uint8(m.SummaryType), Param2: m.SlotID}.Append(b)
	b = le.AppendUint16(b, m.ReqSessionID)
	b = append(b, 0, 0)
	b = append(b, m.Random[:]...)
	b = append(b, m.ExchangeData...)
	b = le.AppendUint16(b, uint16(len(m.OpaqueData)))
	return append(b, m.OpaqueData...)
}

// Decode decodes a KEY_EXCHANGE request with the negotiated exchange data
// size.
func (m *KeyExchangeRequest) Decode(b []byte, exchangeSize int) error {
	r := newReader("KEY_EXCHANGE", b)
	h := r.header()
	out := KeyExchangeRequest{
		Version:     h.Version,
		SummaryType: MeasurementSummaryType(h.Param1),
		SlotID:      h.Param2,
	}
	out.ReqSessionID = r.u16()
	r.skip(2)
	copy(out.Random[:], r.take(NonceSize))
	out.ExchangeData = r.bytes(exchangeSize)
	opaqueLen := int(r.u16())
	if opaqueLen > MaxOpaqueDataSize {
		return fmt.Errorf("KEY_EXCHANGE: opaque data too large (%d bytes)", opaqueLen)
	}
	out.OpaqueData = r.bytes(opaqueLen)
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("KEY_EXCHANGE: %d trailing bytes", r.remaining())
	}
	*m = out
	return nil
}

// KeyExchangeResponse is the KEY_EXCHANGE_RSP response. Signature and
// ResponderVerifyData trail the message; the signature covers everything
// before it.
//
//	KEY_EXCHANGE_RSP = {
//	    Header:                 { SPDMVersion, 0x64, HeartbeatPeriod, 0 },
//	    RspSessionID:           uint16,
//	    MutAuthRequested:       uint8,
//	    ReqSlotIDParam:         uint8,
//	    RandomData:             [ 32 ] uint8,
//	    ExchangeData:           [ D ] uint8,
//	    MeasurementSummaryHash: [ H or 0 ] uint8,
//	    OpaqueDataLength:       uint16,
//	    OpaqueData:             [ OpaqueDataLength ] uint8,
//	    Signature:              [ S ] uint8,
//	    ResponderVerifyData:    [ H or 0 ] uint8,
//	}
type KeyExchangeResponse struct {
	Version                Version
	HeartbeatPeriod        uint8
	RspSessionID           uint16
	MutAuthRequested       uint8
	ReqSlotID              uint8
	Random                 [NonceSize]byte
	ExchangeData           []byte
	MeasurementSummaryHash []byte
	OpaqueData             []byte
	Signature              []byte
	VerifyData             []byte
}

// Append appends the encoded response to b. Nil Signature and VerifyData are
// omitted.
func (m KeyExchangeResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: KeyExchangeRsp, Param1: m.HeartbeatPeriod}.Append(b)
	b = le.AppendUint16(b, m.RspSessionID)
	b = append(b, m.MutAuthRequested, m.ReqSlotID)
	b = append(b, m.Random[:]...)
	b = append(b, m.ExchangeData...)
	b = append(b, m.MeasurementSummaryHash...)
	b = le.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.OpaqueData...)
	b = append(b, m.Signature...)
	return append(b, m.VerifyData...)
}

// KeyExchangeSizes are the negotiated sizes needed to decode
// KEY_EXCHANGE_RSP.
type KeyExchangeSizes struct {
	Exchange    int
	Hash        int
	Signature   int
	WithSummary bool
	WithVerify  bool
}

// Decode decodes a KEY_EXCHANGE_RSP response.
func (m *KeyExchangeResponse) Decode(b []byte, s KeyExchangeSizes) error {
	r := newReader("KEY_EXCHANGE_RSP", b)
	h := r.header()
	out := KeyExchangeResponse{Version: h.Version, HeartbeatPeriod: h.Param1}
	out.RspSessionID = r.u16()
	out.MutAuthRequested = r.u8()
	out.ReqSlotID = r.u8()
	copy(out.Random[:], r.take(NonceSize))
	out.ExchangeData = r.bytes(s.Exchange)
	if s.WithSummary {
		out.MeasurementSummaryHash = r.bytes(s.Hash)
	}
	opaqueLen := int(r.u16())
	if opaqueLen > MaxOpaqueDataSize {
		return fmt.Errorf("KEY_EXCHANGE_RSP: opaque data too large (%d bytes)", opaqueLen)
	}
	out.OpaqueData = r.bytes(opaqueLen)
	out.Signature = r.bytes(s.Signature)
	if s.WithVerify {
		out.VerifyData = r.bytes(s.Hash)
	}
	if r.err != nil {
		return r.err
	}
	*m = out
	return nil
}

// FinishSignatureIncluded is the FINISH Param1 attribute for mutual auth.
const FinishSignatureIncluded uint8 = 1 << 0

// FinishRequest is the FINISH request.
//
//	FINISH = {
//	    Header:              { SPDMVersion, 0xE5, Attributes, ReqSlotID },
//	    Signature:           [ S or 0 ] uint8,
//	    RequesterVerifyData: [ H ] uint8,
//	}
type FinishRequest struct {
	Version    Version
	ReqSlotID  uint8
	Signature  []byte
	VerifyData []byte
}

// Append appends the encoded request to b.
func (m FinishRequest) Append(b []byte) []byte {
	var attr uint8
	if m.Signature != nil {
		attr |= FinishSignatureIncluded
	}
	b = Header{Version: m.Version, Code: Finish, Param1: attr, Param2: m.ReqSlotID}.Append(b)
	b = append(b, m.Signature...)
	return append(b, m.VerifyData...)
}

// Decode decodes a FINISH request. sigSize is used only when the header
// indicates a signature is included.
func (m *FinishRequest) Decode(b []byte, hashSize, sigSize int) error {
	r := newReader("FINISH", b)
	h := r.header()
	out := FinishRequest{Version: h.Version, ReqSlotID: h.Param2}
	if h.Param1&FinishSignatureIncluded != 0 {
		out.Signature = r.bytes(sigSize)
	}
	out.VerifyData = r.bytes(hashSize)
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("FINISH: %d trailing bytes", r.remaining())
	}
	*m = out
	return nil
}

// FinishResponse is the FINISH_RSP response. VerifyData is present only when
// the handshake is in the clear.
//
//	FINISH_RSP = {
//	    Header:              { SPDMVersion, 0x65, 0, 0 },
//	    ResponderVerifyData: [ H or 0 ] uint8,
//	}
type FinishResponse struct {
	Version    Version
	VerifyData []byte
}

// Append appends the encoded response to b.
func (m FinishResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: FinishRsp}.Append(b)
	return append(b, m.VerifyData...)
}
