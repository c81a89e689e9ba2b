// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

// CapabilityFlags advertise the optional features of an endpoint. Requester
// and responder flags share one bit layout; bits which are meaningless for a
// role are ignored.
type CapabilityFlags uint32

// Capability flags (SPDM 1.1)
const (
	CacheCap         CapabilityFlags = 1 << 0
	CertCap          CapabilityFlags = 1 << 1
	ChalCap          CapabilityFlags = 1 << 2
	MeasCapNoSig     CapabilityFlags = 1 << 3
	MeasCapSig       CapabilityFlags = 1 << 4
	MeasFreshCap     CapabilityFlags = 1 << 5
	EncryptCap       CapabilityFlags = 1 << 6
	MacCap           CapabilityFlags = 1 << 7
	MutAuthCap       CapabilityFlags = 1 << 8
	KeyExCap         CapabilityFlags = 1 << 9
	PSKCapNoContext  CapabilityFlags = 1 << 10
	PSKCapContext    CapabilityFlags = 1 << 11
	EncapCap         CapabilityFlags = 1 << 12
	HbeatCap         CapabilityFlags = 1 << 13
	KeyUpdCap        CapabilityFlags = 1 << 14
	HandshakeInClear CapabilityFlags = 1 << 15
	PubKeyIDCap      CapabilityFlags = 1 << 16

	MeasCapMask = MeasCapNoSig | MeasCapSig
	PSKCapMask  = PSKCapNoContext | PSKCapContext
)

// Has reports whether all bits of f are set.
func (c CapabilityFlags) Has(f CapabilityFlags) bool { return c&f == f }

// Any reports whether any bit of f is set.
func (c CapabilityFlags) Any(f CapabilityFlags) bool { return c&f != 0 }

func (c CapabilityFlags) String() string {
	return bitNames(uint32(c), []string{
		"CACHE", "CERT", "CHAL", "MEAS_NO_SIG", "MEAS_SIG", "MEAS_FRESH", "ENCRYPT",
		"MAC", "MUT_AUTH", "KEY_EX", "PSK", "PSK_CONTEXT", "ENCAP", "HBEAT",
		"KEY_UPD", "HANDSHAKE_IN_THE_CLEAR", "PUB_KEY_ID",
	})
}

// ValidRequester reports whether requester flags are self-consistent under
// SPDM 1.1.
func (c CapabilityFlags) ValidRequester() bool {
	if c.Has(PSKCapMask) {
		return false
	}
	if c.Any(EncryptCap|MacCap) && !c.Any(KeyExCap|PSKCapMask) {
		return false
	}
	if c.Any(KeyExCap|PSKCapMask) && !c.Any(EncryptCap|MacCap) {
		return false
	}
	if c.Has(HandshakeInClear) && !c.Has(KeyExCap) {
		return false
	}
	if c.Has(PubKeyIDCap) && c.Has(CertCap) {
		return false
	}
	return true
}

// CapabilitiesSize is the encoded size of GET_CAPABILITIES (SPDM 1.1) and
// CAPABILITIES.
const CapabilitiesSize = 12

// GetCapabilitiesRequest is the GET_CAPABILITIES request. SPDM 1.0 requests are
// header only and decode with zero fields.
//
//	GET_CAPABILITIES = {
//	    Header:     { SPDMVersion, 0xE1, 0, 0 },
//	    Reserved:   uint8,
//	    CTExponent: uint8,
//	    Reserved:   uint16,
//	    Flags:      uint32,
//	}
type GetCapabilitiesRequest struct {
	Version    Version
	CTExponent uint8
	Flags      CapabilityFlags
}

// Append appends the encoded request to b.
func (m GetCapabilitiesRequest) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: GetCapabilities}.Append(b)
	if m.Version == Version10 {
		return b
	}
	return appendCapabilities(b, m.CTExponent, m.Flags)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *GetCapabilitiesRequest) UnmarshalBinary(b []byte) error {
	r := newReader("GET_CAPABILITIES", b)
	h := r.header()
	if r.err != nil {
		return r.err
	}
	*m = GetCapabilitiesRequest{Version: h.Version}
	if h.Version == Version10 {
		return nil
	}
	r.skip(1)
	m.CTExponent = r.u8()
	r.skip(2)
	m.Flags = CapabilityFlags(r.u32())
	return r.err
}

// CapabilitiesResponse is the CAPABILITIES response.
//
//	CAPABILITIES = {
//	    Header:     { SPDMVersion, 0x61, 0, 0 },
//	    Reserved:   uint8,
//	    CTExponent: uint8,
//	    Reserved:   uint16,
//	    Flags:      uint32,
//	}
type CapabilitiesResponse struct {
	Version    Version
	CTExponent uint8
	Flags      CapabilityFlags
}

// Append appends the encoded response to b.
func (m CapabilitiesResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: Capabilities}.Append(b)
	return appendCapabilities(b, m.CTExponent, m.Flags)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *CapabilitiesResponse) UnmarshalBinary(b []byte) error {
	r := newReader("CAPABILITIES", b)
	h := r.header()
	r.skip(1)
	ct := r.u8()
	r.skip(2)
	flags := r.u32()
	if r.err != nil {
		return r.err
	}
	*m = CapabilitiesResponse{Version: h.Version, CTExponent: ct, Flags: CapabilityFlags(flags)}
	return nil
}

func appendCapabilities(b []byte, ct uint8, flags CapabilityFlags) []byte {
	b = append(b, 0, ct, 0, 0)
	return le.AppendUint32(b, uint32(flags))
}
