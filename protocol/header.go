// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

// Header is the fixed envelope of every SPDM message.
//
//	Header = {
//	    SPDMVersion:         uint8,
//	    RequestResponseCode: uint8,
//	    Param1:              uint8,
//	    Param2:              uint8,
//	}
type Header struct {
	Version Version
	Code    Code
	Param1  uint8
	Param2  uint8
}

// ParseHeader decodes the envelope at the start of msg.
func ParseHeader(msg []byte) (Header, error) {
	var h Header
	if err := h.UnmarshalBinary(msg); err != nil {
		return Header{}, err
	}
	return h, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) { return h.Append(nil), nil }

// UnmarshalBinary decodes the first HeaderSize bytes of b. Trailing payload
// bytes are ignored.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return short("header", HeaderSize, len(b))
	}
	*h = Header{
		Version: Version(b[0]),
		Code:    Code(b[1]),
		Param1:  b[2],
		Param2:  b[3],
	}
	return nil
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	return append(b, byte(h.Version), byte(h.Code), h.Param1, h.Param2)
}

// Put writes the encoded header into the first HeaderSize bytes of b, which
// must be large enough.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0], b[1], b[2], b[3] = byte(h.Version), byte(h.Code), h.Param1, h.Param2
}
