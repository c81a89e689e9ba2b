// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// ErrorCode is carried in Param1 of an ERROR response.
type ErrorCode uint8

// Error codes
const (
	// One or more request fields are invalid.
	InvalidRequestCode ErrorCode = 0x01

	// The record layer used an invalid session ID.
	InvalidSessionCode ErrorCode = 0x02

	// The responder received the request message but cannot process it right
	// now. The requester should retry after a short period.
	BusyCode ErrorCode = 0x03

	// The request is valid but not allowed in the current connection state.
	UnexpectedRequestCode ErrorCode = 0x04

	// Unspecified error occurred.
	UnspecifiedCode ErrorCode = 0x05

	// The receiver of the record cannot decrypt the record or verify its
	// integrity.
	DecryptErrorCode ErrorCode = 0x06

	// The request code is unsupported. ErrorData holds the request code.
	UnsupportedRequestCode ErrorCode = 0x07

	// The responder has delivered an encapsulated request to which it is
	// still waiting for a response.
	RequestInFlightCode ErrorCode = 0x08

	// The requester delivered an invalid response for an encapsulated
	// response.
	InvalidResponseCode ErrorCode = 0x09

	// Reached the maximum number of concurrent sessions.
	SessionLimitExceededCode ErrorCode = 0x0A

	// The requested version is not supported or differs from the negotiated
	// version.
	VersionMismatchCode ErrorCode = 0x41

	// The response is not ready. Extended error data is a NotReadyData.
	ResponseNotReadyCode ErrorCode = 0x42

	// The responder requests that the requester re-negotiate the connection
	// starting with GET_VERSION.
	RequestResynchCode ErrorCode = 0x43

	// Vendor or other standards defined.
	VendorDefinedCode ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidRequestCode:
		return "InvalidRequest"
	case InvalidSessionCode:
		return "InvalidSession"
	case BusyCode:
		return "Busy"
	case UnexpectedRequestCode:
		return "UnexpectedRequest"
	case UnspecifiedCode:
		return "Unspecified"
	case DecryptErrorCode:
		return "DecryptError"
	case UnsupportedRequestCode:
		return "UnsupportedRequest"
	case RequestInFlightCode:
		return "RequestInFlight"
	case InvalidResponseCode:
		return "InvalidResponseCode"
	case SessionLimitExceededCode:
		return "SessionLimitExceeded"
	case VersionMismatchCode:
		return "VersionMismatch"
	case ResponseNotReadyCode:
		return "ResponseNotReady"
	case RequestResynchCode:
		return "RequestResynch"
	case VendorDefinedCode:
		return "VendorDefined"
	default:
		return fmt.Sprintf("ErrorCode(0x%02x)", uint8(c))
	}
}

// Error is a decoded ERROR response. It implements the error interface so that
// handlers can return it to select the error code sent to the peer, and
// requesters can return it to callers.
//
//	ERROR = {
//	    Header:        { SPDMVersion, 0x7F, ErrorCode, ErrorData },
//	    ExtendedData:  bstr,
//	}
type Error struct {
	Code     ErrorCode
	Data     uint8
	Extended []byte
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	if len(e.Extended) > 0 {
		return fmt.Sprintf("spdm error %s [data=0x%02x,extended=%x]", e.Code, e.Data, e.Extended)
	}
	return fmt.Sprintf("spdm error %s [data=0x%02x]", e.Code, e.Data)
}

// Is matches errors with the same code, so that errors.Is(err,
// &protocol.Error{Code: protocol.BusyCode}) works regardless of data.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ParseError decodes an ERROR response, including any extended data.
func ParseError(msg []byte) (*Error, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if h.Code != ErrorResponse {
		return nil, fmt.Errorf("expected ERROR response, got %s", h.Code)
	}
	e := &Error{Code: ErrorCode(h.Param1), Data: h.Param2}
	if len(msg) > HeaderSize {
		e.Extended = append([]byte(nil), msg[HeaderSize:]...)
	}
	return e, nil
}

// NotReadyData is the extended error data of a RESPONSE_NOT_READY error.
//
//	ResponseNotReadyExtendedData = {
//	    RDTExponent: uint8,
//	    RequestCode: uint8,
//	    Token:       uint8,
//	    RDTM:        uint8,
//	}
type NotReadyData struct {
	RDExponent  uint8
	RequestCode Code
	Token       uint8
	RDTM        uint8
}

// NotReadyDataSize is the encoded size of NotReadyData.
const NotReadyDataSize = 4

// MarshalBinary implements encoding.BinaryMarshaler.
func (d NotReadyData) MarshalBinary() ([]byte, error) {
	return []byte{d.RDExponent, byte(d.RequestCode), d.Token, d.RDTM}, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *NotReadyData) UnmarshalBinary(b []byte) error {
	if len(b) < NotReadyDataSize {
		return short("not ready data", NotReadyDataSize, len(b))
	}
	*d = NotReadyData{
		RDExponent:  b[0],
		RequestCode: Code(b[1]),
		Token:       b[2],
		RDTM:        b[3],
	}
	return nil
}

// BufferTooSmallError is returned when a response buffer cannot hold the
// encoded message. Required is the minimum capacity that will succeed.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: need %d bytes", e.Required)
}

// BuildError writes an ERROR response into buf and returns its length. The
// message is exactly one header long.
func BuildError(buf []byte, version Version, code ErrorCode, data uint8) (int, error) {
	return BuildExtendedError(buf, version, code, data, nil)
}

// BuildExtendedError writes an ERROR response followed by extended error data
// into buf and returns its length.
func BuildExtendedError(buf []byte, version Version, code ErrorCode, data uint8, extended []byte) (int, error) {
	n := HeaderSize + len(extended)
	if len(buf) < n {
		return 0, &BufferTooSmallError{Required: n}
	}
	Header{Version: version, Code: ErrorResponse, Param1: uint8(code), Param2: data}.Put(buf)
	copy(buf[HeaderSize:], extended)
	return n, nil
}

// AppendError is the allocating form of BuildExtendedError.
func AppendError(b []byte, version Version, code ErrorCode, data uint8, extended []byte) []byte {
	b = Header{Version: version, Code: ErrorResponse, Param1: uint8(code), Param2: data}.Append(b)
	return append(b, extended...)
}

func putUint24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

var le = binary.LittleEndian
