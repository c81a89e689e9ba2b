// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// KeyUpdateOperation is carried in Param1 of KEY_UPDATE and KEY_UPDATE_ACK.
// Param2 carries a tag chosen by the requester and echoed by the responder.
type KeyUpdateOperation uint8

// Key update operations
const (
	UpdateKey     KeyUpdateOperation = 1
	UpdateAllKeys KeyUpdateOperation = 2
	VerifyNewKey  KeyUpdateOperation = 3
)

func (op KeyUpdateOperation) String() string {
	switch op {
	case UpdateKey:
		return "UpdateKey"
	case UpdateAllKeys:
		return "UpdateAllKeys"
	case VerifyNewKey:
		return "VerifyNewKey"
	default:
		return fmt.Sprintf("KeyUpdateOperation(%d)", uint8(op))
	}
}

// PreserveNegotiatedState is the END_SESSION Param1 attribute asking the
// responder to keep negotiated state after the session ends.
const PreserveNegotiatedState uint8 = 1 << 0

// Encapsulated payload types of ENCAPSULATED_RESPONSE_ACK Param2
const (
	EncapsulatedPayloadAbsent  uint8 = 0
	EncapsulatedPayloadPresent uint8 = 1
	EncapsulatedReqSlotNumber  uint8 = 2
)

// EncapsulatedMessage is the layout shared by ENCAPSULATED_REQUEST,
// DELIVER_ENCAPSULATED_RESPONSE, and ENCAPSULATED_RESPONSE_ACK: a request ID
// in Param1 followed by a complete inner SPDM message.
//
//	ENCAPSULATED_REQUEST = {
//	    Header:  { SPDMVersion, 0x6A, RequestID, 0 },
//	    Payload: bstr, ; inner request
//	}
type EncapsulatedMessage struct {
	Version   Version
	Code      Code
	RequestID uint8
	Param2    uint8
	Payload   []byte
}

// Append appends the encoded message to b.
func (m EncapsulatedMessage) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: m.Code, Param1: m.RequestID, Param2: m.Param2}.Append(b)
	return append(b, m.Payload...)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *EncapsulatedMessage) UnmarshalBinary(b []byte) error {
	r := newReader("encapsulated message", b)
	h := r.header()
	payload := r.rest()
	if r.err != nil {
		return r.err
	}
	*m = EncapsulatedMessage{Version: h.Version, Code: h.Code, RequestID: h.Param1, Param2: h.Param2, Payload: payload}
	return nil
}

// RespondIfReadyRequest builds a RESPOND_IF_READY request for the request code and
// token of a RESPONSE_NOT_READY error.
func RespondIfReadyRequest(version Version, d NotReadyData) []byte {
	return Header{Version: version, Code: RespondIfReady, Param1: byte(d.RequestCode), Param2: d.Token}.Append(nil)
}

// Secured message framing (DSP0277, no sequence number field on the wire)
const (
	SessionIDSize         = 4
	SecuredHeaderSize     = SessionIDSize + 2
	AppDataLengthSize     = 2
	MaxSecuredMessageSize = SecuredHeaderSize + AppDataLengthSize + MaxMessageSize + AEADTagSize
)

// SecuredHeader is the cleartext prefix of a secured message. It is also the
// additional authenticated data of the AEAD.
//
//	SecuredMessage = {
//	    SessionID: uint32,
//	    Length:    uint16, ; ciphertext and MAC
//	    Encrypted: { ApplicationDataLength: uint16, ApplicationData: bstr },
//	    MAC:       [ 16 ] uint8,
//	}
type SecuredHeader struct {
	SessionID uint32
	Length    uint16
}

// Append appends the encoded header to b.
func (h SecuredHeader) Append(b []byte) []byte {
	b = le.AppendUint32(b, h.SessionID)
	return le.AppendUint16(b, h.Length)
}

// ParseSecuredHeader decodes the cleartext header of a secured message and
// checks that Length matches the rest of the message.
func ParseSecuredHeader(msg []byte) (SecuredHeader, error) {
	r := newReader("secured message", msg)
	h := SecuredHeader{SessionID: r.u32(), Length: r.u16()}
	if r.err != nil {
		return SecuredHeader{}, r.err
	}
	if int(h.Length) != r.remaining() {
		return SecuredHeader{}, fmt.Errorf("secured message: length field %d does not match payload size %d", h.Length, r.remaining())
	}
	if int(h.Length) < AppDataLengthSize+AEADTagSize {
		return SecuredHeader{}, short("secured message", SecuredHeaderSize+AppDataLengthSize+AEADTagSize, len(msg))
	}
	return h, nil
}

// SessionID combines the requester and responder halves of a session ID.
func SessionID(req, rsp uint16) uint32 { return uint32(req)<<16 | uint32(rsp) }
