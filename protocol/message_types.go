// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// Code is the RequestResponseCode field of a message header.
type Code uint8

// Request codes (SPDM 1.0/1.1)
const (
	GetDigests                  Code = 0x81
	GetCertificate              Code = 0x82
	Challenge                   Code = 0x83
	GetVersion                  Code = 0x84
	GetMeasurements             Code = 0xE0
	GetCapabilities             Code = 0xE1
	NegotiateAlgorithms         Code = 0xE3
	KeyExchange                 Code = 0xE4
	Finish                      Code = 0xE5
	PSKExchange                 Code = 0xE6
	PSKFinish                   Code = 0xE7
	Heartbeat                   Code = 0xE8
	KeyUpdate                   Code = 0xE9
	GetEncapsulatedRequest      Code = 0xEA
	DeliverEncapsulatedResponse Code = 0xEB
	EndSession                  Code = 0xEC
	VendorDefinedRequest        Code = 0xFE
	RespondIfReady              Code = 0xFF
)

// Response codes (SPDM 1.0/1.1)
const (
	Digests                 Code = 0x01
	Certificate             Code = 0x02
	ChallengeAuth           Code = 0x03
	VersionRsp              Code = 0x04
	Measurements            Code = 0x60
	Capabilities            Code = 0x61
	Algorithms              Code = 0x63
	KeyExchangeRsp          Code = 0x64
	FinishRsp               Code = 0x65
	PSKExchangeRsp          Code = 0x66
	PSKFinishRsp            Code = 0x67
	HeartbeatAck            Code = 0x68
	KeyUpdateAck            Code = 0x69
	EncapsulatedRequest     Code = 0x6A
	EncapsulatedResponseAck Code = 0x6B
	EndSessionAck           Code = 0x6C
	VendorDefinedResponse   Code = 0x7E
	ErrorResponse           Code = 0x7F
)

// IsRequest reports whether the code is in the request range.
func (c Code) IsRequest() bool { return c&0x80 != 0 }

var codeNames = map[Code]string{
	GetDigests:                  "GET_DIGESTS",
	GetCertificate:              "GET_CERTIFICATE",
	Challenge:                   "CHALLENGE",
	GetVersion:                  "GET_VERSION",
	GetMeasurements:             "GET_MEASUREMENTS",
	GetCapabilities:             "GET_CAPABILITIES",
	NegotiateAlgorithms:         "NEGOTIATE_ALGORITHMS",
	KeyExchange:                 "KEY_EXCHANGE",
	Finish:                      "FINISH",
	PSKExchange:                 "PSK_EXCHANGE",
	PSKFinish:                   "PSK_FINISH",
	Heartbeat:                   "HEARTBEAT",
	KeyUpdate:                   "KEY_UPDATE",
	GetEncapsulatedRequest:      "GET_ENCAPSULATED_REQUEST",
	DeliverEncapsulatedResponse: "DELIVER_ENCAPSULATED_RESPONSE",
	EndSession:                  "END_SESSION",
	VendorDefinedRequest:        "VENDOR_DEFINED_REQUEST",
	RespondIfReady:              "RESPOND_IF_READY",

	Digests:                 "DIGESTS",
	Certificate:             "CERTIFICATE",
	ChallengeAuth:           "CHALLENGE_AUTH",
	VersionRsp:              "VERSION",
	Measurements:            "MEASUREMENTS",
	Capabilities:            "CAPABILITIES",
	Algorithms:              "ALGORITHMS",
	KeyExchangeRsp:          "KEY_EXCHANGE_RSP",
	FinishRsp:               "FINISH_RSP",
	PSKExchangeRsp:          "PSK_EXCHANGE_RSP",
	PSKFinishRsp:            "PSK_FINISH_RSP",
	HeartbeatAck:            "HEARTBEAT_ACK",
	KeyUpdateAck:            "KEY_UPDATE_ACK",
	EncapsulatedRequest:     "ENCAPSULATED_REQUEST",
	EncapsulatedResponseAck: "ENCAPSULATED_RESPONSE_ACK",
	EndSessionAck:           "END_SESSION_ACK",
	VendorDefinedResponse:   "VENDOR_DEFINED_RESPONSE",
	ErrorResponse:           "ERROR",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(c))
}
