// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package protocol contains the SPDM wire format: the message envelope,
// request and response codes, error codes, negotiated algorithm enumerations,
// and typed encodings of every message the responder and requester exchange.
//
// All multi-byte integers are little-endian. Decoders never retain the input
// slice; variable length fields are copied.
package protocol

import (
	"errors"
	"fmt"
)

// HeaderSize is the size of the envelope preceding every message.
const HeaderSize = 4

// MaxMessageSize bounds both requests and responses, including the envelope.
const MaxMessageSize = 0x1200

// NonceSize is the size of every nonce and random data field.
const NonceSize = 32

// Version is the SPDMVersion field of a message header. The high nibble is the
// major version and the low nibble is the minor version.
type Version uint8

// Supported SPDM versions
const (
	Version10 Version = 0x10
	Version11 Version = 0x11
)

// SupportedVersions lists the versions this implementation negotiates, lowest
// first.
var SupportedVersions = []Version{Version10, Version11}

// Major returns the major version.
func (v Version) Major() uint8 { return uint8(v) >> 4 }

// Minor returns the minor version.
func (v Version) Minor() uint8 { return uint8(v) & 0x0f }

// IsSupported returns whether the version is one of SupportedVersions.
func (v Version) IsSupported() bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// String returns the version as "major.minor".
func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major(), v.Minor()) }

// VersionEntry encodes the version as a VersionNumberEntry of a VERSION
// response. Update and alpha are always zero.
func (v Version) VersionEntry() uint16 { return uint16(v) << 8 }

// VersionFromEntry extracts the major/minor version of a VersionNumberEntry.
func VersionFromEntry(entry uint16) Version { return Version(entry >> 8) }

// MessageType distinguishes plain SPDM messages from secured messages at the
// transport boundary, like the MCTP message type does.
type MessageType uint8

// Message types, matching their MCTP assignments
const (
	SPDMMessage    MessageType = 0x05
	SecuredMessage MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case SPDMMessage:
		return "spdm"
	case SecuredMessage:
		return "secured-spdm"
	default:
		return "unknown"
	}
}

// ErrShortMessage is returned (wrapped) by decoders when the input is shorter
// than the fixed part of a message or a declared length runs past the end.
var ErrShortMessage = errors.New("message too short")

func short(msg string, need, have int) error {
	return fmt.Errorf("%s: %w (need %d bytes, have %d)", msg, ErrShortMessage, need, have)
}
