// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import "fmt"

// ConnectionState is the progress of a connection through negotiation and
// authentication. It only moves forward, except that GET_VERSION restarts it
// and REQUEST_RESYNCH resets it.
type ConnectionState uint8

// Connection states
const (
	NotStarted ConnectionState = iota
	AfterVersion
	AfterCapabilities
	Negotiated
	AfterDigests
	AfterCertificate
	Authenticated
	Established
)

func (s ConnectionState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AfterVersion:
		return "AfterVersion"
	case AfterCapabilities:
		return "AfterCapabilities"
	case Negotiated:
		return "Negotiated"
	case AfterDigests:
		return "AfterDigests"
	case AfterCertificate:
		return "AfterCertificate"
	case Authenticated:
		return "Authenticated"
	case Established:
		return "Established"
	default:
		return fmt.Sprintf("ConnectionState(%d)", uint8(s))
	}
}

// ResponseState overrides normal request handling. It is orthogonal to
// ConnectionState.
type ResponseState uint8

// Response states
const (
	Normal ResponseState = iota
	Busy
	NeedResync
	NotReady
	ProcessingEncapsulated
)

func (s ResponseState) String() string {
	switch s {
	case Normal:
		return "Normal"
	case Busy:
		return "Busy"
	case NeedResync:
		return "NeedResync"
	case NotReady:
		return "NotReady"
	case ProcessingEncapsulated:
		return "ProcessingEncapsulated"
	default:
		return fmt.Sprintf("ResponseState(%d)", uint8(s))
	}
}
