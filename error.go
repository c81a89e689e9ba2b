// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"errors"
	"fmt"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// ErrFraming is returned (wrapped) when a request or response buffer cannot
// carry an SPDM message at all. No response is produced.
var ErrFraming = errors.New("invalid message framing")

// ErrNotReady is returned by handlers and device state collaborators when the
// result will be available later. The peer is told to poll with
// RESPOND_IF_READY.
var ErrNotReady = errors.New("response not ready")

// ErrBusy is returned by handlers and device state collaborators to send
// ERROR(BUSY) without changing any state.
var ErrBusy = errors.New("responder busy")

// ErrNeedResync is returned by handlers to force the requester to restart
// the connection with GET_VERSION.
var ErrNeedResync = errors.New("connection requires resynchronization")

// ErrInvalidRequest is wrapped by handlers when a request is malformed or
// inconsistent with negotiated parameters.
var ErrInvalidRequest = errors.New("invalid request")

// ErrSecurityViolation is wrapped by handlers when a request fails a
// cryptographic check.
var ErrSecurityViolation = errors.New("security violation")

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, a...))
}

func decodeError(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

func unsupported(code protocol.Code) error {
	return &protocol.Error{Code: protocol.UnsupportedRequestCode, Data: uint8(code)}
}

func unexpected() error {
	return &protocol.Error{Code: protocol.UnexpectedRequestCode}
}

// errorCode selects the ERROR response for a failed handler.
func errorCode(err error) (code protocol.ErrorCode, data uint8, extended []byte) {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr.Code, perr.Data, perr.Extended
	case errors.Is(err, ErrBusy):
		return protocol.BusyCode, 0, nil
	case errors.Is(err, ErrNeedResync):
		return protocol.RequestResynchCode, 0, nil
	case errors.Is(err, cryptosuite.ErrAuthentication):
		return protocol.DecryptErrorCode, 0, nil
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrSecurityViolation),
		errors.Is(err, protocol.ErrShortMessage),
		errors.Is(err, cryptosuite.ErrVerification),
		errors.Is(err, cryptosuite.ErrInvalidInput),
		errors.Is(err, cryptosuite.ErrUnsupported):
		return protocol.InvalidRequestCode, 0, nil
	default:
		return protocol.UnspecifiedCode, 0, nil
	}
}
