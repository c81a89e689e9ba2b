// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package spdmtest contains test harnesses shared by the responder, its
// transports, and device state implementations.
package spdmtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Transport for tests, directly calling the responder with a single
// connection.
type Transport struct {
	T *testing.T

	Responder *spdm.Responder

	// Conn is created on first use if nil.
	Conn *spdm.Connection
}

var _ spdm.Transport = (*Transport)(nil)

// Send implements spdm.Transport.
func (t *Transport) Send(ctx context.Context, typ protocol.MessageType, msg []byte) (protocol.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	default:
	}
	if t.Conn == nil {
		t.Conn = spdm.NewConnection()
	}

	switch typ {
	case protocol.SPDMMessage:
		t.T.Logf("Request %s: %x", codeOf(msg), msg)
		resp, err := t.Responder.Respond(ctx, t.Conn, msg)
		if err != nil {
			return 0, nil, err
		}
		t.T.Logf("Response %s: %x", codeOf(resp), resp)
		return protocol.SPDMMessage, resp, nil

	case protocol.SecuredMessage:
		t.T.Logf("Secured request: %d bytes", len(msg))
		respType, resp, err := t.Responder.HandleSecured(ctx, t.Conn, msg)
		if err != nil {
			return 0, nil, err
		}
		t.T.Logf("Secured response %s: %d bytes", respType, len(resp))
		return respType, resp, nil

	default:
		return 0, nil, fmt.Errorf("unsupported message type: %d", typ)
	}
}

func codeOf(msg []byte) protocol.Code {
	h, err := protocol.ParseHeader(msg)
	if err != nil {
		return 0
	}
	return h.Code
}
