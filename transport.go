// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Transport abstracts the underlying MCTP/HTTP/socket transport for sending a
// message and receiving a response.
type Transport interface {
	// Send a message and receive a response. The message type tells plain
	// SPDM messages and secured messages apart in both directions.
	Send(ctx context.Context, typ protocol.MessageType, msg []byte) (protocol.MessageType, []byte, error)
}

// ServerTransport abstracts the underlying transport for receiving requests
// of many connections and answering them with a Responder.
type ServerTransport interface {
	// Serve blocks until ctx is done or the transport fails.
	Serve(ctx context.Context, r *Responder) error
}
