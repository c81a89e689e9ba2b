// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// getEncapsulatedRequest asks the requester for its certificate digests.
// Until the matching DELIVER_ENCAPSULATED_RESPONSE arrives every other
// request is answered with REQUEST_IN_FLIGHT.
func (r *Responder) getEncapsulatedRequest(_ context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.GetEncapsulatedRequest, protocol.EncapCap); err != nil {
		return nil, err
	}
	conn := req.conn
	if conn.version < protocol.Version11 {
		return nil, unexpected()
	}
	if !conn.peerCaps.Has(protocol.EncapCap | protocol.CertCap) {
		return nil, invalid("requester cannot answer encapsulated requests")
	}

	id := conn.encapRequestID + 1
	if id == 0 {
		id = 1
	}
	inner := protocol.Header{Version: conn.version, Code: protocol.GetDigests}.Append(nil)
	msg := protocol.EncapsulatedMessage{
		Version:   conn.version,
		Code:      protocol.EncapsulatedRequest,
		RequestID: id,
		Payload:   inner,
	}.Append(nil)
	return &reply{
		msg: msg,
		commit: func() {
			conn.encapRequestID = id
			conn.responseState = ProcessingEncapsulated
		},
	}, nil
}

// deliverEncapsulatedResponse records the requester's DIGESTS and ends the
// encapsulated flow.
func (r *Responder) deliverEncapsulatedResponse(_ context.Context, req *request) (*reply, error) {
	conn := req.conn
	var deliver protocol.EncapsulatedMessage
	if err := deliver.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}
	if deliver.RequestID != conn.encapRequestID {
		return nil, invalid("encapsulated request ID %d, expected %d", deliver.RequestID, conn.encapRequestID)
	}

	ih, err := protocol.ParseHeader(deliver.Payload)
	if err != nil {
		return nil, decodeError(err)
	}
	var (
		slotMask uint8
		digests  [][]byte
	)
	switch ih.Code {
	case protocol.Digests:
		var d protocol.DigestsResponse
		if err := d.Decode(deliver.Payload, conn.algs.BaseHash.Size()); err != nil {
			return nil, decodeError(err)
		}
		slotMask, digests = d.SlotMask, d.Digests
	case protocol.ErrorResponse:
		perr, err := protocol.ParseError(deliver.Payload)
		if err != nil {
			return nil, decodeError(err)
		}
		slog.Debug("spdm encapsulated request failed", "error", perr)
	default:
		return nil, invalid("encapsulated response %s does not answer GET_DIGESTS", ih.Code)
	}

	msg := protocol.EncapsulatedMessage{
		Version:   conn.version,
		Code:      protocol.EncapsulatedResponseAck,
		RequestID: deliver.RequestID,
		Param2:    protocol.EncapsulatedPayloadAbsent,
	}.Append(nil)
	return &reply{
		msg: msg,
		commit: func() {
			conn.peerSlotMask, conn.peerDigests = slotMask, digests
			conn.responseState = Normal
			slog.Debug("spdm requester digests", "slots", fmt.Sprintf("%08b", slotMask))
		},
	}, nil
}
