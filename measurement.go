// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"io"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

func (r *Responder) getMeasurements(ctx context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.GetMeasurements, protocol.MeasCapMask); err != nil {
		return nil, err
	}
	var getMeas protocol.GetMeasurementsRequest
	if err := getMeas.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}
	conn := req.conn
	if getMeas.Signed && !r.caps().Has(protocol.MeasCapSig) {
		return nil, invalid("signed measurements are not supported")
	}

	var sc *slotChain
	if getMeas.Signed {
		var err error
		if sc, err = r.loadSlot(ctx, conn, getMeas.SlotID); err != nil {
			return nil, err
		}
	}
	blocks, err := r.measurements(ctx)
	if err != nil {
		return nil, err
	}

	rsp := protocol.MeasurementsResponse{Version: conn.version}
	if getMeas.Signed && conn.version >= protocol.Version11 {
		rsp.SlotID = getMeas.SlotID
	}
	switch getMeas.Operation {
	case protocol.MeasurementCount:
		rsp.TotalIndices = uint8(len(blocks))
	case protocol.AllMeasurements:
		rsp.Blocks = blocks
	default:
		for _, blk := range blocks {
			if blk.Index == getMeas.Operation {
				rsp.Blocks = []protocol.MeasurementBlock{blk}
				break
			}
		}
		if rsp.Blocks == nil {
			return nil, invalid("no measurement block with index %d", getMeas.Operation)
		}
	}
	if _, err := io.ReadFull(r.rand(), rsp.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	msg := rsp.Append(nil)
	transcript := &conn.messageL
	if req.sess != nil {
		transcript = &req.sess.messageL
	}
	l := concat(*transcript, req.msg, msg)
	if !getMeas.Signed {
		return &reply{msg: msg, commit: func() { *transcript = l }}, nil
	}

	sig, err := r.sign(conn, sc, l)
	if err != nil {
		return nil, err
	}
	return &reply{
		msg:    append(msg, sig...),
		commit: func() { *transcript = nil },
	}, nil
}
