// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"io"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

func (r *Responder) getDigests(ctx context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.GetDigests, protocol.CertCap); err != nil {
		return nil, err
	}
	conn := req.conn
	slots, err := r.slotMask(ctx)
	if err != nil {
		return nil, err
	}
	rsp := protocol.DigestsResponse{Version: conn.version, SlotMask: slots}
	for slot := uint8(0); slot < protocol.MaxSlots; slot++ {
		if slots&(1<<slot) == 0 {
			continue
		}
		sc, err := r.loadSlot(ctx, conn, slot)
		if err != nil {
			return nil, err
		}
		rsp.Digests = append(rsp.Digests, sc.digest)
	}

	msg := rsp.Append(nil)
	b := concat(conn.messageB, req.msg, msg)
	return &reply{
		msg: msg,
		commit: func() {
			conn.messageB = b
			conn.advance(AfterDigests)
		},
	}, nil
}

func (r *Responder) getCertificate(ctx context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.GetCertificate, protocol.CertCap); err != nil {
		return nil, err
	}
	var getCert protocol.GetCertificateRequest
	if err := getCert.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}
	conn := req.conn
	sc, err := r.loadSlot(ctx, conn, getCert.SlotID)
	if err != nil {
		return nil, err
	}

	offset := int(getCert.Offset)
	if offset >= len(sc.chain) {
		return nil, invalid("certificate offset %d beyond chain length %d", offset, len(sc.chain))
	}
	length := min(int(getCert.Length), protocol.MaxCertificatePortion, len(sc.chain)-offset)
	msg := protocol.CertificateResponse{
		Version:         conn.version,
		SlotID:          getCert.SlotID,
		RemainderLength: uint16(len(sc.chain) - offset - length),
		Portion:         sc.chain[offset : offset+length],
	}.Append(nil)

	b := concat(conn.messageB, req.msg, msg)
	return &reply{
		msg: msg,
		commit: func() {
			conn.messageB = b
			conn.advance(AfterCertificate)
		},
	}, nil
}

func (r *Responder) challenge(ctx context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.Challenge, protocol.ChalCap); err != nil {
		return nil, err
	}
	var chal protocol.ChallengeRequest
	if err := chal.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}
	if !chal.SummaryType.Valid() {
		return nil, invalid("measurement summary hash type 0x%02x", uint8(chal.SummaryType))
	}
	conn := req.conn
	if chal.SummaryType != protocol.NoMeasurementSummary && !r.caps().Any(protocol.MeasCapMask) {
		return nil, invalid("measurement summary requested without measurement capability")
	}

	sc, err := r.loadSlot(ctx, conn, chal.SlotID)
	if err != nil {
		return nil, err
	}
	slots, err := r.slotMask(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := r.summaryHash(ctx, conn, chal.SummaryType)
	if err != nil {
		return nil, err
	}

	rsp := protocol.ChallengeAuthResponse{
		Version:                conn.version,
		SlotID:                 chal.SlotID,
		SlotMask:               slots,
		CertChainHash:          sc.digest,
		MeasurementSummaryHash: summary,
	}
	if _, err := io.ReadFull(r.rand(), rsp.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	unsigned := rsp.Append(nil)
	m1 := concat(conn.messageA, conn.messageB, conn.messageC, req.msg, unsigned)
	sig, err := r.sign(conn, sc, m1)
	if err != nil {
		return nil, err
	}

	return &reply{
		msg: append(unsigned, sig...),
		commit: func() {
			conn.messageB = nil
			conn.messageC = nil
			conn.advance(Authenticated)
		},
	}, nil
}

// sign signs the hash of a transcript with the key of a slot.
func (r *Responder) sign(conn *Connection, sc *slotChain, transcript []byte) ([]byte, error) {
	digest, err := r.crypto().Hash(conn.algs.BaseHash, transcript)
	if err != nil {
		return nil, err
	}
	if sc.signer == nil {
		return nil, invalid("no signing key provisioned")
	}
	return r.crypto().Sign(conn.algs.BaseAsym, conn.algs.BaseHash, sc.signer, digest)
}
