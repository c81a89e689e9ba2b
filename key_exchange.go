// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto/hmac"
	"fmt"
	"io"
	"log/slog"

	"github.com/fido-device-onboard/go-spdm/kex"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// keyExchange starts a session. The session is handshaking until a FINISH
// protected by its handshake keys arrives.
//
// The session transcript is kept as one running buffer:
//
//	TH = A || Ct || KEY_EXCHANGE || KEY_EXCHANGE_RSP (signature and verify data included)
//
// where Ct is the digest of the certificate chain of the selected slot.
func (r *Responder) keyExchange(ctx context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.KeyExchange, protocol.KeyExCap); err != nil {
		return nil, err
	}
	conn := req.conn
	if conn.version < protocol.Version11 || !conn.peerCaps.Has(protocol.KeyExCap) {
		return nil, unexpected()
	}
	algs := conn.algs
	if algs.DHE == 0 || algs.AEAD == 0 {
		return nil, invalid("key exchange parameters were not negotiated")
	}

	var ke protocol.KeyExchangeRequest
	if err := ke.Decode(req.msg, algs.DHE.ExchangeDataSize()); err != nil {
		return nil, decodeError(err)
	}
	if !ke.SummaryType.Valid() {
		return nil, invalid("measurement summary hash type 0x%02x", uint8(ke.SummaryType))
	}
	if ke.SummaryType != protocol.NoMeasurementSummary && !r.caps().Any(protocol.MeasCapMask) {
		return nil, invalid("measurement summary requested without measurement capability")
	}
	if len(conn.sessions) >= r.maxSessions() {
		return nil, &protocol.Error{Code: protocol.SessionLimitExceededCode}
	}

	sc, err := r.loadSlot(ctx, conn, ke.SlotID)
	if err != nil {
		return nil, err
	}
	summary, err := r.summaryHash(ctx, conn, ke.SummaryType)
	if err != nil {
		return nil, err
	}

	c := r.crypto()
	share, err := c.GenerateKeyShare(algs.DHE, r.rand())
	if err != nil {
		return nil, fmt.Errorf("key share: %w", err)
	}
	shared, err := c.DeriveSharedSecret(share, ke.ExchangeData)
	if err != nil {
		return nil, invalid("exchange data: %v", err)
	}
	schedule := kex.Schedule{Crypto: c, Hash: algs.BaseHash, AEAD: algs.AEAD, Version: conn.version}
	hs, err := schedule.HandshakeSecret(shared)
	clear(shared)
	if err != nil {
		return nil, err
	}

	// Allocating the ID mutates the connection, so work on a copy of the
	// counter until commit
	next := conn.nextSessionID
	rspID := conn.allocSessionID(ke.ReqSessionID)
	allocated := conn.nextSessionID
	conn.nextSessionID = next
	id := protocol.SessionID(ke.ReqSessionID, rspID)

	rsp := protocol.KeyExchangeResponse{
		Version:                conn.version,
		RspSessionID:           rspID,
		ExchangeData:           share.Public,
		MeasurementSummaryHash: summary,
	}
	if r.caps().Has(protocol.HbeatCap) {
		rsp.HeartbeatPeriod = r.HeartbeatPeriod
	}
	if _, err := io.ReadFull(r.rand(), rsp.Random[:]); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	th := concat(conn.messageA, sc.digest, req.msg, rsp.Append(nil))

	sig, err := r.sign(conn, sc, th)
	if err != nil {
		return nil, err
	}
	th = append(th, sig...)
	th1, err := c.Hash(algs.BaseHash, th)
	if err != nil {
		return nil, err
	}
	reqKeys, rspKeys, err := schedule.HandshakeKeys(hs, th1)
	if err != nil {
		return nil, err
	}
	verify, err := schedule.VerifyData(rspKeys.FinishedKey, th1)
	if err != nil {
		return nil, err
	}
	th = append(th, verify...)

	rsp.Signature = sig
	rsp.VerifyData = verify
	sess := &Session{
		ID:              id,
		Slot:            ke.SlotID,
		schedule:        schedule,
		crypter:         kex.SessionCrypter{Crypto: c, Suite: algs.AEAD, SessionID: id},
		handshakeSecret: hs,
		th:              th,
		reqKeys:         reqKeys,
		rspKeys:         rspKeys,
	}
	return &reply{
		msg: rsp.Append(nil),
		commit: func() {
			conn.nextSessionID = allocated
			conn.addSession(sess)
			slog.Debug("spdm session handshake started", "session", fmt.Sprintf("%08x", id), "slot", ke.SlotID)
		},
	}, nil
}

// finish completes the handshake of a session. FINISH_RSP travels under the
// handshake keys, so it carries no verify data.
func (r *Responder) finish(ctx context.Context, req *request) (*reply, error) {
	conn, sess := req.conn, req.sess
	algs := conn.algs

	var fin protocol.FinishRequest
	if err := fin.Decode(req.msg, algs.BaseHash.Size(), 0); err != nil {
		return nil, decodeError(err)
	}
	if fin.Signature != nil {
		return nil, invalid("mutual authentication was not requested")
	}

	c := r.crypto()
	thFinish, err := c.Hash(algs.BaseHash, sess.th, req.msg[:protocol.HeaderSize])
	if err != nil {
		return nil, err
	}
	expected, err := sess.schedule.VerifyData(sess.reqKeys.FinishedKey, thFinish)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, fin.VerifyData) {
		slog.Warn("spdm FINISH verify data mismatch", "session", fmt.Sprintf("%08x", sess.ID))
		return nil, &protocol.Error{Code: protocol.DecryptErrorCode}
	}

	msg := protocol.FinishResponse{Version: conn.version}.Append(nil)
	th2, err := c.Hash(algs.BaseHash, sess.th, req.msg, msg)
	if err != nil {
		return nil, err
	}
	master, err := sess.schedule.MasterSecret(sess.handshakeSecret)
	if err != nil {
		return nil, err
	}
	dataReq, dataRsp, err := sess.schedule.DataKeys(master, th2)
	clear(master)
	if err != nil {
		return nil, err
	}

	return &reply{
		msg:    msg,
		commit: func() { conn.advance(Established) },
		afterSend: func() {
			sess.reqKeys.Destroy()
			sess.rspKeys.Destroy()
			clear(sess.handshakeSecret)
			sess.reqKeys, sess.rspKeys = dataReq, dataRsp
			sess.handshakeSecret, sess.th = nil, nil
			sess.finished = true
			slog.Debug("spdm session established", "session", fmt.Sprintf("%08x", sess.ID))
			r.emit(ctx, Event{Type: EventSessionEstablished, SessionID: sess.ID, State: conn.state})
		},
	}, nil
}
