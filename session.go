// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fido-device-onboard/go-spdm/kex"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Session is a secure session created by KEY_EXCHANGE. It is handshaking
// until FINISH completes and established afterwards.
type Session struct {
	ID   uint32
	Slot uint8

	finished bool
	schedule kex.Schedule
	crypter  kex.SessionCrypter

	handshakeSecret []byte
	th              []byte
	reqKeys         *kex.DirectionKeys
	rspKeys         *kex.DirectionKeys
	messageL        []byte
}

// Established reports whether FINISH has completed.
func (s *Session) Established() bool { return s.finished }

func (s *Session) destroy() {
	s.reqKeys.Destroy()
	s.rspKeys.Destroy()
	clear(s.handshakeSecret)
}

// HandleSecured processes a secured message. The reply is a secured message,
// except when the message cannot be authenticated, in which case a plaintext
// ERROR is returned and the session is terminated.
func (r *Responder) HandleSecured(ctx context.Context, conn *Connection, msg []byte) (protocol.MessageType, []byte, error) {
	if len(msg) > protocol.MaxSecuredMessageSize {
		return 0, nil, fmt.Errorf("%w: secured message is %d bytes", ErrFraming, len(msg))
	}
	h, err := protocol.ParseSecuredHeader(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	sess := conn.sessions[h.SessionID]
	if sess == nil {
		slog.Debug("spdm secured message for unknown session", "session", h.SessionID)
		return protocol.SPDMMessage, r.plainError(conn, protocol.InvalidSessionCode), nil
	}

	app, err := sess.crypter.Open(sess.reqKeys, msg)
	if err != nil {
		slog.Warn("spdm secured message rejected", "session", h.SessionID, "error", err)
		conn.removeSession(h.SessionID)
		r.emit(ctx, Event{Type: EventSessionEnded, SessionID: h.SessionID, State: conn.state, Error: err})
		return protocol.SPDMMessage, r.plainError(conn, protocol.DecryptErrorCode), nil
	}
	if err := checkFraming(app, protocol.MaxMessageSize); err != nil {
		return 0, nil, err
	}

	rep := r.dispatch(ctx, conn, sess, app)
	buf := make([]byte, protocol.MaxMessageSize)
	n, err := rep.write(buf)
	if err != nil {
		return 0, nil, err
	}
	sealed, err := sess.crypter.Seal(sess.rspKeys, buf[:n])
	if err != nil {
		return 0, nil, err
	}
	rep.apply()
	if rep.afterSend != nil {
		rep.afterSend()
	}
	return protocol.SecuredMessage, sealed, nil
}

func (r *Responder) plainError(conn *Connection, code protocol.ErrorCode) []byte {
	version := conn.version
	if version == 0 {
		version = protocol.Version11
	}
	return protocol.AppendError(nil, version, code, 0, nil)
}

func (r *Responder) heartbeat(_ context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.Heartbeat, protocol.HbeatCap); err != nil {
		return nil, err
	}
	msg := protocol.Header{Version: req.conn.version, Code: protocol.HeartbeatAck}.Append(nil)
	return &reply{msg: msg}, nil
}

func (r *Responder) keyUpdate(_ context.Context, req *request) (*reply, error) {
	if err := r.requireCap(protocol.KeyUpdate, protocol.KeyUpdCap); err != nil {
		return nil, err
	}
	sess := req.sess
	op := protocol.KeyUpdateOperation(req.header.Param1)
	msg := protocol.Header{
		Version: req.conn.version,
		Code:    protocol.KeyUpdateAck,
		Param1:  req.header.Param1,
		Param2:  req.header.Param2,
	}.Append(nil)

	switch op {
	case protocol.UpdateKey, protocol.UpdateAllKeys:
		newReq, err := sess.schedule.Update(sess.reqKeys)
		if err != nil {
			return nil, err
		}
		rep := &reply{msg: msg}
		rep.commit = func() {
			sess.reqKeys.Destroy()
			sess.reqKeys = newReq
		}
		if op == protocol.UpdateAllKeys {
			newRsp, err := sess.schedule.Update(sess.rspKeys)
			if err != nil {
				return nil, err
			}
			rep.afterSend = func() {
				sess.rspKeys.Destroy()
				sess.rspKeys = newRsp
			}
		}
		slog.Debug("spdm key update", "session", sess.ID, "operation", op)
		return rep, nil

	case protocol.VerifyNewKey:
		return &reply{msg: msg}, nil

	default:
		return nil, invalid("key update operation %d", uint8(op))
	}
}

func (r *Responder) endSession(ctx context.Context, req *request) (*reply, error) {
	conn, sess := req.conn, req.sess
	msg := protocol.Header{Version: conn.version, Code: protocol.EndSessionAck}.Append(nil)
	return &reply{
		msg: msg,
		afterSend: func() {
			conn.removeSession(sess.ID)
			r.emit(ctx, Event{Type: EventSessionEnded, SessionID: sess.ID, State: conn.state})
		},
	}, nil
}
