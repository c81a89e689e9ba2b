// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// DefaultCapabilities are advertised when Responder.Capabilities is zero.
const DefaultCapabilities = protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig |
	protocol.EncryptCap | protocol.MacCap | protocol.KeyExCap | protocol.EncapCap |
	protocol.HbeatCap | protocol.KeyUpdCap

// Default algorithm priorities, most preferred first
var (
	DefaultBaseAsym = []protocol.BaseAsymAlgo{
		protocol.ECDSAP384, protocol.ECDSAP256, protocol.ECDSAP521,
		protocol.RSAPSS3072, protocol.RSAPSS2048, protocol.RSASSA3072, protocol.RSASSA2048,
	}
	DefaultBaseHash = []protocol.BaseHashAlgo{protocol.SHA384, protocol.SHA256, protocol.SHA512}
	DefaultDHE      = []protocol.DHEGroup{protocol.SECP384R1, protocol.SECP256R1, protocol.SECP521R1}
	DefaultAEAD     = []protocol.AEADSuite{protocol.AES256GCM, protocol.ChaCha20Poly1305, protocol.AES128GCM}
)

// DefaultMaxSessions is used when Responder.MaxSessions is zero.
const DefaultMaxSessions = 4

// Responder implements the responder side of SPDM 1.0 and 1.1. Configuration
// is read-only after the first request; all per-peer state lives in
// Connection.
type Responder struct {
	// Crypto defaults to cryptosuite.Default.
	Crypto cryptosuite.Provider

	// Capabilities defaults to DefaultCapabilities.
	Capabilities protocol.CapabilityFlags
	CTExponent   uint8

	// Algorithm priorities. Nil slices use the package defaults.
	BaseAsym []protocol.BaseAsymAlgo
	BaseHash []protocol.BaseHashAlgo
	DHE      []protocol.DHEGroup
	AEAD     []protocol.AEADSuite

	// Device state
	Certificates CertificateStore
	Measurements MeasurementSource

	// HeartbeatPeriod is reported in KEY_EXCHANGE_RSP when HBEAT_CAP is set.
	HeartbeatPeriod uint8

	// MaxSessions bounds the concurrent sessions of one connection.
	MaxSessions int

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader

	// Events, if set, is notified of state transitions and errors.
	Events EventHandler
}

func (r *Responder) crypto() cryptosuite.Provider {
	if r.Crypto == nil {
		return cryptosuite.Default
	}
	return r.Crypto
}

func (r *Responder) caps() protocol.CapabilityFlags {
	if r.Capabilities == 0 {
		return DefaultCapabilities
	}
	return r.Capabilities
}

func (r *Responder) rand() io.Reader {
	if r.Rand == nil {
		return rand.Reader
	}
	return r.Rand
}

func (r *Responder) maxSessions() int {
	if r.MaxSessions <= 0 {
		return DefaultMaxSessions
	}
	return r.MaxSessions
}

func priority[T any](configured, def []T) []T {
	if configured == nil {
		return def
	}
	return configured
}

func mask[T ~uint8 | ~uint16 | ~uint32](algs []T) (m T) {
	for _, a := range algs {
		m |= a
	}
	return m
}

// request is the input of a message handler.
type request struct {
	conn   *Connection
	sess   *Session
	header protocol.Header
	msg    []byte
}

// reply is the output of a message handler or of the dispatcher's own
// checks. Nothing is applied to the connection until the reply has been
// written.
type reply struct {
	msg []byte

	isError  bool
	version  protocol.Version
	code     protocol.ErrorCode
	data     uint8
	extended []byte

	// commit applies state changes once the reply fits the buffer
	commit func()

	// afterSend applies key transitions once a secured reply is sealed
	afterSend func()
}

func (rep *reply) write(buf []byte) (int, error) {
	if rep.isError {
		return protocol.BuildExtendedError(buf, rep.version, rep.code, rep.data, rep.extended)
	}
	if len(buf) < len(rep.msg) {
		return 0, &protocol.BufferTooSmallError{Required: len(rep.msg)}
	}
	return copy(buf, rep.msg), nil
}

func (rep *reply) apply() {
	if rep.commit != nil {
		rep.commit()
	}
}

type handler func(*Responder, context.Context, *request) (*reply, error)

var handlers = map[protocol.Code]handler{
	protocol.GetVersion:                  (*Responder).getVersion,
	protocol.GetCapabilities:             (*Responder).getCapabilities,
	protocol.NegotiateAlgorithms:         (*Responder).negotiateAlgorithms,
	protocol.GetDigests:                  (*Responder).getDigests,
	protocol.GetCertificate:              (*Responder).getCertificate,
	protocol.Challenge:                   (*Responder).challenge,
	protocol.GetMeasurements:             (*Responder).getMeasurements,
	protocol.KeyExchange:                 (*Responder).keyExchange,
	protocol.Finish:                      (*Responder).finish,
	protocol.Heartbeat:                   (*Responder).heartbeat,
	protocol.KeyUpdate:                   (*Responder).keyUpdate,
	protocol.EndSession:                  (*Responder).endSession,
	protocol.GetEncapsulatedRequest:      (*Responder).getEncapsulatedRequest,
	protocol.DeliverEncapsulatedResponse: (*Responder).deliverEncapsulatedResponse,
}

var authenticationRequests = []protocol.Code{
	protocol.GetDigests, protocol.GetCertificate, protocol.GetMeasurements,
	protocol.KeyExchange, protocol.GetEncapsulatedRequest,
}

// allowed lists the requests legal in each connection state besides
// GET_VERSION. CHALLENGE signs the transcript of the certificate retrieval,
// so it is only legal directly after GET_CERTIFICATE. Established keeps the
// requests of Authenticated so that further sessions can be started.
var allowed = map[ConnectionState][]protocol.Code{
	NotStarted:        {},
	AfterVersion:      {protocol.GetCapabilities},
	AfterCapabilities: {protocol.NegotiateAlgorithms},
	Negotiated:        authenticationRequests,
	AfterDigests:      authenticationRequests,
	AfterCertificate:  append(slices.Clone(authenticationRequests), protocol.Challenge),
	Authenticated:     authenticationRequests,
	Established:       authenticationRequests,
}

// Requests which are only accepted inside, or only outside, a secured
// message
var (
	securedOnly = []protocol.Code{protocol.Finish, protocol.Heartbeat, protocol.KeyUpdate, protocol.EndSession}
	clearOnly   = []protocol.Code{
		protocol.GetVersion, protocol.GetCapabilities, protocol.NegotiateAlgorithms,
		protocol.KeyExchange, protocol.Challenge,
	}
)

func legal(conn *Connection, sess *Session, code protocol.Code) bool {
	switch {
	case sess == nil && slices.Contains(securedOnly, code):
		return false
	case sess != nil && slices.Contains(clearOnly, code):
		return false
	case sess != nil && !sess.Established():
		// a handshaking session only carries FINISH
		return code == protocol.Finish
	case sess != nil && code == protocol.Finish:
		return false
	case sess != nil && slices.Contains(securedOnly, code):
		return true
	}
	switch code {
	case protocol.GetVersion:
		return true
	case protocol.DeliverEncapsulatedResponse:
		return conn.responseState == ProcessingEncapsulated
	}
	return slices.Contains(allowed[conn.state], code)
}

// replyVersion is the version used for ERROR responses.
func replyVersion(conn *Connection, h protocol.Header) protocol.Version {
	switch {
	case h.Code == protocol.GetVersion:
		return protocol.Version10
	case conn.version != 0:
		return conn.version
	case h.Version.IsSupported():
		return h.Version
	default:
		return protocol.Version10
	}
}

func checkVersion(conn *Connection, h protocol.Header) error {
	var ok bool
	switch h.Code {
	case protocol.GetVersion:
		ok = h.Version == protocol.Version10
	case protocol.GetCapabilities:
		ok = h.Version.IsSupported()
	default:
		ok = h.Version == conn.version
	}
	if !ok {
		return &protocol.Error{Code: protocol.VersionMismatchCode}
	}
	return nil
}

func errorReply(conn *Connection, h protocol.Header, code protocol.ErrorCode, data uint8, extended []byte) *reply {
	return &reply{
		isError:  true,
		version:  replyVersion(conn, h),
		code:     code,
		data:     data,
		extended: extended,
	}
}

// Respond handles a request and returns a newly allocated response.
func (r *Responder) Respond(ctx context.Context, conn *Connection, req []byte) ([]byte, error) {
	resp := make([]byte, protocol.MaxMessageSize)
	n, err := r.HandleRequest(ctx, conn, req, resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

// HandleRequest processes one request and writes the response into resp,
// returning its length. Every request that passes framing checks produces a
// response, which is an ERROR message when the request is rejected.
//
// If the response does not fit, a *protocol.BufferTooSmallError is returned
// and the connection is unchanged, so the call may be retried with a larger
// buffer.
func (r *Responder) HandleRequest(ctx context.Context, conn *Connection, req, resp []byte) (int, error) {
	if err := checkFraming(req, len(resp)); err != nil {
		return 0, err
	}
	rep := r.dispatch(ctx, conn, nil, req)
	n, err := rep.write(resp)
	if err != nil {
		return 0, err
	}
	rep.apply()
	return n, nil
}

func checkFraming(req []byte, respCap int) error {
	switch {
	case len(req) < protocol.HeaderSize:
		return fmt.Errorf("%w: request is %d bytes", ErrFraming, len(req))
	case len(req) > protocol.MaxMessageSize:
		return fmt.Errorf("%w: request is %d bytes, limit is %d", ErrFraming, len(req), protocol.MaxMessageSize)
	case respCap < protocol.HeaderSize:
		return fmt.Errorf("%w: response buffer is %d bytes", ErrFraming, respCap)
	}
	return nil
}

// dispatch runs the response state guard, RESPOND_IF_READY handling, and the
// request handler, in that order.
func (r *Responder) dispatch(ctx context.Context, conn *Connection, sess *Session, req []byte) *reply {
	h, _ := protocol.ParseHeader(req)
	slog.Debug("spdm request", "code", h.Code, "version", h.Version, "state", conn.state, "response state", conn.responseState, "secured", sess != nil)

	if rep := r.guard(ctx, conn, h, req); rep != nil {
		return rep
	}
	if h.Code == protocol.RespondIfReady {
		return r.respondIfReady(ctx, conn, sess, h)
	}
	rep, err := r.run(ctx, conn, sess, h, req)
	if err != nil {
		return r.failure(ctx, conn, h, req, err)
	}
	return rep
}

// guard answers requests while the response state is not Normal. It returns
// nil when the request should be processed.
func (r *Responder) guard(ctx context.Context, conn *Connection, h protocol.Header, req []byte) *reply {
	switch conn.responseState {
	case Busy:
		rep := errorReply(conn, h, protocol.BusyCode, 0, nil)
		rep.commit = func() { conn.responseState = Normal }
		return rep

	case NeedResync:
		if h.Code == protocol.GetVersion {
			return nil
		}
		rep := errorReply(conn, h, protocol.RequestResynchCode, 0, nil)
		rep.commit = func() { r.setState(ctx, conn, NotStarted) }
		return rep

	case NotReady:
		if h.Code == protocol.RespondIfReady {
			return nil
		}
		return r.notReadyReply(conn, h, req)

	case ProcessingEncapsulated:
		if h.Code == protocol.DeliverEncapsulatedResponse {
			return nil
		}
		return errorReply(conn, h, protocol.RequestInFlightCode, 0, nil)
	}
	return nil
}

// notReadyReply caches req and answers with a fresh error context.
func (r *Responder) notReadyReply(conn *Connection, h protocol.Header, req []byte) *reply {
	data := protocol.NotReadyData{RDExponent: 1, RequestCode: h.Code, Token: conn.token, RDTM: 1}
	extended, _ := data.MarshalBinary()
	rep := errorReply(conn, h, protocol.ResponseNotReadyCode, 0, extended)
	cached := append([]byte(nil), req...)
	rep.commit = func() {
		conn.cached = cached
		conn.notReady = &data
		conn.token++
		conn.responseState = NotReady
		slog.Debug("spdm response deferred", "code", h.Code, "token", data.Token)
	}
	return rep
}

// respondIfReady re-runs the cached request when the RESPOND_IF_READY request
// code and token match the error context.
func (r *Responder) respondIfReady(ctx context.Context, conn *Connection, sess *Session, h protocol.Header) *reply {
	ctxData := conn.notReady
	if ctxData == nil || len(conn.cached) < protocol.HeaderSize {
		return errorReply(conn, h, protocol.UnexpectedRequestCode, 0, nil)
	}
	repeat := func() *reply {
		extended, _ := ctxData.MarshalBinary()
		rep := errorReply(conn, h, protocol.ResponseNotReadyCode, 0, extended)
		rep.commit = func() { conn.responseState = NotReady }
		return rep
	}
	if protocol.Code(h.Param1) != ctxData.RequestCode || h.Param2 != ctxData.Token {
		if conn.responseState == NotReady {
			return repeat()
		}
		return errorReply(conn, h, protocol.InvalidRequestCode, 0, nil)
	}

	cached := conn.cached
	ch, _ := protocol.ParseHeader(cached)
	rep, err := r.run(ctx, conn, sess, ch, cached)
	if errors.Is(err, ErrNotReady) {
		return repeat()
	}
	if err != nil {
		rep = r.failure(ctx, conn, ch, cached, err)
	}
	inner := rep.commit
	rep.commit = func() {
		conn.notReady = nil
		if conn.responseState == NotReady {
			conn.responseState = Normal
		}
		if inner != nil {
			inner()
		}
	}
	return rep
}

// run checks the opcode and its legality and calls its handler. A non-nil
// error is a handler failure.
func (r *Responder) run(ctx context.Context, conn *Connection, sess *Session, h protocol.Header, req []byte) (*reply, error) {
	fn, ok := handlers[h.Code]
	if !ok {
		slog.Debug("spdm unsupported request", "code", h.Code)
		return errorReply(conn, h, protocol.UnsupportedRequestCode, uint8(h.Code), nil), nil
	}
	if !legal(conn, sess, h.Code) {
		slog.Debug("spdm unexpected request", "code", h.Code, "state", conn.state, "secured", sess != nil)
		return errorReply(conn, h, protocol.UnexpectedRequestCode, 0, nil), nil
	}
	if err := checkVersion(conn, h); err != nil {
		return errorReply(conn, h, protocol.VersionMismatchCode, 0, nil), nil
	}

	before := conn.state
	rep, err := fn(r, ctx, &request{conn: conn, sess: sess, header: h, msg: req})
	if err != nil {
		return nil, err
	}
	inner := rep.commit
	cached := append([]byte(nil), req...)
	rep.commit = func() {
		if h.Code != protocol.GetMeasurements && sess == nil {
			conn.messageL = nil
		}
		// handlers may set a new response state in their own commit
		conn.responseState = Normal
		if inner != nil {
			inner()
		}
		conn.cached = cached
		conn.notReady = nil
		if conn.state != before {
			r.emit(ctx, Event{Type: EventStateChanged, Request: h.Code, State: conn.state})
		}
		slog.Debug("spdm response", "request", h.Code, "state", conn.state)
	}
	return rep, nil
}

// failure converts a handler error into an ERROR response.
func (r *Responder) failure(ctx context.Context, conn *Connection, h protocol.Header, req []byte, err error) *reply {
	if errors.Is(err, ErrNotReady) {
		return r.notReadyReply(conn, h, req)
	}

	code, data, extended := errorCode(err)
	if errors.Is(err, ErrSecurityViolation) || code == protocol.DecryptErrorCode {
		slog.Warn("spdm security violation", "request", h.Code, "error", err)
	} else {
		slog.Debug("spdm request failed", "request", h.Code, "code", code, "error", err)
	}
	rep := errorReply(conn, h, code, data, extended)
	rep.commit = func() {
		if errors.Is(err, ErrNeedResync) {
			r.setState(ctx, conn, NotStarted)
			conn.responseState = NeedResync
		}
		r.emit(ctx, Event{Type: EventProtocolError, Request: h.Code, State: conn.state, Error: err})
	}
	return rep
}

func (r *Responder) setState(ctx context.Context, conn *Connection, s ConnectionState) {
	if conn.state == s {
		return
	}
	conn.state = s
	r.emit(ctx, Event{Type: EventStateChanged, State: s})
}

// requireCap rejects requests for features the responder does not advertise.
func (r *Responder) requireCap(code protocol.Code, flags protocol.CapabilityFlags) error {
	if !r.caps().Any(flags) {
		return unsupported(code)
	}
	return nil
}
