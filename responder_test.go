// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/internal/memory"
	"github.com/fido-device-onboard/go-spdm/protocol"
	"github.com/fido-device-onboard/go-spdm/spdmtest"
)

func newResponder(t *testing.T) (*spdm.Responder, *memory.State) {
	t.Helper()
	state, err := memory.NewState(protocol.ECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	return &spdm.Responder{
		Certificates: state,
		Measurements: state,
		BaseAsym:     []protocol.BaseAsymAlgo{protocol.ECDSAP256},
	}, state
}

// negotiated runs GET_VERSION, GET_CAPABILITIES, and NEGOTIATE_ALGORITHMS
// with a requester and returns it with the responder side connection.
func negotiated(t *testing.T, r *spdm.Responder) (*spdm.Requester, *spdm.Connection) {
	t.Helper()
	tr := &spdmtest.Transport{T: t, Responder: r, Conn: spdm.NewConnection()}
	q := &spdm.Requester{
		Transport: tr,
		BaseAsym:  []protocol.BaseAsymAlgo{protocol.ECDSAP256},
	}
	if err := q.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := tr.Conn.State(); got != spdm.Negotiated {
		t.Fatalf("expected state %s after Init, got %s", spdm.Negotiated, got)
	}
	return q, tr.Conn
}

func send(t *testing.T, r *spdm.Responder, conn *spdm.Connection, req []byte) []byte {
	t.Helper()
	rsp, err := r.Respond(context.Background(), conn, req)
	if err != nil {
		t.Fatalf("request %x: %v", req, err)
	}
	return rsp
}

func expectError(t *testing.T, rsp []byte, code protocol.ErrorCode) *protocol.Error {
	t.Helper()
	perr, err := protocol.ParseError(rsp)
	if err != nil {
		t.Fatalf("expected ERROR(%s), got %x: %v", code, rsp, err)
	}
	if perr.Code != code {
		t.Fatalf("expected ERROR(%s), got %v", code, perr)
	}
	return perr
}

func expectCode(t *testing.T, rsp []byte, code protocol.Code) {
	t.Helper()
	h, err := protocol.ParseHeader(rsp)
	if err != nil {
		t.Fatal(err)
	}
	if h.Code != code {
		if perr, err := protocol.ParseError(rsp); err == nil {
			t.Fatalf("expected %s, got %v", code, perr)
		}
		t.Fatalf("expected %s, got %s", code, h.Code)
	}
}

func getDigests(v protocol.Version) []byte {
	return protocol.Header{Version: v, Code: protocol.GetDigests}.Append(nil)
}

func TestGetVersion(t *testing.T) {
	r, _ := newResponder(t)
	conn := spdm.NewConnection()

	rsp := send(t, r, conn, protocol.Header{Version: protocol.Version10, Code: protocol.GetVersion}.Append(nil))
	var ver protocol.VersionResponse
	if err := ver.UnmarshalBinary(rsp); err != nil {
		t.Fatal(err)
	}
	if got := ver.Highest(protocol.SupportedVersions); got != protocol.Version11 {
		t.Errorf("expected highest version 1.1, got %s", got)
	}
	if rsp[0] != byte(protocol.Version10) {
		t.Errorf("VERSION header must be 1.0, got %x", rsp[0])
	}
	if got := conn.State(); got != spdm.AfterVersion {
		t.Errorf("expected state %s, got %s", spdm.AfterVersion, got)
	}

	// GET_VERSION must always use version 1.0
	rsp = send(t, r, conn, protocol.Header{Version: protocol.Version11, Code: protocol.GetVersion}.Append(nil))
	expectError(t, rsp, protocol.VersionMismatchCode)
}

func TestNotStarted(t *testing.T) {
	r, _ := newResponder(t)

	for _, req := range [][]byte{
		getDigests(protocol.Version11),
		protocol.Header{Version: protocol.Version11, Code: protocol.NegotiateAlgorithms}.Append(nil),
		protocol.GetCapabilitiesRequest{Version: protocol.Version11, Flags: spdm.DefaultRequesterCapabilities}.Append(nil),
		protocol.Header{Version: protocol.Version11, Code: protocol.Challenge}.Append(nil),
	} {
		conn := spdm.NewConnection()
		rsp := send(t, r, conn, req)
		expectError(t, rsp, protocol.UnexpectedRequestCode)
		if got := conn.State(); got != spdm.NotStarted {
			t.Errorf("request %x: expected state %s, got %s", req, spdm.NotStarted, got)
		}
	}
}

func TestUnexpectedRequestKeepsState(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)

	// CHALLENGE requires a certificate to have been retrieved
	req := protocol.ChallengeRequest{Version: conn.Version(), SlotID: 0}.Append(nil)
	rsp := send(t, r, conn, req)
	expectError(t, rsp, protocol.UnexpectedRequestCode)
	if got := conn.State(); got != spdm.Negotiated {
		t.Errorf("expected state %s, got %s", spdm.Negotiated, got)
	}

	// FINISH is only valid inside a session
	rsp = send(t, r, conn, protocol.Header{Version: conn.Version(), Code: protocol.Finish}.Append(nil))
	expectError(t, rsp, protocol.UnexpectedRequestCode)
}

// connectionIn returns a connection driven to state by a requester.
func connectionIn(t *testing.T, r *spdm.Responder, state spdm.ConnectionState) *spdm.Connection {
	t.Helper()
	ctx := context.Background()
	conn := spdm.NewConnection()
	switch state {
	case spdm.NotStarted:
		return conn
	case spdm.AfterVersion, spdm.AfterCapabilities:
		send(t, r, conn, protocol.Header{Version: protocol.Version10, Code: protocol.GetVersion}.Append(nil))
		if state == spdm.AfterCapabilities {
			send(t, r, conn, protocol.GetCapabilitiesRequest{Version: protocol.Version11, Flags: spdm.DefaultRequesterCapabilities}.Append(nil))
		}
	default:
		var q *spdm.Requester
		q, conn = negotiated(t, r)
		var err error
		switch state {
		case spdm.AfterDigests:
			_, _, err = q.GetDigests(ctx)
		case spdm.AfterCertificate:
			_, err = q.GetCertificate(ctx, 0)
		case spdm.Authenticated:
			if _, err = q.GetCertificate(ctx, 0); err == nil {
				_, err = q.Challenge(ctx, 0, protocol.NoMeasurementSummary)
			}
		case spdm.Established:
			if _, err = q.GetCertificate(ctx, 0); err == nil {
				_, err = q.StartSession(ctx, 0, protocol.NoMeasurementSummary)
			}
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := conn.State(); got != state {
		t.Fatalf("expected state %s, got %s", state, got)
	}
	return conn
}

func TestRequestLegality(t *testing.T) {
	r, _ := newResponder(t)

	authentication := []protocol.Code{
		protocol.GetDigests, protocol.GetCertificate, protocol.GetMeasurements,
		protocol.KeyExchange, protocol.GetEncapsulatedRequest,
	}
	legal := map[spdm.ConnectionState][]protocol.Code{
		spdm.NotStarted:        {protocol.GetVersion},
		spdm.AfterVersion:      {protocol.GetVersion, protocol.GetCapabilities},
		spdm.AfterCapabilities: {protocol.GetVersion, protocol.NegotiateAlgorithms},
		spdm.Negotiated:        append([]protocol.Code{protocol.GetVersion}, authentication...),
		spdm.AfterDigests:      append([]protocol.Code{protocol.GetVersion}, authentication...),
		spdm.AfterCertificate:  append([]protocol.Code{protocol.GetVersion, protocol.Challenge}, authentication...),
		spdm.Authenticated:     append([]protocol.Code{protocol.GetVersion}, authentication...),
		spdm.Established:       append([]protocol.Code{protocol.GetVersion}, authentication...),
	}
	requests := []protocol.Code{
		protocol.GetVersion, protocol.GetCapabilities, protocol.NegotiateAlgorithms,
		protocol.GetDigests, protocol.GetCertificate, protocol.Challenge,
		protocol.GetMeasurements, protocol.KeyExchange, protocol.Finish,
		protocol.Heartbeat, protocol.KeyUpdate, protocol.EndSession,
		protocol.GetEncapsulatedRequest, protocol.DeliverEncapsulatedResponse,
	}

	for _, state := range []spdm.ConnectionState{
		spdm.NotStarted, spdm.AfterVersion, spdm.AfterCapabilities, spdm.Negotiated,
		spdm.AfterDigests, spdm.AfterCertificate, spdm.Authenticated, spdm.Established,
	} {
		for _, code := range requests {
			t.Run(state.String()+"/"+code.String(), func(t *testing.T) {
				conn := connectionIn(t, r, state)
				v := conn.Version()
				switch {
				case code == protocol.GetVersion:
					v = protocol.Version10
				case v == 0:
					v = protocol.Version11
				}

				rsp := send(t, r, conn, protocol.Header{Version: v, Code: code}.Append(nil))
				perr, err := protocol.ParseError(rsp)
				unexpected := err == nil && perr.Code == protocol.UnexpectedRequestCode
				if slices.Contains(legal[state], code) {
					if unexpected {
						t.Errorf("%s is legal in %s but got %v", code, state, perr)
					}
					return
				}
				if !unexpected {
					t.Errorf("%s is illegal in %s, expected UNEXPECTED_REQUEST, got %x", code, state, rsp)
				}
				if got := conn.State(); got != state {
					t.Errorf("rejected %s changed state to %s", code, got)
				}
			})
		}
	}
}

func TestSuccessClearsResponseState(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)

	conn.SetResponseState(spdm.ResponseState(9))
	rsp := send(t, r, conn, getDigests(conn.Version()))
	expectCode(t, rsp, protocol.Digests)
	if got := conn.ResponseState(); got != spdm.Normal {
		t.Errorf("expected response state %s, got %s", spdm.Normal, got)
	}
}

func TestSignatureKeyMismatch(t *testing.T) {
	// The default priorities prefer ECDSA P-384 but slot 0 holds a P-256 key
	state, err := memory.NewState(protocol.ECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	r := &spdm.Responder{Certificates: state, Measurements: state}
	tr := &spdmtest.Transport{T: t, Responder: r, Conn: spdm.NewConnection()}
	q := &spdm.Requester{
		Transport: tr,
		BaseAsym:  []protocol.BaseAsymAlgo{protocol.ECDSAP384, protocol.ECDSAP256},
	}
	ctx := context.Background()
	if err := q.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if got := q.Algorithms().BaseAsym; got != protocol.ECDSAP384 {
		t.Fatalf("expected %s to be selected, got %s", protocol.ECDSAP384, got)
	}
	if _, err := q.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Challenge(ctx, 0, protocol.NoMeasurementSummary); !errors.Is(err, &protocol.Error{Code: protocol.InvalidRequestCode}) {
		t.Errorf("CHALLENGE: expected INVALID_REQUEST, got %v", err)
	}
	if got := tr.Conn.State(); got != spdm.AfterCertificate {
		t.Errorf("failed CHALLENGE changed state to %s", got)
	}
	if _, err := q.StartSession(ctx, 0, protocol.NoMeasurementSummary); !errors.Is(err, &protocol.Error{Code: protocol.InvalidRequestCode}) {
		t.Errorf("KEY_EXCHANGE: expected INVALID_REQUEST, got %v", err)
	}
	if got := tr.Conn.Sessions(); got != 0 {
		t.Errorf("expected no sessions, got %d", got)
	}
}

func TestUnsupportedAndMismatchedRequests(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)

	rsp := send(t, r, conn, protocol.Header{Version: conn.Version(), Code: protocol.PSKExchange}.Append(nil))
	perr := expectError(t, rsp, protocol.UnsupportedRequestCode)
	if perr.Data != uint8(protocol.PSKExchange) {
		t.Errorf("expected error data %02x, got %02x", uint8(protocol.PSKExchange), perr.Data)
	}

	rsp = send(t, r, conn, getDigests(protocol.Version10))
	expectError(t, rsp, protocol.VersionMismatchCode)
	if got := conn.State(); got != spdm.Negotiated {
		t.Errorf("expected state %s, got %s", spdm.Negotiated, got)
	}
}

func TestFraming(t *testing.T) {
	r, _ := newResponder(t)
	conn := spdm.NewConnection()

	if _, err := r.HandleRequest(context.Background(), conn, []byte{0x10, 0x84}, make([]byte, 64)); !errors.Is(err, spdm.ErrFraming) {
		t.Errorf("short request: expected ErrFraming, got %v", err)
	}
	if _, err := r.HandleRequest(context.Background(), conn, make([]byte, protocol.MaxMessageSize+1), make([]byte, 64)); !errors.Is(err, spdm.ErrFraming) {
		t.Errorf("long request: expected ErrFraming, got %v", err)
	}
	req := protocol.Header{Version: protocol.Version10, Code: protocol.GetVersion}.Append(nil)
	if _, err := r.HandleRequest(context.Background(), conn, req, make([]byte, 2)); !errors.Is(err, spdm.ErrFraming) {
		t.Errorf("tiny buffer: expected ErrFraming, got %v", err)
	}
	if got := conn.State(); got != spdm.NotStarted {
		t.Errorf("expected state %s, got %s", spdm.NotStarted, got)
	}
}

func TestBufferTooSmall(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)
	req := getDigests(conn.Version())

	_, err := r.HandleRequest(context.Background(), conn, req, make([]byte, protocol.HeaderSize+1))
	var tooSmall *protocol.BufferTooSmallError
	if !errors.As(err, &tooSmall) {
		t.Fatalf("expected BufferTooSmallError, got %v", err)
	}
	if got := conn.State(); got != spdm.Negotiated {
		t.Fatalf("failed write changed state to %s", got)
	}

	buf := make([]byte, tooSmall.Required)
	n, err := r.HandleRequest(context.Background(), conn, req, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != tooSmall.Required {
		t.Errorf("expected %d bytes, got %d", tooSmall.Required, n)
	}
	expectCode(t, buf[:n], protocol.Digests)
	if got := conn.State(); got != spdm.AfterDigests {
		t.Errorf("expected state %s, got %s", spdm.AfterDigests, got)
	}
}

func TestBusy(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)

	conn.SetResponseState(spdm.Busy)
	rsp := send(t, r, conn, getDigests(conn.Version()))
	expectError(t, rsp, protocol.BusyCode)
	if got := conn.State(); got != spdm.Negotiated {
		t.Errorf("BUSY changed state to %s", got)
	}
	if got := conn.ResponseState(); got != spdm.Normal {
		t.Errorf("expected response state %s after BUSY, got %s", spdm.Normal, got)
	}

	rsp = send(t, r, conn, getDigests(conn.Version()))
	expectCode(t, rsp, protocol.Digests)
}

func TestNeedResync(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)

	conn.SetResponseState(spdm.NeedResync)
	rsp := send(t, r, conn, getDigests(conn.Version()))
	expectError(t, rsp, protocol.RequestResynchCode)
	if got := conn.State(); got != spdm.NotStarted {
		t.Errorf("expected state %s, got %s", spdm.NotStarted, got)
	}

	rsp = send(t, r, conn, protocol.Header{Version: protocol.Version10, Code: protocol.GetVersion}.Append(nil))
	expectCode(t, rsp, protocol.VersionRsp)
	if got := conn.ResponseState(); got != spdm.Normal {
		t.Errorf("expected response state %s, got %s", spdm.Normal, got)
	}
	if got := conn.State(); got != spdm.AfterVersion {
		t.Errorf("expected state %s, got %s", spdm.AfterVersion, got)
	}
}

func TestNotReadyTokens(t *testing.T) {
	r, _ := newResponder(t)
	_, conn := negotiated(t, r)
	v := conn.Version()

	conn.SetResponseState(spdm.NotReady)
	var last protocol.NotReadyData
	for i := 0; i < 3; i++ {
		rsp := send(t, r, conn, getDigests(v))
		perr := expectError(t, rsp, protocol.ResponseNotReadyCode)
		var d protocol.NotReadyData
		if err := d.UnmarshalBinary(perr.Extended); err != nil {
			t.Fatal(err)
		}
		if d.RequestCode != protocol.GetDigests {
			t.Errorf("expected request code %s, got %s", protocol.GetDigests, d.RequestCode)
		}
		if i > 0 && d.Token != last.Token+1 {
			t.Errorf("expected token %d, got %d", last.Token+1, d.Token)
		}
		last = d
	}

	// A stale token repeats the current context
	stale := last
	stale.Token--
	rsp := send(t, r, conn, protocol.RespondIfReadyRequest(v, stale))
	perr := expectError(t, rsp, protocol.ResponseNotReadyCode)
	var d protocol.NotReadyData
	if err := d.UnmarshalBinary(perr.Extended); err != nil {
		t.Fatal(err)
	}
	if d != last {
		t.Errorf("expected repeated context %+v, got %+v", last, d)
	}

	rsp = send(t, r, conn, protocol.RespondIfReadyRequest(v, last))
	expectCode(t, rsp, protocol.Digests)
	if got := conn.ResponseState(); got != spdm.Normal {
		t.Errorf("expected response state %s, got %s", spdm.Normal, got)
	}
	if _, ok := conn.NotReadyContext(); ok {
		t.Error("error context survived a completed RESPOND_IF_READY")
	}

	// Without a context RESPOND_IF_READY is unexpected
	rsp = send(t, r, conn, protocol.RespondIfReadyRequest(v, last))
	expectError(t, rsp, protocol.UnexpectedRequestCode)
}

// flakyStore reports ErrNotReady for the first pending calls to Slots.
type flakyStore struct {
	spdm.CertificateStore

	mu      sync.Mutex
	pending int
}

func (s *flakyStore) Slots(ctx context.Context) (uint8, error) {
	s.mu.Lock()
	notReady := s.pending > 0
	if notReady {
		s.pending--
	}
	s.mu.Unlock()
	if notReady {
		return 0, spdm.ErrNotReady
	}
	return s.CertificateStore.Slots(ctx)
}

func TestNotReadyHandler(t *testing.T) {
	r, state := newResponder(t)
	_, conn := negotiated(t, r)
	r.Certificates = &flakyStore{CertificateStore: state, pending: 1}
	v := conn.Version()

	rsp := send(t, r, conn, getDigests(v))
	perr := expectError(t, rsp, protocol.ResponseNotReadyCode)
	var d protocol.NotReadyData
	if err := d.UnmarshalBinary(perr.Extended); err != nil {
		t.Fatal(err)
	}
	if d.RDExponent != 1 || d.RDTM != 1 {
		t.Errorf("expected RDExponent 1 and RDTM 1, got %d and %d", d.RDExponent, d.RDTM)
	}
	if d.RequestCode != protocol.GetDigests {
		t.Errorf("expected request code %s, got %s", protocol.GetDigests, d.RequestCode)
	}
	if got := conn.State(); got != spdm.Negotiated {
		t.Errorf("NOT_READY changed state to %s", got)
	}

	rsp = send(t, r, conn, protocol.RespondIfReadyRequest(v, d))
	expectCode(t, rsp, protocol.Digests)
	if got := conn.State(); got != spdm.AfterDigests {
		t.Errorf("expected state %s, got %s", spdm.AfterDigests, got)
	}
	if got := conn.CachedRequest(); string(got) != string(getDigests(v)) {
		t.Errorf("expected cached GET_DIGESTS, got %x", got)
	}

	// RESPOND_IF_READY did not consume a token
	r.Certificates = &flakyStore{CertificateStore: state, pending: 1}
	rsp = send(t, r, conn, getDigests(v))
	perr = expectError(t, rsp, protocol.ResponseNotReadyCode)
	var next protocol.NotReadyData
	if err := next.UnmarshalBinary(perr.Extended); err != nil {
		t.Fatal(err)
	}
	if next.Token != d.Token+1 {
		t.Errorf("expected token %d, got %d", d.Token+1, next.Token)
	}
}

func TestRequesterPollsNotReady(t *testing.T) {
	r, state := newResponder(t)
	q, _ := negotiated(t, r)
	r.Certificates = &flakyStore{CertificateStore: state, pending: 2}

	mask, digests, err := q.GetDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mask != 1 || len(digests) != 1 {
		t.Errorf("expected slot 0 only, got mask %08b with %d digests", mask, len(digests))
	}
}

func TestSecuredMessageErrors(t *testing.T) {
	r, _ := newResponder(t)
	q, conn := negotiated(t, r)
	ctx := context.Background()

	if _, err := q.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	id, err := q.StartSession(ctx, 0, protocol.NoMeasurementSummary)
	if err != nil {
		t.Fatal(err)
	}
	if sess := conn.Session(id); sess == nil || !sess.Established() {
		t.Fatalf("session %08x is not established", id)
	}

	t.Run("Unknown session", func(t *testing.T) {
		msg := protocol.SecuredHeader{SessionID: id ^ 0xFFFF, Length: 20}.Append(nil)
		msg = append(msg, make([]byte, 20)...)
		typ, rsp, err := r.HandleSecured(ctx, conn, msg)
		if err != nil {
			t.Fatal(err)
		}
		if typ != protocol.SPDMMessage {
			t.Fatalf("expected plain response, got %s", typ)
		}
		expectError(t, rsp, protocol.InvalidSessionCode)
		if conn.Session(id) == nil {
			t.Error("unknown session ID terminated an active session")
		}
	})

	t.Run("Decrypt error", func(t *testing.T) {
		msg := protocol.SecuredHeader{SessionID: id, Length: 40}.Append(nil)
		msg = append(msg, make([]byte, 40)...)
		typ, rsp, err := r.HandleSecured(ctx, conn, msg)
		if err != nil {
			t.Fatal(err)
		}
		if typ != protocol.SPDMMessage {
			t.Fatalf("expected plain response, got %s", typ)
		}
		expectError(t, rsp, protocol.DecryptErrorCode)
		if conn.Session(id) != nil {
			t.Error("session survived a decrypt error")
		}
		if err := q.Heartbeat(ctx, id); err == nil {
			t.Error("heartbeat succeeded on a terminated session")
		}
	})
}

func TestSessionLimit(t *testing.T) {
	r, _ := newResponder(t)
	r.MaxSessions = 1
	q, conn := negotiated(t, r)
	ctx := context.Background()

	if _, err := q.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.StartSession(ctx, 0, protocol.NoMeasurementSummary); err != nil {
		t.Fatal(err)
	}
	_, err := q.StartSession(ctx, 0, protocol.NoMeasurementSummary)
	if !errors.Is(err, &protocol.Error{Code: protocol.SessionLimitExceededCode}) {
		t.Fatalf("expected SESSION_LIMIT_EXCEEDED, got %v", err)
	}
	if got := conn.Sessions(); got != 1 {
		t.Errorf("expected 1 session, got %d", got)
	}
}

func TestEncapsulatedDigests(t *testing.T) {
	r, _ := newResponder(t)
	requesterState, err := memory.NewState(protocol.ECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	tr := &spdmtest.Transport{T: t, Responder: r, Conn: spdm.NewConnection()}
	q := &spdm.Requester{
		Transport:    tr,
		BaseAsym:     []protocol.BaseAsymAlgo{protocol.ECDSAP256},
		Certificates: requesterState,
	}
	ctx := context.Background()
	if err := q.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.ProvideDigests(ctx); err != nil {
		t.Fatal(err)
	}

	mask, digests := tr.Conn.PeerDigests()
	if mask != 1 || len(digests) != 1 {
		t.Fatalf("expected requester slot 0, got mask %08b with %d digests", mask, len(digests))
	}
	if got := tr.Conn.ResponseState(); got != spdm.Normal {
		t.Errorf("expected response state %s, got %s", spdm.Normal, got)
	}
}

func TestEncapsulatedRequestInFlight(t *testing.T) {
	r, _ := newResponder(t)
	requesterState, err := memory.NewState(protocol.ECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	tr := &spdmtest.Transport{T: t, Responder: r, Conn: spdm.NewConnection()}
	q := &spdm.Requester{
		Transport:    tr,
		BaseAsym:     []protocol.BaseAsymAlgo{protocol.ECDSAP256},
		Certificates: requesterState,
	}
	if err := q.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := tr.Conn
	v := conn.Version()

	rsp := send(t, r, conn, protocol.Header{Version: v, Code: protocol.GetEncapsulatedRequest}.Append(nil))
	expectCode(t, rsp, protocol.EncapsulatedRequest)
	if got := conn.ResponseState(); got != spdm.ProcessingEncapsulated {
		t.Fatalf("expected response state %s, got %s", spdm.ProcessingEncapsulated, got)
	}

	rsp = send(t, r, conn, getDigests(v))
	expectError(t, rsp, protocol.RequestInFlightCode)

	// The wrong request ID is rejected and the flow stays open
	deliver := protocol.EncapsulatedMessage{
		Version:   v,
		Code:      protocol.DeliverEncapsulatedResponse,
		RequestID: 0xFF,
		Payload:   protocol.AppendError(nil, v, protocol.UnsupportedRequestCode, uint8(protocol.GetDigests), nil),
	}.Append(nil)
	rsp = send(t, r, conn, deliver)
	expectError(t, rsp, protocol.InvalidRequestCode)
	if got := conn.ResponseState(); got != spdm.ProcessingEncapsulated {
		t.Errorf("expected response state %s, got %s", spdm.ProcessingEncapsulated, got)
	}
}

func TestEvents(t *testing.T) {
	r, _ := newResponder(t)
	var (
		mu     sync.Mutex
		events []spdm.Event
	)
	r.Events = spdm.EventHandlerFunc(func(_ context.Context, e spdm.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	q, _ := negotiated(t, r)
	ctx := context.Background()
	if _, err := q.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	id, err := q.StartSession(ctx, 0, protocol.NoMeasurementSummary)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.EndSession(ctx, id); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[spdm.EventType]int)
	for _, e := range events {
		seen[e.Type]++
		if e.Timestamp.IsZero() {
			t.Errorf("event %s has no timestamp", e.Type)
		}
	}
	for _, typ := range []spdm.EventType{spdm.EventStateChanged, spdm.EventSessionEstablished, spdm.EventSessionEnded} {
		if seen[typ] == 0 {
			t.Errorf("no %s event", typ)
		}
	}
}
