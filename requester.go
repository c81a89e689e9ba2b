// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/kex"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// DefaultRequesterCapabilities are advertised when Requester.Capabilities is
// zero. CERT_CAP and ENCAP_CAP are added when Requester.Certificates is set.
const DefaultRequesterCapabilities = protocol.EncryptCap | protocol.MacCap | protocol.KeyExCap |
	protocol.HbeatCap | protocol.KeyUpdCap

// DefaultMaxRetries bounds BUSY retries and RESPOND_IF_READY polls of a
// single request when Requester.MaxRetries is zero.
const DefaultMaxRetries = 8

// ErrNotNegotiated is returned when a request is made before Init or for a
// feature the peer did not agree to.
var ErrNotNegotiated = errors.New("not negotiated")

// Requester drives the requester side of an SPDM exchange with a single
// responder. It mirrors every transcript the responder keeps, so that
// signatures and HMACs can be verified.
//
// A Requester must not be used concurrently.
type Requester struct {
	Transport Transport

	// Crypto defaults to cryptosuite.Default.
	Crypto cryptosuite.Provider

	// Capabilities defaults to DefaultRequesterCapabilities.
	Capabilities protocol.CapabilityFlags
	CTExponent   uint8

	// Versions limits the versions offered, defaulting to
	// protocol.SupportedVersions.
	Versions []protocol.Version

	// Algorithm priorities. Nil slices use the package defaults.
	BaseAsym []protocol.BaseAsymAlgo
	BaseHash []protocol.BaseHashAlgo
	DHE      []protocol.DHEGroup
	AEAD     []protocol.AEADSuite

	// Roots, if set, must anchor every retrieved certificate chain.
	Roots *x509.CertPool

	// Certificates, if set, answers encapsulated GET_DIGESTS requests.
	Certificates CertificateStore

	// MaxRetries defaults to DefaultMaxRetries.
	MaxRetries int

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader

	version   protocol.Version
	peerCaps  protocol.CapabilityFlags
	peerCTExp uint8
	algs      Algorithms

	messageA []byte
	messageB []byte
	messageL []byte

	digests       map[uint8][]byte
	slots         map[uint8]*peerSlot
	sessions      map[uint32]*requesterSession
	nextSessionID uint16
}

// peerSlot is a retrieved responder certificate chain.
type peerSlot struct {
	raw    []byte
	digest []byte
	chain  *protocol.CertChain
}

type requesterSession struct {
	id       uint32
	schedule kex.Schedule
	crypter  kex.SessionCrypter
	reqKeys  *kex.DirectionKeys
	rspKeys  *kex.DirectionKeys
	messageL []byte
}

func (q *Requester) crypto() cryptosuite.Provider {
	if q.Crypto == nil {
		return cryptosuite.Default
	}
	return q.Crypto
}

func (q *Requester) caps() protocol.CapabilityFlags {
	caps := q.Capabilities
	if caps == 0 {
		caps = DefaultRequesterCapabilities
		if q.Certificates != nil {
			caps |= protocol.CertCap | protocol.EncapCap
		}
	}
	return caps
}

func (q *Requester) rand() io.Reader {
	if q.Rand == nil {
		return rand.Reader
	}
	return q.Rand
}

func (q *Requester) maxRetries() int {
	if q.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return q.MaxRetries
}

// Version returns the negotiated version.
func (q *Requester) Version() protocol.Version { return q.version }

// PeerCapabilities returns the responder capability flags.
func (q *Requester) PeerCapabilities() protocol.CapabilityFlags { return q.peerCaps }

// Algorithms returns the negotiated algorithms.
func (q *Requester) Algorithms() Algorithms { return q.algs }

// CertificateChain returns a chain retrieved with GetCertificate.
func (q *Requester) CertificateChain(slot uint8) (*protocol.CertChain, bool) {
	s, ok := q.slots[slot]
	if !ok {
		return nil, false
	}
	return s.chain, true
}

// Init resets the connection with GET_VERSION and negotiates capabilities and
// algorithms.
func (q *Requester) Init(ctx context.Context) error {
	for _, s := range q.sessions {
		s.destroy()
	}
	*q = Requester{
		Transport:     q.Transport,
		Crypto:        q.Crypto,
		Capabilities:  q.Capabilities,
		CTExponent:    q.CTExponent,
		Versions:      q.Versions,
		BaseAsym:      q.BaseAsym,
		BaseHash:      q.BaseHash,
		DHE:           q.DHE,
		AEAD:          q.AEAD,
		Roots:         q.Roots,
		Certificates:  q.Certificates,
		MaxRetries:    q.MaxRetries,
		Rand:          q.Rand,
		nextSessionID: q.nextSessionID,
	}

	getVersion := protocol.Header{Version: protocol.Version10, Code: protocol.GetVersion}.Append(nil)
	rsp, err := q.exchange(ctx, nil, getVersion, protocol.VersionRsp)
	if err != nil {
		return fmt.Errorf("GET_VERSION: %w", err)
	}
	var versions protocol.VersionResponse
	if err := versions.UnmarshalBinary(rsp); err != nil {
		return fmt.Errorf("GET_VERSION: %w", err)
	}
	version := versions.Highest(priority(q.Versions, protocol.SupportedVersions))
	if version == 0 {
		return fmt.Errorf("GET_VERSION: no common version in %v", versions.Versions)
	}
	messageA := concat(getVersion, rsp)

	getCaps := protocol.GetCapabilitiesRequest{Version: version, CTExponent: q.CTExponent, Flags: q.caps()}.Append(nil)
	rsp, err = q.exchange(ctx, nil, getCaps, protocol.Capabilities)
	if err != nil {
		return fmt.Errorf("GET_CAPABILITIES: %w", err)
	}
	var caps protocol.CapabilitiesResponse
	if err := caps.UnmarshalBinary(rsp); err != nil {
		return fmt.Errorf("GET_CAPABILITIES: %w", err)
	}
	if caps.Version != version {
		return fmt.Errorf("GET_CAPABILITIES: response version %s, expected %s", caps.Version, version)
	}
	messageA = concat(messageA, getCaps, rsp)

	algs, neg, rsp, err := q.negotiate(ctx, version, caps.Flags)
	if err != nil {
		return fmt.Errorf("NEGOTIATE_ALGORITHMS: %w", err)
	}

	q.version = version
	q.peerCaps = caps.Flags
	q.peerCTExp = caps.CTExponent
	q.algs = algs
	q.messageA = concat(messageA, neg, rsp)
	slog.Debug("spdm negotiated", "version", version, "capabilities", caps.Flags, "hash", algs.BaseHash, "asym", algs.BaseAsym)
	return nil
}

func (q *Requester) negotiate(ctx context.Context, version protocol.Version, peerCaps protocol.CapabilityFlags) (algs Algorithms, req, rsp []byte, err error) {
	asym := priority(q.BaseAsym, DefaultBaseAsym)
	hash := priority(q.BaseHash, DefaultBaseHash)
	dhe := priority(q.DHE, DefaultDHE)
	aead := priority(q.AEAD, DefaultAEAD)

	neg := protocol.NegotiateAlgorithmsRequest{
		Version:                  version,
		MeasurementSpecification: protocol.DMTFMeasurementSpec,
		BaseAsymAlgo:             mask(asym),
		BaseHashAlgo:             mask(hash),
	}
	var reqAsym protocol.ReqBaseAsymAlg
	if q.caps().Has(protocol.EncapCap) {
		for _, alg := range asym {
			if alg <= 0xFFFF {
				reqAsym |= protocol.ReqBaseAsymAlg(alg)
			}
		}
	}
	if version >= protocol.Version11 {
		neg.AlgStructs = []protocol.AlgStruct{
			{Type: protocol.AlgTypeDHE, Supported: uint16(mask(dhe))},
			{Type: protocol.AlgTypeAEAD, Supported: uint16(mask(aead))},
			{Type: protocol.AlgTypeReqBaseAsym, Supported: uint16(reqAsym)},
			{Type: protocol.AlgTypeKeySchedule, Supported: uint16(protocol.SPDMKeySchedule)},
		}
	}
	req = neg.Append(nil)
	rsp, err = q.exchange(ctx, nil, req, protocol.Algorithms)
	if err != nil {
		return Algorithms{}, nil, nil, err
	}
	var sel protocol.AlgorithmsResponse
	if err := sel.UnmarshalBinary(rsp); err != nil {
		return Algorithms{}, nil, nil, err
	}

	algs = Algorithms{
		MeasurementSpec: sel.MeasurementSpecification,
		MeasurementHash: sel.MeasurementHashAlgo,
		BaseAsym:        sel.BaseAsymAlgo,
		BaseHash:        sel.BaseHashAlgo,
		DHE:             protocol.DHEGroup(sel.Supported(protocol.AlgTypeDHE)),
		AEAD:            protocol.AEADSuite(sel.Supported(protocol.AlgTypeAEAD)),
		ReqBaseAsym:     protocol.ReqBaseAsymAlg(sel.Supported(protocol.AlgTypeReqBaseAsym)),
		KeySchedule:     protocol.KeySchedule(sel.Supported(protocol.AlgTypeKeySchedule)),
	}
	if !protocol.IsSingleBit(algs.BaseHash) || algs.BaseHash&neg.BaseHashAlgo == 0 {
		return Algorithms{}, nil, nil, fmt.Errorf("responder selected hash %s", algs.BaseHash)
	}
	if peerCaps.Any(protocol.CertCap|protocol.ChalCap|protocol.MeasCapSig|protocol.KeyExCap) &&
		(!protocol.IsSingleBit(algs.BaseAsym) || algs.BaseAsym&neg.BaseAsymAlgo == 0) {
		return Algorithms{}, nil, nil, fmt.Errorf("responder selected signature algorithm %s", algs.BaseAsym)
	}
	if algs.DHE != 0 && (!protocol.IsSingleBit(algs.DHE) || algs.DHE&mask(dhe) == 0) {
		return Algorithms{}, nil, nil, fmt.Errorf("responder selected DHE group %s", algs.DHE)
	}
	if algs.AEAD != 0 && (!protocol.IsSingleBit(algs.AEAD) || algs.AEAD&mask(aead) == 0) {
		return Algorithms{}, nil, nil, fmt.Errorf("responder selected AEAD suite %s", algs.AEAD)
	}
	return algs, req, rsp, nil
}

// GetDigests retrieves the digests of the provisioned responder slots.
func (q *Requester) GetDigests(ctx context.Context) (slotMask uint8, digests [][]byte, err error) {
	if !q.peerCaps.Has(protocol.CertCap) {
		return 0, nil, fmt.Errorf("GET_DIGESTS: %w: responder has no certificates", ErrNotNegotiated)
	}
	req := protocol.Header{Version: q.version, Code: protocol.GetDigests}.Append(nil)
	rsp, err := q.exchange(ctx, nil, req, protocol.Digests)
	if err != nil {
		return 0, nil, fmt.Errorf("GET_DIGESTS: %w", err)
	}
	var d protocol.DigestsResponse
	if err := d.Decode(rsp, q.algs.BaseHash.Size()); err != nil {
		return 0, nil, fmt.Errorf("GET_DIGESTS: %w", err)
	}
	q.messageB = concat(q.messageB, req, rsp)
	q.digests = make(map[uint8][]byte)
	i := 0
	for slot := uint8(0); slot < protocol.MaxSlots; slot++ {
		if d.SlotMask&(1<<slot) != 0 {
			q.digests[slot] = d.Digests[i]
			i++
		}
	}
	return d.SlotMask, d.Digests, nil
}

// GetCertificate retrieves and validates the certificate chain of a slot.
// The chain must match a digest from GetDigests, if it was called, and must
// chain to Roots, if set.
func (q *Requester) GetCertificate(ctx context.Context, slot uint8) (*protocol.CertChain, error) {
	if !q.peerCaps.Has(protocol.CertCap) {
		return nil, fmt.Errorf("GET_CERTIFICATE: %w: responder has no certificates", ErrNotNegotiated)
	}
	var raw, transcript []byte
	for {
		req := protocol.GetCertificateRequest{
			Version: q.version,
			SlotID:  slot,
			Offset:  uint16(len(raw)),
			Length:  protocol.MaxCertificatePortion,
		}.Append(nil)
		rsp, err := q.exchange(ctx, nil, req, protocol.Certificate)
		if err != nil {
			return nil, fmt.Errorf("GET_CERTIFICATE: %w", err)
		}
		var cert protocol.CertificateResponse
		if err := cert.UnmarshalBinary(rsp); err != nil {
			return nil, fmt.Errorf("GET_CERTIFICATE: %w", err)
		}
		if cert.SlotID != slot {
			return nil, fmt.Errorf("GET_CERTIFICATE: response for slot %d, expected %d", cert.SlotID, slot)
		}
		transcript = concat(transcript, req, rsp)
		raw = append(raw, cert.Portion...)
		if cert.RemainderLength == 0 {
			break
		}
		if len(cert.Portion) == 0 || len(raw)+int(cert.RemainderLength) > 0xFFFF {
			return nil, fmt.Errorf("GET_CERTIFICATE: invalid portion length %d with remainder %d", len(cert.Portion), cert.RemainderLength)
		}
	}

	hash := q.algs.BaseHash
	c := q.crypto()
	chain, err := protocol.ParseCertChain(raw, hash.Size())
	if err != nil {
		return nil, err
	}
	digest, err := c.Hash(hash, raw)
	if err != nil {
		return nil, err
	}
	if want, ok := q.digests[slot]; ok && !bytes.Equal(want, digest) {
		return nil, fmt.Errorf("certificate chain of slot %d does not match its digest", slot)
	}
	rootHash, err := c.Hash(hash, chain.Certificates[0].Raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rootHash, chain.RootHash) {
		return nil, fmt.Errorf("certificate chain of slot %d: root hash mismatch", slot)
	}
	if err := q.verifyChain(chain); err != nil {
		return nil, fmt.Errorf("certificate chain of slot %d: %w", slot, err)
	}

	q.messageB = concat(q.messageB, transcript)
	if q.slots == nil {
		q.slots = make(map[uint8]*peerSlot)
	}
	q.slots[slot] = &peerSlot{raw: raw, digest: digest, chain: chain}
	return chain, nil
}

func (q *Requester) verifyChain(chain *protocol.CertChain) error {
	if q.Roots == nil {
		return nil
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain.Certificates[:len(chain.Certificates)-1] {
		intermediates.AddCert(cert)
	}
	_, err := chain.Leaf().Verify(x509.VerifyOptions{
		Roots:         q.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// Challenge authenticates the responder with the key of a slot retrieved with
// GetCertificate and returns the requested measurement summary hash.
func (q *Requester) Challenge(ctx context.Context, slot uint8, summary protocol.MeasurementSummaryType) ([]byte, error) {
	ps, ok := q.slots[slot]
	if !ok {
		return nil, fmt.Errorf("CHALLENGE: certificate chain of slot %d was not retrieved", slot)
	}
	chal := protocol.ChallengeRequest{Version: q.version, SlotID: slot, SummaryType: summary}
	if _, err := io.ReadFull(q.rand(), chal.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	req := chal.Append(nil)
	rsp, err := q.exchange(ctx, nil, req, protocol.ChallengeAuth)
	if err != nil {
		return nil, fmt.Errorf("CHALLENGE: %w", err)
	}
	sigSize := q.algs.BaseAsym.SignatureSize()
	var auth protocol.ChallengeAuthResponse
	if err := auth.Decode(rsp, q.algs.BaseHash.Size(), sigSize, summary != protocol.NoMeasurementSummary); err != nil {
		return nil, fmt.Errorf("CHALLENGE: %w", err)
	}
	if auth.SlotID != slot || !bytes.Equal(auth.CertChainHash, ps.digest) {
		return nil, fmt.Errorf("CHALLENGE: response does not match slot %d", slot)
	}
	m1 := concat(q.messageA, q.messageB, req, rsp[:len(rsp)-sigSize])
	if err := q.verify(ps, m1, auth.Signature); err != nil {
		return nil, fmt.Errorf("CHALLENGE_AUTH: %w", err)
	}
	q.messageB = nil
	return auth.MeasurementSummaryHash, nil
}

func (q *Requester) verify(ps *peerSlot, transcript, sig []byte) error {
	digest, err := q.crypto().Hash(q.algs.BaseHash, transcript)
	if err != nil {
		return err
	}
	return q.crypto().Verify(q.algs.BaseAsym, q.algs.BaseHash, ps.chain.Leaf().PublicKey, digest, sig)
}

// MeasurementRequest selects the measurements returned by GetMeasurements.
type MeasurementRequest struct {
	// Operation is protocol.MeasurementCount, protocol.AllMeasurements, or a
	// block index.
	Operation uint8

	// Signed responses are verified with the chain of Slot, which must have
	// been retrieved with GetCertificate.
	Signed bool
	Slot   uint8

	// SessionID, if nonzero, sends the request inside an established
	// session.
	SessionID uint32
}

// GetMeasurements retrieves measurements. Unsigned responses are
// authenticated by the next signed response.
func (q *Requester) GetMeasurements(ctx context.Context, mr MeasurementRequest) (*protocol.MeasurementsResponse, error) {
	if !q.peerCaps.Any(protocol.MeasCapMask) {
		return nil, fmt.Errorf("GET_MEASUREMENTS: %w: responder has no measurements", ErrNotNegotiated)
	}
	var ps *peerSlot
	if mr.Signed {
		var ok bool
		if ps, ok = q.slots[mr.Slot]; !ok {
			return nil, fmt.Errorf("GET_MEASUREMENTS: certificate chain of slot %d was not retrieved", mr.Slot)
		}
	}
	var sess *requesterSession
	transcript := &q.messageL
	if mr.SessionID != 0 {
		var err error
		if sess, err = q.session(mr.SessionID); err != nil {
			return nil, err
		}
		transcript = &sess.messageL
	}

	getMeas := protocol.GetMeasurementsRequest{
		Version:   q.version,
		Signed:    mr.Signed,
		Operation: mr.Operation,
		SlotID:    mr.Slot,
	}
	if mr.Signed {
		if _, err := io.ReadFull(q.rand(), getMeas.Nonce[:]); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
	}
	req := getMeas.Append(nil)
	rsp, err := q.exchange(ctx, sess, req, protocol.Measurements)
	if err != nil {
		return nil, fmt.Errorf("GET_MEASUREMENTS: %w", err)
	}
	var sigSize int
	if mr.Signed {
		sigSize = q.algs.BaseAsym.SignatureSize()
	}
	var meas protocol.MeasurementsResponse
	if err := meas.Decode(rsp, sigSize); err != nil {
		return nil, fmt.Errorf("GET_MEASUREMENTS: %w", err)
	}
	if !mr.Signed {
		*transcript = concat(*transcript, req, rsp)
		return &meas, nil
	}

	l := concat(*transcript, req, rsp[:len(rsp)-sigSize])
	*transcript = nil
	if err := q.verify(ps, l, meas.Signature); err != nil {
		return nil, fmt.Errorf("MEASUREMENTS: %w", err)
	}
	return &meas, nil
}

// StartSession performs KEY_EXCHANGE and FINISH using the chain of a slot
// retrieved with GetCertificate and returns the ID of the established
// session.
func (q *Requester) StartSession(ctx context.Context, slot uint8, summary protocol.MeasurementSummaryType) (uint32, error) {
	if q.version < protocol.Version11 || !q.peerCaps.Has(protocol.KeyExCap) || q.algs.DHE == 0 || q.algs.AEAD == 0 {
		return 0, fmt.Errorf("KEY_EXCHANGE: %w", ErrNotNegotiated)
	}
	ps, ok := q.slots[slot]
	if !ok {
		return 0, fmt.Errorf("KEY_EXCHANGE: certificate chain of slot %d was not retrieved", slot)
	}

	c, algs := q.crypto(), q.algs
	share, err := c.GenerateKeyShare(algs.DHE, q.rand())
	if err != nil {
		return 0, err
	}
	q.nextSessionID++
	if q.nextSessionID == 0 {
		q.nextSessionID++
	}
	ke := protocol.KeyExchangeRequest{
		Version:      q.version,
		SummaryType:  summary,
		SlotID:       slot,
		ReqSessionID: q.nextSessionID,
		ExchangeData: share.Public,
	}
	if _, err := io.ReadFull(q.rand(), ke.Random[:]); err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	req := ke.Append(nil)
	rsp, err := q.exchange(ctx, nil, req, protocol.KeyExchangeRsp)
	if err != nil {
		return 0, fmt.Errorf("KEY_EXCHANGE: %w", err)
	}
	sizes := protocol.KeyExchangeSizes{
		Exchange:    algs.DHE.ExchangeDataSize(),
		Hash:        algs.BaseHash.Size(),
		Signature:   algs.BaseAsym.SignatureSize(),
		WithSummary: summary != protocol.NoMeasurementSummary,
		WithVerify:  true,
	}
	var kxr protocol.KeyExchangeResponse
	if err := kxr.Decode(rsp, sizes); err != nil {
		return 0, fmt.Errorf("KEY_EXCHANGE: %w", err)
	}

	signed := len(rsp) - sizes.Signature - sizes.Hash
	th := concat(q.messageA, ps.digest, req, rsp[:signed])
	if err := q.verify(ps, th, kxr.Signature); err != nil {
		return 0, fmt.Errorf("KEY_EXCHANGE_RSP: %w", err)
	}
	th = append(th, kxr.Signature...)

	shared, err := c.DeriveSharedSecret(share, kxr.ExchangeData)
	if err != nil {
		return 0, fmt.Errorf("KEY_EXCHANGE_RSP: %w", err)
	}
	schedule := kex.Schedule{Crypto: c, Hash: algs.BaseHash, AEAD: algs.AEAD, Version: q.version}
	hs, err := schedule.HandshakeSecret(shared)
	clear(shared)
	if err != nil {
		return 0, err
	}
	defer clear(hs)
	th1, err := c.Hash(algs.BaseHash, th)
	if err != nil {
		return 0, err
	}
	reqKeys, rspKeys, err := schedule.HandshakeKeys(hs, th1)
	if err != nil {
		return 0, err
	}
	verify, err := schedule.VerifyData(rspKeys.FinishedKey, th1)
	if err != nil {
		return 0, err
	}
	if !hmac.Equal(verify, kxr.VerifyData) {
		return 0, fmt.Errorf("KEY_EXCHANGE_RSP: responder verify data: %w", cryptosuite.ErrVerification)
	}
	th = append(th, kxr.VerifyData...)

	id := protocol.SessionID(ke.ReqSessionID, kxr.RspSessionID)
	sess := &requesterSession{
		id:       id,
		schedule: schedule,
		crypter:  kex.SessionCrypter{Crypto: c, Suite: algs.AEAD, SessionID: id},
		reqKeys:  reqKeys,
		rspKeys:  rspKeys,
	}

	// FINISH, under the handshake keys
	finish := protocol.FinishRequest{Version: q.version}.Append(nil)
	thFinish, err := c.Hash(algs.BaseHash, th, finish)
	if err != nil {
		return 0, err
	}
	reqVerify, err := schedule.VerifyData(reqKeys.FinishedKey, thFinish)
	if err != nil {
		return 0, err
	}
	finish = append(finish, reqVerify...)
	finishRsp, err := q.exchange(ctx, sess, finish, protocol.FinishRsp)
	if err != nil {
		sess.destroy()
		return 0, fmt.Errorf("FINISH: %w", err)
	}
	if len(finishRsp) != protocol.HeaderSize {
		sess.destroy()
		return 0, fmt.Errorf("FINISH_RSP: unexpected %d byte response", len(finishRsp))
	}
	th2, err := c.Hash(algs.BaseHash, th, finish, finishRsp)
	if err != nil {
		return 0, err
	}
	master, err := schedule.MasterSecret(hs)
	if err != nil {
		return 0, err
	}
	dataReq, dataRsp, err := schedule.DataKeys(master, th2)
	clear(master)
	if err != nil {
		return 0, err
	}
	sess.reqKeys.Destroy()
	sess.rspKeys.Destroy()
	sess.reqKeys, sess.rspKeys = dataReq, dataRsp

	if q.sessions == nil {
		q.sessions = make(map[uint32]*requesterSession)
	}
	q.sessions[id] = sess
	slog.Debug("spdm session established", "session", fmt.Sprintf("%08x", id))
	return id, nil
}

func (q *Requester) session(id uint32) (*requesterSession, error) {
	sess, ok := q.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %08x is not established", id)
	}
	return sess, nil
}

func (s *requesterSession) destroy() {
	s.reqKeys.Destroy()
	s.rspKeys.Destroy()
}

// Heartbeat keeps a session alive.
func (q *Requester) Heartbeat(ctx context.Context, id uint32) error {
	sess, err := q.session(id)
	if err != nil {
		return err
	}
	req := protocol.Header{Version: q.version, Code: protocol.Heartbeat}.Append(nil)
	if _, err := q.exchange(ctx, sess, req, protocol.HeartbeatAck); err != nil {
		return fmt.Errorf("HEARTBEAT: %w", err)
	}
	return nil
}

// KeyUpdate rotates the request keys of a session, or both directions for
// protocol.UpdateAllKeys, and confirms the new keys with VerifyNewKey.
func (q *Requester) KeyUpdate(ctx context.Context, id uint32, op protocol.KeyUpdateOperation) error {
	sess, err := q.session(id)
	if err != nil {
		return err
	}
	if op != protocol.UpdateKey && op != protocol.UpdateAllKeys {
		return fmt.Errorf("KEY_UPDATE: invalid operation %s", op)
	}
	if err := q.keyUpdate(ctx, sess, op); err != nil {
		return err
	}

	newReq, err := sess.schedule.Update(sess.reqKeys)
	if err != nil {
		return err
	}
	sess.reqKeys.Destroy()
	sess.reqKeys = newReq
	if op == protocol.UpdateAllKeys {
		newRsp, err := sess.schedule.Update(sess.rspKeys)
		if err != nil {
			return err
		}
		sess.rspKeys.Destroy()
		sess.rspKeys = newRsp
	}
	return q.keyUpdate(ctx, sess, protocol.VerifyNewKey)
}

func (q *Requester) keyUpdate(ctx context.Context, sess *requesterSession, op protocol.KeyUpdateOperation) error {
	var tag [1]byte
	if _, err := io.ReadFull(q.rand(), tag[:]); err != nil {
		return err
	}
	req := protocol.Header{Version: q.version, Code: protocol.KeyUpdate, Param1: uint8(op), Param2: tag[0]}.Append(nil)
	rsp, err := q.exchange(ctx, sess, req, protocol.KeyUpdateAck)
	if err != nil {
		return fmt.Errorf("KEY_UPDATE(%s): %w", op, err)
	}
	h, _ := protocol.ParseHeader(rsp)
	if h.Param1 != uint8(op) || h.Param2 != tag[0] {
		return fmt.Errorf("KEY_UPDATE_ACK: operation %d tag %d, expected %d tag %d", h.Param1, h.Param2, uint8(op), tag[0])
	}
	return nil
}

// EndSession closes a session.
func (q *Requester) EndSession(ctx context.Context, id uint32) error {
	sess, err := q.session(id)
	if err != nil {
		return err
	}
	req := protocol.Header{Version: q.version, Code: protocol.EndSession}.Append(nil)
	_, err = q.exchange(ctx, sess, req, protocol.EndSessionAck)
	sess.destroy()
	delete(q.sessions, id)
	if err != nil {
		return fmt.Errorf("END_SESSION: %w", err)
	}
	return nil
}

// ProvideDigests runs the encapsulated flow in which the responder retrieves
// the requester certificate digests.
func (q *Requester) ProvideDigests(ctx context.Context) error {
	if q.Certificates == nil {
		return fmt.Errorf("GET_ENCAPSULATED_REQUEST: no requester certificates")
	}
	if !q.peerCaps.Has(protocol.EncapCap) {
		return fmt.Errorf("GET_ENCAPSULATED_REQUEST: %w", ErrNotNegotiated)
	}
	req := protocol.Header{Version: q.version, Code: protocol.GetEncapsulatedRequest}.Append(nil)
	rsp, err := q.exchange(ctx, nil, req, protocol.EncapsulatedRequest)
	if err != nil {
		return fmt.Errorf("GET_ENCAPSULATED_REQUEST: %w", err)
	}
	var encap protocol.EncapsulatedMessage
	if err := encap.UnmarshalBinary(rsp); err != nil {
		return fmt.Errorf("ENCAPSULATED_REQUEST: %w", err)
	}
	inner, err := protocol.ParseHeader(encap.Payload)
	if err != nil {
		return fmt.Errorf("ENCAPSULATED_REQUEST: %w", err)
	}

	var payload []byte
	if inner.Code == protocol.GetDigests {
		payload, err = q.digestsResponse(ctx)
		if err != nil {
			return err
		}
	} else {
		payload = protocol.AppendError(nil, q.version, protocol.UnsupportedRequestCode, uint8(inner.Code), nil)
	}

	deliver := protocol.EncapsulatedMessage{
		Version:   q.version,
		Code:      protocol.DeliverEncapsulatedResponse,
		RequestID: encap.RequestID,
		Payload:   payload,
	}.Append(nil)
	rsp, err = q.exchange(ctx, nil, deliver, protocol.EncapsulatedResponseAck)
	if err != nil {
		return fmt.Errorf("DELIVER_ENCAPSULATED_RESPONSE: %w", err)
	}
	if h, _ := protocol.ParseHeader(rsp); h.Param1 != encap.RequestID {
		return fmt.Errorf("ENCAPSULATED_RESPONSE_ACK: request ID %d, expected %d", h.Param1, encap.RequestID)
	}
	return nil
}

func (q *Requester) digestsResponse(ctx context.Context) ([]byte, error) {
	slots, err := q.Certificates.Slots(ctx)
	if err != nil {
		return nil, err
	}
	d := protocol.DigestsResponse{Version: q.version, SlotMask: slots}
	for slot := uint8(0); slot < protocol.MaxSlots; slot++ {
		if slots&(1<<slot) == 0 {
			continue
		}
		certs, _, err := q.Certificates.CertificateChain(ctx, slot)
		if err != nil {
			return nil, err
		}
		_, digest, err := EncodeCertChain(q.crypto(), q.algs.BaseHash, certs)
		if err != nil {
			return nil, err
		}
		d.Digests = append(d.Digests, digest)
	}
	return d.Append(nil), nil
}

// exchange sends a request and returns the response to it. BUSY is retried
// and RESPONSE_NOT_READY is polled with RESPOND_IF_READY. Other ERROR
// responses are returned as *protocol.Error.
func (q *Requester) exchange(ctx context.Context, sess *requesterSession, req []byte, expect protocol.Code) ([]byte, error) {
	reqHeader, err := protocol.ParseHeader(req)
	if err != nil {
		return nil, err
	}
	msg := req
	for attempt := 0; ; attempt++ {
		rsp, err := q.roundTrip(ctx, sess, msg)
		if err != nil {
			return nil, err
		}
		h, err := protocol.ParseHeader(rsp)
		if err != nil {
			return nil, err
		}
		if h.Code == expect {
			if sess == nil && reqHeader.Code != protocol.GetMeasurements {
				q.messageL = nil
			}
			return rsp, nil
		}
		if h.Code != protocol.ErrorResponse {
			return nil, fmt.Errorf("expected %s response, got %s", expect, h.Code)
		}
		perr, err := protocol.ParseError(rsp)
		if err != nil {
			return nil, err
		}
		if attempt >= q.maxRetries() {
			return nil, perr
		}

		switch perr.Code {
		case protocol.BusyCode:
			slog.Debug("spdm responder busy", "request", reqHeader.Code, "attempt", attempt)
			msg = req
			if err := sleep(ctx, time.Microsecond<<min(q.peerCTExp, 20)); err != nil {
				return nil, err
			}

		case protocol.ResponseNotReadyCode:
			var d protocol.NotReadyData
			if err := d.UnmarshalBinary(perr.Extended); err != nil {
				return nil, fmt.Errorf("RESPONSE_NOT_READY: %w", err)
			}
			slog.Debug("spdm response not ready", "request", d.RequestCode, "token", d.Token)
			msg = protocol.RespondIfReadyRequest(reqHeader.Version, d)
			if err := sleep(ctx, time.Duration(d.RDTM)*(time.Microsecond<<min(d.RDExponent, 20))); err != nil {
				return nil, err
			}

		default:
			return nil, perr
		}
	}
}

func (q *Requester) roundTrip(ctx context.Context, sess *requesterSession, msg []byte) ([]byte, error) {
	if sess == nil {
		typ, rsp, err := q.Transport.Send(ctx, protocol.SPDMMessage, msg)
		if err != nil {
			return nil, err
		}
		if typ != protocol.SPDMMessage {
			return nil, fmt.Errorf("unexpected %s response to plain message", typ)
		}
		return rsp, nil
	}

	sealed, err := sess.crypter.Seal(sess.reqKeys, msg)
	if err != nil {
		return nil, err
	}
	typ, rsp, err := q.Transport.Send(ctx, protocol.SecuredMessage, sealed)
	if err != nil {
		return nil, err
	}
	if typ == protocol.SPDMMessage {
		// The responder could not open the message and dropped the session
		sess.destroy()
		delete(q.sessions, sess.id)
		if perr, perr2 := protocol.ParseError(rsp); perr2 == nil {
			return nil, fmt.Errorf("session %08x terminated: %w", sess.id, perr)
		}
		return nil, fmt.Errorf("session %08x terminated", sess.id)
	}
	return sess.crypter.Open(sess.rspKeys, rsp)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
