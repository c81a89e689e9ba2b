// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// flags defined by SPDM 1.0
const version10Caps = protocol.CacheCap | protocol.CertCap | protocol.ChalCap |
	protocol.MeasCapMask | protocol.MeasFreshCap

func (r *Responder) getVersion(_ context.Context, req *request) (*reply, error) {
	conn := req.conn
	msg := protocol.VersionResponse{Versions: protocol.SupportedVersions}.Append(nil)
	a := concat(req.msg, msg)
	return &reply{
		msg: msg,
		commit: func() {
			conn.reset()
			conn.messageA = a
			conn.state = AfterVersion
		},
	}, nil
}

func (r *Responder) getCapabilities(_ context.Context, req *request) (*reply, error) {
	var getCaps protocol.GetCapabilitiesRequest
	if err := getCaps.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}
	if getCaps.Version >= protocol.Version11 && !getCaps.Flags.ValidRequester() {
		return nil, invalid("inconsistent requester capabilities %s", getCaps.Flags)
	}

	caps := r.caps()
	if getCaps.Version == protocol.Version10 {
		caps &= version10Caps
	}
	msg := protocol.CapabilitiesResponse{
		Version:    getCaps.Version,
		CTExponent: r.CTExponent,
		Flags:      caps,
	}.Append(nil)

	conn := req.conn
	a := concat(conn.messageA, req.msg, msg)
	return &reply{
		msg: msg,
		commit: func() {
			conn.version = getCaps.Version
			conn.peerCaps = getCaps.Flags
			conn.peerCTExponent = getCaps.CTExponent
			conn.localCaps = caps
			conn.messageA = a
			conn.state = AfterCapabilities
		},
	}, nil
}

func (r *Responder) negotiateAlgorithms(_ context.Context, req *request) (*reply, error) {
	var neg protocol.NegotiateAlgorithmsRequest
	if err := neg.UnmarshalBinary(req.msg); err != nil {
		return nil, decodeError(err)
	}

	conn := req.conn
	caps := conn.localCaps
	asymPriority := priority(r.BaseAsym, DefaultBaseAsym)
	hashPriority := priority(r.BaseHash, DefaultBaseHash)

	var algs Algorithms
	algs.BaseHash = protocol.Select(neg.BaseHashAlgo, mask(hashPriority), hashPriority)
	if algs.BaseHash == 0 {
		return nil, invalid("no common hash algorithm in %s", neg.BaseHashAlgo)
	}
	if caps.Any(protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig | protocol.KeyExCap) {
		algs.BaseAsym = protocol.Select(neg.BaseAsymAlgo, mask(asymPriority), asymPriority)
		if algs.BaseAsym == 0 {
			return nil, invalid("no common signature algorithm in %s", neg.BaseAsymAlgo)
		}
	}
	if caps.Any(protocol.MeasCapMask) && neg.MeasurementSpecification&protocol.DMTFMeasurementSpec != 0 {
		algs.MeasurementSpec = protocol.DMTFMeasurementSpec
		algs.MeasurementHash = protocol.MeasurementHashFor(algs.BaseHash)
	}

	rsp := protocol.AlgorithmsResponse{
		Version:                  conn.version,
		MeasurementSpecification: algs.MeasurementSpec,
		MeasurementHashAlgo:      algs.MeasurementHash,
		BaseAsymAlgo:             algs.BaseAsym,
		BaseHashAlgo:             algs.BaseHash,
	}
	if conn.version >= protocol.Version11 {
		if caps.Has(protocol.KeyExCap) && conn.peerCaps.Has(protocol.KeyExCap) {
			dhe := priority(r.DHE, DefaultDHE)
			aead := priority(r.AEAD, DefaultAEAD)
			algs.DHE = protocol.Select(protocol.DHEGroup(neg.Supported(protocol.AlgTypeDHE)), mask(dhe), dhe)
			algs.AEAD = protocol.Select(protocol.AEADSuite(neg.Supported(protocol.AlgTypeAEAD)), mask(aead), aead)
			algs.KeySchedule = protocol.Select(protocol.KeySchedule(neg.Supported(protocol.AlgTypeKeySchedule)),
				protocol.SPDMKeySchedule, []protocol.KeySchedule{protocol.SPDMKeySchedule})
			if algs.DHE == 0 || algs.AEAD == 0 || algs.KeySchedule == 0 {
				return nil, invalid("no common key exchange parameters")
			}
		}
		if caps.Has(protocol.EncapCap) && conn.peerCaps.Has(protocol.EncapCap) {
			reqAsym := make([]protocol.ReqBaseAsymAlg, 0, len(asymPriority))
			for _, alg := range asymPriority {
				if alg <= 0xFFFF {
					reqAsym = append(reqAsym, protocol.ReqBaseAsymAlg(alg))
				}
			}
			algs.ReqBaseAsym = protocol.Select(protocol.ReqBaseAsymAlg(neg.Supported(protocol.AlgTypeReqBaseAsym)), mask(reqAsym), reqAsym)
		}
		rsp.AlgStructs = []protocol.AlgStruct{
			{Type: protocol.AlgTypeDHE, Supported: uint16(algs.DHE)},
			{Type: protocol.AlgTypeAEAD, Supported: uint16(algs.AEAD)},
			{Type: protocol.AlgTypeReqBaseAsym, Supported: uint16(algs.ReqBaseAsym)},
			{Type: protocol.AlgTypeKeySchedule, Supported: uint16(algs.KeySchedule)},
		}
	}

	msg := rsp.Append(nil)
	a := concat(conn.messageA, req.msg, msg)
	return &reply{
		msg: msg,
		commit: func() {
			conn.algs = algs
			conn.messageA = a
			conn.state = Negotiated
		},
	}, nil
}
