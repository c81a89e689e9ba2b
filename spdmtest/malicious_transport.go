// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdmtest

import (
	"context"
	"slices"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// AttackType defines the type of attack to inject
type AttackType int

const (
	// NoAttack - normal operation
	NoAttack AttackType = iota
	// AttackBadDigest - corrupt the first slot digest of DIGESTS
	AttackBadDigest
	// AttackBadCertificate - corrupt the last byte of every CERTIFICATE
	// portion
	AttackBadCertificate
	// AttackBadChallengeSignature - corrupt the CHALLENGE_AUTH signature
	AttackBadChallengeSignature
	// AttackBadMeasurementSignature - corrupt the signature of signed
	// MEASUREMENTS
	AttackBadMeasurementSignature
	// AttackBadKeyExchangeSignature - corrupt the KEY_EXCHANGE_RSP signature
	AttackBadKeyExchangeSignature
	// AttackBadVerifyData - corrupt the KEY_EXCHANGE_RSP responder verify
	// data
	AttackBadVerifyData
	// AttackBadSecuredMAC - corrupt the MAC of secured responses
	AttackBadSecuredMAC
)

func (a AttackType) String() string {
	switch a {
	case NoAttack:
		return "NoAttack"
	case AttackBadDigest:
		return "BadDigest"
	case AttackBadCertificate:
		return "BadCertificate"
	case AttackBadChallengeSignature:
		return "BadChallengeSignature"
	case AttackBadMeasurementSignature:
		return "BadMeasurementSignature"
	case AttackBadKeyExchangeSignature:
		return "BadKeyExchangeSignature"
	case AttackBadVerifyData:
		return "BadVerifyData"
	case AttackBadSecuredMAC:
		return "BadSecuredMAC"
	default:
		return "Unknown"
	}
}

// MaliciousTransport wraps the normal Transport but can inject attacks
// into the protocol flow to test requester-side security validation.
type MaliciousTransport struct {
	*Transport

	// Attack configuration
	Attack AttackType
}

// Send implements spdm.Transport with attack injection
func (m *MaliciousTransport) Send(ctx context.Context, typ protocol.MessageType, msg []byte) (protocol.MessageType, []byte, error) {
	respType, resp, err := m.Transport.Send(ctx, typ, msg)
	if err != nil || m.Attack == NoAttack {
		return respType, resp, err
	}
	resp = slices.Clone(resp)

	if respType == protocol.SecuredMessage {
		if m.Attack == AttackBadSecuredMAC {
			resp[len(resp)-1] ^= 0xFF
		}
		return respType, resp, nil
	}

	h, err := protocol.ParseHeader(resp)
	if err != nil {
		return respType, resp, nil
	}
	req, _ := protocol.ParseHeader(msg)
	hashSize := m.Conn.Algorithms().BaseHash.Size()

	switch {
	case m.Attack == AttackBadDigest && h.Code == protocol.Digests && len(resp) > protocol.HeaderSize:
		resp[protocol.HeaderSize] ^= 0xFF
	case m.Attack == AttackBadCertificate && h.Code == protocol.Certificate:
		resp[len(resp)-1] ^= 0xFF
	case m.Attack == AttackBadChallengeSignature && h.Code == protocol.ChallengeAuth:
		resp[len(resp)-1] ^= 0xFF
	case m.Attack == AttackBadMeasurementSignature && h.Code == protocol.Measurements &&
		req.Param1&protocol.SignatureRequested != 0:
		resp[len(resp)-1] ^= 0xFF
	case m.Attack == AttackBadKeyExchangeSignature && h.Code == protocol.KeyExchangeRsp:
		resp[len(resp)-hashSize-1] ^= 0xFF
	case m.Attack == AttackBadVerifyData && h.Code == protocol.KeyExchangeRsp:
		resp[len(resp)-1] ^= 0xFF
	}
	return respType, resp, nil
}
