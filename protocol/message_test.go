// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

func TestNegotiateAlgorithms(t *testing.T) {
	req := protocol.NegotiateAlgorithmsRequest{
		Version:                  protocol.Version11,
		MeasurementSpecification: protocol.DMTFMeasurementSpec,
		BaseAsymAlgo:             protocol.ECDSAP256 | protocol.ECDSAP384,
		BaseHashAlgo:             protocol.SHA256 | protocol.SHA384,
		AlgStructs: []protocol.AlgStruct{
			{Type: protocol.AlgTypeDHE, Supported: uint16(protocol.SECP256R1 | protocol.SECP384R1)},
			{Type: protocol.AlgTypeAEAD, Supported: uint16(protocol.AES256GCM)},
			{Type: protocol.AlgTypeKeySchedule, Supported: uint16(protocol.SPDMKeySchedule)},
		},
	}
	b := req.Append(nil)
	if len(b) != protocol.NegotiateAlgorithmsFixedSize+12 {
		t.Fatalf("unexpected size %d", len(b))
	}

	var got protocol.NegotiateAlgorithmsRequest
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req, got) {
		t.Fatalf("expected %+v, got %+v", req, got)
	}
	if dhe := protocol.DHEGroup(got.Supported(protocol.AlgTypeDHE)); dhe != protocol.SECP256R1|protocol.SECP384R1 {
		t.Fatalf("unexpected DHE groups %s", dhe)
	}

	t.Run("length mismatch", func(t *testing.T) {
		bad := append(append([]byte{}, b...), 0)
		if err := got.UnmarshalBinary(bad); err == nil {
			t.Fatal("expected error for trailing byte")
		}
	})

	t.Run("out of order structs", func(t *testing.T) {
		swapped := req
		swapped.AlgStructs = []protocol.AlgStruct{req.AlgStructs[1], req.AlgStructs[0]}
		if err := got.UnmarshalBinary(swapped.Append(nil)); err == nil {
			t.Fatal("expected error for out of order algorithm structs")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		for n := 0; n < len(b); n++ {
			if err := got.UnmarshalBinary(b[:n]); err == nil {
				t.Fatalf("expected error decoding %d of %d bytes", n, len(b))
			}
		}
	})
}

func TestSelect(t *testing.T) {
	priority := []protocol.BaseHashAlgo{protocol.SHA384, protocol.SHA256}
	if got := protocol.Select(protocol.SHA256|protocol.SHA384|protocol.SHA512, protocol.SHA256|protocol.SHA384, priority); got != protocol.SHA384 {
		t.Fatalf("expected SHA_384, got %s", got)
	}
	if got := protocol.Select(protocol.SHA512, protocol.SHA256|protocol.SHA384, priority); got != 0 {
		t.Fatalf("expected no selection, got %s", got)
	}
	if !protocol.IsSingleBit(protocol.ECDSAP384) || protocol.IsSingleBit(protocol.ECDSAP384|protocol.ECDSAP256) {
		t.Fatal("single bit check failed")
	}
}

func TestMeasurements(t *testing.T) {
	rsp := protocol.MeasurementsResponse{
		Version: protocol.Version11,
		Blocks: []protocol.MeasurementBlock{
			{Index: 1, ValueType: protocol.ImmutableROM, Value: bytes.Repeat([]byte{0x11}, 48)},
			{Index: 2, ValueType: protocol.FreeformManifest | protocol.RawBitStream, Value: []byte("manifest")},
		},
		OpaqueData: []byte{1, 2, 3},
		Signature:  bytes.Repeat([]byte{0x5A}, 96),
	}
	rsp.Nonce[0] = 0xEE
	b := rsp.Append(nil)

	var got protocol.MeasurementsResponse
	if err := got.Decode(b, 96); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rsp, got) {
		t.Fatalf("expected %+v, got %+v", rsp, got)
	}

	// An unsigned decode leaves the signature as trailing garbage
	if err := got.Decode(b, 0); err == nil {
		t.Fatal("expected trailing bytes error")
	}
}

func TestGetMeasurements(t *testing.T) {
	for _, req := range []protocol.GetMeasurementsRequest{
		{Version: protocol.Version10, Operation: protocol.MeasurementCount},
		{Version: protocol.Version10, Signed: true, Operation: protocol.AllMeasurements, Nonce: [32]byte{1}},
		{Version: protocol.Version11, Signed: true, Operation: 3, Nonce: [32]byte{2}, SlotID: 1},
	} {
		var got protocol.GetMeasurementsRequest
		if err := got.UnmarshalBinary(req.Append(nil)); err != nil {
			t.Fatal(err)
		}
		if got != req {
			t.Fatalf("expected %+v, got %+v", req, got)
		}
	}
}

func TestSecuredHeader(t *testing.T) {
	payload := make([]byte, 2+4+protocol.AEADTagSize)
	msg := protocol.SecuredHeader{SessionID: protocol.SessionID(0xAAAA, 0xBBBB), Length: uint16(len(payload))}.Append(nil)
	msg = append(msg, payload...)
	h, err := protocol.ParseSecuredHeader(msg)
	if err != nil {
		t.Fatal(err)
	}
	if h.SessionID != 0xAAAABBBB {
		t.Fatalf("unexpected session ID %08x", h.SessionID)
	}
	if _, err := protocol.ParseSecuredHeader(msg[:len(msg)-1]); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if _, err := protocol.ParseSecuredHeader(msg[:3]); !errors.Is(err, protocol.ErrShortMessage) {
		t.Fatalf("expected short message error, got %v", err)
	}
}
