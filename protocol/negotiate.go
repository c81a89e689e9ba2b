// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// AlgType identifies the table of an algorithm structure.
type AlgType uint8

// Algorithm structure types (SPDM 1.1)
const (
	AlgTypeDHE         AlgType = 2
	AlgTypeAEAD        AlgType = 3
	AlgTypeReqBaseAsym AlgType = 4
	AlgTypeKeySchedule AlgType = 5
)

const algFixedAlgCount = 2 << 4

// AlgStruct is one entry of the algorithm structure tables of
// NEGOTIATE_ALGORITHMS and ALGORITHMS. External algorithms are carried
// opaquely.
//
//	AlgStruct = {
//	    AlgType:      uint8,
//	    AlgCount:     uint8, ; bits 7:4 fixed alg byte count (2), bits 3:0 ext count
//	    AlgSupported: uint16,
//	    AlgExternal:  [ * uint32 ],
//	}
type AlgStruct struct {
	Type      AlgType
	Supported uint16
	External  []uint32
}

func (a AlgStruct) size() int { return 4 + 4*len(a.External) }

func (a AlgStruct) append(b []byte) []byte {
	b = append(b, byte(a.Type), algFixedAlgCount|uint8(len(a.External)&0x0f))
	b = le.AppendUint16(b, a.Supported)
	for _, ext := range a.External {
		b = le.AppendUint32(b, ext)
	}
	return b
}

func readAlgStructs(r *reader, n int) ([]AlgStruct, error) {
	structs := make([]AlgStruct, 0, n)
	var prev AlgType
	for i := 0; i < n; i++ {
		typ := AlgType(r.u8())
		count := r.u8()
		if r.err != nil {
			return nil, r.err
		}
		if count>>4 != 2 {
			return nil, fmt.Errorf("algorithm struct %d: fixed algorithm count must be 2, got %d", i, count>>4)
		}
		if typ < AlgTypeDHE || typ > AlgTypeKeySchedule || typ <= prev {
			return nil, fmt.Errorf("algorithm struct %d: invalid or out of order type %d", i, typ)
		}
		prev = typ
		a := AlgStruct{Type: typ, Supported: r.u16()}
		for j := 0; j < int(count&0x0f); j++ {
			a.External = append(a.External, r.u32())
		}
		structs = append(structs, a)
	}
	return structs, r.err
}

// NegotiateAlgorithmsRequest is the NEGOTIATE_ALGORITHMS request.
//
//	NEGOTIATE_ALGORITHMS = {
//	    Header:                   { SPDMVersion, 0xE3, NumAlgStructs, 0 },
//	    Length:                   uint16,
//	    MeasurementSpecification: uint8,
//	    Reserved:                 uint8,
//	    BaseAsymAlgo:             uint32,
//	    BaseHashAlgo:             uint32,
//	    Reserved:                 [ 12 ] uint8,
//	    ExtAsymCount:             uint8,
//	    ExtHashCount:             uint8,
//	    Reserved:                 uint16,
//	    ExtAsym:                  [ ExtAsymCount ] uint32,
//	    ExtHash:                  [ ExtHashCount ] uint32,
//	    AlgStructs:               [ NumAlgStructs ] AlgStruct,
//	}
type NegotiateAlgorithmsRequest struct {
	Version                  Version
	MeasurementSpecification MeasurementSpecification
	BaseAsymAlgo             BaseAsymAlgo
	BaseHashAlgo             BaseHashAlgo
	ExtAsym                  []uint32
	ExtHash                  []uint32
	AlgStructs               []AlgStruct
}

// NegotiateAlgorithmsFixedSize is the size of the request without external
// algorithms or algorithm structures.
const NegotiateAlgorithmsFixedSize = 32

// Append appends the encoded request to b.
func (m NegotiateAlgorithmsRequest) Append(b []byte) []byte {
	length := NegotiateAlgorithmsFixedSize + 4*len(m.ExtAsym) + 4*len(m.ExtHash)
	structs := m.AlgStructs
	if m.Version == Version10 {
		structs = nil
	}
	for _, a := range structs {
		length += a.size()
	}
	b = Header{Version: m.Version, Code: NegotiateAlgorithms, Param1: uint8(len(structs))}.Append(b)
	b = le.AppendUint16(b, uint16(length))
	b = append(b, byte(m.MeasurementSpecification), 0)
	b = le.AppendUint32(b, uint32(m.BaseAsymAlgo))
	b = le.AppendUint32(b, uint32(m.BaseHashAlgo))
	b = append(b, make([]byte, 12)...)
	b = append(b, uint8(len(m.ExtAsym)), uint8(len(m.ExtHash)), 0, 0)
	for _, ext := range m.ExtAsym {
		b = le.AppendUint32(b, ext)
	}
	for _, ext := range m.ExtHash {
		b = le.AppendUint32(b, ext)
	}
	for _, a := range structs {
		b = a.append(b)
	}
	return b
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The declared Length
// must equal the size of the message and every count must be consistent with
// it.
func (m *NegotiateAlgorithmsRequest) UnmarshalBinary(b []byte) error {
	r := newReader("NEGOTIATE_ALGORITHMS", b)
	h := r.header()
	length := int(r.u16())
	spec := MeasurementSpecification(r.u8())
	r.skip(1)
	asym := BaseAsymAlgo(r.u32())
	hash := BaseHashAlgo(r.u32())
	r.skip(12)
	extAsymCount := int(r.u8())
	extHashCount := int(r.u8())
	r.skip(2)
	if r.err != nil {
		return r.err
	}
	if length != len(b) {
		return fmt.Errorf("NEGOTIATE_ALGORITHMS: length field %d does not match message size %d", length, len(b))
	}
	if extAsymCount > 20 || extHashCount > 20 {
		return fmt.Errorf("NEGOTIATE_ALGORITHMS: too many external algorithms")
	}
	out := NegotiateAlgorithmsRequest{
		Version:                  h.Version,
		MeasurementSpecification: spec,
		BaseAsymAlgo:             asym,
		BaseHashAlgo:             hash,
	}
	for i := 0; i < extAsymCount; i++ {
		out.ExtAsym = append(out.ExtAsym, r.u32())
	}
	for i := 0; i < extHashCount; i++ {
		out.ExtHash = append(out.ExtHash, r.u32())
	}
	if h.Version != Version10 {
		structs, err := readAlgStructs(r, int(h.Param1))
		if err != nil {
			return fmt.Errorf("NEGOTIATE_ALGORITHMS: %w", err)
		}
		out.AlgStructs = structs
	}
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("NEGOTIATE_ALGORITHMS: %d trailing bytes", r.remaining())
	}
	*m = out
	return nil
}

// Supported returns the AlgSupported field of the structure of the given type,
// or zero if it is absent.
func (m NegotiateAlgorithmsRequest) Supported(typ AlgType) uint16 {
	return supported(m.AlgStructs, typ)
}

// AlgorithmsResponse is the ALGORITHMS response.
//
//	ALGORITHMS = {
//	    Header:                      { SPDMVersion, 0x63, NumAlgStructs, 0 },
//	    Length:                      uint16,
//	    MeasurementSpecificationSel: uint8,
//	    Reserved:                    uint8,
//	    MeasurementHashAlgo:         uint32,
//	    BaseAsymSel:                 uint32,
//	    BaseHashSel:                 uint32,
//	    Reserved:                    [ 12 ] uint8,
//	    ExtAsymSelCount:             uint8,
//	    ExtHashSelCount:             uint8,
//	    Reserved:                    uint16,
//	    ExtAsymSel:                  [ ExtAsymSelCount ] uint32,
//	    ExtHashSel:                  [ ExtHashSelCount ] uint32,
//	    AlgStructs:                  [ NumAlgStructs ] AlgStruct,
//	}
type AlgorithmsResponse struct {
	Version                  Version
	MeasurementSpecification MeasurementSpecification
	MeasurementHashAlgo      MeasurementHashAlgo
	BaseAsymAlgo             BaseAsymAlgo
	BaseHashAlgo             BaseHashAlgo
	AlgStructs               []AlgStruct
}

// AlgorithmsFixedSize is the size of the response without algorithm
// structures.
const AlgorithmsFixedSize = 36

// Append appends the encoded response to b.
func (m AlgorithmsResponse) Append(b []byte) []byte {
	structs := m.AlgStructs
	if m.Version == Version10 {
		structs = nil
	}
	length := AlgorithmsFixedSize
	for _, a := range structs {
		length += a.size()
	}
	b = Header{Version: m.Version, Code: Algorithms, Param1: uint8(len(structs))}.Append(b)
	b = le.AppendUint16(b, uint16(length))
	b = append(b, byte(m.MeasurementSpecification), 0)
	b = le.AppendUint32(b, uint32(m.MeasurementHashAlgo))
	b = le.AppendUint32(b, uint32(m.BaseAsymAlgo))
	b = le.AppendUint32(b, uint32(m.BaseHashAlgo))
	b = append(b, make([]byte, 12)...)
	b = append(b, 0, 0, 0, 0)
	for _, a := range structs {
		b = a.append(b)
	}
	return b
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *AlgorithmsResponse) UnmarshalBinary(b []byte) error {
	r := newReader("ALGORITHMS", b)
	h := r.header()
	length := int(r.u16())
	spec := MeasurementSpecification(r.u8())
	r.skip(1)
	measHash := MeasurementHashAlgo(r.u32())
	asym := BaseAsymAlgo(r.u32())
	hash := BaseHashAlgo(r.u32())
	r.skip(12)
	extAsym, extHash := int(r.u8()), int(r.u8())
	r.skip(2)
	r.skip(4 * (extAsym + extHash))
	if r.err != nil {
		return r.err
	}
	if length != len(b) {
		return fmt.Errorf("ALGORITHMS: length field %d does not match message size %d", length, len(b))
	}
	out := AlgorithmsResponse{
		Version:                  h.Version,
		MeasurementSpecification: spec,
		MeasurementHashAlgo:      measHash,
		BaseAsymAlgo:             asym,
		BaseHashAlgo:             hash,
	}
	if h.Version != Version10 {
		structs, err := readAlgStructs(r, int(h.Param1))
		if err != nil {
			return fmt.Errorf("ALGORITHMS: %w", err)
		}
		out.AlgStructs = structs
	}
	if r.err != nil {
		return r.err
	}
	*m = out
	return nil
}

// Supported returns the selected algorithm of the structure of the given type,
// or zero if it is absent.
func (m AlgorithmsResponse) Supported(typ AlgType) uint16 {
	return supported(m.AlgStructs, typ)
}

func supported(structs []AlgStruct, typ AlgType) uint16 {
	for _, a := range structs {
		if a.Type == typ {
			return a.Supported
		}
	}
	return 0
}
