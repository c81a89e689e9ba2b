// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// Measurement operations carried in Param2 of GET_MEASUREMENTS
const (
	MeasurementCount uint8 = 0x00
	AllMeasurements  uint8 = 0xFF
)

// SignatureRequested is the Param1 attribute of GET_MEASUREMENTS asking for a
// signed response.
const SignatureRequested uint8 = 1 << 0

// DMTFValueType is the DMTFSpecMeasurementValueType of a measurement block.
type DMTFValueType uint8

// DMTF measurement value types
const (
	ImmutableROM     DMTFValueType = 0x00
	MutableFirmware  DMTFValueType = 0x01
	HardwareConfig   DMTFValueType = 0x02
	FirmwareConfig   DMTFValueType = 0x03
	FreeformManifest DMTFValueType = 0x04

	// RawBitStream is OR'd into the type when the value is not a digest.
	RawBitStream DMTFValueType = 0x80
)

// MeasurementBlock is a single block of a measurement record using the DMTF
// measurement specification.
//
//	MeasurementBlock = {
//	    Index:                        uint8,
//	    MeasurementSpecification:     uint8,
//	    MeasurementSize:              uint16,
//	    DMTFSpecMeasurementValueType: uint8,
//	    DMTFSpecMeasurementValueSize: uint16,
//	    DMTFSpecMeasurementValue:     bstr,
//	}
type MeasurementBlock struct {
	Index     uint8
	ValueType DMTFValueType
	Value     []byte
}

// Size returns the encoded size of the block.
func (m MeasurementBlock) Size() int { return 4 + 3 + len(m.Value) }

// Append appends the encoded block to b.
func (m MeasurementBlock) Append(b []byte) []byte {
	b = append(b, m.Index, byte(DMTFMeasurementSpec))
	b = le.AppendUint16(b, uint16(3+len(m.Value)))
	b = append(b, byte(m.ValueType))
	b = le.AppendUint16(b, uint16(len(m.Value)))
	return append(b, m.Value...)
}

// ParseMeasurementRecord decodes exactly n blocks occupying all of record.
func ParseMeasurementRecord(record []byte, n int) ([]MeasurementBlock, error) {
	r := newReader("measurement record", record)
	blocks := make([]MeasurementBlock, 0, n)
	for i := 0; i < n; i++ {
		index := r.u8()
		spec := MeasurementSpecification(r.u8())
		size := int(r.u16())
		typ := DMTFValueType(r.u8())
		valueSize := int(r.u16())
		value := r.bytes(valueSize)
		if r.err != nil {
			return nil, r.err
		}
		if spec != DMTFMeasurementSpec {
			return nil, fmt.Errorf("measurement block %d: unsupported specification 0x%02x", index, uint8(spec))
		}
		if size != 3+valueSize {
			return nil, fmt.Errorf("measurement block %d: size %d inconsistent with value size %d", index, size, valueSize)
		}
		blocks = append(blocks, MeasurementBlock{Index: index, ValueType: typ, Value: value})
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("measurement record: %d trailing bytes", r.remaining())
	}
	return blocks, nil
}

// GetMeasurementsRequest is the GET_MEASUREMENTS request. Nonce and SlotID are
// present only when a signature is requested, and SlotID only since 1.1.
//
//	GET_MEASUREMENTS = {
//	    Header:      { SPDMVersion, 0xE0, Attributes, MeasurementOperation },
//	    Nonce:       [ 32 ] uint8,
//	    SlotIDParam: uint8,
//	}
type GetMeasurementsRequest struct {
	Version   Version
	Signed    bool
	Operation uint8
	Nonce     [NonceSize]byte
	SlotID    uint8
}

// Append appends the encoded request to b.
func (m GetMeasurementsRequest) Append(b []byte) []byte {
	var attr uint8
	if m.Signed {
		attr |= SignatureRequested
	}
	b = Header{Version: m.Version, Code: GetMeasurements, Param1: attr, Param2: m.Operation}.Append(b)
	if !m.Signed {
		return b
	}
	b = append(b, m.Nonce[:]...)
	if m.Version >= Version11 {
		b = append(b, m.SlotID)
	}
	return b
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *GetMeasurementsRequest) UnmarshalBinary(b []byte) error {
	r := newReader("GET_MEASUREMENTS", b)
	h := r.header()
	out := GetMeasurementsRequest{
		Version:   h.Version,
		Signed:    h.Param1&SignatureRequested != 0,
		Operation: h.Param2,
	}
	if out.Signed {
		copy(out.Nonce[:], r.take(NonceSize))
		if h.Version >= Version11 {
			out.SlotID = r.u8() & 0x0f
		}
	}
	if r.err != nil {
		return r.err
	}
	*m = out
	return nil
}

// MeasurementsResponse is the MEASUREMENTS response. The signature is last so
// that the signed portion of the message is everything before it.
//
//	MEASUREMENTS = {
//	    Header:                  { SPDMVersion, 0x60, TotalIndices, SlotID },
//	    NumberOfBlocks:          uint8,
//	    MeasurementRecordLength: uint24,
//	    MeasurementRecord:       [ MeasurementRecordLength ] uint8,
//	    Nonce:                   [ 32 ] uint8,
//	    OpaqueLength:            uint16,
//	    OpaqueData:              [ OpaqueLength ] uint8,
//	    Signature:               [ S or 0 ] uint8,
//	}
type MeasurementsResponse struct {
	Version      Version
	TotalIndices uint8
	SlotID       uint8
	Blocks       []MeasurementBlock
	Nonce        [NonceSize]byte
	OpaqueData   []byte
	Signature    []byte
}

// Append appends the encoded response to b. A nil signature is omitted.
func (m MeasurementsResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: Measurements, Param1: m.TotalIndices, Param2: m.SlotID}.Append(b)
	size := 0
	for _, blk := range m.Blocks {
		size += blk.Size()
	}
	b = append(b, uint8(len(m.Blocks)), 0, 0, 0)
	putUint24(b[len(b)-3:], uint32(size))
	for _, blk := range m.Blocks {
		b = blk.Append(b)
	}
	b = append(b, m.Nonce[:]...)
	b = le.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.OpaqueData...)
	return append(b, m.Signature...)
}

// Decode decodes a MEASUREMENTS response. sigSize is zero for unsigned
// responses.
func (m *MeasurementsResponse) Decode(b []byte, sigSize int) error {
	r := newReader("MEASUREMENTS", b)
	h := r.header()
	n := int(r.u8())
	record := r.take(int(r.u24()))
	out := MeasurementsResponse{Version: h.Version, TotalIndices: h.Param1, SlotID: h.Param2 & 0x0f}
	copy(out.Nonce[:], r.take(NonceSize))
	opaqueLen := int(r.u16())
	if opaqueLen > MaxOpaqueDataSize {
		return fmt.Errorf("MEASUREMENTS: opaque data too large (%d bytes)", opaqueLen)
	}
	out.OpaqueData = r.bytes(opaqueLen)
	out.Signature = r.bytes(sigSize)
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("MEASUREMENTS: %d trailing bytes", r.remaining())
	}
	blocks, err := ParseMeasurementRecord(record, n)
	if err != nil {
		return err
	}
	out.Blocks = blocks
	*m = out
	return nil
}
