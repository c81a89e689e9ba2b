// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"crypto/x509"
	"fmt"
	"math/bits"
)

// MaxSlots is the number of certificate slots.
const MaxSlots = 8

// MaxCertificatePortion bounds the certificate data of a single CERTIFICATE
// response.
const MaxCertificatePortion = 0x400

// DigestsResponse is the DIGESTS response.
//
//	DIGESTS = {
//	    Header:  { SPDMVersion, 0x01, 0, SlotMask },
//	    Digests: [ popcount(SlotMask) ] [ H ] uint8,
//	}
type DigestsResponse struct {
	Version  Version
	SlotMask uint8
	Digests  [][]byte
}

// Append appends the encoded response to b.
func (m DigestsResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: Digests, Param2: m.SlotMask}.Append(b)
	for _, d := range m.Digests {
		b = append(b, d...)
	}
	return b
}

// Decode decodes a DIGESTS response using the negotiated hash size.
func (m *DigestsResponse) Decode(b []byte, hashSize int) error {
	r := newReader("DIGESTS", b)
	h := r.header()
	n := bits.OnesCount8(h.Param2)
	digests := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		digests = append(digests, r.bytes(hashSize))
	}
	if r.err != nil {
		return r.err
	}
	*m = DigestsResponse{Version: h.Version, SlotMask: h.Param2, Digests: digests}
	return nil
}

// GetCertificateRequest is the GET_CERTIFICATE request.
//
//	GET_CERTIFICATE = {
//	    Header: { SPDMVersion, 0x82, SlotID, 0 },
//	    Offset: uint16,
//	    Length: uint16,
//	}
type GetCertificateRequest struct {
	Version Version
	SlotID  uint8
	Offset  uint16
	Length  uint16
}

// GetCertificateSize is the encoded size of GET_CERTIFICATE.
const GetCertificateSize = 8

// Append appends the encoded request to b.
func (m GetCertificateRequest) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: GetCertificate, Param1: m.SlotID}.Append(b)
	b = le.AppendUint16(b, m.Offset)
	return le.AppendUint16(b, m.Length)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *GetCertificateRequest) UnmarshalBinary(b []byte) error {
	r := newReader("GET_CERTIFICATE", b)
	h := r.header()
	offset, length := r.u16(), r.u16()
	if r.err != nil {
		return r.err
	}
	*m = GetCertificateRequest{Version: h.Version, SlotID: h.Param1 & 0x0f, Offset: offset, Length: length}
	return nil
}

// CertificateResponse is the CERTIFICATE response.
//
//	CERTIFICATE = {
//	    Header:          { SPDMVersion, 0x02, SlotID, 0 },
//	    PortionLength:   uint16,
//	    RemainderLength: uint16,
//	    CertChain:       [ PortionLength ] uint8,
//	}
type CertificateResponse struct {
	Version         Version
	SlotID          uint8
	RemainderLength uint16
	Portion         []byte
}

// Append appends the encoded response to b.
func (m CertificateResponse) Append(b []byte) []byte {
	b = Header{Version: m.Version, Code: Certificate, Param1: m.SlotID}.Append(b)
	b = le.AppendUint16(b, uint16(len(m.Portion)))
	b = le.AppendUint16(b, m.RemainderLength)
	return append(b, m.Portion...)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *CertificateResponse) UnmarshalBinary(b []byte) error {
	r := newReader("CERTIFICATE", b)
	h := r.header()
	portion := int(r.u16())
	remainder := r.u16()
	data := r.bytes(portion)
	if r.err != nil {
		return r.err
	}
	*m = CertificateResponse{Version: h.Version, SlotID: h.Param1 & 0x0f, RemainderLength: remainder, Portion: data}
	return nil
}

// CertChain is the certificate chain format stored in each slot and hashed to
// produce slot digests.
//
//	CertChain = {
//	    Length:       uint16, ; total length including this header
//	    Reserved:     uint16,
//	    RootHash:     [ H ] uint8,
//	    Certificates: bstr, ; concatenated ASN.1 DER, root first
//	}
type CertChain struct {
	RootHash     []byte
	Certificates []*x509.Certificate
}

// CertChainHeaderSize is the size of the Length and Reserved fields.
const CertChainHeaderSize = 4

// MarshalBinary implements encoding.BinaryMarshaler.
func (c CertChain) MarshalBinary() ([]byte, error) {
	size := CertChainHeaderSize + len(c.RootHash)
	for _, cert := range c.Certificates {
		size += len(cert.Raw)
	}
	if size > 0xffff {
		return nil, fmt.Errorf("certificate chain too large: %d bytes", size)
	}
	b := le.AppendUint16(make([]byte, 0, size), uint16(size))
	b = append(b, 0, 0)
	b = append(b, c.RootHash...)
	for _, cert := range c.Certificates {
		b = append(b, cert.Raw...)
	}
	return b, nil
}

// ParseCertChain decodes a certificate chain using the negotiated hash size.
func ParseCertChain(b []byte, hashSize int) (*CertChain, error) {
	r := newReader("certificate chain", b)
	length := int(r.u16())
	r.skip(2)
	root := r.bytes(hashSize)
	if r.err != nil {
		return nil, r.err
	}
	if length != len(b) {
		return nil, fmt.Errorf("certificate chain length field %d does not match size %d", length, len(b))
	}
	certs, err := x509.ParseCertificates(r.rest())
	if err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("certificate chain: no certificates")
	}
	return &CertChain{RootHash: root, Certificates: certs}, nil
}

// Leaf returns the last certificate of the chain.
func (c CertChain) Leaf() *x509.Certificate { return c.Certificates[len(c.Certificates)-1] }
