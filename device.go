// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/fido-device-onboard/go-spdm/cryptosuite"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// CertificateStore provides the provisioned certificate slots of the
// responder. Implementations may return ErrNotReady or ErrBusy.
type CertificateStore interface {
	// Slots returns a bitmask of provisioned slots.
	Slots(context.Context) (uint8, error)

	// CertificateChain returns the chain of a slot, root first, and the
	// signer of its leaf certificate.
	CertificateChain(ctx context.Context, slot uint8) ([]*x509.Certificate, crypto.Signer, error)
}

// MeasurementSource provides the device measurement blocks. Indices must be
// unique and in the range 1-0xFE. Implementations may return ErrNotReady or
// ErrBusy.
type MeasurementSource interface {
	Measurements(context.Context) ([]protocol.MeasurementBlock, error)
}

// EncodeCertChain encodes a chain in the slot format and returns it with its
// digest.
func EncodeCertChain(c cryptosuite.Provider, hash protocol.BaseHashAlgo, certs []*x509.Certificate) (chain, digest []byte, err error) {
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("empty certificate chain")
	}
	rootHash, err := c.Hash(hash, certs[0].Raw)
	if err != nil {
		return nil, nil, err
	}
	chain, err = protocol.CertChain{RootHash: rootHash, Certificates: certs}.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	digest, err = c.Hash(hash, chain)
	if err != nil {
		return nil, nil, err
	}
	return chain, digest, nil
}

// slotChain is a slot's encoded chain, its digest, and its signing key.
type slotChain struct {
	chain  []byte
	digest []byte
	signer crypto.Signer
}

func (r *Responder) slotMask(ctx context.Context) (uint8, error) {
	if r.Certificates == nil {
		return 0, nil
	}
	return r.Certificates.Slots(ctx)
}

// loadSlot fetches a provisioned slot. Unprovisioned slots are invalid
// requests.
func (r *Responder) loadSlot(ctx context.Context, conn *Connection, slot uint8) (*slotChain, error) {
	mask, err := r.slotMask(ctx)
	if err != nil {
		return nil, err
	}
	if slot >= protocol.MaxSlots || mask&(1<<slot) == 0 {
		return nil, invalid("slot %d is not provisioned", slot)
	}
	certs, signer, err := r.Certificates.CertificateChain(ctx, slot)
	if err != nil {
		return nil, err
	}
	chain, digest, err := EncodeCertChain(r.crypto(), conn.algs.BaseHash, certs)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	return &slotChain{chain: chain, digest: digest, signer: signer}, nil
}

func (r *Responder) measurements(ctx context.Context) ([]protocol.MeasurementBlock, error) {
	if r.Measurements == nil {
		return nil, nil
	}
	return r.Measurements.Measurements(ctx)
}

// summaryHash computes the measurement summary hash. TCB summaries cover the
// immutable ROM and mutable firmware blocks.
func (r *Responder) summaryHash(ctx context.Context, conn *Connection, typ protocol.MeasurementSummaryType) ([]byte, error) {
	if typ == protocol.NoMeasurementSummary {
		return nil, nil
	}
	blocks, err := r.measurements(ctx)
	if err != nil {
		return nil, err
	}
	var record []byte
	for _, blk := range blocks {
		if typ == protocol.TCBMeasurementSummary {
			switch blk.ValueType &^ protocol.RawBitStream {
			case protocol.ImmutableROM, protocol.MutableFirmware:
			default:
				continue
			}
		}
		record = blk.Append(record)
	}
	return r.crypto().Hash(conn.algs.BaseHash, record)
}
