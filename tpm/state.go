// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"slices"
	"sync"

	"github.com/google/go-tpm/tpm2"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// CertificateStore implements spdm.CertificateStore with certificate chains
// stored in NV indices and leaf keys resident in the TPM.
type CertificateStore struct {
	// TPM is used for all NV operations. It must be the same TPM which holds
	// the slot keys.
	TPM TPM

	// PCRs authorize reading and writing certificate chains.
	PCRs PCRList

	mu    sync.Mutex
	slots map[uint8]*nvSlot
}

type nvSlot struct {
	index uint32
	key   crypto.Signer
	chain []*x509.Certificate
}

var _ spdm.CertificateStore = (*CertificateStore)(nil)

// Provision writes a certificate chain, root first, to an NV index and
// assigns it to a slot. The leaf certificate must certify the public key of
// key.
func (s *CertificateStore) Provision(slot uint8, index uint32, key crypto.Signer, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("required certificate chain is missing")
	}
	leafPub, ok := chain[len(chain)-1].PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !leafPub.Equal(key.Public()) {
		return fmt.Errorf("leaf certificate does not match key")
	}
	var der []byte
	for _, cert := range chain {
		der = append(der, cert.Raw...)
	}
	if err := WriteNV(s.TPM, index, der, s.PCRs); err != nil {
		return fmt.Errorf("error writing slot %d certificate chain: %w", slot, err)
	}
	return s.Load(slot, index, key)
}

// Load assigns an already provisioned NV index to a slot. The chain is read
// on first use.
func (s *CertificateStore) Load(slot uint8, index uint32, key crypto.Signer) error {
	if slot >= protocol.MaxSlots {
		return fmt.Errorf("invalid slot %d", slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[uint8]*nvSlot)
	}
	s.slots[slot] = &nvSlot{index: index, key: key}
	return nil
}

// Slots implements spdm.CertificateStore.
func (s *CertificateStore) Slots(context.Context) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mask uint8
	for slot := range s.slots {
		mask |= 1 << slot
	}
	return mask, nil
}

// CertificateChain implements spdm.CertificateStore.
func (s *CertificateStore) CertificateChain(_ context.Context, slot uint8) ([]*x509.Certificate, crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[slot]
	if !ok {
		return nil, nil, fmt.Errorf("slot %d: not provisioned", slot)
	}
	if sl.chain == nil {
		der, err := ReadNV(s.TPM, sl.index, s.PCRs)
		if err != nil {
			return nil, nil, fmt.Errorf("error reading slot %d certificate chain: %w", slot, err)
		}
		if sl.chain, err = x509.ParseCertificates(der); err != nil {
			return nil, nil, fmt.Errorf("error parsing slot %d certificate chain: %w", slot, err)
		}
	}
	return slices.Clone(sl.chain), sl.key, nil
}

// PCRMeasurements implements spdm.MeasurementSource by reporting PCR values
// as digest measurement blocks. PCR n is reported at index n+1.
type PCRMeasurements struct {
	TPM TPM

	// Bank defaults to SHA-256.
	Bank crypto.Hash

	// PCRs defaults to 0-7, the platform firmware PCRs.
	PCRs []int
}

var _ spdm.MeasurementSource = (*PCRMeasurements)(nil)

// Measurements implements spdm.MeasurementSource.
func (m *PCRMeasurements) Measurements(context.Context) ([]protocol.MeasurementBlock, error) {
	bank := m.Bank
	if bank == 0 {
		bank = crypto.SHA256
	}
	pcrs := m.PCRs
	if len(pcrs) == 0 {
		pcrs = []int{0, 1, 2, 3, 4, 5, 6, 7}
	}

	blocks := make([]protocol.MeasurementBlock, 0, len(pcrs))
	for _, pcr := range pcrs {
		if pcr < 0 || pcr > 23 {
			return nil, fmt.Errorf("invalid PCR %d", pcr)
		}
		rsp, err := tpm2.PCRRead{
			PCRSelectionIn: PCRList{bank: {pcr}}.selection(),
		}.Execute(m.TPM)
		if err != nil {
			return nil, fmt.Errorf("error reading PCR %d: %w", pcr, err)
		}
		if len(rsp.PCRValues.Digests) != 1 {
			return nil, fmt.Errorf("PCR %d is not allocated in the %s bank", pcr, bank)
		}
		blocks = append(blocks, protocol.MeasurementBlock{
			Index:     uint8(pcr + 1),
			ValueType: pcrValueType(pcr),
			Value:     rsp.PCRValues.Digests[0].Buffer,
		})
	}
	return blocks, nil
}

// pcrValueType follows the TCG PC Client PCR usage.
func pcrValueType(pcr int) protocol.DMTFValueType {
	switch pcr {
	case 0:
		return protocol.ImmutableROM
	case 2, 4:
		return protocol.MutableFirmware
	case 1, 3, 5, 7:
		return protocol.FirmwareConfig
	case 6:
		return protocol.HardwareConfig
	default:
		return protocol.FreeformManifest
	}
}
