// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements device state using non-persistent memory: slots
// hold generated certificate chains and measurements are fixed byte strings.
package memory

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Slot is a provisioned certificate chain, root first, and the key of its
// leaf certificate.
type Slot struct {
	Chain []*x509.Certificate
	Key   crypto.Signer
}

// State implements device state which is not persisted between processes.
type State struct {
	mu     sync.RWMutex
	slots  map[uint8]Slot
	blocks []protocol.MeasurementBlock
}

var _ spdm.CertificateStore = (*State)(nil)
var _ spdm.MeasurementSource = (*State)(nil)

// NewState initializes the in-memory state with a generated chain in slot 0
// and DefaultMeasurements.
func NewState(alg protocol.BaseAsymAlgo) (*State, error) {
	chain, key, err := GenerateChain(alg, "SPDM Responder")
	if err != nil {
		return nil, err
	}
	s := &State{slots: make(map[uint8]Slot)}
	if err := s.SetSlot(0, chain, key); err != nil {
		return nil, err
	}
	s.SetMeasurements(DefaultMeasurements())
	return s, nil
}

// DefaultMeasurements returns one raw bit stream block of each DMTF type.
func DefaultMeasurements() []protocol.MeasurementBlock {
	return []protocol.MeasurementBlock{
		{Index: 1, ValueType: protocol.ImmutableROM | protocol.RawBitStream, Value: []byte("boot rom v1")},
		{Index: 2, ValueType: protocol.MutableFirmware | protocol.RawBitStream, Value: []byte("firmware v1.2.3")},
		{Index: 3, ValueType: protocol.HardwareConfig | protocol.RawBitStream, Value: []byte{0x01, 0x00, 0x00, 0x01}},
		{Index: 4, ValueType: protocol.FirmwareConfig | protocol.RawBitStream, Value: []byte("secure boot=on")},
		{Index: 5, ValueType: protocol.FreeformManifest | protocol.RawBitStream, Value: []byte(`{"vendor":"example"}`)},
	}
}

// SetSlot provisions a slot.
func (s *State) SetSlot(slot uint8, chain []*x509.Certificate, key crypto.Signer) error {
	if slot >= protocol.MaxSlots {
		return fmt.Errorf("invalid slot %d", slot)
	}
	if len(chain) == 0 {
		return fmt.Errorf("empty certificate chain")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[uint8]Slot)
	}
	s.slots[slot] = Slot{Chain: slices.Clone(chain), Key: key}
	return nil
}

// ClearSlot removes a slot.
func (s *State) ClearSlot(slot uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slot)
}

// SetMeasurements replaces all measurement blocks.
func (s *State) SetMeasurements(blocks []protocol.MeasurementBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = slices.Clone(blocks)
}

// Slots returns a bitmask of provisioned slots.
func (s *State) Slots(context.Context) (uint8, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mask uint8
	for slot := range s.slots {
		mask |= 1 << slot
	}
	return mask, nil
}

// CertificateChain returns the chain of a slot and the signer of its leaf.
func (s *State) CertificateChain(_ context.Context, slot uint8) ([]*x509.Certificate, crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[slot]
	if !ok {
		return nil, nil, fmt.Errorf("slot %d: not found", slot)
	}
	return slices.Clone(sl.Chain), sl.Key, nil
}

// Measurements returns all measurement blocks.
func (s *State) Measurements(context.Context) ([]protocol.MeasurementBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.blocks), nil
}

// GenerateKey creates a key for a signature algorithm.
func GenerateKey(alg protocol.BaseAsymAlgo) (crypto.Signer, error) {
	switch alg {
	case protocol.ECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case protocol.ECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case protocol.ECDSAP521:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case protocol.RSASSA2048, protocol.RSAPSS2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case protocol.RSASSA3072, protocol.RSAPSS3072:
		return rsa.GenerateKey(rand.Reader, 3072)
	case protocol.RSASSA4096, protocol.RSAPSS4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %s", alg)
	}
}

// GenerateChain creates a leaf key for alg and a chain certifying it. The
// returned chain is root first.
func GenerateChain(alg protocol.BaseAsymAlgo, subject string) ([]*x509.Certificate, crypto.Signer, error) {
	leafKey, err := GenerateKey(alg)
	if err != nil {
		return nil, nil, err
	}
	chain, err := IssueChain(alg, subject, leafKey.Public())
	if err != nil {
		return nil, nil, err
	}
	return chain, leafKey, nil
}

// IssueChain creates a self-signed root with a new key for alg and a leaf
// certificate for pub issued by it. The returned chain is root first.
func IssueChain(alg protocol.BaseAsymAlgo, subject string, pub crypto.PublicKey) ([]*x509.Certificate, error) {
	rootKey, err := GenerateKey(alg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: subject + " Root CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(30 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("error creating root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leafTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(30 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, pub, rootKey)
	if err != nil {
		return nil, fmt.Errorf("error creating leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{root, leaf}, nil
}
