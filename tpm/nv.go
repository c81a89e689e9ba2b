// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// MaxNVSize is the largest value which can be stored with WriteNV. It is the
// smallest MAX_NV_BUFFER_SIZE a TPM may report.
const MaxNVSize = 1024

var nvAttr = tpm2.TPMANV{
	OwnerRead:   true,
	OwnerWrite:  true,
	PolicyRead:  true,
	PolicyWrite: true,
}

// PCRList is a selection of PCRs per bank. A nil or zero length slice selects
// all 24 PCRs of the bank.
type PCRList map[crypto.Hash][]int

func (pcrs PCRList) selection() (sel tpm2.TPMLPCRSelection) {
	for alg, slots := range pcrs {
		hash, err := tpmHash(alg)
		if err != nil {
			continue
		}

		var pcrSelect [3]byte
		if len(slots) == 0 {
			pcrSelect[0], pcrSelect[1], pcrSelect[2] = 0xFF, 0xFF, 0xFF
		}
		for _, slot := range slots {
			if slot < 0 || slot > 23 {
				continue
			}
			pcrSelect[slot/8] |= 1 << (slot % 8)
		}

		sel.PCRSelections = append(sel.PCRSelections, tpm2.TPMSPCRSelection{
			Hash:      hash,
			PCRSelect: pcrSelect[:],
		})
	}
	return
}

// policySession starts a policy session satisfied only while the selected
// PCRs hold their current values.
func (pcrs PCRList) policySession(t TPM) (tpm2.Session, func() error, error) {
	selection := pcrs.selection()
	pcrReadRsp, err := tpm2.PCRRead{PCRSelectionIn: selection}.Execute(t)
	if err != nil {
		return nil, nil, fmt.Errorf("error calling TPM2_PCR_Read: %w", err)
	}
	hash := crypto.SHA256.New()
	for _, digest := range pcrReadRsp.PCRValues.Digests {
		_, _ = hash.Write(digest.Buffer)
	}

	sess, cleanup, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating policy session: %w", err)
	}
	if _, err := (tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		PcrDigest:     tpm2.TPM2BDigest{Buffer: hash.Sum(nil)},
		Pcrs:          selection,
	}).Execute(t); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("error calling TPM2_PolicyPCR: %w", err)
	}
	return sess, cleanup, nil
}

// ReadNV reads data from the specified NV index. The PCR selection must
// match the one used by WriteNV and the PCR values must not have changed.
func ReadNV(t TPM, index uint32, pcrs PCRList) ([]byte, error) {
	auth, cleanup, err := pcrs.policySession(t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cleanup() }()

	nv := tpm2.TPMHandle(index)
	readPubRsp, err := tpm2.NVReadPublic{NVIndex: nv}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("error calling TPM2_NV_ReadPublic: %w", err)
	}
	nvPublic, err := readPubRsp.NVPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("error getting NV public contents: %w", err)
	}
	name, err := tpm2.NVName(nvPublic)
	if err != nil {
		return nil, fmt.Errorf("error calculating name of NV index: %w", err)
	}

	readRsp, err := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{Handle: nv, Name: *name, Auth: auth},
		NVIndex:    tpm2.NamedHandle{Handle: nv, Name: *name},
		Size:       nvPublic.DataSize,
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("error calling TPM2_NV_Read: %w", err)
	}
	return readRsp.Data.Buffer, nil
}

// WriteNV writes data to the specified NV index, deleting existing data if
// present. Reads are authorized by the current values of the selected PCRs.
func WriteNV(t TPM, index uint32, data []byte, pcrs PCRList) error {
	if len(data) > MaxNVSize {
		return fmt.Errorf("data of %d bytes is too long to store in NVRAM", len(data))
	}

	auth, cleanup, err := pcrs.policySession(t)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	policyGetDigest, err := (tpm2.PolicyGetDigest{PolicySession: auth.Handle()}).Execute(t)
	if err != nil {
		return fmt.Errorf("error calling TPM2_PolicyGetDigest: %w", err)
	}

	nv := tpm2.TPMHandle(index)
	if err := UndefineNV(t, index); err != nil {
		return err
	}
	public := tpm2.TPMSNVPublic{
		NVIndex:    nv,
		NameAlg:    tpm2.TPMAlgSHA256,
		Attributes: nvAttr,
		AuthPolicy: policyGetDigest.PolicyDigest,
		DataSize:   uint16(len(data)),
	}
	if _, err := (tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(public),
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_DefineSpace: %w", err)
	}

	name, err := tpm2.NVName(&public)
	if err != nil {
		return fmt.Errorf("error calculating name of NV index: %w", err)
	}
	if _, err := (tpm2.NVWrite{
		AuthHandle: tpm2.AuthHandle{Handle: nv, Name: *name, Auth: auth},
		NVIndex:    tpm2.NamedHandle{Handle: nv, Name: *name},
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data},
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_Write: %w", err)
	}
	return nil
}

// UndefineNV deletes an NV index. It is not an error if the index is not
// defined.
func UndefineNV(t TPM, index uint32) error {
	readPubRsp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(index)}.Execute(t)
	if err != nil {
		return nil
	}
	nvPublic, err := readPubRsp.NVPublic.Contents()
	if err != nil {
		return fmt.Errorf("error getting NV public contents: %w", err)
	}
	name, err := tpm2.NVName(nvPublic)
	if err != nil {
		return fmt.Errorf("error calculating name of NV index: %w", err)
	}
	// Policy auth is only possible with Platform auth and
	// NVUndefineSpaceSpecial
	if _, err := (tpm2.NVUndefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		NVIndex:    tpm2.NamedHandle{Handle: nvPublic.NVIndex, Name: *name},
	}).Execute(t); err != nil {
		return fmt.Errorf("error calling TPM2_NV_UndefineSpace: %w", err)
	}
	return nil
}
