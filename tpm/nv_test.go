// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"bytes"
	"crypto"
	"testing"

	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/fido-device-onboard/go-spdm/tpm"
)

func TestNV(t *testing.T) {
	pcrs := tpm.PCRList{
		crypto.SHA256: []int{1, 2, 3, 4},
	}
	badPCRs := tpm.PCRList{
		crypto.SHA256: []int{7},
	}
	const index = 0x0180000F
	expect := []byte("Hello world!")

	for _, test := range []struct {
		name      string
		writes    [][]byte
		writePCRs pcrOverrides
		readPCRs  tpm.PCRList
		wantErr   bool
	}{
		{
			name:     "Read missing",
			readPCRs: pcrs,
			wantErr:  true,
		},
		{
			name:     "Write then read",
			writes:   [][]byte{expect},
			readPCRs: pcrs,
		},
		{
			name:     "Write then overwrite then read",
			writes:   [][]byte{expect[:len(expect)-2], expect},
			readPCRs: pcrs,
		},
		{
			name:     "Write then read with bad policy",
			writes:   [][]byte{expect},
			readPCRs: badPCRs,
			wantErr:  true,
		},
		{
			name:      "Write then overwrite then read with bad policy",
			writes:    [][]byte{expect[:len(expect)-2], expect},
			writePCRs: pcrOverrides{1: badPCRs},
			readPCRs:  pcrs,
			wantErr:   true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			sim, err := simulator.OpenSimulator()
			if err != nil {
				t.Fatalf("error opening opening TPM simulator: %v", err)
			}
			defer func() {
				if err := sim.Close(); err != nil {
					t.Error(err)
				}
			}()

			for i, data := range test.writes {
				writePCRs := pcrs
				if p, ok := test.writePCRs[i]; ok {
					writePCRs = p
				}
				if err := tpm.WriteNV(sim, index, data, writePCRs); err != nil {
					t.Fatal(err)
				}
			}

			got, err := tpm.ReadNV(sim, index, test.readPCRs)
			switch {
			case test.wantErr && err == nil:
				t.Fatal("expected an error reading NV index")
			case test.wantErr:
				t.Log(err)
			case err != nil:
				t.Fatal(err)
			case !bytes.Equal(expect, got):
				t.Fatalf("expected %x, got %x", expect, got)
			}
		})
	}

	t.Run("Write too large", func(t *testing.T) {
		sim, err := simulator.OpenSimulator()
		if err != nil {
			t.Fatalf("error opening opening TPM simulator: %v", err)
		}
		defer func() { _ = sim.Close() }()

		if err := tpm.WriteNV(sim, index, make([]byte, tpm.MaxNVSize+1), pcrs); err == nil {
			t.Fatal("expected an error writing too much data")
		}
	})
}

// pcrOverrides overrides the PCR selection of the nth write.
type pcrOverrides map[int]tpm.PCRList
