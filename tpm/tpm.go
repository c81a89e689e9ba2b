// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package tpm implements SPDM responder device state backed by a TPM 2.0:
// signing keys which never leave the TPM, certificate chains stored in NV
// indices, and measurements taken from PCRs.
package tpm

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM is a TPM 2.0 command transport.
type TPM = transport.TPM

// Closer is a TPM which must be closed after use.
type Closer = transport.TPMCloser

// DevNodeKind distinguishes TPM character devices which are accessed through
// the kernel resource manager from those which are not.
type DevNodeKind int

// Device node kinds
const (
	DevNodeManaged DevNodeKind = iota
	DevNodeUnmanaged
)

// PathPrefix returns the device path without its number.
func (k DevNodeKind) PathPrefix() string {
	if k == DevNodeManaged {
		return "/dev/tpmrm"
	}
	return "/dev/tpm"
}

// IsDevNode reports whether path is a TPM device node of the given kind.
func IsDevNode(path string, kind DevNodeKind) bool {
	n, ok := strings.CutPrefix(filepath.Clean(path), kind.PathPrefix())
	if !ok || n == "" {
		return false
	}
	_, err := strconv.ParseUint(n, 10, 8)
	return err == nil
}

// Open will open a TPM device at the given path.
//
// Responders should use /dev/tpmrm0 because using /dev/tpm0 requires more
// extensive resource management that the kernel already handles for us
// when using the kernel resource manager.
func Open(path string) (Closer, error) {
	switch {
	case IsDevNode(path, DevNodeManaged):
		return transport.OpenTPM(path)
	case IsDevNode(path, DevNodeUnmanaged):
		slog.Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return transport.OpenTPM(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}

// Synchronized returns a TPM which sends one command at a time. Concurrent
// responder connections must share a TPM through it.
func Synchronized(t TPM) TPM { return &syncTPM{t: t} }

type syncTPM struct {
	mu sync.Mutex
	t  TPM
}

func (s *syncTPM) Send(input []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.Send(input)
}
