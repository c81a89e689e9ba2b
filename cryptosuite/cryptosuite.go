// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cryptosuite defines the cryptographic capabilities the SPDM engine
// depends on and provides a default implementation.
//
// Every operation returns owned values and fails closed: malformed sizes,
// unknown algorithms, and verification failures return an error and never a
// partial result. Implementations must be safe for concurrent use.
package cryptosuite

import (
	"crypto"
	"crypto/ecdh"
	"errors"
	"io"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// ErrUnsupported is returned (wrapped) for algorithms the provider does not
// implement.
var ErrUnsupported = errors.New("unsupported algorithm")

// ErrVerification is returned (wrapped) when a signature or MAC does not
// verify.
var ErrVerification = errors.New("verification failed")

// ErrInvalidInput is returned (wrapped) when keys, sizes, or encodings passed
// to the provider cannot be used. Nothing is produced.
var ErrInvalidInput = errors.New("invalid cryptographic input")

// ErrAuthentication is returned (wrapped) when AEAD decryption fails.
var ErrAuthentication = errors.New("message authentication failed")

// Provider is the capability set used by the responder and requester.
type Provider interface {
	// Hash returns the digest of the concatenation of data.
	Hash(alg protocol.BaseHashAlgo, data ...[]byte) ([]byte, error)

	// HMAC returns the MAC of the concatenation of data.
	HMAC(alg protocol.BaseHashAlgo, key []byte, data ...[]byte) ([]byte, error)

	// Sign signs a digest produced with hash and returns a signature in SPDM
	// encoding (raw r||s for ECDSA).
	Sign(alg protocol.BaseAsymAlgo, hash protocol.BaseHashAlgo, key crypto.Signer, digest []byte) ([]byte, error)

	// Verify checks an SPDM encoded signature over a digest.
	Verify(alg protocol.BaseAsymAlgo, hash protocol.BaseHashAlgo, pub crypto.PublicKey, digest, sig []byte) error

	// GenerateKeyShare creates an ephemeral key for the DHE group.
	GenerateKeyShare(group protocol.DHEGroup, rand io.Reader) (*KeyShare, error)

	// DeriveSharedSecret combines a local key share with the peer's
	// ExchangeData.
	DeriveSharedSecret(share *KeyShare, peer []byte) ([]byte, error)

	// HKDFExtract returns a pseudorandom key of the hash size.
	HKDFExtract(alg protocol.BaseHashAlgo, salt, ikm []byte) ([]byte, error)

	// HKDFExpand returns n bytes of output keying material.
	HKDFExpand(alg protocol.BaseHashAlgo, prk, info []byte, n int) ([]byte, error)

	// Seal encrypts and authenticates plaintext, returning ciphertext||tag.
	Seal(suite protocol.AEADSuite, key, iv, aad, plaintext []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext||tag.
	Open(suite protocol.AEADSuite, key, iv, aad, ciphertext []byte) ([]byte, error)
}

// KeyShare is an ephemeral DHE key pair. Public is the ExchangeData encoding
// of the public key.
type KeyShare struct {
	Group   protocol.DHEGroup
	Public  []byte
	Private *ecdh.PrivateKey
}
