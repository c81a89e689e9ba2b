// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cryptosuite

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256" // register SHA-256
	_ "crypto/sha512" // register SHA-384 and SHA-512
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/hkdf"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Default is the provider used when none is configured.
var Default Provider = Standard{}

// Standard implements Provider with the Go standard library and
// golang.org/x/crypto. It has no state.
type Standard struct{}

var _ Provider = Standard{}

func hashFunc(alg protocol.BaseHashAlgo) (crypto.Hash, error) {
	h := alg.HashFunc()
	if h == 0 || !h.Available() {
		return 0, fmt.Errorf("hash %s: %w", alg, ErrUnsupported)
	}
	return h, nil
}

// Hash implements Provider.
func (Standard) Hash(alg protocol.BaseHashAlgo, data ...[]byte) ([]byte, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return nil, err
	}
	return sum(h.New(), data), nil
}

// HMAC implements Provider.
func (Standard) HMAC(alg protocol.BaseHashAlgo, key []byte, data ...[]byte) ([]byte, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("hmac: empty key: %w", ErrInvalidInput)
	}
	return sum(hmac.New(h.New, key), data), nil
}

func sum(h hash.Hash, data [][]byte) []byte {
	for _, d := range data {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}

func curveOf(alg protocol.BaseAsymAlgo) elliptic.Curve {
	switch alg {
	case protocol.ECDSAP256:
		return elliptic.P256()
	case protocol.ECDSAP384:
		return elliptic.P384()
	case protocol.ECDSAP521:
		return elliptic.P521()
	default:
		return nil
	}
}

func signerOpts(alg protocol.BaseAsymAlgo, h crypto.Hash) crypto.SignerOpts {
	if alg.IsPSS() {
		return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	return h
}

// checkKey ensures the public key matches the single selected algorithm.
func checkKey(alg protocol.BaseAsymAlgo, pub crypto.PublicKey) error {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		if !alg.IsECDSA() || pub.Curve != curveOf(alg) {
			return fmt.Errorf("ECDSA %s key cannot be used for %s: %w", pub.Curve.Params().Name, alg, ErrInvalidInput)
		}
	case *rsa.PublicKey:
		if alg.IsECDSA() || pub.Size() != alg.SignatureSize() {
			return fmt.Errorf("RSA %d-bit key cannot be used for %s: %w", pub.Size()*8, alg, ErrInvalidInput)
		}
	default:
		return fmt.Errorf("key type %T: %w", pub, ErrUnsupported)
	}
	return nil
}

// Sign implements Provider.
func (Standard) Sign(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, key crypto.Signer, digest []byte) ([]byte, error) {
	if !protocol.IsSingleBit(alg) || alg.SignatureSize() == 0 {
		return nil, fmt.Errorf("signature algorithm %s: %w", alg, ErrUnsupported)
	}
	h, err := hashFunc(hashAlg)
	if err != nil {
		return nil, err
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("sign: digest is %d bytes, expected %d: %w", len(digest), h.Size(), ErrInvalidInput)
	}
	if err := checkKey(alg, key.Public()); err != nil {
		return nil, err
	}
	sig, err := key.Sign(rand.Reader, digest, signerOpts(alg, h))
	if err != nil {
		return nil, fmt.Errorf("sign: %w: %w", ErrInvalidInput, err)
	}
	if alg.IsECDSA() {
		return asn1ToRaw(sig, alg.SignatureSize()/2)
	}
	return sig, nil
}

// Verify implements Provider.
func (Standard) Verify(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, pub crypto.PublicKey, digest, sig []byte) error {
	if !protocol.IsSingleBit(alg) || alg.SignatureSize() == 0 {
		return fmt.Errorf("signature algorithm %s: %w", alg, ErrUnsupported)
	}
	h, err := hashFunc(hashAlg)
	if err != nil {
		return err
	}
	if len(digest) != h.Size() || len(sig) != alg.SignatureSize() {
		return fmt.Errorf("verify: malformed digest or signature size: %w", ErrVerification)
	}
	if err := checkKey(alg, pub); err != nil {
		return err
	}
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		half := len(sig) / 2
		r, s := new(big.Int).SetBytes(sig[:half]), new(big.Int).SetBytes(sig[half:])
		if !ecdsa.Verify(pub, digest, r, s) {
			return fmt.Errorf("ECDSA signature: %w", ErrVerification)
		}
	case *rsa.PublicKey:
		if alg.IsPSS() {
			err = rsa.VerifyPSS(pub, h, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			err = rsa.VerifyPKCS1v15(pub, h, digest, sig)
		}
		if err != nil {
			return fmt.Errorf("RSA signature: %w", ErrVerification)
		}
	}
	return nil
}

// asn1ToRaw converts an ASN.1 ECDSA-Sig-Value to the fixed size r||s
// encoding.
func asn1ToRaw(sig []byte, size int) ([]byte, error) {
	var r, s big.Int
	var inner cryptobyte.String
	input := cryptobyte.String(sig)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(&r) || !inner.ReadASN1Integer(&s) || !inner.Empty() {
		return nil, fmt.Errorf("invalid ASN.1 ECDSA signature: %w", ErrInvalidInput)
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, fmt.Errorf("ECDSA signature values out of range: %w", ErrInvalidInput)
	}
	raw := make([]byte, 2*size)
	r.FillBytes(raw[:size])
	s.FillBytes(raw[size:])
	return raw, nil
}

// RawToASN1 converts a fixed size r||s ECDSA signature to ASN.1 DER.
func RawToASN1(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, fmt.Errorf("invalid raw ECDSA signature length %d: %w", len(sig), ErrInvalidInput)
	}
	half := len(sig) / 2
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[:half]))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[half:]))
	})
	return b.Bytes()
}

func ecdhCurve(group protocol.DHEGroup) (ecdh.Curve, error) {
	switch group {
	case protocol.SECP256R1:
		return ecdh.P256(), nil
	case protocol.SECP384R1:
		return ecdh.P384(), nil
	case protocol.SECP521R1:
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("DHE group %s: %w", group, ErrUnsupported)
	}
}

// GenerateKeyShare implements Provider.
func (Standard) GenerateKeyShare(group protocol.DHEGroup, r io.Reader) (*KeyShare, error) {
	curve, err := ecdhCurve(group)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	// Uncompressed point without the 0x04 prefix
	return &KeyShare{Group: group, Public: priv.PublicKey().Bytes()[1:], Private: priv}, nil
}

// DeriveSharedSecret implements Provider.
func (Standard) DeriveSharedSecret(share *KeyShare, peer []byte) ([]byte, error) {
	if share == nil || share.Private == nil {
		return nil, fmt.Errorf("derive shared secret: missing key share: %w", ErrInvalidInput)
	}
	curve, err := ecdhCurve(share.Group)
	if err != nil {
		return nil, err
	}
	if share.Private.Curve() != curve {
		return nil, fmt.Errorf("derive shared secret: key share is not on %s: %w", share.Group, ErrInvalidInput)
	}
	if len(peer) != share.Group.ExchangeDataSize() {
		return nil, fmt.Errorf("derive shared secret: exchange data is %d bytes, expected %d: %w",
			len(peer), share.Group.ExchangeDataSize(), ErrInvalidInput)
	}
	pub, err := curve.NewPublicKey(append([]byte{0x04}, peer...))
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: invalid peer key: %w: %w", ErrInvalidInput, err)
	}
	secret, err := share.Private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w: %w", ErrInvalidInput, err)
	}
	return secret, nil
}

// HKDFExtract implements Provider.
func (Standard) HKDFExtract(alg protocol.BaseHashAlgo, salt, ikm []byte) ([]byte, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(h.New, ikm, salt), nil
}

// HKDFExpand implements Provider.
func (Standard) HKDFExpand(alg protocol.BaseHashAlgo, prk, info []byte, n int) ([]byte, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return nil, err
	}
	if len(prk) < h.Size() || n <= 0 || n > 255*h.Size() {
		return nil, fmt.Errorf("hkdf expand: invalid key size %d or output size %d: %w", len(prk), n, ErrInvalidInput)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(h.New, prk, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func aead(suite protocol.AEADSuite, key, iv []byte) (cipher.AEAD, error) {
	if suite.KeySize() == 0 || !protocol.IsSingleBit(suite) {
		return nil, fmt.Errorf("AEAD suite %s: %w", suite, ErrUnsupported)
	}
	if len(key) != suite.KeySize() || len(iv) != protocol.AEADIVSize {
		return nil, fmt.Errorf("AEAD %s: invalid key size %d or IV size %d: %w", suite, len(key), len(iv), ErrInvalidInput)
	}
	switch suite {
	case protocol.ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

// Seal implements Provider.
func (Standard) Seal(suite protocol.AEADSuite, key, iv, aad, plaintext []byte) ([]byte, error) {
	c, err := aead(suite, key, iv)
	if err != nil {
		return nil, err
	}
	return c.Seal(nil, iv, plaintext, aad), nil
}

// Open implements Provider.
func (Standard) Open(suite protocol.AEADSuite, key, iv, aad, ciphertext []byte) ([]byte, error) {
	c, err := aead(suite, key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < c.Overhead() {
		return nil, fmt.Errorf("AEAD %s: ciphertext shorter than tag: %w", suite, ErrAuthentication)
	}
	plaintext, err := c.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD %s: %w", suite, ErrAuthentication)
	}
	return plaintext, nil
}
