// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"

	"github.com/google/go-tpm/tpm2"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Key is a TPM resident signing key. ECDSA signatures are ASN.1 encoded, the
// same as crypto/ecdsa. Close flushes the key from the TPM.
type Key interface {
	crypto.Signer
	io.Closer
}

type key struct {
	t      TPM
	handle tpm2.NamedHandle
	pub    crypto.PublicKey
}

// GenerateECKey creates a NIST P-256, P-384, or P-521 primary key.
func GenerateECKey(t TPM, curve elliptic.Curve) (Key, error) {
	var curveID tpm2.TPMECCCurve
	switch curve {
	case elliptic.P256():
		curveID = tpm2.TPMECCNistP256
	case elliptic.P384():
		curveID = tpm2.TPMECCNistP384
	case elliptic.P521():
		curveID = tpm2.TPMECCNistP521
	default:
		return nil, fmt.Errorf("unsupported curve: %s", curve.Params().Name)
	}
	return newPrimaryKey(t, tpm2.TPMTPublic{
		Type:             tpm2.TPMAlgECC,
		NameAlg:          tpm2.TPMAlgSHA256,
		ObjectAttributes: signingAttributes,
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme:    tpm2.TPMTECCScheme{Scheme: tpm2.TPMAlgNull},
				CurveID:   curveID,
				KDF:       tpm2.TPMTKDFScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
	})
}

// GenerateRSAKey creates an RSA primary key. The signature scheme is chosen
// per signature: RSASSA-PSS when the options are *rsa.PSSOptions, otherwise
// RSASSA-PKCS1-v1_5.
func GenerateRSAKey(t TPM, bits int) (Key, error) {
	switch bits {
	case 2048, 3072, 4096:
	default:
		return nil, fmt.Errorf("unsupported RSA key size: %d", bits)
	}
	return newPrimaryKey(t, tpm2.TPMTPublic{
		Type:             tpm2.TPMAlgRSA,
		NameAlg:          tpm2.TPMAlgSHA256,
		ObjectAttributes: signingAttributes,
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme:    tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
				KeyBits:   tpm2.TPMKeyBits(bits),
			},
		),
	})
}

var signingAttributes = tpm2.TPMAObject{
	FixedTPM:            true, // Key can never be duplicated
	FixedParent:         true, // Key can never be changed to a new parent
	SensitiveDataOrigin: true,
	UserWithAuth:        true,
	SignEncrypt:         true,
}

// Primary Keys are all derived from the TPM seed, so we don't need to retrieve or persist
// a key unless there is a performance (time-sensitive) requirement. This requires that
// a well-known template is used.
//
// Seed + Template will always generate the same key.
func newPrimaryKey(t TPM, template tpm2.TPMTPublic) (Key, error) {
	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(template),
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("unable to create primary key: %w", err)
	}
	k := &key{
		t: t,
		handle: tpm2.NamedHandle{
			Handle: resp.ObjectHandle,
			Name:   resp.Name,
		},
	}
	pub, err := resp.OutPublic.Contents()
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("unmarshaling public data: %w", err)
	}
	if k.pub, err = publicKey(pub); err != nil {
		_ = k.Close()
		return nil, err
	}
	return k, nil
}

func publicKey(pub *tpm2.TPMTPublic) (crypto.PublicKey, error) {
	switch pub.Type {
	case tpm2.TPMAlgRSA:
		rsaDetail, err := pub.Parameters.RSADetail()
		if err != nil {
			return nil, fmt.Errorf("RSA params: %w", err)
		}
		rsaUnique, err := pub.Unique.RSA()
		if err != nil {
			return nil, fmt.Errorf("RSA pubkey: %w", err)
		}
		return tpm2.RSAPub(rsaDetail, rsaUnique)

	case tpm2.TPMAlgECC:
		eccDetail, err := pub.Parameters.ECCDetail()
		if err != nil {
			return nil, fmt.Errorf("ECC params: %w", err)
		}
		eccUnique, err := pub.Unique.ECC()
		if err != nil {
			return nil, fmt.Errorf("ECC pubkey: %w", err)
		}
		var curve elliptic.Curve
		switch eccDetail.CurveID {
		case tpm2.TPMECCNistP256:
			curve = elliptic.P256()
		case tpm2.TPMECCNistP384:
			curve = elliptic.P384()
		case tpm2.TPMECCNistP521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported ECC curve: %v", eccDetail.CurveID)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(eccUnique.X.Buffer),
			Y:     new(big.Int).SetBytes(eccUnique.Y.Buffer),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported key type: %v", pub.Type)
	}
}

func (k *key) Public() crypto.PublicKey { return k.pub }

func (k *key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil {
		opts = crypto.SHA256
	}
	hashAlg, err := tpmHash(opts.HashFunc())
	if err != nil {
		return nil, err
	}

	var scheme tpm2.TPMAlgID
	switch k.pub.(type) {
	case *ecdsa.PublicKey:
		scheme = tpm2.TPMAlgECDSA
	case *rsa.PublicKey:
		scheme = tpm2.TPMAlgRSASSA
		if _, ok := opts.(*rsa.PSSOptions); ok {
			scheme = tpm2.TPMAlgRSAPSS
		}
	}

	sig, err := tpm2.Sign{
		KeyHandle: k.handle,
		Digest: tpm2.TPM2BDigest{
			Buffer: digest,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme:  scheme,
			Details: tpm2.NewTPMUSigScheme(scheme, &tpm2.TPMSSchemeHash{HashAlg: hashAlg}),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag: tpm2.TPMSTHashCheck,
		},
	}.Execute(k.t)
	if err != nil {
		return nil, fmt.Errorf("unable to sign digest: %w", err)
	}

	switch scheme {
	case tpm2.TPMAlgECDSA:
		sigData, err := sig.Signature.Signature.ECDSA()
		if err != nil {
			return nil, fmt.Errorf("unable to extract signature data: %w", err)
		}
		var b cryptobyte.Builder
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1BigInt(new(big.Int).SetBytes(sigData.SignatureR.Buffer))
			b.AddASN1BigInt(new(big.Int).SetBytes(sigData.SignatureS.Buffer))
		})
		return b.Bytes()

	case tpm2.TPMAlgRSAPSS:
		sigData, err := sig.Signature.Signature.RSAPSS()
		if err != nil {
			return nil, fmt.Errorf("unable to extract signature data: %w", err)
		}
		return sigData.Sig.Buffer, nil

	default:
		sigData, err := sig.Signature.Signature.RSASSA()
		if err != nil {
			return nil, fmt.Errorf("unable to extract signature data: %w", err)
		}
		return sigData.Sig.Buffer, nil
	}
}

func (k *key) Close() error {
	if _, err := (tpm2.FlushContext{FlushHandle: k.handle.Handle}).Execute(k.t); err != nil {
		return fmt.Errorf("error flushing key: %w", err)
	}
	return nil
}

func tpmHash(h crypto.Hash) (tpm2.TPMIAlgHash, error) {
	switch h {
	case crypto.SHA1:
		return tpm2.TPMAlgSHA1, nil
	case crypto.SHA256:
		return tpm2.TPMAlgSHA256, nil
	case crypto.SHA384:
		return tpm2.TPMAlgSHA384, nil
	case crypto.SHA512:
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash: %s", h)
	}
}
