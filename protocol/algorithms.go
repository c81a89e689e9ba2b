// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"crypto"
	"fmt"
	"strings"
)

// BaseAsymAlgo is a bitmask of signature algorithms.
type BaseAsymAlgo uint32

// Base asymmetric algorithms
const (
	RSASSA2048 BaseAsymAlgo = 1 << 0
	RSAPSS2048 BaseAsymAlgo = 1 << 1
	RSASSA3072 BaseAsymAlgo = 1 << 2
	RSAPSS3072 BaseAsymAlgo = 1 << 3
	ECDSAP256  BaseAsymAlgo = 1 << 4
	RSASSA4096 BaseAsymAlgo = 1 << 5
	RSAPSS4096 BaseAsymAlgo = 1 << 6
	ECDSAP384  BaseAsymAlgo = 1 << 7
	ECDSAP521  BaseAsymAlgo = 1 << 8
)

// SignatureSize returns the size of a signature for a single selected
// algorithm, or zero if the algorithm is not a single known bit.
func (a BaseAsymAlgo) SignatureSize() int {
	switch a {
	case RSASSA2048, RSAPSS2048:
		return 256
	case RSASSA3072, RSAPSS3072:
		return 384
	case RSASSA4096, RSAPSS4096:
		return 512
	case ECDSAP256:
		return 64
	case ECDSAP384:
		return 96
	case ECDSAP521:
		return 132
	default:
		return 0
	}
}

// IsECDSA reports whether a single selected algorithm is an ECDSA variant.
func (a BaseAsymAlgo) IsECDSA() bool { return a == ECDSAP256 || a == ECDSAP384 || a == ECDSAP521 }

// IsPSS reports whether a single selected algorithm is an RSA-PSS variant.
func (a BaseAsymAlgo) IsPSS() bool { return a == RSAPSS2048 || a == RSAPSS3072 || a == RSAPSS4096 }

func (a BaseAsymAlgo) String() string {
	return bitNames(uint32(a), []string{
		"RSASSA_2048", "RSAPSS_2048", "RSASSA_3072", "RSAPSS_3072", "ECDSA_P256",
		"RSASSA_4096", "RSAPSS_4096", "ECDSA_P384", "ECDSA_P521",
	})
}

// BaseHashAlgo is a bitmask of transcript hash algorithms.
type BaseHashAlgo uint32

// Base hash algorithms
const (
	SHA256 BaseHashAlgo = 1 << 0
	SHA384 BaseHashAlgo = 1 << 1
	SHA512 BaseHashAlgo = 1 << 2
)

// HashFunc returns the standard library hash for a single selected algorithm.
// It returns zero for unknown or multi-bit values.
func (a BaseHashAlgo) HashFunc() crypto.Hash {
	switch a {
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// Size returns the digest size of a single selected algorithm.
func (a BaseHashAlgo) Size() int {
	if h := a.HashFunc(); h != 0 {
		return h.Size()
	}
	return 0
}

func (a BaseHashAlgo) String() string {
	return bitNames(uint32(a), []string{"SHA_256", "SHA_384", "SHA_512"})
}

// MeasurementHashAlgo is a bitmask of hash algorithms for measurement digests.
type MeasurementHashAlgo uint32

// Measurement hash algorithms
const (
	RawBitStreamOnly  MeasurementHashAlgo = 1 << 0
	MeasurementSHA256 MeasurementHashAlgo = 1 << 1
	MeasurementSHA384 MeasurementHashAlgo = 1 << 2
	MeasurementSHA512 MeasurementHashAlgo = 1 << 3
)

// HashFunc returns the standard library hash, or zero for raw bit streams.
func (a MeasurementHashAlgo) HashFunc() crypto.Hash {
	switch a {
	case MeasurementSHA256:
		return crypto.SHA256
	case MeasurementSHA384:
		return crypto.SHA384
	case MeasurementSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// MeasurementHashFor maps a base hash to the matching measurement hash.
func MeasurementHashFor(a BaseHashAlgo) MeasurementHashAlgo {
	switch a {
	case SHA256:
		return MeasurementSHA256
	case SHA384:
		return MeasurementSHA384
	case SHA512:
		return MeasurementSHA512
	default:
		return 0
	}
}

func (a MeasurementHashAlgo) String() string {
	return bitNames(uint32(a), []string{"RAW_BIT_STREAM", "SHA_256", "SHA_384", "SHA_512"})
}

// MeasurementSpecification is a bitmask of measurement block formats.
type MeasurementSpecification uint8

// DMTFMeasurementSpec is the only defined measurement specification.
const DMTFMeasurementSpec MeasurementSpecification = 1 << 0

// DHEGroup is a bitmask of Diffie-Hellman groups.
type DHEGroup uint16

// DHE groups
const (
	FFDHE2048 DHEGroup = 1 << 0
	FFDHE3072 DHEGroup = 1 << 1
	FFDHE4096 DHEGroup = 1 << 2
	SECP256R1 DHEGroup = 1 << 3
	SECP384R1 DHEGroup = 1 << 4
	SECP521R1 DHEGroup = 1 << 5
)

// ExchangeDataSize returns the size of the ExchangeData field of KEY_EXCHANGE
// messages for a single selected group.
func (g DHEGroup) ExchangeDataSize() int {
	switch g {
	case FFDHE2048:
		return 256
	case FFDHE3072:
		return 384
	case FFDHE4096:
		return 512
	case SECP256R1:
		return 64
	case SECP384R1:
		return 96
	case SECP521R1:
		return 132
	default:
		return 0
	}
}

func (g DHEGroup) String() string {
	return bitNames(uint32(g), []string{"FFDHE_2048", "FFDHE_3072", "FFDHE_4096", "SECP_256_R1", "SECP_384_R1", "SECP_521_R1"})
}

// AEADSuite is a bitmask of AEAD cipher suites.
type AEADSuite uint16

// AEAD cipher suites
const (
	AES128GCM        AEADSuite = 1 << 0
	AES256GCM        AEADSuite = 1 << 1
	ChaCha20Poly1305 AEADSuite = 1 << 2
)

// AEAD parameter sizes shared by all suites
const (
	AEADIVSize  = 12
	AEADTagSize = 16
)

// KeySize returns the key size of a single selected suite.
func (s AEADSuite) KeySize() int {
	switch s {
	case AES128GCM:
		return 16
	case AES256GCM, ChaCha20Poly1305:
		return 32
	default:
		return 0
	}
}

func (s AEADSuite) String() string {
	return bitNames(uint32(s), []string{"AES_128_GCM", "AES_256_GCM", "CHACHA20_POLY1305"})
}

// ReqBaseAsymAlg is a bitmask of requester signature algorithms, using the low
// 16 bits of the BaseAsymAlgo layout.
type ReqBaseAsymAlg uint16

// KeySchedule is a bitmask of key schedules.
type KeySchedule uint16

// SPDMKeySchedule is the only defined key schedule.
const SPDMKeySchedule KeySchedule = 1 << 0

// Select returns the first algorithm in priority that is present in both
// offered and supported, or zero if there is none.
func Select[T ~uint8 | ~uint16 | ~uint32](offered, supported T, priority []T) T {
	for _, alg := range priority {
		if offered&supported&alg != 0 {
			return alg
		}
	}
	return 0
}

// IsSingleBit reports whether exactly one bit is set.
func IsSingleBit[T ~uint8 | ~uint16 | ~uint32](v T) bool { return v != 0 && v&(v-1) == 0 }

func bitNames(v uint32, names []string) string {
	if v == 0 {
		return "NONE"
	}
	var parts []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
			v &^= 1 << i
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, "|")
}
