// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package spdm implements the [SPDM 1.1] responder message engine and a
// matching requester.
//
// Many of the protocol types and values are located in the protocol
// subpackage. This domain package includes the core "entrypoint" types.
//
// A [Responder] holds device configuration: capabilities, algorithm
// priorities, a [CertificateStore] of provisioned slots, and a
// [MeasurementSource]. All per-peer state lives in a [Connection], which is
// passed to [Responder.HandleRequest] for plain messages and to
// [Responder.HandleSecured] for messages of a secure session. Requests that
// cannot be processed yet are answered with RESPONSE_NOT_READY and re-run
// when the peer polls with RESPOND_IF_READY.
//
// Cryptography is reached only through [cryptosuite.Provider], so that
// signing keys may live in hardware. Two device state implementations are
// included outside of this package: [sqlite.DB] stores slots and
// measurements in a database and [tpm.Key] signs with a TPM-resident key.
//
// For the other end of the exchange, [Requester] drives a responder over a
// [Transport], verifying every signature and HMAC it receives. The http
// subpackage provides both a [net/http.Handler] for responders and a
// [Transport] for requesters.
//
// [SPDM 1.1]: https://www.dmtf.org/sites/default/files/standards/documents/DSP0274_1.1.3.pdf
package spdm
