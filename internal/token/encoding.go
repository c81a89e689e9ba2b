// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
)

const (
	idSize  = 16
	macSize = sha512.Size384
)

type connID [idSize]byte

func newID() (connID, error) {
	var id connID
	if _, err := rand.Read(id[:]); err != nil {
		return connID{}, err
	}
	return id, nil
}

func toToken(id connID, secret []byte) string {
	mac := hmac.New(sha512.New384, secret)
	_, _ = mac.Write(id[:])
	macAndPayload := append(mac.Sum(nil), id[:]...)

	return base64.RawURLEncoding.EncodeToString(macAndPayload)
}

func fromToken(s string, secret []byte) (connID, error) {
	macAndPayload, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return connID{}, ErrInvalidToken
	}
	if len(macAndPayload) != macSize+idSize {
		return connID{}, ErrInvalidToken
	}

	mac1, payload := macAndPayload[:macSize], macAndPayload[macSize:]
	verify := hmac.New(sha512.New384, secret)
	_, _ = verify.Write(payload)
	mac2 := verify.Sum(nil)
	if !hmac.Equal(mac1, mac2) {
		return connID{}, ErrInvalidToken
	}

	return connID(payload), nil
}
