// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Transport implements SPDM message sending capabilities over HTTP. Send may
// be used for sending one message and receiving one response message.
//
// All messages sent with one Transport belong to the same SPDM connection,
// which is tracked with the bearer token returned by the first response.
type Transport struct {
	// Client to use for HTTP requests. Nil indicates that the default client
	// should be used.
	Client *http.Client

	// Base URL including scheme. e.g. https://example.com/something_or_not
	Base string

	// MaxContentLength defaults to the largest secured message. Negative
	// values disable content length checking.
	MaxContentLength int64

	mu    sync.Mutex
	token string
}

var _ spdm.Transport = (*Transport)(nil)

func (t *Transport) client() *http.Client {
	if t.Client == nil {
		return http.DefaultClient
	}
	return t.Client
}

func (t *Transport) uri() (string, error) {
	uri, err := url.JoinPath(t.Base, "spdm")
	if err != nil {
		return "", fmt.Errorf("error parsing base URL: %w", err)
	}
	return uri, nil
}

// Token returns the bearer token of the connection, if one was issued.
func (t *Transport) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Send sends a single message and receives a single response message.
func (t *Transport) Send(ctx context.Context, typ protocol.MessageType, msg []byte) (protocol.MessageType, []byte, error) {
	uri, err := t.uri()
	if err != nil {
		return 0, nil, err
	}
	contentType := ContentTypeSPDM
	if typ == protocol.SecuredMessage {
		contentType = ContentTypeSecured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(msg))
	if err != nil {
		return 0, nil, fmt.Errorf("error creating SPDM request: %w", err)
	}

	// Add request headers
	req.Header.Add("Content-Type", contentType)
	if token := t.Token(); token != "" {
		req.Header.Add("Authorization", bearerPrefix+token)
	}
	debugRequestOut(req, msg)

	// Perform HTTP request
	resp, err := t.client().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("error making HTTP request for %s message: %w", typ, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return t.handleResponse(resp)
}

func (t *Transport) handleResponse(resp *http.Response) (protocol.MessageType, []byte, error) {
	// Validate content length
	maxSize := t.MaxContentLength
	if maxSize == 0 {
		maxSize = protocol.MaxSecuredMessageSize
	}
	if maxSize > 0 && resp.ContentLength > maxSize {
		return 0, nil, fmt.Errorf("content too large (%d bytes)", resp.ContentLength)
	}
	body := io.Reader(resp.Body)
	if maxSize > 0 {
		body = io.LimitReader(resp.Body, maxSize)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return 0, nil, fmt.Errorf("error reading response body: %w", err)
	}
	debugResponse(resp, content)

	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("unexpected HTTP response code: %s: %s", resp.Status, strings.TrimSpace(string(content)))
	}

	// Store token header
	if auth := resp.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		t.mu.Lock()
		t.token = strings.TrimPrefix(auth, bearerPrefix)
		t.mu.Unlock()
	}

	// Parse message type from headers
	typ, err := strconv.ParseUint(strings.TrimSpace(resp.Header.Get(MessageTypeHeader)), 10, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("response contains invalid message type header: %w", err)
	}
	msgType := protocol.MessageType(typ)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case msgType == protocol.SPDMMessage && mediaType == ContentTypeSPDM,
		msgType == protocol.SecuredMessage && mediaType == ContentTypeSecured:
	default:
		return 0, nil, fmt.Errorf("message type %s does not match content type %q", msgType, mediaType)
	}
	return msgType, content, nil
}

// Close ends the SPDM connection on the server and forgets its token.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	token := t.token
	t.token = ""
	t.mu.Unlock()
	if token == "" {
		return nil
	}

	uri, err := t.uri()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uri, nil)
	if err != nil {
		return fmt.Errorf("error creating SPDM request: %w", err)
	}
	req.Header.Add("Authorization", bearerPrefix+token)
	resp, err := t.client().Do(req)
	if err != nil {
		return fmt.Errorf("error ending connection: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.New("error ending connection: " + resp.Status)
	}
	return nil
}
