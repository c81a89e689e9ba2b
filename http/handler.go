// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/fido-device-onboard/go-spdm"
	"github.com/fido-device-onboard/go-spdm/internal/token"
	"github.com/fido-device-onboard/go-spdm/protocol"
)

const bearerPrefix = "Bearer "

// Media types of request and response bodies
const (
	ContentTypeSPDM    = "application/spdm"
	ContentTypeSecured = "application/spdm-secured"
)

// MessageTypeHeader carries the protocol.MessageType of a response body.
const MessageTypeHeader = "Message-Type"

// Handler implements http.Handler and answers SPDM requests on behalf of a
// responder. Each bearer token identifies one SPDM connection. The first
// request of a connection carries no Authorization header and the response
// returns the token to use for the rest of the connection.
//
// DELETE ends a connection and invalidates its token.
type Handler struct {
	Responder *spdm.Responder

	// Tokens maps bearer tokens to connections. It must not be nil.
	Tokens *token.Service

	// MaxContentLength defaults to the largest secured message. Negative
	// values disable content length checking.
	MaxContentLength int64
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	debugRequest(w, r, h.handleRequest)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		h.error(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth != "" && !strings.HasPrefix(auth, bearerPrefix) {
		return "", fmt.Errorf("invalid bearer token")
	}
	return strings.TrimPrefix(auth, bearerPrefix), nil
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	// Parse request headers
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		h.error(w, http.StatusUnsupportedMediaType, fmt.Errorf("invalid content type: %w", err))
		return
	}
	var msgType protocol.MessageType
	switch mediaType {
	case ContentTypeSPDM:
		msgType = protocol.SPDMMessage
	case ContentTypeSecured:
		msgType = protocol.SecuredMessage
	default:
		h.error(w, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", mediaType))
		return
	}
	tok, err := bearerToken(r)
	if err != nil {
		h.error(w, http.StatusUnauthorized, err)
		return
	}

	// Validate content length
	maxSize := h.MaxContentLength
	if maxSize == 0 {
		maxSize = protocol.MaxSecuredMessageSize
	}
	if maxSize > 0 && r.ContentLength > maxSize {
		h.error(w, http.StatusRequestEntityTooLarge, fmt.Errorf("content too large (%d bytes)", r.ContentLength))
		return
	}
	if maxSize > 0 && r.ContentLength < 0 {
		h.error(w, http.StatusLengthRequired, errors.New("content length must be specified in request headers"))
		return
	}
	body := io.Reader(r.Body)
	if maxSize > 0 {
		body = io.LimitReader(r.Body, maxSize)
	}
	msg, err := io.ReadAll(body)
	if err != nil {
		h.error(w, http.StatusBadRequest, fmt.Errorf("error reading body: %w", err))
		return
	}

	// Resolve the connection, creating one for requests without a token
	ctx := r.Context()
	created := tok == ""
	if created {
		if msgType == protocol.SecuredMessage {
			h.error(w, http.StatusUnauthorized, errors.New("secured message without a connection"))
			return
		}
		if tok, err = h.Tokens.NewToken(ctx); err != nil {
			h.error(w, http.StatusInternalServerError, fmt.Errorf("error creating connection: %w", err))
			return
		}
	}

	// Perform business logic of message handling
	respType, resp, err := h.respond(ctx, tok, msgType, msg)
	if err != nil && created {
		// The token was never returned to the client
		if err := h.Tokens.InvalidateToken(context.WithoutCancel(ctx), tok); err != nil {
			slog.Debug("error removing spdm connection", "error", err)
		}
	}
	switch {
	case errors.Is(err, token.ErrInvalidToken):
		h.error(w, http.StatusUnauthorized, err)
		return
	case errors.Is(err, spdm.ErrFraming):
		h.error(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.error(w, http.StatusInternalServerError, err)
		return
	}

	// Add response headers
	contentType := ContentTypeSPDM
	if respType == protocol.SecuredMessage {
		contentType = ContentTypeSecured
	}
	w.Header().Add("Authorization", bearerPrefix+tok)
	w.Header().Add("Content-Length", strconv.Itoa(len(resp)))
	w.Header().Add("Content-Type", contentType)
	w.Header().Add(MessageTypeHeader, strconv.Itoa(int(respType)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(resp); err != nil {
		slog.Debug("error writing spdm response", "error", err)
	}
}

// respond handles a message while holding the connection of tok.
func (h *Handler) respond(ctx context.Context, tok string, msgType protocol.MessageType, msg []byte) (protocol.MessageType, []byte, error) {
	conn, release, err := h.Tokens.Acquire(ctx, tok)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	if msgType == protocol.SecuredMessage {
		return h.Responder.HandleSecured(ctx, conn, msg)
	}
	resp, err := h.Responder.Respond(ctx, conn, msg)
	return protocol.SPDMMessage, resp, err
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	tok, err := bearerToken(r)
	if err != nil || tok == "" {
		h.error(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}
	if err := h.Tokens.InvalidateToken(r.Context(), tok); err != nil {
		h.error(w, http.StatusUnauthorized, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) error(w http.ResponseWriter, status int, err error) {
	slog.Debug("spdm http request rejected", "status", status, "error", err)
	http.Error(w, err.Error(), status)
}
