// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"

	"github.com/fido-device-onboard/go-spdm/protocol"
)

func debugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

// messageAttrs describes an SPDM body for debug logs. Secured message
// payloads are encrypted, so only the session is shown.
func messageAttrs(contentType string, body []byte) []any {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case ContentTypeSPDM:
		h, err := protocol.ParseHeader(body)
		if err != nil {
			return []any{"body", hex.EncodeToString(body)}
		}
		return []any{"code", h.Code, "version", h.Version,
			"param1", h.Param1, "param2", h.Param2, "body", hex.EncodeToString(body)}
	case ContentTypeSecured:
		h, err := protocol.ParseSecuredHeader(body)
		if err != nil {
			return []any{"body", hex.EncodeToString(body)}
		}
		return []any{"session", h.SessionID, "length", len(body)}
	default:
		return []any{"length", len(body)}
	}
}

func debugRequest(w http.ResponseWriter, r *http.Request, handler http.HandlerFunc) {
	if !debugEnabled() {
		handler(w, r)
		return
	}

	debugReq, _ := httputil.DumpRequest(r, false)
	var saveBody bytes.Buffer
	if _, err := saveBody.ReadFrom(r.Body); err == nil {
		r.Body = io.NopCloser(&saveBody)
	}
	slog.Debug("spdm request", append([]any{"dump", string(bytes.TrimSpace(debugReq))},
		messageAttrs(r.Header.Get("Content-Type"), saveBody.Bytes())...)...)

	rr := httptest.NewRecorder()
	handler(rr, r)
	debugResp, _ := httputil.DumpResponse(rr.Result(), false)
	slog.Debug("spdm response", append([]any{"dump", string(bytes.TrimSpace(debugResp))},
		messageAttrs(rr.Header().Get("Content-Type"), rr.Body.Bytes())...)...)

	for key, values := range rr.Header() {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(rr.Code)
	_, _ = w.Write(rr.Body.Bytes())
}

func debugRequestOut(req *http.Request, body []byte) {
	if !debugEnabled() {
		return
	}
	debugReq, _ := httputil.DumpRequestOut(req, false)
	slog.Debug("spdm request", append([]any{"dump", string(bytes.TrimSpace(debugReq))},
		messageAttrs(req.Header.Get("Content-Type"), body)...)...)
}

func debugResponse(resp *http.Response, body []byte) {
	if !debugEnabled() {
		return
	}
	debugResp, _ := httputil.DumpResponse(resp, false)
	slog.Debug("spdm response", append([]any{"dump", string(bytes.TrimSpace(debugResp))},
		messageAttrs(resp.Header.Get("Content-Type"), body)...)...)
}
