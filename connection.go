// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"github.com/fido-device-onboard/go-spdm/protocol"
)

// Algorithms are the parameters selected by NEGOTIATE_ALGORITHMS. Every field
// holds at most one bit.
type Algorithms struct {
	MeasurementSpec protocol.MeasurementSpecification
	MeasurementHash protocol.MeasurementHashAlgo
	BaseAsym        protocol.BaseAsymAlgo
	BaseHash        protocol.BaseHashAlgo
	DHE             protocol.DHEGroup
	AEAD            protocol.AEADSuite
	ReqBaseAsym     protocol.ReqBaseAsymAlg
	KeySchedule     protocol.KeySchedule
}

// Connection is the responder side state of one requester. The zero value is
// a connection that has not started.
//
// A Connection must not be used concurrently. The transport serializes
// requests of a connection, and separate connections are independent.
type Connection struct {
	state         ConnectionState
	responseState ResponseState

	version        protocol.Version
	peerCaps       protocol.CapabilityFlags
	peerCTExponent uint8
	localCaps      protocol.CapabilityFlags
	algs           Algorithms

	// Request cache and NOT_READY error context
	cached   []byte
	notReady *protocol.NotReadyData
	token    uint8

	// Transcripts (A = VCA, B = digests/certificate, C = challenge, L =
	// measurements outside of a session)
	messageA []byte
	messageB []byte
	messageC []byte
	messageL []byte

	sessions      map[uint32]*Session
	nextSessionID uint16

	encapRequestID uint8
	peerSlotMask   uint8
	peerDigests    [][]byte
}

// NewConnection returns a connection in the NotStarted state.
func NewConnection() *Connection { return new(Connection) }

// State returns the connection state.
func (c *Connection) State() ConnectionState { return c.state }

// ResponseState returns the response state.
func (c *Connection) ResponseState() ResponseState { return c.responseState }

// SetResponseState overrides how the next requests are answered. Device code
// uses it to report BUSY, force a resynchronization, or defer responses.
func (c *Connection) SetResponseState(s ResponseState) { c.responseState = s }

// Version returns the negotiated version or zero before GET_CAPABILITIES.
func (c *Connection) Version() protocol.Version { return c.version }

// PeerCapabilities returns the flags of the requester's GET_CAPABILITIES.
func (c *Connection) PeerCapabilities() protocol.CapabilityFlags { return c.peerCaps }

// Algorithms returns the negotiated algorithms.
func (c *Connection) Algorithms() Algorithms { return c.algs }

// CachedRequest returns a copy of the last accepted request.
func (c *Connection) CachedRequest() []byte { return append([]byte(nil), c.cached...) }

// NotReadyContext returns the error context of the last RESPONSE_NOT_READY.
func (c *Connection) NotReadyContext() (protocol.NotReadyData, bool) {
	if c.notReady == nil {
		return protocol.NotReadyData{}, false
	}
	return *c.notReady, true
}

// Session returns an active session by ID or nil.
func (c *Connection) Session(id uint32) *Session { return c.sessions[id] }

// Sessions returns the number of active sessions.
func (c *Connection) Sessions() int { return len(c.sessions) }

// PeerDigests returns the requester certificate digests retrieved with an
// encapsulated GET_DIGESTS.
func (c *Connection) PeerDigests() (slotMask uint8, digests [][]byte) {
	return c.peerSlotMask, c.peerDigests
}

// advance moves the connection state forward, never backward.
func (c *Connection) advance(s ConnectionState) {
	if s > c.state {
		c.state = s
	}
}

// reset clears every negotiated parameter, transcript, and session. The
// NOT_READY token survives so that tokens are never reused within a
// connection.
func (c *Connection) reset() {
	for id, s := range c.sessions {
		s.destroy()
		delete(c.sessions, id)
	}
	*c = Connection{
		token:         c.token,
		sessions:      c.sessions,
		nextSessionID: c.nextSessionID,
	}
}

func (c *Connection) addSession(s *Session) {
	if c.sessions == nil {
		c.sessions = make(map[uint32]*Session)
	}
	c.sessions[s.ID] = s
}

func (c *Connection) removeSession(id uint32) {
	if s, ok := c.sessions[id]; ok {
		s.destroy()
		delete(c.sessions, id)
	}
}

// allocSessionID returns the responder half of a new session ID, skipping
// zero and halves in use.
func (c *Connection) allocSessionID(reqID uint16) uint16 {
	for {
		c.nextSessionID--
		if c.nextSessionID == 0 {
			continue
		}
		if _, used := c.sessions[protocol.SessionID(reqID, c.nextSessionID)]; !used {
			return c.nextSessionID
		}
	}
}

// The returned slice is always a new allocation.
func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
