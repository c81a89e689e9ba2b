// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

// reader is a bounds-checked little-endian cursor. The first short read
// latches an error and every later read returns zero values.
type reader struct {
	what string
	b    []byte
	off  int
	err  error
}

func newReader(what string, b []byte) *reader { return &reader{what: what, b: b} }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = short(r.what, r.off+n, len(r.b))
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if p := r.take(2); p != nil {
		return le.Uint16(p)
	}
	return 0
}

func (r *reader) u24() uint32 {
	if p := r.take(3); p != nil {
		return uint24(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return le.Uint32(p)
	}
	return 0
}

// bytes returns an owned copy of the next n bytes.
func (r *reader) bytes(n int) []byte {
	if p := r.take(n); p != nil {
		return append([]byte{}, p...)
	}
	return nil
}

func (r *reader) skip(n int) { r.take(n) }

func (r *reader) header() Header {
	p := r.take(HeaderSize)
	if p == nil {
		return Header{}
	}
	return Header{Version: Version(p[0]), Code: Code(p[1]), Param1: p[2], Param2: p[3]}
}

func (r *reader) rest() []byte { return r.bytes(len(r.b) - r.off) }

func (r *reader) remaining() int { return len(r.b) - r.off }
