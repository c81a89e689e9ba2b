// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

// VersionResponse is the VERSION response. Its header version is always 1.0.
//
//	VERSION = {
//	    Header:                  { 0x10, 0x04, 0, 0 },
//	    Reserved:                uint8,
//	    VersionNumberEntryCount: uint8,
//	    VersionNumberEntry:      [ * uint16 ],
//	}
type VersionResponse struct {
	Versions []Version
}

// Append appends the encoded response to b.
func (m VersionResponse) Append(b []byte) []byte {
	b = Header{Version: Version10, Code: VersionRsp}.Append(b)
	b = append(b, 0, uint8(len(m.Versions)))
	for _, v := range m.Versions {
		b = le.AppendUint16(b, v.VersionEntry())
	}
	return b
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *VersionResponse) UnmarshalBinary(b []byte) error {
	r := newReader("VERSION", b)
	r.header()
	r.skip(1)
	n := int(r.u8())
	versions := make([]Version, 0, n)
	for i := 0; i < n; i++ {
		versions = append(versions, VersionFromEntry(r.u16()))
	}
	if r.err != nil {
		return r.err
	}
	m.Versions = versions
	return nil
}

// Highest returns the highest version present in both lists, or zero.
func (m VersionResponse) Highest(supported []Version) Version {
	var best Version
	for _, v := range m.Versions {
		for _, s := range supported {
			if v == s && v > best {
				best = v
			}
		}
	}
	return best
}
