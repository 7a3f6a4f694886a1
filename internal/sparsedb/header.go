// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sparsedb implements the sparse columnar binary database writer:
// meta.db, profile.db, cct.db and trace.db, with the bit-exact,
// version-stamped layouts described by §4.4. All multi-byte integers are
// little-endian; floats are IEEE-754 binary64.
package sparsedb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// MajorVersion is the only major version this package writes or reads.
const MajorVersion = 4

// File tags: 14-byte ASCII magic blocks, one per output file (§4.4).
const (
	TagMeta    = "HPCTOOLKITmeta"
	TagProfile = "HPCTOOLKITprof"
	TagContext = "HPCTOOLKITctxt"
	TagTrace   = "HPCTOOLKITtrce"
)

// Footer tags confirm format on read; one fixed footer per file tag
// (e.g. "HPCTOOLKITmeta" -> "__meta.db").
func footerTag(fileTag string) string {
	switch fileTag {
	case TagMeta:
		return "__meta.db"
	case TagProfile:
		return "_prof.db"
	case TagContext:
		return "__ctx.db"
	case TagTrace:
		return "_trace.db"
	default:
		return "________"
	}
}

// Compatibility classifies a read header's minor version against the
// minor version this package writes.
type Compatibility int

const (
	CompatExact Compatibility = iota
	CompatForward
	CompatBackward
	CompatInvalid
)

func (c Compatibility) String() string {
	switch c {
	case CompatExact:
		return "exact"
	case CompatForward:
		return "forward-compatible"
	case CompatBackward:
		return "backward-compatible"
	default:
		return "invalid"
	}
}

// MinorVersion is the minor version this package writes for every file.
// Bumped whenever a new, purely-additive field is appended to a layout.
const MinorVersion = 0

// Header is the common 16-byte magic block: 14-byte file tag, 1-byte
// major version, 1-byte minor version (§4.4).
type Header struct {
	Tag   string
	Major uint8
	Minor uint8
}

func (h Header) Encode() []byte {
	buf := make([]byte, 16)
	copy(buf, h.Tag)
	buf[14] = h.Major
	buf[15] = h.Minor
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 16 {
		return Header{}, fmt.Errorf("sparsedb: header too short (%d bytes)", len(b))
	}
	tag := bytes.TrimRight(b[:14], "\x00")
	return Header{Tag: string(tag), Major: b[14], Minor: b[15]}, nil
}

// Classify reports this header's compatibility with the version this
// package itself writes. An unrecognized file tag or a major version
// mismatch is always CompatInvalid: major version changes are
// wire-breaking by convention.
func (h Header) Classify(wantTag string) Compatibility {
	if h.Tag != wantTag || h.Major != MajorVersion {
		return CompatInvalid
	}
	switch {
	case h.Minor == MinorVersion:
		return CompatExact
	case h.Minor < MinorVersion:
		return CompatBackward
	default:
		return CompatForward
	}
}

// SectionHeader describes one top-level section: a fixed { byte_size,
// file_offset } pair (§4.4).
type SectionHeader struct {
	ByteSize   uint64
	FileOffset uint64
}

func (s SectionHeader) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], s.ByteSize)
	binary.LittleEndian.PutUint64(buf[8:16], s.FileOffset)
	return buf
}

// ReadBody opens path, validates its 16-byte header against wantTag, and
// returns the body between the header and the trailing footer tag. Used by
// the `merge` subcommand's predecessor-DB source, which otherwise has no
// access to this package's writers' internal framing.
func ReadBody(path, wantTag string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("sparsedb: %s: too short to contain a header", path)
	}
	h, err := DecodeHeader(b[:16])
	if err != nil {
		return nil, err
	}
	if h.Classify(wantTag) == CompatInvalid {
		return nil, fmt.Errorf("sparsedb: %s: incompatible header %+v", path, h)
	}
	foot := footerTag(wantTag)
	if len(b) < 16+len(foot) || string(b[len(b)-len(foot):]) != foot {
		return nil, fmt.Errorf("sparsedb: %s: missing or corrupt footer", path)
	}
	return b[16 : len(b)-len(foot)], nil
}

func DecodeSectionHeader(b []byte) (SectionHeader, error) {
	if len(b) < 16 {
		return SectionHeader{}, fmt.Errorf("sparsedb: section header too short")
	}
	return SectionHeader{
		ByteSize:   binary.LittleEndian.Uint64(b[0:8]),
		FileOffset: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
