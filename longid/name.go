// Package longid implements Name (a.k.a. LongId): the 32-byte opaque
// path identifier used throughout the repository core. A Name encodes
// a sequence of positive directory-entry indices from one of three
// process-wide roots, each index packed 7 bits per byte with the
// continuation bit set on every byte but the last, terminated by a
// literal zero byte.
//
// Name is a small, comparable, fixed-size value type with
// String()/Parse() round-tripping through a textual form used by logs
// and error messages.
package longid

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Size is the fixed envelope of a Name in bytes.
const Size = 32

// Name is a 32-byte opaque path identifier. The zero value is the
// repository root's Name (equal to NewRoot(RootRepository)), not a
// sentinel; use Null() for the distinguished sentinel returned on
// overflow.
type Name [Size]byte

// RootKind selects which of the process-wide roots (or direct
// by-identifier reference) a Name descends from.
type RootKind uint8

const (
	// RootRepository is the appendable repository root.
	RootRepository RootKind = iota
	// RootMutable is the mutable workspace root.
	RootMutable
	// RootVolatile is the ephemeral build-result root.
	RootVolatile
	// RootFileIDDirectory is a direct reference to an immutable
	// directory by file-identifier.
	RootFileIDDirectory
	// RootFileIDFile is a direct reference to an immutable file by
	// identifier plus content fingerprint.
	RootFileIDFile
)

func (k RootKind) String() string {
	switch k {
	case RootRepository:
		return "repository"
	case RootMutable:
		return "mutable"
	case RootVolatile:
		return "volatile"
	case RootFileIDDirectory:
		return "fileid-dir"
	case RootFileIDFile:
		return "fileid-file"
	default:
		return fmt.Sprintf("RootKind(%d)", uint8(k))
	}
}

// nullMarker is written at byte 0 of the null Name. A valid Name
// always starts with a literal 0x00 root marker byte (the first
// encoded index is always 0), so 0xFF can never occur there in a
// Name built by this package and is safe to reserve as the sentinel.
const nullMarker = 0xff

// Null returns the distinguished null Name. It is never a valid
// ancestor or descendant of any other Name, including itself in the
// ordinary sense: IsAncestorOf always returns false when either side
// is null.
func Null() Name {
	var n Name
	n[0] = nullMarker
	return n
}

// IsNull reports whether n is the distinguished null Name.
func (n Name) IsNull() bool { return n[0] == nullMarker }

// NewRoot returns the Name denoting the given root with an empty
// path (i.e. the root directory itself).
func NewRoot(kind RootKind) Name {
	var n Name
	n[0] = 0
	n[1] = byte(kind)
	return n
}

// indices decodes every varint-packed index in n, in order, stopping
// at the terminating zero byte. The first two decoded indices are
// always the 0 marker and the RootKind discriminator.
func (n Name) indices() ([]uint32, int, bool) {
	var out []uint32
	pos := 0
	for pos < Size {
		v, width, ok := readVarint(n[pos:])
		if !ok {
			return nil, 0, false
		}
		if width == 0 {
			// Terminator: a bare zero byte with no continuation,
			// encountered after at least the two marker indices.
			if len(out) >= 2 {
				return out, pos, true
			}
			// A zero appearing as the 2nd index IS root-repository's
			// discriminator (0), so only treat as terminator once we
			// already have 2 entries; otherwise it's data.
			out = append(out, v)
			pos++
			continue
		}
		out = append(out, v)
		pos += width
	}
	return out, pos, len(out) >= 2
}

// readVarint decodes one 7-bit-per-byte little-endian varint from the
// front of b. width==0 with ok==true signals a lone terminator byte
// (value 0, continuation bit clear, and the caller has not yet seen
// any continuation on this byte, indistinguishable from "index 0" by
// construction, which is why index 0 is never a legal path index).
func readVarint(b []byte) (value uint32, width int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	var v uint32
	shift := uint(0)
	for i, c := range b {
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			if i == 0 && c == 0 {
				return 0, 0, true
			}
			return v, i + 1, true
		}
		shift += 7
		if shift > 35 {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

// writeVarint appends the 7-bit-per-byte encoding of v to buf.
func writeVarint(buf []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, c|0x80)
		} else {
			buf = append(buf, c)
			return buf
		}
	}
}

// RootKind returns the root this Name descends from, or false if n is
// null or malformed.
func (n Name) RootKind() (RootKind, bool) {
	idx, _, ok := n.indices()
	if !ok || n.IsNull() || len(idx) < 2 {
		return 0, false
	}
	return RootKind(idx[1]), true
}

// Indices exposes the decoded sequence of packed indices in n (the
// leading 0 marker, the RootKind discriminator, and every path index
// that follows) for a caller that needs to walk a Name one component
// at a time rather than treat it as an opaque key. It is meaningless
// for a RootFileIDFile Name, whose trailing fingerprint bytes aren't
// varint-encoded; use
// FileIDFileComponents for that root kind instead.
func (n Name) Indices() ([]uint32, bool) {
	idx, _, ok := n.indices()
	return idx, ok
}

// FileIDDirectoryComponents decodes a RootFileIDDirectory Name into
// the directory identifier it addresses directly. Unlike
// RootFileIDFile, this root kind's encoding is an ordinary terminated
// varint sequence, so it decodes through the same
// indices() path as any other Name.
func (n Name) FileIDDirectoryComponents() (id uint32, ok bool) {
	kind, kindOK := n.RootKind()
	if !kindOK || kind != RootFileIDDirectory {
		return 0, false
	}
	idx, _, decOK := n.indices()
	if !decOK || len(idx) < 3 {
		return 0, false
	}
	return idx[2], true
}

// FileIDFileComponents decodes a RootFileIDFile Name into the file
// identifier and the raw 16-byte content fingerprint
// AppendFingerprint packs after it. The fingerprint suffix is raw
// bytes, not a varint, so this does not go
// through the ordinary indices()/terminator scan: it decodes the
// leading "0, fileid-file, id" prefix field by field and treats
// whatever follows as the fingerprint.
func (n Name) FileIDFileComponents() (id uint32, fp [16]byte, ok bool) {
	if n.IsNull() || n[0] != 0 {
		return 0, fp, false
	}
	kindVal, w1, rok := readVarint(n[1:])
	if !rok || w1 == 0 || RootKind(kindVal) != RootFileIDFile {
		return 0, fp, false
	}
	pos := 1 + w1
	idVal, w2, rok := readVarint(n[pos:])
	if !rok || w2 == 0 {
		return 0, fp, false
	}
	pos += w2
	if pos+16 > Size {
		return 0, fp, false
	}
	copy(fp[:], n[pos:pos+16])
	return idVal, fp, true
}

// Append returns a new Name extending n with one more path index.
// index must be a positive directory-entry index (0 is reserved as
// the terminator/marker and is never legal here). If the resulting
// encoding would not fit in the 32-byte envelope, Append returns the
// null Name: callers must never log or persist it.
func (n Name) Append(index uint32) Name {
	if n.IsNull() || index == 0 {
		return Null()
	}
	idx, width, ok := n.indices()
	if !ok {
		return Null()
	}
	var buf []byte
	for _, v := range idx {
		buf = writeVarint(buf, v)
	}
	buf = writeVarint(buf, index)
	buf = append(buf, 0) // terminator
	if len(buf) > Size {
		return Null()
	}
	var out Name
	copy(out[:], buf)
	_ = width
	return out
}

// AppendFingerprint extends a RootFileIDFile Name with the raw
// 16-byte content fingerprint that follows the file identifier. It is
// only meaningful directly after NewRoot(RootFileIDFile).Append(id).
func (n Name) AppendFingerprint(fp [16]byte) Name {
	if n.IsNull() {
		return Null()
	}
	idx, _, ok := n.indices()
	if !ok {
		return Null()
	}
	var buf []byte
	for _, v := range idx {
		buf = writeVarint(buf, v)
	}
	buf = append(buf, fp[:]...)
	if len(buf) > Size {
		return Null()
	}
	var out Name
	copy(out[:], buf)
	return out
}

// Parent returns the Name one level up, and the index that Append
// would need in order to reproduce n from that parent. ok is false for
// a root Name (no parent) or a null/malformed Name.
func (n Name) Parent(outIndex *uint32) (Name, bool) {
	if n.IsNull() {
		return Null(), false
	}
	idx, _, ok := n.indices()
	if !ok || len(idx) <= 2 {
		return Null(), false
	}
	last := idx[len(idx)-1]
	parentIdx := idx[:len(idx)-1]

	var buf []byte
	for _, v := range parentIdx {
		buf = writeVarint(buf, v)
	}
	buf = append(buf, 0)
	var out Name
	copy(out[:], buf)
	if outIndex != nil {
		*outIndex = last
	}
	return out, true
}

// IsAncestorOf reports whether n is a strict ancestor of other: other
// equals n with one or more indices appended. The null Name is never
// an ancestor of anything, nor is anything an ancestor of it.
func (n Name) IsAncestorOf(other Name) bool {
	if n.IsNull() || other.IsNull() {
		return false
	}
	nIdx, _, ok1 := n.indices()
	oIdx, _, ok2 := other.indices()
	if !ok1 || !ok2 || len(oIdx) <= len(nIdx) {
		return false
	}
	for i, v := range nIdx {
		if oIdx[i] != v {
			return false
		}
	}
	return true
}

// Depth returns the number of path indices below the root selector
// (i.e. 0 for a bare root Name).
func (n Name) Depth() int {
	idx, _, ok := n.indices()
	if !ok || len(idx) < 2 {
		return 0
	}
	return len(idx) - 2
}

// String renders n as the transactional log writes it: each decoded
// index (root marker and RootKind included) in lowercase hex without
// zero padding, joined by "+" and terminated by "/", e.g. "0+1+5/";
// the null Name renders as "@<hex>" of its raw bytes. The raw
// varint-encoded bytes are not printed, so an index of 0x80 or more
// appears as one value, not as its encoded bytes.
func (n Name) String() string {
	if n.IsNull() {
		return "@" + fmt.Sprintf("%x", [Size]byte(n))
	}
	idx, _, ok := n.indices()
	if !ok {
		return "@" + fmt.Sprintf("%x", [Size]byte(n))
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.FormatUint(uint64(v), 16)
	}
	return strings.Join(parts, "+") + "/"
}

// Parse is the inverse of String for the non-null textual form. It is
// used by log replay and tests; it does not accept the "@<hex>" form
// since a well-formed log must never contain the null Name.
func Parse(s string) (Name, error) {
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return Null(), fmt.Errorf("longid: empty Name text")
	}
	parts := strings.Split(s, "+")
	var buf []byte
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 16, 32)
		if err != nil {
			return Null(), fmt.Errorf("longid: parse %q: %w", s, err)
		}
		buf = writeVarint(buf, uint32(v))
	}
	buf = append(buf, 0)
	if len(buf) > Size {
		return Null(), fmt.Errorf("longid: %q overflows %d bytes", s, Size)
	}
	var out Name
	copy(out[:], buf)
	return out, nil
}

// Equal reports byte-for-byte equality.
func (n Name) Equal(other Name) bool { return bytes.Equal(n[:], other[:]) }
