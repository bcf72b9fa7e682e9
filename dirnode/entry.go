// Package dirnode implements the directory node: the six-variant
// lattice of mutability, its packed rep-block entry encoding, and the
// operations that traverse and mutate it.
//
// The package splits Entry (de)serialization (entry.go) from the
// in-memory traversal/mutation logic (node.go) operating on the
// decoded slice, rather than re-parsing bytes on every operation.
package dirnode

import (
	"encoding/binary"
	"fmt"
)

// Type is an entry's type tag (4 bits on the wire).
type Type uint8

const (
	ImmutableFile Type = iota
	MutableFile
	ImmutableDirectory
	AppendableDirectory
	MutableDirectory
	VolatileDirectory
	VolatileROEDirectory
	EvaluatorDirectory
	EvaluatorROEDirectory
	Ghost
	Stub
	Device
	Deleted
	Outdated
	Gap
)

func (t Type) String() string {
	names := [...]string{
		"immutableFile", "mutableFile", "immutableDirectory",
		"appendableDirectory", "mutableDirectory", "volatileDirectory",
		"volatileROEDirectory", "evaluatorDirectory", "evaluatorROEDirectory",
		"ghost", "stub", "device", "deleted", "outdated", "gap",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsDirectory reports whether t denotes one of the directory-variant
// entry types (as opposed to a file, device, or tombstone/placeholder
// type).
func (t Type) IsDirectory() bool {
	switch t {
	case ImmutableDirectory, AppendableDirectory, MutableDirectory,
		VolatileDirectory, VolatileROEDirectory, EvaluatorDirectory, EvaluatorROEDirectory:
		return true
	default:
		return false
	}
}

// IsVisibleTombstone reports whether t is a tombstone/placeholder
// entry type a client can still see (ghost, stub), as opposed to
// `deleted`, which is invisible to clients.
func (t Type) IsVisibleTombstone() bool {
	return t == Ghost || t == Stub
}

// Entry is one decoded rep-block entry. Index is not part of the
// entry encoding; it is assigned when the entry is appended to its
// directory (own-rep entries get odd indices; base-layer entries get
// renumbered even indices) and restored out-of-band by whoever
// decodes a rep block back into a Node (see node.go's
// RestoreIndices).
type Entry struct {
	Master     bool
	SameAsBase bool
	HasFP      bool
	Type       Type
	Value      uint32 // file-id, directory short-pointer, gap run length, or forwarding-pointer short-pointer depending on Type
	AttrChain  uint32 // pool short pointer to attribute history head, 0 if none
	FP         [16]byte
	Arc        string

	Index uint32 // assigned at append time, not stored in the entry encoding

	// ShadowIndex is the base layer's index this entry preserves Name
	// identity for, meaningful only when SameAsBase is true. Not part
	// of the wire encoding; populated by the copy-on-write path that
	// creates the shadow (MakeIndexMutable / RenameTo).
	ShadowIndex uint32
}

// entryTerminator marks the end of a rep-block's entry list.
const entryTerminator = 0xff

func flagsByte(e Entry) byte {
	var b byte
	if e.Master {
		b |= 1 << 7
	}
	if e.HasFP {
		b |= 1 << 6
	}
	if e.SameAsBase {
		b |= 1 << 5
	}
	b |= byte(e.Type&0x0f) << 1
	return b
}

func parseFlags(b byte) (master, hasFP, sameAsBase bool, t Type) {
	master = b&(1<<7) != 0
	hasFP = b&(1<<6) != 0
	sameAsBase = b&(1<<5) != 0
	t = Type((b >> 1) & 0x0f)
	return
}

// EncodeEntry appends e's packed wire form to buf and returns the
// extended slice.
func EncodeEntry(buf []byte, e Entry) ([]byte, error) {
	if len(e.Arc) > 255 {
		return nil, fmt.Errorf("dirnode: arc %q exceeds 255 bytes", e.Arc)
	}
	buf = append(buf, flagsByte(e))
	buf = binary.LittleEndian.AppendUint32(buf, e.Value)
	buf = binary.LittleEndian.AppendUint32(buf, e.AttrChain)
	if e.HasFP {
		buf = append(buf, e.FP[:]...)
	}
	buf = append(buf, byte(len(e.Arc)))
	buf = append(buf, e.Arc...)
	return buf, nil
}

// DecodeEntry decodes one entry from the front of buf, returning the
// entry and the number of bytes consumed. It returns ok=false (with 1
// byte consumed) if buf begins with the rep-block terminator byte.
func DecodeEntry(buf []byte) (e Entry, consumed int, ok bool, err error) {
	if len(buf) == 0 {
		return Entry{}, 0, false, fmt.Errorf("dirnode: truncated entry")
	}
	if buf[0] == entryTerminator {
		return Entry{}, 1, false, nil
	}
	if len(buf) < 9 {
		return Entry{}, 0, false, fmt.Errorf("dirnode: truncated entry header")
	}
	master, hasFP, sameAsBase, t := parseFlags(buf[0])
	value := binary.LittleEndian.Uint32(buf[1:5])
	attrChain := binary.LittleEndian.Uint32(buf[5:9])
	pos := 9
	e = Entry{Master: master, HasFP: hasFP, SameAsBase: sameAsBase, Type: t, Value: value, AttrChain: attrChain}
	if hasFP {
		if len(buf) < pos+16 {
			return Entry{}, 0, false, fmt.Errorf("dirnode: truncated fingerprint")
		}
		copy(e.FP[:], buf[pos:pos+16])
		pos += 16
	}
	if len(buf) < pos+1 {
		return Entry{}, 0, false, fmt.Errorf("dirnode: truncated arc length")
	}
	arcLen := int(buf[pos])
	pos++
	if len(buf) < pos+arcLen {
		return Entry{}, 0, false, fmt.Errorf("dirnode: truncated arc bytes")
	}
	e.Arc = string(buf[pos : pos+arcLen])
	pos += arcLen
	return e, pos, true, nil
}

// EncodeRep packs entries into a single rep-block body followed by
// the terminator byte, a free-space-length field, and that many
// padding bytes, sized so the whole block (excluding the trailing
// link) is a multiple of 8 bytes. It does not include the rep-block
// link (see EncodeLink) since callers may batch several blocks.
func EncodeRep(entries []Entry) ([]byte, error) {
	var buf []byte
	var err error
	for _, e := range entries {
		buf, err = EncodeEntry(buf, e)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, entryTerminator)

	pad := (8 - (len(buf)+4)%8) % 8
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pad))
	buf = append(buf, make([]byte, pad)...)
	return buf, nil
}

// DecodeRep decodes every entry in a rep-block body (as produced by
// EncodeRep) up to and past its terminator and free-space padding,
// returning the entries and the number of bytes consumed.
func DecodeRep(buf []byte) ([]Entry, int, error) {
	var entries []Entry
	pos := 0
	for {
		e, n, ok, err := DecodeEntry(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	if len(buf) < pos+4 {
		return nil, 0, fmt.Errorf("dirnode: truncated free-space length")
	}
	freeLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if len(buf) < pos+freeLen {
		return nil, 0, fmt.Errorf("dirnode: truncated free-space padding")
	}
	pos += freeLen
	return entries, pos, nil
}

// LinkKind tags the trailing rep-block link.
type LinkKind uint8

const (
	LinkNone LinkKind = iota
	LinkMore          // another rep block belonging to the same directory
	LinkBase          // pointer to the base layer's topmost rep block
)

// EncodeLink appends a rep-block's trailing link field.
func EncodeLink(buf []byte, kind LinkKind, sp uint32) []byte {
	buf = append(buf, byte(kind))
	buf = binary.LittleEndian.AppendUint32(buf, sp)
	return buf
}

// DecodeLink decodes a rep-block's trailing link field from the
// front of buf, returning the number of bytes consumed (always 5).
func DecodeLink(buf []byte) (kind LinkKind, sp uint32, consumed int, err error) {
	if len(buf) < 5 {
		return 0, 0, 0, fmt.Errorf("dirnode: truncated rep-block link")
	}
	return LinkKind(buf[0]), binary.LittleEndian.Uint32(buf[1:5]), 5, nil
}
