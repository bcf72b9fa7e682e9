// Package checkpoint implements the on-disk checkpoint format: a
// small text-tagged envelope around each pool's raw byte image, plus
// the three singleton roots' short pointers. The binary payload is
// wrapped in minimal textual framing that a matching decoder walks
// back field-by-field, rather than a generic serialization library.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vesta-scm/repository/pool"
)

// EndianWord is the little-endian sentinel written at the head of
// every memory-image record, letting a reader detect a byte-order
// mismatch.
const EndianWord = 0x01020304

// FormatVersion is the checkpoint record format's own version number,
// written in the `smem`/`vmem` header (independent of the
// transactional log's version).
const FormatVersion = 1

// Roots holds the short pointers to the three singleton roots' rep
// blocks. The *Attr fields are carried for wire-record shape but are
// always pool.Null: attribute history travels inline inside each
// node's rep block (dirnode's Node.Attrs, appended by repo/snapshot.go
// after the rep/link bytes) rather than as its own pool-block chain.
type Roots struct {
	RepoRootRep      pool.ShortPtr
	RepoRootAttr     pool.ShortPtr
	MutableRootRep   pool.ShortPtr
	MutableRootAttr  pool.ShortPtr
	VolatileRootRep  pool.ShortPtr
	VolatileRootAttr pool.ShortPtr
}

// Write serializes a full checkpoint: the stable pool's image, the
// repository and mutable roots, and, when includeVolatile is set,
// the volatile pool's image and volatile root's rep pointer, used for
// server restart-without-reload.
func Write(w io.Writer, stable *pool.Pool, volatile *pool.Pool, roots Roots, includeVolatile bool) error {
	bw := bufio.NewWriter(w)

	if err := writeMemRecord(bw, "smem", stable); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "(rroot %d %d)\n", roots.RepoRootRep, roots.RepoRootAttr); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "(mroot %d %d)\n", roots.MutableRootRep, roots.MutableRootAttr); err != nil {
		return err
	}
	if includeVolatile {
		if err := writeMemRecord(bw, "vmem", volatile); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "(vroot %d %d)\n", roots.VolatileRootRep, roots.VolatileRootAttr); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeMemRecord(w *bufio.Writer, tag string, p *pool.Pool) error {
	if _, err := fmt.Fprintf(w, "(%s %d\n", tag, FormatVersion); err != nil {
		return err
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], EndianWord)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(p.NextSP()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(p.Bytes()); err != nil {
		return err
	}
	_, err := w.WriteString("\n)\n")
	return err
}

// Read parses a checkpoint written by Write, loading stable (and,
// when present, volatile) into fresh pools and returning the recorded
// roots. includeVolatile controls whether a present vmem/vroot pair
// is slurped or skipped over.
func Read(r io.Reader, stable *pool.Pool, volatile *pool.Pool, includeVolatile bool) (Roots, error) {
	br := bufio.NewReader(r)
	var roots Roots

	if err := readMemRecord(br, "smem", stable); err != nil {
		return roots, err
	}
	a, b, err := readPairRecord(br, "rroot")
	if err != nil {
		return roots, err
	}
	roots.RepoRootRep, roots.RepoRootAttr = a, b

	a, b, err = readPairRecord(br, "mroot")
	if err != nil {
		return roots, err
	}
	roots.MutableRootRep, roots.MutableRootAttr = a, b

	// A vmem/vroot pair may or may not follow, depending on whether
	// this checkpoint was written with includeVolatile.
	if _, peekErr := br.Peek(1); peekErr != nil {
		return roots, nil
	}
	if includeVolatile {
		if err := readMemRecord(br, "vmem", volatile); err != nil {
			return roots, err
		}
	} else {
		if err := skipMemRecord(br, "vmem"); err != nil {
			return roots, err
		}
	}
	a, b, err = readPairRecord(br, "vroot")
	if err != nil {
		return roots, err
	}
	roots.VolatileRootRep, roots.VolatileRootAttr = a, b
	return roots, nil
}

func readMemRecord(br *bufio.Reader, tag string, p *pool.Pool) error {
	data, err := readMemPayload(br, tag)
	if err != nil {
		return err
	}
	return p.LoadCheckpoint(data)
}

func skipMemRecord(br *bufio.Reader, tag string) error {
	_, err := readMemPayload(br, tag)
	return err
}

// readMemPayload reads one `(tag version\n<8-byte header><body>\n)\n`
// record and returns body.
func readMemPayload(br *bufio.Reader, tag string) ([]byte, error) {
	header, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s header: %w", tag, err)
	}
	wantPrefix := "(" + tag + " "
	if !strings.HasPrefix(header, wantPrefix) {
		return nil, fmt.Errorf("checkpoint: expected %q record, got %q", tag, header)
	}

	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: read %s endian/nextSP: %w", tag, err)
	}
	endian := binary.LittleEndian.Uint32(hdr[0:4])
	if endian != EndianWord {
		return nil, fmt.Errorf("checkpoint: %s: endian mismatch (got %#x)", tag, endian)
	}
	nextSP := binary.LittleEndian.Uint32(hdr[4:8])
	var length uint32
	if nextSP > 0 {
		length = nextSP - 1
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("checkpoint: read %s body: %w", tag, err)
	}
	trailer := make([]byte, 3)
	if _, err := io.ReadFull(br, trailer); err != nil {
		return nil, fmt.Errorf("checkpoint: read %s trailer: %w", tag, err)
	}
	if string(trailer) != "\n)\n" {
		return nil, fmt.Errorf("checkpoint: %s: malformed trailer %q", tag, trailer)
	}
	return data, nil
}

func readPairRecord(br *bufio.Reader, tag string) (pool.ShortPtr, pool.ShortPtr, error) {
	line, err := readLine(br)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint: read %s: %w", tag, err)
	}
	fields := strings.Fields(strings.TrimSuffix(strings.TrimPrefix(line, "("+tag+" "), ")"))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("checkpoint: malformed %s record %q", tag, line)
	}
	a, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint: %s: %w", tag, err)
	}
	b, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint: %s: %w", tag, err)
	}
	return pool.ShortPtr(a), pool.ShortPtr(b), nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}
