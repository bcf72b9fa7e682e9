// Package fingerprint computes the 16-byte content fingerprints used
// to deduplicate sealed files and directories.
//
// Hashing uses the collision-detecting SHA-1 from
// github.com/pjbgf/sha1cd, keeping the leading 16 bytes of the 20-byte
// digest since the wire format is fixed at 16 bytes.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"github.com/pjbgf/sha1cd"
)

// Size is the fixed fingerprint width in bytes.
const Size = 16

// Fingerprint is a 16-byte content hash.
type Fingerprint [Size]byte

// Kind tags the logical content type being fingerprinted. The tag is
// hashed together with the payload so that, e.g., a directory rep and
// a file blob of identical bytes never collide in the dedup index.
type Kind string

const (
	// KindFile tags file content fingerprints.
	KindFile Kind = "TextD"
	// KindDirectory tags packed directory rep fingerprints.
	KindDirectory Kind = "DirD"
)

// Compute returns the fingerprint of kind||data.
func Compute(kind Kind, data []byte) Fingerprint {
	h := sha1cd.New()
	h.Write([]byte(kind)) //nolint:errcheck
	h.Write(data)         //nolint:errcheck
	sum := h.Sum(nil)

	var fp Fingerprint
	copy(fp[:], sum[:Size])
	return fp
}

// IsZero reports whether fp is the all-zero fingerprint.
func (fp Fingerprint) IsZero() bool {
	for _, b := range fp {
		if b != 0 {
			return false
		}
	}
	return true
}

// String renders fp as the transactional-log textual form: 16
// space-separated hex bytes.
func (fp Fingerprint) String() string {
	s := make([]byte, 0, Size*3)
	for i, b := range fp {
		if i > 0 {
			s = append(s, ' ')
		}
		s = append(s, []byte(fmt.Sprintf("%02x", b))...)
	}
	return string(s)
}

// Hex renders fp as a single contiguous hex string, useful for map
// keys and compact logging.
func (fp Fingerprint) Hex() string { return hex.EncodeToString(fp[:]) }

// FromHex parses the contiguous hex form produced by Hex.
func FromHex(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, err
	}
	if len(b) != Size {
		return fp, fmt.Errorf("fingerprint: %d bytes, want %d", len(b), Size)
	}
	copy(fp[:], b)
	return fp, nil
}
