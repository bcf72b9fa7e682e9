// Package txlog implements the append-only transactional log:
// textual `(<tag> <field>…)\n` records, batched into nesting-counted
// transactions, with version-gated replay semantics. The format is a
// small, line-oriented textual grammar with its own encoder/decoder
// pair and a single io.Writer/io.Reader boundary, rather than a
// generic serialization library.
package txlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/longid"
)

// Tag identifies a record's operation.
type Tag string

const (
	TagVers   Tag = "vers"
	TagDel    Tag = "del"
	TagInsF   Tag = "insf"
	TagInsU   Tag = "insu"
	TagInsI   Tag = "insi"
	TagInsM   Tag = "insm"
	TagInsA   Tag = "insa"
	TagInsG   Tag = "insg"
	TagInsS   Tag = "inss"
	TagRen    Tag = "ren"
	TagMakM   Tag = "makm"
	TagMakI   Tag = "maki"
	TagCopy2M Tag = "copy2m"
	TagMast   Tag = "mast"
	TagAttr   Tag = "attr"
	TagTime   Tag = "time"
	TagColb   Tag = "colb"
)

// CurrentVersion is the highest log version this module understands.
const CurrentVersion = 4

// Record is a single decoded log entry. Not every field is meaningful
// for every Tag; Encode's per-tag cases are the authoritative field
// list.
type Record struct {
	Tag Tag

	Dir      longid.Name
	Arc      string
	ChildDir longid.Name
	ToDir    longid.Name
	ToArc    string
	FromDir  longid.Name
	FromArc  string

	FileID  uint32
	Index   uint32
	Version int
	Master  bool
	State   bool
	Ts      int64

	HasFP bool
	FP    fingerprint.Fingerprint

	AttrOp    string
	AttrName  string
	AttrValue string
}

// Encode renders r in the textual log grammar, including the trailing
// newline.
func Encode(r Record) (string, error) {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(string(r.Tag))

	switch r.Tag {
	case TagVers:
		fmt.Fprintf(&b, " %d", r.Version)
	case TagDel:
		fmt.Fprintf(&b, " %s %s %d", r.Dir, quote(r.Arc), r.Ts)
	case TagInsF:
		fmt.Fprintf(&b, " %s %s %d %s %d", r.Dir, quote(r.Arc), r.FileID, boolTok(r.Master), r.Ts)
		if r.HasFP {
			fmt.Fprintf(&b, " %s", r.FP.String())
		}
	case TagInsU:
		fmt.Fprintf(&b, " %s %s %d %s %d", r.Dir, quote(r.Arc), r.FileID, boolTok(r.Master), r.Ts)
	case TagInsI:
		fmt.Fprintf(&b, " %s %s %s %s %d", r.Dir, quote(r.Arc), r.ChildDir, boolTok(r.Master), r.Ts)
		if r.HasFP {
			fmt.Fprintf(&b, " %s", r.FP.String())
		}
	case TagInsM:
		fmt.Fprintf(&b, " %s %s %s %s %d", r.Dir, quote(r.Arc), r.ChildDir, boolTok(r.Master), r.Ts)
	case TagInsA, TagInsG, TagInsS:
		fmt.Fprintf(&b, " %s %s %s %d", r.Dir, quote(r.Arc), boolTok(r.Master), r.Ts)
	case TagRen:
		fmt.Fprintf(&b, " %s %s %s %s %d", r.ToDir, quote(r.ToArc), r.FromDir, quote(r.FromArc), r.Ts)
	case TagMakM:
		fmt.Fprintf(&b, " %s %d %d", r.Dir, r.Index, r.FileID)
	case TagMakI:
		fmt.Fprintf(&b, " %s %d", r.Dir, r.Index)
		if r.HasFP {
			fmt.Fprintf(&b, " %s %d", r.FP.String(), r.FileID)
		}
	case TagCopy2M:
		fmt.Fprintf(&b, " %s %d", r.Dir, r.Index)
	case TagMast:
		fmt.Fprintf(&b, " %s %d %s", r.Dir, r.Index, boolTok(r.State))
	case TagAttr:
		fmt.Fprintf(&b, " %s %s %s %s %s %d", r.Dir, quote(r.Arc), r.AttrOp, quote(r.AttrName), quote(r.AttrValue), r.Ts)
	case TagTime:
		fmt.Fprintf(&b, " %s %d", r.Dir, r.Ts)
	case TagColb:
		fmt.Fprintf(&b, " %s", r.Dir)
	default:
		return "", fmt.Errorf("txlog: unknown tag %q", r.Tag)
	}
	b.WriteString(")\n")
	return b.String(), nil
}

func boolTok(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("txlog: malformed quoted string %q", s)
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// Decode parses one textual record (without its surrounding
// parentheses or trailing newline, i.e. the tokens between `(` and
// `)`) into a Record.
func Decode(line string) (Record, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "(")
	line = strings.TrimSuffix(line, ")")
	fields, err := tokenize(line)
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("txlog: empty record")
	}
	tag := Tag(fields[0])
	args := fields[1:]
	r := Record{Tag: tag}

	get := func(i int) (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("txlog: %s: missing field %d", tag, i)
		}
		return args[i], nil
	}
	parseName := func(i int) (longid.Name, error) {
		s, err := get(i)
		if err != nil {
			return longid.Name{}, err
		}
		return longid.Parse(s)
	}
	parseInt64 := func(i int) (int64, error) {
		s, err := get(i)
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(s, 0, 64)
	}
	parseUint32 := func(i int) (uint32, error) {
		s, err := get(i)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(s, 0, 32)
		return uint32(v), err
	}
	parseBool := func(i int) (bool, error) {
		s, err := get(i)
		if err != nil {
			return false, err
		}
		return s == "1", nil
	}
	parseArc := func(i int) (string, error) {
		s, err := get(i)
		if err != nil {
			return "", err
		}
		return unquote(s)
	}
	parseFP := func(toks []string) (fingerprint.Fingerprint, error) {
		if len(toks) != fingerprint.Size {
			return fingerprint.Fingerprint{}, fmt.Errorf("txlog: expected %d fingerprint bytes, got %d", fingerprint.Size, len(toks))
		}
		var fp fingerprint.Fingerprint
		for i, t := range toks {
			v, err := strconv.ParseUint(t, 16, 8)
			if err != nil {
				return fp, err
			}
			fp[i] = byte(v)
		}
		return fp, nil
	}

	var err1 error
	switch tag {
	case TagVers:
		v, err := parseUint32(0)
		r.Version, err1 = int(v), err
	case TagDel:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(2)
		}
	case TagInsF:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.FileID, err1 = parseUint32(2)
		}
		if err1 == nil {
			r.Master, err1 = parseBool(3)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(4)
		}
		if err1 == nil && len(args) > 5 {
			r.HasFP = true
			r.FP, err1 = parseFP(args[5:])
		}
	case TagInsU:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.FileID, err1 = parseUint32(2)
		}
		if err1 == nil {
			r.Master, err1 = parseBool(3)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(4)
		}
	case TagInsI:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.ChildDir, err1 = parseName(2)
		}
		if err1 == nil {
			r.Master, err1 = parseBool(3)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(4)
		}
		if err1 == nil && len(args) > 5 {
			r.HasFP = true
			r.FP, err1 = parseFP(args[5:])
		}
	case TagInsM:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.ChildDir, err1 = parseName(2)
		}
		if err1 == nil {
			r.Master, err1 = parseBool(3)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(4)
		}
	case TagInsA, TagInsG, TagInsS:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.Master, err1 = parseBool(2)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(3)
		}
	case TagRen:
		r.ToDir, err1 = parseName(0)
		if err1 == nil {
			r.ToArc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.FromDir, err1 = parseName(2)
		}
		if err1 == nil {
			r.FromArc, err1 = parseArc(3)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(4)
		}
	case TagMakM:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Index, err1 = parseUint32(1)
		}
		if err1 == nil {
			r.FileID, err1 = parseUint32(2)
		}
	case TagMakI:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Index, err1 = parseUint32(1)
		}
		if err1 == nil && len(args) > 2 {
			if len(args) < 2+fingerprint.Size {
				return Record{}, fmt.Errorf("txlog: maki: truncated fingerprint")
			}
			r.HasFP = true
			r.FP, err1 = parseFP(args[2 : 2+fingerprint.Size])
			if err1 == nil && len(args) > 2+fingerprint.Size {
				r.FileID, err1 = parseUint32(2 + fingerprint.Size)
			}
		}
	case TagCopy2M:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Index, err1 = parseUint32(1)
		}
	case TagMast:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Index, err1 = parseUint32(1)
		}
		if err1 == nil {
			r.State, err1 = parseBool(2)
		}
	case TagAttr:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Arc, err1 = parseArc(1)
		}
		if err1 == nil {
			r.AttrOp, err1 = get(2)
		}
		if err1 == nil {
			r.AttrName, err1 = parseArc(3)
		}
		if err1 == nil {
			r.AttrValue, err1 = parseArc(4)
		}
		if err1 == nil {
			r.Ts, err1 = parseInt64(5)
		}
	case TagTime:
		r.Dir, err1 = parseName(0)
		if err1 == nil {
			r.Ts, err1 = parseInt64(1)
		}
	case TagColb:
		r.Dir, err1 = parseName(0)
	default:
		return Record{}, fmt.Errorf("txlog: unknown tag %q", tag)
	}
	if err1 != nil {
		return Record{}, fmt.Errorf("txlog: decode %s: %w", tag, err1)
	}
	return r, nil
}

// tokenize splits a record's field list on whitespace, respecting
// double-quoted strings (which may contain escaped quotes/backslashes
// and embedded spaces).
func tokenize(s string) ([]string, error) {
	var out []string
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == '"' {
			start := i
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					i += 2
					continue
				}
				if s[i] == '"' {
					i++
					break
				}
				i++
			}
			if i > len(s) || s[start] != '"' || s[i-1] != '"' {
				return nil, fmt.Errorf("txlog: unterminated quoted string in %q", s)
			}
			out = append(out, s[start:i])
			continue
		}
		start := i
		for i < len(s) && s[i] != ' ' {
			i++
		}
		out = append(out, s[start:i])
	}
	return out, nil
}
