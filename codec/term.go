// Package codec implements the self-describing term encoding carried inside
// peer-rpc frames, and the request/reply packet forms built from it.
//
// The term grammar covers atoms (short interned strings), integers,
// binaries, strings, booleans, nil, lists, and tuples. Every value is
// prefixed with a one-byte tag, so the encoding is self-describing and both
// ends of a connection decode it identically.
//
// Term format per tag:
//
//	'a' atom    uint16 len + bytes
//	'i' integer 8 bytes, big-endian two's complement
//	'b' binary  uint32 len + bytes
//	's' string  uint32 len + bytes
//	'B' boolean 1 byte (0 or 1)
//	'n' nil     no body
//	'l' list    uint32 count + count terms
//	't' tuple   uint32 count + count terms
//
// Integers are normalized to int64 on encode, so Decode(Encode(v)) == v
// holds over the canonical term types: Atom, int64, []byte, string, bool,
// nil, List, Tuple.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Atom is a short interned string, used for node, module, and function
// names and for protocol tags. Atoms come from a small bounded set.
type Atom string

// Tuple is a fixed-shape sequence of terms.
type Tuple []any

// List is a variable-length sequence of terms.
type List []any

const (
	tagAtom   byte = 'a'
	tagInt    byte = 'i'
	tagBinary byte = 'b'
	tagString byte = 's'
	tagBool   byte = 'B'
	tagNil    byte = 'n'
	tagList   byte = 'l'
	tagTuple  byte = 't'
)

// ErrCorrupt marks any decoding failure. A connection that produced a
// corrupt term cannot be re-synchronized and must be closed.
var ErrCorrupt = errors.New("codec: corrupt term")

const maxAtomLen = math.MaxUint16

// Encode serializes a term to bytes.
func Encode(v any) ([]byte, error) {
	var buf []byte
	return appendTerm(buf, v)
}

func appendTerm(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case Atom:
		if len(x) > maxAtomLen {
			return nil, fmt.Errorf("codec: atom too long (%d bytes)", len(x))
		}
		buf = append(buf, tagAtom)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(x)))
		return append(buf, x...), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, tagBool, b), nil
	case []byte:
		buf = append(buf, tagBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case string:
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case List:
		buf = append(buf, tagList)
		return appendSeq(buf, x)
	case Tuple:
		buf = append(buf, tagTuple)
		return appendSeq(buf, x)
	default:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(n)), nil
	}
}

func appendSeq(buf []byte, elems []any) ([]byte, error) {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(elems)))
	var err error
	for _, e := range elems {
		if buf, err = appendTerm(buf, e); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// toInt64 normalizes every Go integer kind to int64.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("codec: integer %d overflows int64", n)
		}
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("codec: integer %d overflows int64", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("codec: unsupported term type %T", v)
	}
}

// Decode parses one term from b. The whole input must be consumed;
// trailing bytes are corrupt.
func Decode(b []byte) (any, error) {
	d := decoder{data: b}
	v, err := d.term()
	if err != nil {
		return nil, err
	}
	if d.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b)-d.off)
	}
	return v, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrCorrupt, d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) term() (any, error) {
	tb, err := d.take(1)
	if err != nil {
		return nil, err
	}
	switch tb[0] {
	case tagNil:
		return nil, nil
	case tagBool:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%w: bad boolean %#x", ErrCorrupt, b[0])
	case tagInt:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case tagAtom:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		s, err := d.take(int(binary.BigEndian.Uint16(b)))
		if err != nil {
			return nil, err
		}
		return Atom(s), nil
	case tagBinary:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		s, err := d.take(int(binary.BigEndian.Uint32(b)))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(s))
		copy(out, s)
		return out, nil
	case tagString:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		s, err := d.take(int(binary.BigEndian.Uint32(b)))
		if err != nil {
			return nil, err
		}
		return string(s), nil
	case tagList:
		elems, err := d.seq()
		if err != nil {
			return nil, err
		}
		return List(elems), nil
	case tagTuple:
		elems, err := d.seq()
		if err != nil {
			return nil, err
		}
		return Tuple(elems), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %#x", ErrCorrupt, tb[0])
	}
}

func (d *decoder) seq() ([]any, error) {
	b, err := d.take(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(b)
	// Each element costs at least one tag byte; a count beyond the
	// remaining input is a desynced frame, not a huge collection.
	if int(n) > len(d.data)-d.off {
		return nil, fmt.Errorf("%w: sequence count %d exceeds input", ErrCorrupt, n)
	}
	elems := make([]any, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}
