// Package wire implements the ANP wire codec: a fixed 24-byte message
// header plus a payload of tagged scalar elements. All multi-byte
// integers are big-endian. See Message and Element.
package wire

import "fmt"

// Tag identifies the wire type of an Element.
type Tag byte

// Element tag values, fixed by the protocol.
const (
	TagU32    Tag = 1
	TagU64    Tag = 2
	TagString Tag = 3
	TagBin    Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagU32:
		return "U32"
	case TagU64:
		return "U64"
	case TagString:
		return "String"
	case TagBin:
		return "Bin"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// TypeMismatchError is returned by an Element accessor called against the
// wrong variant.
type TypeMismatchError struct {
	Requested Tag
	Actual    Tag
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("wire: type mismatch: requested %s, element is %s", e.Requested, e.Actual)
}

// Element is a tagged variant over {U32, U64, String, Bin}. The zero value
// is not a valid Element; construct one with U32Elem, U64Elem, StrElem, or
// BinElem.
//
// Strings and byte strings are treated as opaque bytes at this layer: the
// codec preserves bytes exactly and never applies Unicode normalization.
type Element struct {
	tag Tag
	u32 uint32
	u64 uint64
	str string
	bin []byte
}

// U32Elem constructs a U32 element.
func U32Elem(v uint32) Element { return Element{tag: TagU32, u32: v} }

// U64Elem constructs a U64 element.
func U64Elem(v uint64) Element { return Element{tag: TagU64, u64: v} }

// StrElem constructs a String element. s is treated as a raw byte string
// (historically Latin-1); callers must not assume UTF-8 semantics survive
// a round trip through a non-Go peer.
func StrElem(s string) Element { return Element{tag: TagString, str: s} }

// BinElem constructs a Bin element, identical on the wire to String but
// intended for arbitrary bytes.
func BinElem(b []byte) Element { return Element{tag: TagBin, bin: b} }

// Tag reports the element's variant.
func (e Element) Tag() Tag { return e.tag }

// U32 returns the element's value if it is a U32, else a TypeMismatchError.
func (e Element) U32() (uint32, error) {
	if e.tag != TagU32 {
		return 0, &TypeMismatchError{Requested: TagU32, Actual: e.tag}
	}
	return e.u32, nil
}

// U64 returns the element's value if it is a U64, else a TypeMismatchError.
func (e Element) U64() (uint64, error) {
	if e.tag != TagU64 {
		return 0, &TypeMismatchError{Requested: TagU64, Actual: e.tag}
	}
	return e.u64, nil
}

// Str returns the element's value if it is a String, else a TypeMismatchError.
func (e Element) Str() (string, error) {
	if e.tag != TagString {
		return "", &TypeMismatchError{Requested: TagString, Actual: e.tag}
	}
	return e.str, nil
}

// Bin returns the element's value if it is a Bin, else a TypeMismatchError.
func (e Element) Bin() ([]byte, error) {
	if e.tag != TagBin {
		return nil, &TypeMismatchError{Requested: TagBin, Actual: e.tag}
	}
	return e.bin, nil
}

// Size returns the encoded size in bytes of this element, including its
// 1-byte tag: U32=5, U64=9, String=5+len, Bin=5+len.
func (e Element) Size() int {
	switch e.tag {
	case TagU32:
		return 1 + 4
	case TagU64:
		return 1 + 8
	case TagString:
		return 1 + 4 + len(e.str)
	case TagBin:
		return 1 + 4 + len(e.bin)
	default:
		return 0
	}
}

// Equal reports whether e and other are the same variant and value.
// Unknown/zero-value elements never compare equal.
func (e Element) Equal(other Element) bool {
	if e.tag != other.tag {
		return false
	}
	switch e.tag {
	case TagU32:
		return e.u32 == other.u32
	case TagU64:
		return e.u64 == other.u64
	case TagString:
		return e.str == other.str
	case TagBin:
		if len(e.bin) != len(other.bin) {
			return false
		}
		for i := range e.bin {
			if e.bin[i] != other.bin[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
