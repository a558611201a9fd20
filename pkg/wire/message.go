package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size in bytes of an ANP message header.
const HeaderSize = 24

// MaxPayloadSize is the hard cap on a message payload (§3): 100 MiB.
// Parsing a header that claims a larger payload is a fatal protocol error.
const MaxPayloadSize = 100 << 20

// ErrMalformedHeader is returned when fewer than HeaderSize bytes are
// available, or the header is otherwise unparseable.
var ErrMalformedHeader = errors.New("wire: malformed header")

// ErrMalformedPayload is returned when the payload bytes truncate mid-element.
var ErrMalformedPayload = errors.New("wire: malformed payload")

// ErrPayloadTooLarge is returned when a header's declared payload_size
// exceeds MaxPayloadSize.
var ErrPayloadTooLarge = fmt.Errorf("wire: payload exceeds %d byte cap", MaxPayloadSize)

// Protocol family/role bit layout of the type field (§3, §6).
const (
	typeFamilyShift = 28
	typeFamilyMask  = 0xF
	typeRoleShift   = 26
	typeRoleMask    = 0x3
	typeNamespaceMask = 0x03FFFFFF

	// FamilyANP is the only protocol family value this codec recognizes.
	FamilyANP = 3

	RoleCommand  = 0
	RoleResponse = 1
	RoleEvent    = 2

	// CancelCmdNamespace is the reserved namespace used for the
	// outgoing-query cancellation message (§6): role=command, this
	// namespace, id equal to the command being cancelled.
	CancelCmdNamespace = 0
)

// CancelCmdType is the type field value for a cancellation command.
const CancelCmdType = FamilyANP<<typeFamilyShift | RoleCommand<<typeRoleShift | CancelCmdNamespace

// IsCancelCmd reports whether t is the reserved cancellation command type.
func IsCancelCmd(t uint32) bool { return t == CancelCmdType }

// MakeType packs a family/role/namespace triple into a type field.
func MakeType(family, role, namespace uint32) uint32 {
	return (family&typeFamilyMask)<<typeFamilyShift |
		(role&typeRoleMask)<<typeRoleShift |
		(namespace & typeNamespaceMask)
}

// Family extracts the top 4 bits of a type field.
func Family(t uint32) uint32 { return (t >> typeFamilyShift) & typeFamilyMask }

// Role extracts the 2-bit role field.
func Role(t uint32) uint32 { return (t >> typeRoleShift) & typeRoleMask }

// Namespace extracts the low 26 bits.
func Namespace(t uint32) uint32 { return t & typeNamespaceMask }

// IsCmd reports whether type's role bits are "command".
func IsCmd(t uint32) bool { return Role(t) == RoleCommand }

// IsRes reports whether type's role bits are "response".
func IsRes(t uint32) bool { return Role(t) == RoleResponse }

// IsEvt reports whether type's role bits are "event".
func IsEvt(t uint32) bool { return Role(t) == RoleEvent }

// Header carries the fixed 24-byte ANP message header fields.
type Header struct {
	Major       uint32
	Minor       uint32
	Type        uint32
	ID          uint64
	PayloadSize uint32
}

// Message is a full ANP message: header plus an ordered list of elements.
type Message struct {
	Header   Header
	Elements []Element
}

// PayloadSize computes the sum of encoded element sizes.
func (m *Message) PayloadSize() uint32 {
	var n int
	for _, e := range m.Elements {
		n += e.Size()
	}
	return uint32(n)
}

// Encode serializes m. When includeHeader is true, the 24-byte header is
// written first with PayloadSize recomputed from the current elements and
// stamped back into m.Header (the invariant that payload_size always
// equals the sum of element sizes holds for both the encoded bytes and
// m.Header itself, so parse(encode(m)) == m, including header fields).
func (m *Message) Encode(includeHeader bool) []byte {
	payloadSize := m.PayloadSize()
	total := int(payloadSize)
	if includeHeader {
		total += HeaderSize
	}
	out := make([]byte, total)
	off := 0
	if includeHeader {
		m.Header.PayloadSize = payloadSize
		binary.BigEndian.PutUint32(out[0:4], m.Header.Major)
		binary.BigEndian.PutUint32(out[4:8], m.Header.Minor)
		binary.BigEndian.PutUint32(out[8:12], m.Header.Type)
		binary.BigEndian.PutUint64(out[12:20], m.Header.ID)
		binary.BigEndian.PutUint32(out[20:24], payloadSize)
		off = HeaderSize
	}
	for _, e := range m.Elements {
		off = encodeElement(out, off, e)
	}
	return out
}

func encodeElement(dst []byte, off int, e Element) int {
	dst[off] = byte(e.tag)
	off++
	switch e.tag {
	case TagU32:
		binary.BigEndian.PutUint32(dst[off:off+4], e.u32)
		off += 4
	case TagU64:
		binary.BigEndian.PutUint64(dst[off:off+8], e.u64)
		off += 8
	case TagString:
		binary.BigEndian.PutUint32(dst[off:off+4], uint32(len(e.str)))
		off += 4
		off += copy(dst[off:], e.str)
	case TagBin:
		binary.BigEndian.PutUint32(dst[off:off+4], uint32(len(e.bin)))
		off += 4
		off += copy(dst[off:], e.bin)
	}
	return off
}

// ParseHeader decodes the first HeaderSize bytes of b into a Header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrMalformedHeader
	}
	h := Header{
		Major:       binary.BigEndian.Uint32(b[0:4]),
		Minor:       binary.BigEndian.Uint32(b[4:8]),
		Type:        binary.BigEndian.Uint32(b[8:12]),
		ID:          binary.BigEndian.Uint64(b[12:20]),
		PayloadSize: binary.BigEndian.Uint32(b[20:24]),
	}
	return h, nil
}

// ParsePayload decodes a sequence of tagged elements from b. It reads until
// the end of the buffer; any truncation mid-element is a parse error.
func ParsePayload(b []byte) ([]Element, error) {
	var elems []Element
	off := 0
	for off < len(b) {
		tag := Tag(b[off])
		off++
		switch tag {
		case TagU32:
			if off+4 > len(b) {
				return nil, ErrMalformedPayload
			}
			elems = append(elems, U32Elem(binary.BigEndian.Uint32(b[off:off+4])))
			off += 4
		case TagU64:
			if off+8 > len(b) {
				return nil, ErrMalformedPayload
			}
			elems = append(elems, U64Elem(binary.BigEndian.Uint64(b[off:off+8])))
			off += 8
		case TagString:
			n, next, err := readLenPrefixed(b, off)
			if err != nil {
				return nil, err
			}
			elems = append(elems, StrElem(string(b[next-n:next])))
			off = next
		case TagBin:
			n, next, err := readLenPrefixed(b, off)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, n)
			copy(buf, b[next-n:next])
			elems = append(elems, BinElem(buf))
			off = next
		default:
			return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedPayload, tag)
		}
	}
	return elems, nil
}

// readLenPrefixed reads a uint32 length prefix at off, then that many bytes.
// It returns the length and the offset just past the data.
func readLenPrefixed(b []byte, off int) (length int, next int, err error) {
	if off+4 > len(b) {
		return 0, 0, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if off+n > len(b) {
		return 0, 0, ErrMalformedPayload
	}
	return n, off + n, nil
}

// ParseMessage decodes a full message (header + payload) from b.
func ParseMessage(b []byte) (*Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if h.PayloadSize > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	end := HeaderSize + int(h.PayloadSize)
	if end > len(b) {
		return nil, ErrMalformedPayload
	}
	elems, err := ParsePayload(b[HeaderSize:end])
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Elements: elems}, nil
}
