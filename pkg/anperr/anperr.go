// Package anperr defines the ANP error taxonomy (§7) and its wire
// round-trip encoding as a message payload.
package anperr

import (
	"fmt"

	"github.com/anp-project/anp/pkg/wire"
)

// Kind is the error category carried through the whole stack.
type Kind uint32

// Error kinds, matching the taxonomy §7 requires.
const (
	Generic Kind = iota
	Cancelled
	Interrupted
	Concurrent
	ConnLost        // local transport connection lost (EAnpConn)
	RemoteConnLost  // remote-transport connection lost (KcdConn)
	InvalidConfig   // InvalidKpsConfig
	InvalidLoginPwd // InvalidKwsLoginPwd
	PermDenied
	QuotaExceeded
	UpgradeRequired // UpgradeKwm: client too old
)

// KindNames maps Kind values to human-readable identifiers for logging.
var KindNames = map[Kind]string{
	Generic:         "GENERIC",
	Cancelled:       "CANCELLED",
	Interrupted:     "INTERRUPTED",
	Concurrent:      "CONCURRENT",
	ConnLost:        "CONN_LOST",
	RemoteConnLost:  "REMOTE_CONN_LOST",
	InvalidConfig:   "INVALID_CONFIG",
	InvalidLoginPwd: "INVALID_LOGIN_PWD",
	PermDenied:      "PERM_DENIED",
	QuotaExceeded:   "QUOTA_EXCEEDED",
	UpgradeRequired: "UPGRADE_REQUIRED",
}

func (k Kind) String() string {
	if name, ok := KindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// QuotaSubKind distinguishes QuotaExceeded variants (§7).
type QuotaSubKind uint32

const (
	QuotaGeneric QuotaSubKind = iota
	QuotaPerWorkspaceFile
	QuotaSecureWorkspace
)

// Error is the structured error type that crosses the wire. It serializes
// as "u32 kind, string message, (kind-specific trailer)" and must
// round-trip through the codec.
type Error struct {
	Kind     Kind
	Message  string
	QuotaSub QuotaSubKind // only meaningful when Kind == QuotaExceeded
}

func (e *Error) Error() string {
	return fmt.Sprintf("anp: %s: %s", e.Kind, e.Message)
}

// New constructs a generic-kind Error.
func New(msg string) *Error { return &Error{Kind: Generic, Message: msg} }

// Wrap constructs an Error of the given kind.
func Wrap(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// Elements encodes the Error into the element sequence a message payload
// carries: kind, message, and (for QuotaExceeded) the sub-kind trailer.
func (e *Error) Elements() []wire.Element {
	elems := []wire.Element{
		wire.U32Elem(uint32(e.Kind)),
		wire.StrElem(e.Message),
	}
	if e.Kind == QuotaExceeded {
		elems = append(elems, wire.U32Elem(uint32(e.QuotaSub)))
	}
	return elems
}

// FromElements decodes an Error from a message payload's element sequence,
// the inverse of Elements.
func FromElements(elems []wire.Element) (*Error, error) {
	if len(elems) < 2 {
		return nil, fmt.Errorf("anperr: expected at least 2 elements, got %d", len(elems))
	}
	kindVal, err := elems[0].U32()
	if err != nil {
		return nil, fmt.Errorf("anperr: kind: %w", err)
	}
	msg, err := elems[1].Str()
	if err != nil {
		return nil, fmt.Errorf("anperr: message: %w", err)
	}
	e := &Error{Kind: Kind(kindVal), Message: msg}
	if e.Kind == QuotaExceeded {
		if len(elems) < 3 {
			return nil, fmt.Errorf("anperr: QuotaExceeded missing sub-kind trailer")
		}
		sub, err := elems[2].U32()
		if err != nil {
			return nil, fmt.Errorf("anperr: quota sub-kind: %w", err)
		}
		e.QuotaSub = QuotaSubKind(sub)
	}
	return e, nil
}
