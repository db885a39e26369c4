// Package syncerr defines the discriminated failure kinds shared by the tree,
// coordinator, and channel packages.
package syncerr

import (
	"errors"
	"strings"
)

// Kind is usable directly as an errors.Is target:
//
//	errors.Is(err, syncerr.CycleDetected)
type Kind string

const (
	NodeNotFound        Kind = "NODE_NOT_FOUND"
	CycleDetected       Kind = "CYCLE_DETECTED"
	IndexOutOfRange     Kind = "INDEX_OUT_OF_RANGE"
	ConflictInProgress  Kind = "CONFLICT_IN_PROGRESS"
	RemoteUnreachable   Kind = "REMOTE_UNREACHABLE"
	RemoteRejected      Kind = "REMOTE_REJECTED"
	ChannelNotConnected Kind = "CHANNEL_NOT_CONNECTED"
	ReconnectExhausted  Kind = "RECONNECT_EXHAUSTED"
	MalformedMessage    Kind = "MALFORMED_MESSAGE"
)

func (k Kind) Error() string {
	return string(k)
}

// Local reports whether the kind is a structural validation failure that is
// rejected before any persistence or network work happens.
func (k Kind) Local() bool {
	switch k {
	case NodeNotFound, CycleDetected, IndexOutOfRange, ConflictInProgress:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "UNKNOWN_ERROR"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// KindOf returns the outermost kind found in the chain, or "" when err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Reclassify re-labels err with kind and op, dropping any kinds already in
// the chain so errors.Is only matches the new one.
func Reclassify(kind Kind, op string, err error) *Error {
	for {
		se, ok := err.(*Error)
		if !ok || se == nil {
			break
		}
		err = se.Err
	}
	return New(kind, op, err)
}
