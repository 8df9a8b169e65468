// Package syncerr classifies the failures the sync engine can surface.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNetworkUnavailable
	KindServer
	KindClient
	KindStorage
	KindInvalidTransition
	KindNotFound
	KindInvalidInput
)

var (
	ErrTimeout            = errors.New("timeout")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServer             = errors.New("server error")
	ErrClient             = errors.New("client error")
	ErrStorage            = errors.New("storage error")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindServer:
		return "server_error"
	case KindClient:
		return "client_error"
	case KindStorage:
		return "storage_error"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindNetworkUnavailable:
		return ErrNetworkUnavailable
	case KindServer:
		return ErrServer
	case KindClient:
		return ErrClient
	case KindStorage:
		return ErrStorage
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindNotFound:
		return ErrNotFound
	case KindInvalidInput:
		return ErrInvalidInput
	default:
		return nil
	}
}

type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind == KindStorage {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

func (e *Error) HTTPStatus() int {
	return e.Status
}

// KindOf returns the kind of the first *Error in err's chain, falling back to
// matching the sentinels directly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	for _, k := range []Kind{KindTimeout, KindNetworkUnavailable, KindServer, KindClient, KindStorage, KindInvalidTransition, KindNotFound, KindInvalidInput} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

func FromStatus(op string, status int, err error) *Error {
	kind := KindClient
	if status >= 500 || status == 429 {
		kind = KindServer
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}
