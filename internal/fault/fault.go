// Package fault defines the error taxonomy shared by the install pipeline.
//
// Components return *Error values at their boundaries so callers can branch
// on Kind (retry, re-authenticate, surface to the user) without string
// matching. Kinds compare through errors.Is, including through wrapping:
//
//	if errors.Is(err, fault.ErrNotFound) { ... }
package fault

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidArgument
	AuthenticationRequired
	InvalidCredentials
	Unreachable
	Timeout
	Transient
	NotFound
	Unauthorized
	NotConfigured
	IntegrityMismatch
	ExtractionFailed
	Cancelled
	StorageCorruption
	Busy
	InsufficientSpace
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case AuthenticationRequired:
		return "AuthenticationRequired"
	case InvalidCredentials:
		return "InvalidCredentials"
	case Unreachable:
		return "Unreachable"
	case Timeout:
		return "Timeout"
	case Transient:
		return "Transient"
	case NotFound:
		return "NotFound"
	case Unauthorized:
		return "Unauthorized"
	case NotConfigured:
		return "NotConfigured"
	case IntegrityMismatch:
		return "IntegrityMismatch"
	case ExtractionFailed:
		return "ExtractionFailed"
	case Cancelled:
		return "Cancelled"
	case StorageCorruption:
		return "StorageCorruption"
	case Busy:
		return "Busy"
	case InsufficientSpace:
		return "InsufficientSpace"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidArgument        = &Error{Kind: InvalidArgument}
	ErrAuthenticationRequired = &Error{Kind: AuthenticationRequired}
	ErrInvalidCredentials     = &Error{Kind: InvalidCredentials}
	ErrUnreachable            = &Error{Kind: Unreachable}
	ErrTimeout                = &Error{Kind: Timeout}
	ErrTransient              = &Error{Kind: Transient}
	ErrNotFound               = &Error{Kind: NotFound}
	ErrUnauthorized           = &Error{Kind: Unauthorized}
	ErrNotConfigured          = &Error{Kind: NotConfigured}
	ErrIntegrityMismatch      = &Error{Kind: IntegrityMismatch}
	ErrExtractionFailed       = &Error{Kind: ExtractionFailed}
	ErrCancelled              = &Error{Kind: Cancelled}
	ErrStorageCorruption      = &Error{Kind: StorageCorruption}
	ErrBusy                   = &Error{Kind: Busy}
	ErrInsufficientSpace      = &Error{Kind: InsufficientSpace}
)

// Error is a classified failure with enough context to log and retry.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "catalog.GetItemDetails"
	ServerURL string
	ItemID    string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ItemID != "" {
		b.WriteString(" (item ")
		b.WriteString(e.ItemID)
		b.WriteString(")")
	}
	if e.ServerURL != "" {
		b.WriteString(" [")
		b.WriteString(e.ServerURL)
		b.WriteString("]")
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

// Is reports whether target is a fault of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a message and no cause.
func Newf(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WithItem returns a copy of e annotated with server and item identifiers.
// Existing annotations are kept.
func (e *Error) WithItem(serverURL, itemID string) *Error {
	c := *e
	if c.ServerURL == "" {
		c.ServerURL = serverURL
	}
	if c.ItemID == "" {
		c.ItemID = itemID
	}
	return &c
}

// KindOf returns the kind of the first fault in err's chain.
// Context errors are classified even when not wrapped in a fault.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return KindUnknown
}

// Retryable reports whether a caller may retry a failure of this kind with backoff.
func Retryable(kind Kind) bool {
	switch kind {
	case Unreachable, Timeout, Transient:
		return true
	default:
		return false
	}
}

// FromContext classifies err using ctx. A cancelled ctx yields Cancelled,
// an expired deadline yields Timeout, anything else returns nil so callers
// can fall through to their own classification.
func FromContext(ctx context.Context, op string, err error) *Error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.Canceled:
		return New(Cancelled, op, err)
	default:
		return New(Timeout, op, err)
	}
}

// As returns err as a fault, classifying it as fallback when it carries none.
func As(err error, fallback Kind, op string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return New(fallback, op, err)
}
