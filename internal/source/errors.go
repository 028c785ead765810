package source

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failures an adapter may report.
type ErrorKind int

const (
	UnknownError ErrorKind = iota
	InvalidLoginData
	InvalidEmail
	NotLoggedIn
	ServerConnectionFail
	RecipientsFail
	SMTPDataFalse
	CommandNotSupported
)

var kindNames = map[ErrorKind]string{
	UnknownError:         "unknown error",
	InvalidLoginData:     "invalid login data",
	InvalidEmail:         "invalid email address",
	NotLoggedIn:          "not logged in",
	ServerConnectionFail: "server connection failed",
	RecipientsFail:       "recipients refused",
	SMTPDataFalse:        "message data refused",
	CommandNotSupported:  "command not supported",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is a normalized adapter failure.
type Error struct {
	Kind ErrorKind
	// Op names the adapter operation that failed, e.g. "imap login".
	Op string
	// Err is the underlying cause, kept for diagnostics.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinel values below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUnknown              = &Error{Kind: UnknownError}
	ErrInvalidLoginData     = &Error{Kind: InvalidLoginData}
	ErrInvalidEmail         = &Error{Kind: InvalidEmail}
	ErrNotLoggedIn          = &Error{Kind: NotLoggedIn}
	ErrServerConnectionFail = &Error{Kind: ServerConnectionFail}
	ErrRecipientsFail       = &Error{Kind: RecipientsFail}
	ErrSMTPDataFalse        = &Error{Kind: SMTPDataFalse}
	ErrCommandNotSupported  = &Error{Kind: CommandNotSupported}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or UnknownError when err is not an
// *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}

// IsKind reports whether err (or any error in its chain) is an *Error of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
