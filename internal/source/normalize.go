package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
)

// Classifier maps a backend-specific error to a kind. It returns false
// when it does not recognise err.
type Classifier func(err error) (ErrorKind, bool)

// Normalize maps err into the closed taxonomy. Errors that are already
// *Error pass through unchanged. Classifiers run before the generic
// transport rules; anything unrecognised becomes UnknownError carrying
// the underlying message.
func Normalize(op string, err error, classifiers ...Classifier) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	for _, classify := range classifiers {
		if kind, ok := classify(err); ok {
			return &Error{Kind: kind, Op: op, Err: err}
		}
	}

	if isTransportError(err) {
		return &Error{Kind: ServerConnectionFail, Op: op, Err: err}
	}

	return &Error{Kind: UnknownError, Op: op, Err: err}
}

// isTransportError reports connect, timeout, TLS and broken-pipe style
// failures.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostErr x509.HostnameError
	return errors.As(err, &hostErr)
}

// ClassifyIMAP recognises IMAP status responses.
func ClassifyIMAP(err error) (ErrorKind, bool) {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return 0, false
	}

	switch imapErr.Code {
	case imap.ResponseCodeAuthenticationFailed,
		imap.ResponseCodeAuthorizationFailed,
		imap.ResponseCodeExpired,
		imap.ResponseCodePrivacyRequired:
		return InvalidLoginData, true
	case imap.ResponseCodeUnavailable:
		return ServerConnectionFail, true
	}

	if imapErr.Type == imap.StatusResponseTypeBad {
		return CommandNotSupported, true
	}
	return 0, false
}

// ClassifyIMAPLogin treats every NO answer to LOGIN as rejected
// credentials; servers often omit the AUTHENTICATIONFAILED code.
func ClassifyIMAPLogin(err error) (ErrorKind, bool) {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return 0, false
	}
	if imapErr.Code == imap.ResponseCodeUnavailable {
		return ServerConnectionFail, true
	}
	if imapErr.Type == imap.StatusResponseTypeNo {
		return InvalidLoginData, true
	}
	return ClassifyIMAP(err)
}

// ClassifySMTP recognises SMTP reply codes. The adapter classifies RCPT
// and DATA rejections itself because the phase decides the kind; the
// 55x defaults here only cover replies outside those phases.
func ClassifySMTP(err error) (ErrorKind, bool) {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return 0, false
	}

	switch smtpErr.Code {
	case 530, 534, 535, 538:
		return InvalidLoginData, true
	case 421:
		return ServerConnectionFail, true
	case 500, 502, 504:
		return CommandNotSupported, true
	case 552, 554:
		return SMTPDataFalse, true
	case 550, 551, 553:
		return RecipientsFail, true
	}
	return 0, false
}
