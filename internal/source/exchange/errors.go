package exchange

import (
	"errors"
	"net/http"

	"github.com/koesterlab/remail/internal/source"
)

var responseCodeKinds = map[string]source.ErrorKind{
	"ErrorInvalidRecipients":             source.RecipientsFail,
	"ErrorNonExistentMailbox":            source.RecipientsFail,
	"ErrorInvalidSmtpAddress":            source.InvalidEmail,
	"ErrorMessageSizeExceeded":           source.SMTPDataFalse,
	"ErrorInvalidPropertyRequest":        source.SMTPDataFalse,
	"ErrorMimeContentConversionFailed":   source.SMTPDataFalse,
	"ErrorConnectionFailed":              source.ServerConnectionFail,
	"ErrorServerBusy":                    source.ServerConnectionFail,
	"ErrorMailboxMoveInProgress":         source.ServerConnectionFail,
	"ErrorTimeoutExpired":                source.ServerConnectionFail,
	"ErrorInternalServerTransientError":  source.ServerConnectionFail,
	"ErrorInvalidServerVersion":          source.CommandNotSupported,
	"ErrorUnsupportedPropertyDefinition": source.CommandNotSupported,
	"ErrorInvalidRequest":                source.CommandNotSupported,
}

// ClassifyEWS maps HTTP and EWS response failures into the taxonomy.
func ClassifyEWS(err error) (source.ErrorKind, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized, httpErr.Status == http.StatusForbidden:
			return source.InvalidLoginData, true
		case httpErr.Status >= 500, httpErr.Status == http.StatusNotFound,
			httpErr.Status == http.StatusTooManyRequests:
			return source.ServerConnectionFail, true
		}
		return 0, false
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		kind, ok := responseCodeKinds[respErr.Code]
		return kind, ok
	}
	return 0, false
}
