package source

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/model"
)

// LoadOutbound reads the attachments of an outgoing message. Stored
// attachments whose file has gone are skipped; a missing user-supplied
// file is UnknownError and an oversize one SMTPDataFalse, both raised
// before anything is transmitted.
func LoadOutbound(
	store *attachment.Store,
	atts []model.Attachment,
	op string,
	logger zerolog.Logger,
) ([]attachment.Outbound, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	if store == nil {
		store = &attachment.Store{MaxBytes: attachment.DefaultMaxBytes}
	}

	out := make([]attachment.Outbound, 0, len(atts))
	for _, att := range atts {
		o, ok, err := store.Load(att)
		switch {
		case errors.Is(err, attachment.ErrTooLarge):
			return nil, NewError(SMTPDataFalse, op, err)
		case err != nil:
			return nil, NewError(UnknownError, op, fmt.Errorf("loading attachment: %w", err))
		case !ok:
			logger.Warn().Str("path", att.Path).Msg("Skipped missing attachment")
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
