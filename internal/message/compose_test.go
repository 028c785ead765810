package message_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
)

func recipient(addr string, kind model.RecipientKind) model.Recipient {
	return model.Recipient{Contact: model.Contact{Address: addr}, Kind: kind}
}

func TestComposeSingleRecipient(t *testing.T) {
	msg := &model.Message{
		Subject:    "S1",
		Body:       "hello",
		Recipients: []model.Recipient{recipient("bob@example.org", model.RecipientTo)},
		Date:       time.Date(2024, 12, 13, 10, 0, 0, 0, time.UTC),
	}

	raw, env, err := message.Compose(msg, model.Contact{Address: "alice@example.org"}, nil)
	require.NoError(t, err)

	parsed, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)

	to, err := parsed.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "bob@example.org", to[0].Address)
	assert.Empty(t, parsed.GetHeader("Cc"))
	assert.Empty(t, parsed.GetHeader("Bcc"))
	assert.Equal(t, "S1", parsed.GetHeader("Subject"))
	assert.Equal(t, "hello", strings.TrimSpace(parsed.Text))

	assert.Equal(t, "alice@example.org", env.From)
	assert.Equal(t, []string{"bob@example.org"}, env.Recipients)
	assert.True(t, strings.HasSuffix(env.MessageID, "@example.org"))
	assert.Equal(t, "<"+env.MessageID+">", parsed.GetHeader("Message-Id"))
}

func TestComposeHidesBcc(t *testing.T) {
	msg := &model.Message{
		ID:      "<fixed@example.org>",
		Subject: "secret",
		Body:    "body",
		Recipients: []model.Recipient{
			recipient("to@example.org", model.RecipientTo),
			recipient("cc@example.org", model.RecipientCc),
			recipient("hidden@example.org", model.RecipientBcc),
			recipient("TO@example.org", model.RecipientBcc),
		},
	}

	raw, env, err := message.Compose(msg, model.Contact{Address: "a@example.org", Name: "A"}, nil)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "hidden@example.org")
	assert.Equal(t,
		[]string{"to@example.org", "cc@example.org", "hidden@example.org"},
		env.Recipients)
	assert.Equal(t, "fixed@example.org", env.MessageID)

	parsed, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	cc, err := parsed.AddressList("Cc")
	require.NoError(t, err)
	require.Len(t, cc, 1)
	assert.Equal(t, "cc@example.org", cc[0].Address)
}

func TestComposeAttachmentsAndHTML(t *testing.T) {
	msg := &model.Message{
		Subject:    "report",
		Body:       "see attached",
		HTML:       []string{"<p>see attached</p>"},
		Recipients: []model.Recipient{recipient("b@example.org", model.RecipientTo)},
	}
	atts := []attachment.Outbound{{
		Filename: "data.csv",
		MIMEType: "text/csv",
		Data:     []byte("a,b\n1,2\n"),
	}}

	raw, _, err := message.Compose(msg, model.Contact{Address: "a@example.org"}, atts)
	require.NoError(t, err)

	parsed, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Contains(t, parsed.HTML, "<p>see attached</p>")
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "data.csv", parsed.Attachments[0].FileName)
	assert.Equal(t, "text/csv", parsed.Attachments[0].ContentType)
	assert.Equal(t, "a,b\n1,2\n", string(parsed.Attachments[0].Content))
}

func TestComposeRoundTripsThroughDecoder(t *testing.T) {
	msg := &model.Message{
		Subject:    "Grüße",
		Body:       "hi",
		Recipients: []model.Recipient{recipient("b@example.org", model.RecipientTo)},
	}

	raw, env, err := message.Compose(msg, model.Contact{Address: "a@example.org"}, nil)
	require.NoError(t, err)

	decoded, err := (&message.Decoder{}).Decode(raw, message.DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, decoded.ID)
	assert.Equal(t, "Grüße", decoded.Subject)
	assert.Equal(t, "a@example.org", decoded.Sender.Address)
	assert.Equal(t, []string{"b@example.org"}, decoded.RecipientsOf(model.RecipientTo))
}
