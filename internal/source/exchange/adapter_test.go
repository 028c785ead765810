package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koesterlab/remail/internal/attachment"
	"github.com/koesterlab/remail/internal/message"
	"github.com/koesterlab/remail/internal/model"
	"github.com/koesterlab/remail/internal/source"
)

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *attachment.Store) {
	t.Helper()
	store, err := attachment.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	return NewAdapter(cfg, &message.Decoder{Attachments: store}), store
}

func loggedIn(t *testing.T, f *fakeEWS) *Adapter {
	t.Helper()
	a, _ := newTestAdapter(t, f.config())
	require.NoError(t, a.Login(context.Background()))
	return a
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestLoginIsIdempotent(t *testing.T) {
	f := newFakeEWS(t)
	a := loggedIn(t, f)

	require.NoError(t, a.Login(context.Background()))
	assert.True(t, a.LoggedIn())
	assert.Equal(t, 1, f.count("GetFolder"))
	assert.Equal(t, model.BackendExchange, a.Kind())

	require.NoError(t, a.Logout(context.Background()))
	assert.False(t, a.LoggedIn())
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFakeEWS(t)
	cfg := f.config()
	cfg.Password = "wrong"
	a, _ := newTestAdapter(t, cfg)

	err := a.Login(context.Background())
	assert.True(t, source.IsKind(err, source.InvalidLoginData), "got %v", err)
	assert.False(t, a.LoggedIn())
}

func TestLoginMalformedAddress(t *testing.T) {
	f := newFakeEWS(t)
	cfg := f.config()
	cfg.Address = "not-an-address"
	a, _ := newTestAdapter(t, cfg)

	err := a.Login(context.Background())
	assert.ErrorIs(t, err, source.ErrInvalidEmail)
	assert.Zero(t, f.count("GetFolder"))
}

func TestOperationsRequireLogin(t *testing.T) {
	f := newFakeEWS(t)
	a, _ := newTestAdapter(t, f.config())
	ctx := context.Background()

	_, err := a.GetEmails(ctx, nil)
	assert.ErrorIs(t, err, source.ErrNotLoggedIn)
	_, err = a.GetDeletedEmails(ctx, []string{"x@example.org"})
	assert.ErrorIs(t, err, source.ErrNotLoggedIn)
	assert.ErrorIs(t, a.MarkEmail(ctx, "x@example.org", true), source.ErrNotLoggedIn)
	assert.ErrorIs(t, a.DeleteEmail(ctx, "x@example.org", false), source.ErrNotLoggedIn)
	assert.ErrorIs(t, a.SendEmail(ctx, &model.Message{}), source.ErrNotLoggedIn)
	assert.Zero(t, f.count("FindItem"))
}

func TestGetEmailsScope(t *testing.T) {
	f := newFakeEWS(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for _, folder := range []string{"inbox", "sent", "archive", "deleted", "junk", "drafts", "calendar"} {
		f.add(&fakeItem{
			folder:    folder,
			messageID: "<" + folder + "@example.org>",
			subject:   folder,
			body:      "hello",
			received:  day,
			from:      "sender@example.org",
			to:        []string{"me@example.org"},
		})
	}
	a := loggedIn(t, f)

	msgs, err := a.GetEmails(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inbox@example.org", "sent@example.org", "archive@example.org"}, ids(msgs))
}

func TestGetEmailsBodyHeuristic(t *testing.T) {
	f := newFakeEWS(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.add(&fakeItem{
		folder:    "inbox",
		messageID: "<plain@example.org>",
		subject:   "plain",
		body:      "just text, 1 < 2",
		received:  day,
		from:      "sender@example.org",
		to:        []string{"me@example.org", "none"},
		cc:        []string{"carol@example.org"},
		read:      true,
	})
	f.add(&fakeItem{
		folder:    "inbox",
		messageID: "<html@example.org>",
		subject:   "html",
		body:      `<html><body><p>Hi <b>there</b></p><script>alert(1)</script></body></html>`,
		bodyType:  "HTML",
		received:  day.Add(time.Hour),
		from:      "sender@example.org",
		to:        []string{"me@example.org"},
	})
	a := loggedIn(t, f)

	msgs, err := a.GetEmails(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	byID := map[string]model.Message{}
	for _, m := range msgs {
		byID[m.ID] = m
	}

	plain := byID["plain@example.org"]
	assert.Equal(t, "just text, 1 < 2", plain.Body)
	assert.Empty(t, plain.HTML)
	assert.True(t, plain.Read)
	assert.Equal(t, "sender@example.org", plain.Sender.Address)
	assert.Equal(t, []string{"me@example.org"}, plain.RecipientsOf(model.RecipientTo))
	assert.Equal(t, []string{"carol@example.org"}, plain.RecipientsOf(model.RecipientCc))
	assert.Equal(t, day, plain.Date)

	html := byID["html@example.org"]
	assert.Contains(t, html.Body, "Hi")
	assert.NotContains(t, html.Body, "<b>")
	require.Len(t, html.HTML, 1)
	assert.Contains(t, html.HTML[0], "<b>there</b>")
	assert.NotContains(t, html.HTML[0], "script")
	assert.False(t, html.Read)
}

func TestGetEmailsSince(t *testing.T) {
	f := newFakeEWS(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "edge", "new"} {
		f.add(&fakeItem{
			folder:    "inbox",
			messageID: "<" + name + "@example.org>",
			subject:   name,
			received:  base.Add(time.Duration(i) * time.Hour),
			from:      "sender@example.org",
		})
	}
	a := loggedIn(t, f)

	since := base.Add(time.Hour)
	msgs, err := a.GetEmails(context.Background(), &since)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"edge@example.org", "new@example.org"}, ids(msgs))
	assert.True(t, f.saw("IsGreaterThanOrEqualTo"))
}

func TestGetEmailsPages(t *testing.T) {
	f := newFakeEWS(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	const n = findPageSize + getBatchSize + 7
	for i := range n {
		f.add(&fakeItem{
			folder:   "inbox",
			subject:  "bulk",
			received: base.Add(time.Duration(i) * time.Minute),
			from:     "sender@example.org",
		})
	}
	a := loggedIn(t, f)

	msgs, err := a.GetEmails(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, msgs, n)
	for _, m := range msgs {
		assert.True(t, strings.HasSuffix(m.ID, "@"+message.SyntheticDomain))
	}
	assert.GreaterOrEqual(t, f.count("GetItem"), 4)
}

func TestCallTimeoutAppliesPerRequest(t *testing.T) {
	f := newFakeEWS(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	const n = findPageSize + getBatchSize
	for i := range n {
		f.add(&fakeItem{
			folder:    "inbox",
			messageID: fmt.Sprintf("<m%d@example.org>", i),
			subject:   "bulk",
			received:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	cfg := f.config()
	cfg.CallTimeout = 300 * time.Millisecond
	a, _ := newTestAdapter(t, cfg)
	ctx := context.Background()
	require.NoError(t, a.Login(ctx))

	f.mu.Lock()
	f.delay = 60 * time.Millisecond
	f.mu.Unlock()

	start := time.Now()
	msgs, err := a.GetEmails(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, n)
	assert.Greater(t, time.Since(start), cfg.CallTimeout)
	assert.GreaterOrEqual(t, f.count("FindItem"), 4)
	assert.GreaterOrEqual(t, f.count("GetItem"), 3)
}

func TestGetEmailsStoresAttachments(t *testing.T) {
	f := newFakeEWS(t)
	f.add(&fakeItem{
		folder:    "inbox",
		messageID: "<att@example.org>",
		subject:   "report",
		body:      "see attached",
		received:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		from:      "sender@example.org",
		attachments: []fakeAttachment{
			{id: "a1", name: "../report 2024.pdf", contentType: "application/pdf", content: []byte("%PDF-1.4 fake")},
			{id: "a2", name: "huge.bin", contentType: "application/octet-stream", content: make([]byte, attachment.DefaultMaxBytes+1)},
		},
	})
	a, store := newTestAdapter(t, f.config())
	require.NoError(t, a.Login(context.Background()))

	msgs, err := a.GetEmails(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)

	att := msgs[0].Attachments[0]
	assert.Equal(t, "report_2024.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MIMEType)
	assert.True(t, strings.HasPrefix(att.Path, store.Dir))
	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
	assert.Equal(t, 1, f.count("GetAttachment"))

	// A second fetch replaces the files instead of adding suffixed copies.
	msgs, err = a.GetEmails(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, att.Path, msgs[0].Attachments[0].Path)
	entries, err := os.ReadDir(filepath.Dir(att.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetDeletedEmails(t *testing.T) {
	f := newFakeEWS(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.add(&fakeItem{folder: "inbox", messageID: "<keep@example.org>", received: day, from: "a@example.org"})
	noID := f.add(&fakeItem{folder: "inbox", subject: "no id", received: day, from: "b@example.org"})
	a := loggedIn(t, f)
	ctx := context.Background()

	msgs, err := a.GetEmails(ctx, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	known := append(ids(msgs), "gone@example.org")
	for range 2 {
		gone, err := a.GetDeletedEmails(ctx, known)
		require.NoError(t, err)
		assert.Equal(t, []string{"gone@example.org"}, gone)
	}

	f.mu.Lock()
	noID.folder = "deleted"
	f.mu.Unlock()

	gone, err := a.GetDeletedEmails(ctx, known)
	require.NoError(t, err)
	synthetic := message.SyntheticID(day, "b@example.org", "no id")
	assert.ElementsMatch(t, []string{synthetic, "gone@example.org"}, gone)
	assert.Equal(t, 1, f.count("GetItem"))
}

func TestMarkEmail(t *testing.T) {
	f := newFakeEWS(t)
	item := f.add(&fakeItem{
		folder: "inbox", messageID: "<m@example.org>",
		received: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), from: "a@example.org",
	})
	a := loggedIn(t, f)
	ctx := context.Background()

	require.NoError(t, a.MarkEmail(ctx, "m@example.org", true))
	assert.True(t, item.read)
	assert.True(t, f.saw(`<t:Constant Value="&lt;m@example.org&gt;">`))

	require.NoError(t, a.MarkEmail(ctx, "<m@example.org>", false))
	assert.False(t, item.read)

	require.NoError(t, a.MarkEmail(ctx, "unknown@example.org", true))
	assert.Equal(t, 2, f.count("UpdateItem"))
}

func TestMarkSyntheticID(t *testing.T) {
	f := newFakeEWS(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	item := f.add(&fakeItem{folder: "inbox", subject: "anon", received: day, from: "a@example.org"})
	a := loggedIn(t, f)

	require.NoError(t, a.MarkEmail(context.Background(), message.SyntheticID(day, "a@example.org", "anon"), true))
	assert.True(t, item.read)
}

func TestDeleteEmail(t *testing.T) {
	f := newFakeEWS(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	soft := f.add(&fakeItem{folder: "inbox", messageID: "<soft@example.org>", received: day, from: "a@example.org"})
	hard := f.add(&fakeItem{folder: "inbox", messageID: "<hard@example.org>", received: day, from: "a@example.org"})
	a := loggedIn(t, f)
	ctx := context.Background()

	require.NoError(t, a.DeleteEmail(ctx, "soft@example.org", false))
	assert.Equal(t, "deleted", soft.folder)

	require.NoError(t, a.DeleteEmail(ctx, "hard@example.org", true))
	f.mu.Lock()
	_, exists := f.items[hard.id]
	f.mu.Unlock()
	assert.False(t, exists)

	msgs, err := a.GetEmails(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, a.DeleteEmail(ctx, "soft@example.org", false))
	assert.Equal(t, 2, f.count("DeleteItem"))
}

func TestSendFetchDelete(t *testing.T) {
	f := newFakeEWS(t)
	a := loggedIn(t, f)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second).Truncate(time.Second)

	msg := &model.Message{
		Subject: "S1",
		Body:    "hello",
		Recipients: []model.Recipient{
			{Contact: model.Contact{Address: "bob@example.org"}, Kind: model.RecipientTo},
		},
	}
	require.NoError(t, a.SendEmail(ctx, msg))
	require.Len(t, f.delivered, 1)
	assert.Equal(t, []string{"bob@example.org"}, f.delivered[0].to)
	assert.Empty(t, f.delivered[0].cc)
	assert.Empty(t, f.delivered[0].bcc)
	assert.True(t, f.saw(`MessageDisposition="SendAndSaveCopy"`))

	msgs, err := a.GetEmails(ctx, &start)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "S1", msgs[0].Subject)
	assert.Equal(t, "hello", msgs[0].Body)

	require.NoError(t, a.DeleteEmail(ctx, msgs[0].ID, false))
	after, err := a.GetEmails(ctx, &start)
	require.NoError(t, err)
	assert.Empty(t, after)

	gone, err := a.GetDeletedEmails(ctx, []string{msgs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[0].ID}, gone)
}

func TestSendWithAttachment(t *testing.T) {
	f := newFakeEWS(t)
	a := loggedIn(t, f)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("attached notes"), 0o600))

	msg := &model.Message{
		Subject: "with file",
		Body:    "see file",
		HTML:    []string{"<p>see file</p>"},
		Recipients: []model.Recipient{
			{Contact: model.Contact{Address: "bob@example.org"}, Kind: model.RecipientTo},
			{Contact: model.Contact{Address: "eve@example.org"}, Kind: model.RecipientBcc},
		},
		Attachments: []model.Attachment{{Filename: "notes.txt", Path: path, UserSupplied: true}},
	}
	require.NoError(t, a.SendEmail(context.Background(), msg))

	assert.Equal(t, 1, f.count("CreateItem"))
	assert.Equal(t, 1, f.count("CreateAttachment"))
	assert.Equal(t, 1, f.count("SendItem"))
	require.Len(t, f.delivered, 1)

	sent := f.delivered[0]
	assert.Equal(t, "sent", sent.folder)
	assert.Equal(t, "HTML", sent.bodyType)
	assert.Equal(t, []string{"eve@example.org"}, sent.bcc)
	require.Len(t, sent.attachments, 1)
	assert.Equal(t, "notes.txt", sent.attachments[0].name)
	assert.Equal(t, "attached notes", string(sent.attachments[0].content))
}

func TestSendErrors(t *testing.T) {
	f := newFakeEWS(t)
	a := loggedIn(t, f)
	ctx := context.Background()

	err := a.SendEmail(ctx, &model.Message{Subject: "nobody"})
	assert.ErrorIs(t, err, source.ErrRecipientsFail)

	err = a.SendEmail(ctx, &model.Message{
		Subject: "bad",
		Recipients: []model.Recipient{
			{Contact: model.Contact{Address: "not-an-address"}, Kind: model.RecipientTo},
		},
	})
	assert.ErrorIs(t, err, source.ErrRecipientsFail)

	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, attachment.DefaultMaxBytes+1), 0o600))
	err = a.SendEmail(ctx, &model.Message{
		Subject: "big",
		Recipients: []model.Recipient{
			{Contact: model.Contact{Address: "bob@example.org"}, Kind: model.RecipientTo},
		},
		Attachments: []model.Attachment{{Filename: "big.bin", Path: path, UserSupplied: true}},
	})
	assert.ErrorIs(t, err, source.ErrSMTPDataFalse)
	assert.Empty(t, f.delivered)
}

func TestClientRetriesServerBusy(t *testing.T) {
	f := newFakeEWS(t)
	f.busy = 2
	c := NewClient(f.config().URL, Config{Username: f.username, Password: f.password})
	c.backoff = func(int) time.Duration { return 0 }

	folders, err := c.getFolders(context.Background(), folderRoot)
	require.NoError(t, err)
	assert.Contains(t, folders, folderRoot)
	assert.Equal(t, 3, f.count("GetFolder"))
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	f := newFakeEWS(t)
	f.unavail = 10
	c := NewClient(f.config().URL, Config{Username: f.username, Password: f.password})
	c.backoff = func(int) time.Duration { return 0 }

	_, err := c.getFolders(context.Background(), folderRoot)
	require.Error(t, err)
	assert.Equal(t, 4, f.count("GetFolder"))
	assert.True(t, source.IsKind(source.Normalize("ews", err, ClassifyEWS), source.ServerConnectionFail))
}

func TestRequestEnvelope(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body/></s:Envelope>`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Config{Address: "me@example.org", Auth: AuthOAuth2, HTTPClient: srv.Client()})
	_, err := c.findItems(context.Background(), folderID{ID: "inbox"}, sinceRestriction(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Contains(t, body, `<m:FindItem Traversal="Shallow">`)
	assert.Contains(t, body, `<t:RequestServerVersion Version="Exchange2013_SP1">`)
	assert.Contains(t, body, `<t:PrimarySmtpAddress>me@example.org</t:PrimarySmtpAddress>`)
	assert.Contains(t, body, `<t:Constant Value="2024-05-01T00:00:00Z">`)
}

func TestSOAPFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>`+
			`<faultcode>a:ErrorInvalidServerVersion</faultcode><faultstring>bad version</faultstring>`+
			`<detail><e:ResponseCode xmlns:e="urn:errors">ErrorInvalidServerVersion</e:ResponseCode></detail>`+
			`</s:Fault></s:Body></s:Envelope>`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Config{HTTPClient: srv.Client()})
	_, err := c.getFolders(context.Background(), folderRoot)

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "ErrorInvalidServerVersion", respErr.Code)
	assert.True(t, source.IsKind(source.Normalize("ews", err, ClassifyEWS), source.CommandNotSupported))
}

func TestAutodiscover(t *testing.T) {
	f := newFakeEWS(t)
	ews := f.config().URL

	mux := http.NewServeMux()
	mux.HandleFunc("/missing/autodiscover.xml", http.NotFound)
	mux.HandleFunc("/autodiscover/autodiscover.xml", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), "<EMailAddress>me@example.org</EMailAddress>") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
			`<Autodiscover xmlns="http://schemas.microsoft.com/exchange/autodiscover/responseschema/2006">`+
			`<Response xmlns="http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a"><Account>`+
			`<Protocol><Type>WEB</Type><EwsUrl>http://wrong.invalid/ews</EwsUrl></Protocol>`+
			`<Protocol><Type>EXCH</Type><EwsUrl>`+ews+`</EwsUrl></Protocol>`+
			`</Account></Response></Autodiscover>`)
	})
	ad := httptest.NewServer(mux)
	defer ad.Close()

	cfg := f.config()
	cfg.URL = ""
	cfg.AutodiscoverURLs = []string{ad.URL + "/missing/autodiscover.xml", ad.URL + "/autodiscover/autodiscover.xml"}

	url, err := Autodiscover(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ews, url)

	a, _ := newTestAdapter(t, cfg)
	require.NoError(t, a.Login(context.Background()))
	assert.True(t, a.LoggedIn())
}

func TestAutodiscoverFailure(t *testing.T) {
	ad := httptest.NewServer(http.NotFoundHandler())
	defer ad.Close()

	a, _ := newTestAdapter(t, Config{
		Address:          "me@example.org",
		Password:         "pw",
		AutodiscoverURLs: []string{ad.URL + "/autodiscover/autodiscover.xml"},
	})
	err := a.Login(context.Background())
	assert.True(t, source.IsKind(err, source.ServerConnectionFail), "got %v", err)
}

func TestClassifyEWS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind source.ErrorKind
		ok   bool
	}{
		{"unauthorized", &HTTPError{Status: http.StatusUnauthorized}, source.InvalidLoginData, true},
		{"forbidden", &HTTPError{Status: http.StatusForbidden}, source.InvalidLoginData, true},
		{"unavailable", &HTTPError{Status: http.StatusServiceUnavailable}, source.ServerConnectionFail, true},
		{"throttled", &HTTPError{Status: http.StatusTooManyRequests}, source.ServerConnectionFail, true},
		{"bad request", &HTTPError{Status: http.StatusBadRequest}, 0, false},
		{"recipients", &ResponseError{Code: "ErrorInvalidRecipients"}, source.RecipientsFail, true},
		{"size", &ResponseError{Code: "ErrorMessageSizeExceeded"}, source.SMTPDataFalse, true},
		{"busy", &ResponseError{Code: "ErrorServerBusy"}, source.ServerConnectionFail, true},
		{"version", &ResponseError{Code: "ErrorInvalidServerVersion"}, source.CommandNotSupported, true},
		{"unknown code", &ResponseError{Code: "ErrorAccessDenied"}, 0, false},
		{"other", io.ErrUnexpectedEOF, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := ClassifyEWS(tt.err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}
