package exchange

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Auth modes.
const (
	AuthBasic  = "basic"
	AuthNTLM   = "ntlm"
	AuthOAuth2 = "oauth2"
)

const maxResponseBytes = 64 << 20

// HTTPError is a non-SOAP HTTP failure.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ews: http status %d", e.Status)
	}
	return fmt.Sprintf("ews: http status %d: %s", e.Status, e.Body)
}

// ResponseError is an EWS response message with ResponseClass Error, or
// a SOAP fault.
type ResponseError struct {
	Code string
	Text string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("ews: %s: %s", e.Code, e.Text)
}

// Client is a thin EWS SOAP client. It handles authentication, envelope
// marshalling and retries on server throttling.
type Client struct {
	url        string
	httpClient *http.Client
	// impersonate is set for application (OAuth2) access, where requests
	// must name the mailbox they act on.
	impersonate string
	// timeout bounds each HTTP attempt; zero leaves it to ctx.
	timeout    time.Duration
	maxRetries int
	backoff    func(attempt int) time.Duration
}

// NewClient creates a client for the EWS endpoint url.
func NewClient(url string, cfg Config) *Client {
	c := &Client{
		url:        url,
		httpClient: httpClientFor(cfg),
		timeout:    cfg.CallTimeout,
		maxRetries: 3,
		backoff:    backoffDuration,
	}
	if strings.EqualFold(cfg.Auth, AuthOAuth2) {
		c.impersonate = cfg.Address
	}
	return c
}

// httpClientFor builds an http.Client that authenticates with the
// configured mode.
func httpClientFor(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}

	base := http.DefaultTransport
	timeout := cfg.CallTimeout

	switch strings.ToLower(cfg.Auth) {
	case AuthOAuth2:
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Password,
			TokenURL:     tokenURL(cfg.TenantID),
			Scopes:       []string{"https://outlook.office365.com/.default"},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		client := cc.Client(ctx)
		client.Timeout = timeout
		client.Transport = &headerTransport{
			base:   client.Transport,
			header: http.Header{"X-AnchorMailbox": {cfg.Address}},
		}
		return client
	case AuthNTLM:
		return &http.Client{
			Timeout: timeout,
			Transport: &basicAuthTransport{
				base:     ntlmssp.Negotiator{RoundTripper: base},
				username: cfg.Username,
				password: cfg.Password,
			},
		}
	default:
		return &http.Client{
			Timeout: timeout,
			Transport: &basicAuthTransport{
				base:     base,
				username: cfg.Username,
				password: cfg.Password,
			},
		}
	}
}

func tokenURL(tenant string) string {
	if tenant == "" {
		tenant = "common"
	}
	return "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token"
}

// basicAuthTransport sets basic credentials on every request. Wrapped
// around the NTLM negotiator it supplies the credentials for the
// handshake.
type basicAuthTransport struct {
	base     http.RoundTripper
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(req)
}

type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.header {
		req.Header[k] = v
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// call sends one request and returns its response messages. Messages
// with ResponseClass Error are returned as well; see messageErrors.
func (c *Client) call(ctx context.Context, request any) ([]responseMessage, error) {
	env := requestEnvelope{
		SoapNS:     nsSoap,
		TypesNS:    nsTypes,
		MessagesNS: nsMessages,
		Header:     requestHeader{Version: versionHeader{Version: serverVersion}},
		Body:       requestBody{Request: request},
	}
	if c.impersonate != "" {
		env.Header.Impersonation = &impersonation{PrimarySmtpAddress: c.impersonate}
	}

	payload, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	payload = append([]byte(xml.Header), payload...)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		msgs, err := c.post(ctx, payload)
		if err == nil {
			busy := firstCode(msgs, "ErrorServerBusy")
			if busy == nil {
				return msgs, nil
			}
			lastErr = busy
			continue
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, payload []byte) ([]responseMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var env responseEnvelope
	parseErr := xml.Unmarshal(body, &env)

	if env.Body.Fault != nil {
		code := env.Body.Fault.ResponseCode
		if code == "" {
			code = env.Body.Fault.Code
		}
		text := env.Body.Fault.Message
		if text == "" {
			text = env.Body.Fault.String
		}
		return nil, &ResponseError{Code: code, Text: text}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: snippet(body)}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", parseErr)
	}
	return env.Body.Response.Messages.Items, nil
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusServiceUnavailable
	}
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.Code == "ErrorServerBusy"
}

// backoffDuration is exponential: 1s, 2s, 4s, capped at 30s.
func backoffDuration(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// firstCode returns the first error message carrying one of codes.
func firstCode(msgs []responseMessage, codes ...string) *ResponseError {
	for _, m := range msgs {
		if m.ResponseClass != "Error" {
			continue
		}
		for _, code := range codes {
			if m.ResponseCode == code {
				return &ResponseError{Code: m.ResponseCode, Text: m.MessageText}
			}
		}
	}
	return nil
}

// messageErrors returns the first error message whose code is not
// tolerated.
func messageErrors(msgs []responseMessage, tolerate ...string) error {
	for _, m := range msgs {
		if m.ResponseClass != "Error" {
			continue
		}
		ok := false
		for _, code := range tolerate {
			ok = ok || m.ResponseCode == code
		}
		if !ok {
			return &ResponseError{Code: m.ResponseCode, Text: m.MessageText}
		}
	}
	return nil
}

// Autodiscover resolves the EWS endpoint for address with the POX
// protocol, trying each candidate URL in turn.
func Autodiscover(ctx context.Context, cfg Config) (string, error) {
	address := cfg.Address
	candidates := cfg.AutodiscoverURLs
	if len(candidates) == 0 {
		domain := address[strings.LastIndexByte(address, '@')+1:]
		candidates = []string{
			"https://" + domain + "/autodiscover/autodiscover.xml",
			"https://autodiscover." + domain + "/autodiscover/autodiscover.xml",
		}
	}

	var req autodiscoverRequest
	req.Request.EMailAddress = address
	req.Request.AcceptableResponseSchema = "http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a"
	payload, err := xml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling autodiscover request: %w", err)
	}
	payload = append([]byte(xml.Header), payload...)

	client := httpClientFor(cfg)
	var errs []error
	for _, u := range candidates {
		url, err := autodiscoverOne(ctx, client, u, payload)
		if err == nil {
			return url, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden) {
			return "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", u, err))
	}
	return "", fmt.Errorf("autodiscover for %s failed: %w", address, errors.Join(errs...))
}

func autodiscoverOne(ctx context.Context, client *http.Client, u string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Status: resp.StatusCode, Body: snippet(body)}
	}

	var ad autodiscoverResponse
	if err := xml.Unmarshal(body, &ad); err != nil {
		return "", fmt.Errorf("unmarshaling response: %w", err)
	}
	if e := ad.Response.Error; e != nil {
		return "", &ResponseError{Code: "Autodiscover" + e.ErrorCode, Text: e.Message}
	}

	rank := map[string]int{"EXCH": 0, "EXPR": 1, "WEB": 2}
	best, bestRank := "", len(rank)+1
	for _, p := range ad.Response.Account.Protocols {
		if p.EwsURL == "" {
			continue
		}
		r, ok := rank[strings.ToUpper(p.Type)]
		if !ok {
			r = len(rank)
		}
		if r < bestRank {
			best, bestRank = p.EwsURL, r
		}
	}
	if best == "" {
		return "", errors.New("no EWS url in autodiscover response")
	}
	return best, nil
}
