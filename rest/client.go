// Package rest is the HTTP transport used by the discovery and
// authentication orchestrators.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"mobileconnect/mcerr"
)

const (
	headerAccept      = "Accept"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeForm   = "application/x-www-form-urlencoded"

	maxBodyBytes = 1 << 20
)

// postEndpoint matches operator token endpoints, which are the only
// endpoints called with POST.
var postEndpoint = regexp.MustCompile(`(?i)accesstoken`)

// Request describes one call to a remote endpoint.
type Request struct {
	// Method is inferred from the URL when empty.
	Method   string
	URL      string
	Header   http.Header
	Form     url.Values
	Username string
	Password string
	Cookies  []*http.Cookie
	Timeout  time.Duration
}

// Response is the raw outcome of a call.
type Response struct {
	URI        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(headerContentType))
	if err != nil {
		return false
	}
	return mediaType == contentTypeJSON || strings.HasSuffix(mediaType, "+json")
}

// Doer performs a single request.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Error is a transport failure. It carries whatever response context was
// available when the call failed.
type Error struct {
	Message    string
	URI        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Diagnostics implements mcerr.Diagnoser.
func (e *Error) Diagnostics() *mcerr.Diagnostics {
	return &mcerr.Diagnostics{
		URI:        e.URI,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       string(e.Body),
	}
}

// MethodFor returns POST for token endpoints and GET for everything else.
func MethodFor(rawURL string) string {
	if postEndpoint.MatchString(rawURL) {
		return http.MethodPost
	}
	return http.MethodGet
}

// Client implements Doer over net/http.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient wraps httpClient; nil selects a client without a global timeout,
// since every request carries its own.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// Do sends the request and returns the response. Non-JSON responses fail
// with an *Error carrying the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, &Error{Message: "request url required"}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = MethodFor(req.URL)
	}

	target := req.URL
	var body io.Reader
	if len(req.Form) > 0 {
		if method == http.MethodPost {
			body = strings.NewReader(req.Form.Encode())
		} else {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + req.Form.Encode()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Message: "build request", URI: req.URL, Err: err}
	}
	httpReq.Header.Set(headerAccept, contentTypeJSON)
	if body != nil {
		httpReq.Header.Set(headerContentType, contentTypeForm)
	}
	for name, values := range req.Header {
		for _, v := range values {
			if v != "" {
				httpReq.Header.Add(name, v)
			}
		}
	}
	if req.Username != "" || req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}
	for _, ck := range req.Cookies {
		if ck != nil {
			httpReq.AddCookie(ck)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}
		c.logger.Debug("rest.call", "method", method, "url", redact(req.URL), "error", err)
		return nil, &Error{Message: msg, URI: req.URL, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Message: "read response", URI: req.URL, StatusCode: resp.StatusCode, Header: resp.Header, Err: err}
	}

	c.logger.Debug("rest.call",
		"method", method,
		"url", redact(req.URL),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	out := &Response{
		URI:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}
	if !out.IsJSON() {
		return nil, &Error{
			Message:    "invalid response",
			URI:        out.URI,
			StatusCode: out.StatusCode,
			Header:     out.Header,
			Body:       out.Body,
		}
	}
	return out, nil
}

// redact drops the query string so subscriber identifiers stay out of logs.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
