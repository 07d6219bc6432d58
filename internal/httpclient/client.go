// Package httpclient provides the retrying HTTP agent used for playlist
// refreshes, token requests, and segment fetches.
//
// The client wraps the standard http.Client and adds:
//   - Bounded retries with a fixed delay (the playlist refresh cadence
//     already bounds request rate, so no exponential backoff)
//   - Per-attempt timeouts at connect and response-header level
//   - HTTPS enforcement and IPv4 pinning policies
//   - Transparent decompression (gzip, deflate, brotli)
//   - Structured logging with credential obfuscation
//
// Errors are classified into kinds (transient, permanent, gone, policy,
// closed-by-peer) so the streaming state machine can branch on them.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
)

// ErrorKind classifies a request failure for the caller's state machine.
type ErrorKind int

const (
	// KindTransient covers connection errors, I/O errors, and 5xx
	// responses after the retry budget is exhausted.
	KindTransient ErrorKind = iota

	// KindPermanent covers 4xx responses other than 404. Not retried.
	KindPermanent

	// KindGone is a 404. On a media playlist that was previously valid
	// it means the channel went offline.
	KindGone

	// KindPolicy is a request rejected before any I/O, e.g. a plain
	// http:// URL under the force-https policy.
	KindPolicy

	// KindClosedByPeer is a response body that terminated mid-stream.
	KindClosedByPeer
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindGone:
		return "gone"
	case KindPolicy:
		return "policy"
	case KindClosedByPeer:
		return "closed-by-peer"
	default:
		return "unknown"
	}
}

// Error is a classified request failure.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error for %s", e.Kind, obfuscateURL(e.URL))
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindTransient for errors
// that did not originate in this package.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// ErrHTTPSRequired is wrapped into KindPolicy errors under force-https.
var ErrHTTPSRequired = errors.New("plain http is forbidden by policy")

// Default configuration values.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetries    = 2
	DefaultRetryDelay = 1 * time.Second
	DefaultUserAgent  = "twitchpipe/1.0"

	HeaderUserAgent       = "User-Agent"
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"

	acceptEncodings = "gzip, deflate, br"
)

// Config holds the configuration for the HTTP agent.
type Config struct {
	// Timeout bounds each attempt: dial, TLS, and response headers.
	// Buffered requests (GetText) are bounded end to end; streaming
	// bodies stay cancellable through the request context instead.
	Timeout time.Duration

	// Retries is the number of retry attempts after the first try.
	Retries int

	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration

	// ForceHTTPS rejects non-HTTPS URLs before any I/O.
	ForceHTTPS bool

	// ForceIPv4 restricts dialing to IPv4.
	ForceIPv4 bool

	// UserAgent is sent with every request.
	UserAgent string

	// Logger is the structured logger for request logging.
	Logger *slog.Logger

	// EnableDecompression enables transparent response decompression.
	EnableDecompression bool

	// BaseClient is the underlying http.Client. If nil, one is built
	// with a connection pool scoped to this agent.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		Retries:             DefaultRetries,
		RetryDelay:          DefaultRetryDelay,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is the retrying HTTP agent.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new agent with the given configuration. The agent owns
// its connection pool; Close releases it.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		network := "tcp"
		if cfg.ForceIPv4 {
			network = "tcp4"
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			TLSHandshakeTimeout:   cfg.Timeout,
			ResponseHeaderTimeout: cfg.Timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   2,
			// The agent decompresses explicitly so that raw segment
			// bytes pass through untouched.
			DisableCompression: true,
		}
		baseClient = &http.Client{Transport: transport}
	}

	return &Client{
		config: cfg,
		client: baseClient,
		logger: cfg.Logger,
	}
}

// NewWithDefaults creates a new agent with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Close releases the agent's idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// GetText performs a buffered GET, used for playlists and tokens.
// The returned status is non-zero whenever a response was received.
func (c *Client) GetText(ctx context.Context, rawURL string, headers http.Header) (int, []byte, error) {
	return c.buffered(ctx, http.MethodGet, rawURL, nil, headers)
}

// PostJSON performs a buffered POST with a JSON payload, used for the
// access token endpoint.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload []byte, headers http.Header) (int, []byte, error) {
	if headers == nil {
		headers = http.Header{}
	} else {
		headers = headers.Clone()
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}
	return c.buffered(ctx, http.MethodPost, rawURL, payload, headers)
}

// buffered runs a request end to end under the per-attempt timeout and
// returns the full response body.
func (c *Client) buffered(ctx context.Context, method, rawURL string, payload []byte, headers http.Header) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.do(attemptCtx, method, rawURL, payload, headers)
	if err != nil {
		return statusOf(err), nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &Error{Kind: KindClosedByPeer, URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, body, nil
}

// OpenBody performs a streaming GET whose body the caller drains
// incrementally. The per-attempt timeout bounds connect and response
// headers; the body read is bounded only by ctx, so a live segment can
// be drained for longer than a single timeout.
func (c *Client) OpenBody(ctx context.Context, rawURL string, headers http.Header) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil, headers)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do runs the retry loop and returns a response with a 2xx/3xx status,
// its body already wrapped for decompression.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte, headers http.Header) (*http.Response, error) {
	if err := c.checkPolicy(rawURL); err != nil {
		return nil, err
	}

	var (
		lastErr    error
		lastStatus int
	)

	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", c.config.RetryDelay),
				slog.String("url", obfuscateURL(rawURL)),
			)
			select {
			case <-ctx.Done():
				return nil, &Error{Kind: KindTransient, URL: rawURL, Status: lastStatus, Err: ctx.Err()}
			case <-time.After(c.config.RetryDelay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, &Error{Kind: KindPermanent, URL: rawURL, Err: err}
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
			req.Header.Set(HeaderUserAgent, c.config.UserAgent)
		}
		if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
			req.Header.Set(HeaderAcceptEncoding, acceptEncodings)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", obfuscateURL(rawURL)),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &Error{Kind: KindTransient, URL: rawURL, Err: err}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, &Error{Kind: KindGone, URL: rawURL, Status: resp.StatusCode}

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return nil, &Error{Kind: KindPermanent, URL: rawURL, Status: resp.StatusCode}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server status %d", resp.StatusCode)
			lastStatus = resp.StatusCode
			c.logger.Warn("retryable status code",
				slog.String("url", obfuscateURL(rawURL)),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", duration),
				slog.Int("attempt", attempt),
			)
			resp.Body.Close()
			continue
		}

		c.logger.Debug("request completed",
			slog.String("url", obfuscateURL(rawURL)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
			slog.Int64("content_length", resp.ContentLength),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		return resp, nil
	}

	return nil, &Error{Kind: KindTransient, URL: rawURL, Status: lastStatus, Err: lastErr}
}

// checkPolicy validates the URL against the configured policies without
// performing any I/O.
func (c *Client) checkPolicy(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{Kind: KindPermanent, URL: rawURL, Err: err}
	}
	if c.config.ForceHTTPS && u.Scheme != "https" {
		return &Error{Kind: KindPolicy, URL: rawURL, Err: ErrHTTPSRequired}
	}
	return nil
}

// statusOf extracts the HTTP status carried by a classified error.
func statusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// IsClosedByPeer reports whether a body read error means the peer closed
// the connection mid-stream.
func IsClosedByPeer(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}

	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// obfuscateURL returns a URL string with sensitive query parameters obfuscated.
func obfuscateURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	query := u.Query()
	sensitiveParams := []string{
		"token", "sig", "auth", "authorization",
		"password", "secret", "api_key", "apikey", "key",
	}
	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, "***")
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
