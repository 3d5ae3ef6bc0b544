// Package browser provides the pooled execution sessions tests run in.
// A session is an HTTP user agent with its own cookie jar, base URL and
// default headers, so tests that share a session share its state.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	neturl "net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the default per-request timeout of a session
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRedirects is the maximum number of redirects a session follows
	DefaultMaxRedirects = 10
)

// ErrSessionClosed is returned by every call on a session after Close
var ErrSessionClosed = errors.New("session closed")

// ErrTransport marks a request that never got a response because the
// connection could not be made or broke. Timeouts are not transport errors.
var ErrTransport = errors.New("transport failure")

// Options describe how a session is created
type Options struct {
	EnvironmentID string
	BaseURL       string
	Headers       map[string]string
	Timeout       time.Duration
}

// Session is one pooled execution environment
type Session struct {
	id      string
	envID   string
	baseURL *neturl.URL
	headers map[string]string
	client  *http.Client

	createdAt time.Time
	testsRun  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewSession creates a session for the given options
func NewSession(opts Options) (*Session, error) {
	var base *neturl.URL
	if opts.BaseURL != "" {
		u, err := neturl.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
		}
		base = u
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Session{
		id:      uuid.New().String(),
		envID:   opts.EnvironmentID,
		baseURL: base,
		headers: headers,
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= DefaultMaxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		createdAt: time.Now(),
	}, nil
}

func isTransport(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Session) ID() string            { return s.id }
func (s *Session) EnvironmentID() string { return s.envID }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }

// TestsRun returns the number of test executions recorded on the session
func (s *Session) TestsRun() int {
	return int(s.testsRun.Load())
}

// RecordTest counts one test execution against the session's use limit
func (s *Session) RecordTest() {
	s.testsRun.Add(1)
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close releases the session's connections. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.client.CloseIdleConnections()
}

// Resolve turns a path or absolute URL into the URL the session requests
func (s *Session) Resolve(target string) (string, error) {
	u, err := neturl.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", target, err)
	}
	if u.IsAbs() || s.baseURL == nil {
		return u.String(), nil
	}
	return s.baseURL.ResolveReference(u).String(), nil
}

// Do performs req within the session
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}

	target, err := s.Resolve(req.URL)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range s.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		if s.Closed() {
			return nil, ErrSessionClosed
		}
		if ctx.Err() == nil && isTransport(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, target, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    headers,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}
