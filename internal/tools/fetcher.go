package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/thebenlamm/nanobot/internal/config"
)

const (
	defaultFetchMaxBytes    = 5 << 20
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchMaxRedirect = 3
	fetchUserAgent          = "Mozilla/5.0 (compatible; nanobot/1.0; +https://github.com/thebenlamm/nanobot)"
)

// FetchRequest describes an outbound download. Header may carry credentials
// (for example a chat platform's file token) and is never logged.
type FetchRequest struct {
	URL          string
	DeclaredSize int64 // size announced by the source, 0 when unknown
	Header       http.Header
	Label        string // shown in logs and errors instead of the URL when the path itself is secret
}

// FetchResult is a completed in-memory fetch.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher performs outbound HTTP fetches with host guarding, a redirect
// limit and a hard byte ceiling.
type Fetcher struct {
	guard        *HostGuard
	client       *http.Client
	maxBytes     int64
	maxRedirects int
	timeout      time.Duration
}

type FetchOption func(*Fetcher)

func WithMaxBytes(n int64) FetchOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

func WithFetchTimeout(d time.Duration) FetchOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithMaxRedirects(n int) FetchOption {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRedirects = n
		}
	}
}

func NewFetcher(guard *HostGuard, opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		guard:        guard,
		maxBytes:     defaultFetchMaxBytes,
		maxRedirects: defaultFetchMaxRedirect,
		timeout:      defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: guard.Control}
	f.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil, // a proxy would dial on our behalf and bypass the guard
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: f.timeout,
			DisableKeepAlives:     true,
		},
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// FetcherFromConfig wires the web_fetch settings.
func FetcherFromConfig(cfg config.WebFetchToolConfig) (*Fetcher, error) {
	guard, err := NewHostGuard(WithBlockedCIDRs(cfg.BlockedCIDRs...), WithBlockedHosts(cfg.BlockedHosts...))
	if err != nil {
		return nil, err
	}
	return NewFetcher(guard,
		WithMaxBytes(cfg.MaxBytes),
		WithFetchTimeout(time.Duration(cfg.TimeoutSec)*time.Second),
		WithMaxRedirects(cfg.MaxRedirects),
	), nil
}

// MaxBytes is the ceiling applied to every fetch.
func (f *Fetcher) MaxBytes() int64 { return f.maxBytes }

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.maxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return &ToolDeniedError{Tool: "web_fetch", Category: CategoryUnsupportedURL, Reason: "redirect to a non-http scheme"}
	}
	if _, err := f.guard.Check(req.Context(), req.URL.Hostname()); err != nil {
		return err
	}
	return nil
}

// Evaluate validates the request without any network I/O beyond DNS.
func (f *Fetcher) Evaluate(ctx context.Context, req FetchRequest) Decision {
	d := f.evaluate(ctx, req)
	d.Tool = "web_fetch"
	if d.Allowed() {
		slog.Debug("tool decision", "decision", d)
	} else {
		slog.Warn("tool decision", "decision", d)
	}
	return d
}

func (f *Fetcher) evaluate(ctx context.Context, req FetchRequest) Decision {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || u.Host == "" {
		return deny("web_fetch", CategoryUnsupportedURL, "not a valid absolute URL")
	}
	target := logSafeURL(u)
	if req.Label != "" {
		target = req.Label
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		d := deny("web_fetch", CategoryUnsupportedURL, "only http and https URLs are supported")
		d.Target = target
		return d
	}
	if u.User != nil {
		d := deny("web_fetch", CategoryUnsupportedURL, "credentials in URLs are not allowed")
		d.Target = target
		return d
	}
	if req.DeclaredSize > f.maxBytes {
		d := deny("web_fetch", CategorySizeLimit, fmt.Sprintf("declared size %d exceeds %d bytes", req.DeclaredSize, f.maxBytes))
		d.Target = target
		d.err = &FetchTooLargeError{Target: target, Limit: f.maxBytes, Size: req.DeclaredSize, Declared: true}
		return d
	}
	if _, err := f.guard.Check(ctx, u.Hostname()); err != nil {
		var blocked *FetchBlockedHostError
		if errors.As(err, &blocked) {
			d := deny("web_fetch", CategoryBlockedHost, blocked.Reason)
			d.Target = target
			d.err = blocked
			return d
		}
		// DNS failure is a transport problem, not a policy refusal
		d := deny("web_fetch", CategoryUnsupportedURL, "host could not be resolved")
		d.Target = target
		d.err = err
		return d
	}

	req.URL = u.String()
	return Decision{Verdict: Allow, Tool: "web_fetch", Target: target, fetch: req}
}

// logSafeURL drops credentials and the query string, which often carries tokens.
func logSafeURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}

func (f *Fetcher) open(ctx context.Context, d Decision) (*http.Response, error) {
	if !d.Allowed() {
		return nil, d.Err()
	}
	if d.Tool != "web_fetch" || d.fetch.URL == "" {
		return nil, &ToolDeniedError{Tool: "web_fetch", Category: CategoryMalformed, Reason: "decision was not issued for a fetch"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.fetch.URL, nil)
	if err != nil {
		return nil, &FetchTransportError{Target: d.Target, Err: err}
	}
	for k, vs := range d.fetch.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", fetchUserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var blocked *FetchBlockedHostError
		if errors.As(err, &blocked) {
			return nil, blocked
		}
		var denied *ToolDeniedError
		if errors.As(err, &denied) {
			return nil, denied
		}
		var ue *url.Error
		if d.fetch.Label != "" && errors.As(err, &ue) {
			err = ue.Err // *url.Error repeats the full URL
		}
		return nil, &FetchTransportError{Target: d.Target, Err: err}
	}
	if resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, &FetchTooLargeError{Target: d.Target, Limit: f.maxBytes, Size: resp.ContentLength, Declared: true}
	}
	return resp, nil
}

// Execute fetches into memory. The body never grows past MaxBytes: a larger
// response is aborted mid-stream with *FetchTooLargeError.
func (f *Fetcher) Execute(ctx context.Context, d Decision) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.open(ctx, d)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(f.limit(resp.Body, d.Target))
	if err != nil {
		return nil, f.readError(d, err)
	}
	return &FetchResult{
		URL:         d.fetch.URL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// Download streams the body into a new file in dir and returns its path and
// size. On any failure, including the size ceiling, the partial file is
// removed. Non-2xx responses fail without creating a file.
func (f *Fetcher) Download(ctx context.Context, d Decision, dir, pattern string) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.open(ctx, d)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &FetchTransportError{Target: d.Target, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create download dir: %w", err)
	}
	file, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, fmt.Errorf("create download file: %w", err)
	}

	n, err := io.Copy(file, f.limit(resp.Body, d.Target))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file.Name())
		return "", 0, f.readError(d, err)
	}
	return file.Name(), n, nil
}

func (f *Fetcher) readError(d Decision, err error) error {
	var tooLarge *FetchTooLargeError
	if errors.As(err, &tooLarge) {
		return tooLarge
	}
	return &FetchTransportError{Target: d.Target, Err: err}
}

func (f *Fetcher) limit(r io.Reader, target string) io.Reader {
	return &ceilingReader{r: r, remaining: f.maxBytes, limit: f.maxBytes, target: target}
}

// ceilingReader delivers at most limit bytes. When the source has more it
// fails instead of returning a silently short body.
type ceilingReader struct {
	r         io.Reader
	remaining int64
	limit     int64
	target    string
}

func (c *ceilingReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		var extra [1]byte
		n, err := c.r.Read(extra[:])
		if n > 0 {
			return 0, &FetchTooLargeError{Target: c.target, Limit: c.limit, Size: c.limit + 1}
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	return n, err
}
