// Package httpfetch performs proxy-bound HTTP GETs.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

const maxRedirects = 5

// DefaultHeaders are sent on every request unless a site overrides them.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7",
	"Accept-Language": "en-US,en;q=0.9",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// Config controls request behavior.
type Config struct {
	UserAgent string
	// Timeout bounds requests whose context carries no deadline.
	Timeout time.Duration
	// MaxBodyBytes caps how much of a body is read; the rest is discarded.
	MaxBodyBytes int64
}

// Fetcher implements extract.Fetcher with one pooled transport per proxy.
type Fetcher struct {
	cfg     Config
	clients sync.Map // proxy key -> *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	return &Fetcher{cfg: cfg}
}

// Fetch executes a single GET through req.Proxy (direct when nil). Transport
// failures are returned as errors; any HTTP status is a response.
func (f *Fetcher) Fetch(ctx context.Context, req extract.FetchRequest) (extract.FetchResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return extract.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	if f.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.clientFor(req.Proxy).Do(httpReq)
	if err != nil {
		return extract.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, unwrapURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return extract.FetchResponse{}, fmt.Errorf("read body from %s: %w", req.URL, err)
	}
	truncated := int64(len(body)) > f.cfg.MaxBodyBytes
	if truncated {
		body = body[:f.cfg.MaxBodyBytes]
	}
	return extract.FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Truncated:  truncated,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) clientFor(proxy *url.URL) *http.Client {
	key := "direct"
	if proxy != nil {
		key = proxy.String()
	}
	if c, ok := f.clients.Load(key); ok {
		return c.(*http.Client)
	}
	transport := newHTTPTransport()
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	actual, _ := f.clients.LoadOrStore(key, client)
	return actual.(*http.Client)
}

// Close drops idle connections on every cached transport.
func (f *Fetcher) Close() {
	f.clients.Range(func(_, v any) bool {
		v.(*http.Client).CloseIdleConnections()
		return true
	})
}

// unwrapURLError strips the *url.Error wrapper, whose message repeats the
// proxy URL with credentials.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
