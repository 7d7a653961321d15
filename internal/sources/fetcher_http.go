package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (compatible; oppforge/1.0; +https://github.com/david/oppforge)"

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

var ErrBlockedAddress = errors.New("blocked private address")

// Document is a fetched response. The caller closes Body.
type Document struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     http.Header
}

// Fetcher retrieves one URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Document, error)
}

// RateLimitedFetcher fetches with a token bucket, retries and timeouts per domain.
// Connections to private, loopback and link-local addresses are refused unless
// AllowPrivateNetworks is set.
type RateLimitedFetcher struct {
	clients       map[string]*http.Client
	limiters      map[string]*rate.Limiter
	configs       map[string]FetchConfig
	headers       map[string]map[string]string
	defaultConfig FetchConfig
	allowPrivate  bool
	backoffBase   time.Duration
	logger        zerolog.Logger
	mu            sync.RWMutex
}

type FetcherOption func(*RateLimitedFetcher)

// AllowPrivateNetworks disables the private address guard. Local development and
// tests against httptest servers need it.
func AllowPrivateNetworks() FetcherOption {
	return func(f *RateLimitedFetcher) { f.allowPrivate = true }
}

// WithBackoffBase sets the first retry delay. Later retries double it.
func WithBackoffBase(d time.Duration) FetcherOption {
	return func(f *RateLimitedFetcher) { f.backoffBase = d }
}

func NewRateLimitedFetcher(defaultConfig FetchConfig, logger zerolog.Logger, opts ...FetcherOption) *RateLimitedFetcher {
	f := &RateLimitedFetcher{
		clients:       make(map[string]*http.Client),
		limiters:      make(map[string]*rate.Limiter),
		configs:       make(map[string]FetchConfig),
		headers:       make(map[string]map[string]string),
		defaultConfig: withFetchDefaults(defaultConfig),
		backoffBase:   500 * time.Millisecond,
		logger:        logger.With().Str("component", "fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func withFetchDefaults(c FetchConfig) FetchConfig {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 1.0
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = "en-US,en;q=0.5"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	return c
}

// Configure sets the fetch config and extra request headers for one domain.
// Unset config fields fall back to the fetcher default.
func (f *RateLimitedFetcher) Configure(domain string, cfg FetchConfig, headers map[string]string) {
	merged := f.defaultConfig
	if cfg.TimeoutSeconds > 0 {
		merged.TimeoutSeconds = cfg.TimeoutSeconds
	}
	if cfg.MaxRetries > 0 {
		merged.MaxRetries = cfg.MaxRetries
	}
	if cfg.RateLimitRPS > 0 {
		merged.RateLimitRPS = cfg.RateLimitRPS
	}
	if cfg.AcceptLanguage != "" {
		merged.AcceptLanguage = cfg.AcceptLanguage
	}
	if cfg.MaxBodyBytes > 0 {
		merged.MaxBodyBytes = cfg.MaxBodyBytes
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[domain] = merged
	f.headers[domain] = headers
	delete(f.clients, domain)
	delete(f.limiters, domain)
}

func getDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	return u.Host, nil
}

// domainState returns or creates the client and limiter for a domain.
func (f *RateLimitedFetcher) domainState(domain string) (*http.Client, *rate.Limiter, FetchConfig, map[string]string) {
	f.mu.RLock()
	client, ok := f.clients[domain]
	limiter := f.limiters[domain]
	config, hasConfig := f.configs[domain]
	headers := f.headers[domain]
	f.mu.RUnlock()
	if !hasConfig {
		config = f.defaultConfig
	}
	if ok {
		return client, limiter, config, headers
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := f.clients[domain]; ok {
		return client, f.limiters[domain], config, headers
	}

	client = &http.Client{
		Timeout:       time.Duration(config.TimeoutSeconds) * time.Second,
		Transport:     newTransport(f.allowPrivate),
		CheckRedirect: redirectPolicy(f.allowPrivate),
	}
	limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), 1)
	f.clients[domain] = client
	f.limiters[domain] = limiter
	return client, limiter, config, headers
}

func newTransport(allowPrivate bool) *http.Transport {
	dial := safeDialContext
	if allowPrivate {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// safeDialContext resolves the host and refuses private addresses. It dials the
// vetted IP rather than the name, so a second lookup cannot swap the target.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%s resolved to no addresses", host)
	}

	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip.IP)
		}
	}
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	addr, ok := netip.AddrFromSlice(ip)
	if ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

// redirectPolicy limits redirects and validates destinations.
func redirectPolicy(allowPrivate bool) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		if req.URL == nil {
			return fmt.Errorf("invalid redirect URL")
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("redirect scheme blocked")
		}
		if allowPrivate {
			return nil
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("redirect host missing")
		}
		if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
			return fmt.Errorf("redirect to internal host blocked")
		}
		return nil
	}
}

// shouldRetry determines if an error or status code should trigger a retry
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}

	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Fetch waits for the domain's rate limiter, then GETs the URL with retries and
// exponential backoff. Only a 200 response is returned.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	domain, err := getDomain(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	client, limiter, config, headers := f.domainState(domain)

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.backoffBase * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(f.backoffBase/5) + 1))
			f.logger.Warn().Err(lastErr).Str("url", rawURL).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json,text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", config.AcceptLanguage)
		req.Header.Set("Cache-Control", "no-cache")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() == nil && shouldRetry(err, 0) {
				continue
			}
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return &Document{
				URL:         rawURL,
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        limitedBody{Reader: io.LimitReader(resp.Body, config.MaxBodyBytes), Closer: resp.Body},
				FetchedAt:   time.Now(),
				Headers:     resp.Header,
			}, nil
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("status code %d", resp.StatusCode)
		if !shouldRetry(nil, resp.StatusCode) {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func readAll(doc *Document) ([]byte, error) {
	defer doc.Body.Close()
	return io.ReadAll(doc.Body)
}
