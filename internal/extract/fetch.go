package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

	defaultMaxBody = 8 << 20
)

// FetchConfig controls politeness and retries.
type FetchConfig struct {
	Timeout time.Duration // per attempt; default 30s

	// RetryCount is retries after the first attempt on 408/429/502/503/504
	// and network errors.
	RetryCount int
	RetryBase  time.Duration // default 500ms
	RetryMax   time.Duration // default 15s

	// RequestDelay is the mean pause before every request; the actual pause
	// is uniform in [0.5, 1.5] x RequestDelay. 0 disables it.
	RequestDelay time.Duration

	// HostRate limits requests per second to one host. 0 disables it.
	HostRate  float64
	HostBurst int

	UserAgent    string
	MaxBodyBytes int64
}

// Page is a fetched document.
type Page struct {
	URL  string // after redirects
	Body []byte
}

// Fetcher is a polite HTTP GET client shared by all extractions.
type Fetcher struct {
	cfg    FetchConfig
	client *http.Client
	log    logx.Logger

	mu    sync.Mutex
	hosts map[string]*rate.Limiter

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFetcher(cfg FetchConfig, log logx.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.HostBurst <= 0 {
		cfg.HostBurst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	jar, _ := cookiejar.New(nil)
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Transport: tr},
		log:    log,
		hosts:  map[string]*rate.Limiter{},
		sleep:  sleepCtx,
	}
}

// Fetch GETs rawURL with politeness delay, host rate limit and retries.
// Every failure wraps ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Page{}, fmt.Errorf("%w: invalid url %q", ErrFetch, rawURL)
	}

	var page Page
	opt := engine.RetryOptions{RetryMax: f.cfg.RetryCount, RetryBase: f.cfg.RetryBase, RetryMaxDelay: f.cfg.RetryMax}
	attempts, err := engine.Retry(ctx, opt, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			f.log.Debug("fetch retry", logx.String("url", rawURL), logx.Int("attempt", attempt))
		}
		p, err := f.once(ctx, u)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrFetch) {
			err = fmt.Errorf("%w: %w", ErrFetch, err)
		}
		f.log.Debug("fetch failed", logx.String("url", rawURL), logx.Int("attempts", attempts), logx.Err(err))
		return Page{}, err
	}
	return page, nil
}

func (f *Fetcher) once(ctx context.Context, u *url.URL) (Page, error) {
	if err := f.politeWait(ctx, u.Host); err != nil {
		return Page{}, engine.NoRetry(err)
	}

	actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, engine.NoRetry(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("DNT", "1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, engine.NoRetry(ctx.Err())
		}
		// Network errors and per-attempt timeouts are transient.
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		serr := &StatusError{URL: u.String(), Code: resp.StatusCode}
		if !retryable(resp.StatusCode) {
			return Page{}, engine.NoRetry(serr)
		}
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return Page{}, engine.RetryAfter(serr, d)
		}
		return Page{}, serr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return Page{}, err
	}
	return Page{URL: resp.Request.URL.String(), Body: body}, nil
}

func (f *Fetcher) politeWait(ctx context.Context, host string) error {
	if d := f.cfg.RequestDelay; d > 0 {
		jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
		if err := f.sleep(ctx, jittered); err != nil {
			return err
		}
	}
	if lim := f.limiter(host); lim != nil {
		return lim.Wait(ctx)
	}
	return nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	if f.cfg.HostRate <= 0 {
		return nil
	}
	host = strings.ToLower(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	lim := f.hosts[host]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(f.cfg.HostRate), f.cfg.HostBurst)
		f.hosts[host] = lim
	}
	return lim
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			n = 0
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
