// Package collyfetcher implements the static engine: one HTTP GET through a
// colly collector followed by selector extraction.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/grant-scout/internal/extract"
	"github.com/JakeFAU/grant-scout/internal/grant"
)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	FollowRedirects bool
	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
	// APIKeys maps a source type to the key injected into Source.AuthParam.
	APIKeys map[string]string
}

// Fetcher implements grant.Engine using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher. Transport, timeout and redirect policy live on the
// base collector's backend, which every per-fetch clone shares.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport, err := newHTTPTransport(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.IgnoreRobotsTxt = true
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if !cfg.FollowRedirects {
		c.SetRedirectHandler(func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		})
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// Kind reports the engine variant.
func (f *Fetcher) Kind() grant.EngineKind {
	return grant.EngineStatic
}

// Fetch downloads the source page and extracts its records.
func (f *Fetcher) Fetch(ctx context.Context, src grant.Source) (grant.FetchResult, error) {
	target, err := extract.TargetURL(src, f.cfg.APIKeys)
	if err != nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: err}
	}

	collector := f.baseCollector.Clone()
	collector.Context = ctx

	var (
		resp     *colly.Response
		transErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = r
	})
	collector.OnError(func(r *colly.Response, err error) {
		resp = r
		transErr = err
	})

	start := time.Now()
	if err := runCollector(ctx, collector, target); err != nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: err}
	}
	if transErr != nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: transErr}
	}
	if resp == nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: fmt.Errorf("no response")}
	}

	result := grant.FetchResult{
		Duration:   time.Since(start),
		StatusCode: resp.StatusCode,
		BodyBytes:  len(resp.Body),
		FinalURL:   resp.Request.URL.String(),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &grant.FetchError{
			SourceID:   src.ID,
			URL:        src.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		}
	}

	records, err := extract.Records(src, result.FinalURL, resp.Body)
	if err != nil {
		return result, err
	}
	result.Records = records
	return result, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(proxyURL string) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
