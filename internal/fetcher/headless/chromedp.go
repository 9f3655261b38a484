// Package headless contains the browser engine, which renders pages with
// headless Chrome before extraction.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/grant-scout/internal/extract"
	"github.com/JakeFAU/grant-scout/internal/grant"
)

const defaultWaitFor = "body"

// Config controls the behavior of the browser engine.
type Config struct {
	MaxParallel int
	UserAgent   string
	Timeout     time.Duration
	Headless    bool
	// ProxyURL is passed to Chrome as --proxy-server when set.
	ProxyURL string
	APIKeys  map[string]string
}

// Fetcher implements grant.Engine using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a browser engine backed by chromedp. Chrome is started
// lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	return opts
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Kind reports the engine variant.
func (f *Fetcher) Kind() grant.EngineKind {
	return grant.EngineBrowser
}

// Fetch renders the source page and extracts records from the resulting DOM.
func (f *Fetcher) Fetch(ctx context.Context, src grant.Source) (grant.FetchResult, error) {
	target, err := extract.TargetURL(src, f.cfg.APIKeys)
	if err != nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: err}
	}
	if err := f.acquire(ctx); err != nil {
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: err}
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.Timeout)
	defer cancel()

	meta := &documentMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, target, src.Selectors.WaitFor)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, URL: src.URL, Err: err}
	}

	status, finalURL := meta.resolve(finalURL, target)
	result := grant.FetchResult{
		Duration:   time.Since(start),
		StatusCode: status,
		BodyBytes:  len(html),
		FinalURL:   finalURL,
	}
	if status < 200 || status >= 300 {
		return result, &grant.FetchError{
			SourceID:   src.ID,
			URL:        src.URL,
			StatusCode: status,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(status)),
		}
	}

	records, err := extract.Records(src, finalURL, []byte(html))
	if err != nil {
		return result, err
	}
	result.Records = records
	return result, nil
}

func (f *Fetcher) render(ctx context.Context, target, waitFor string) (string, string, error) {
	if waitFor == "" {
		waitFor = defaultWaitFor
	}
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// documentMeta records the status of the main document response. Once a 2xx
// document arrives, later ones (iframes) are ignored.
type documentMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 && m.status < 300 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

// resolve falls back to the browser location and a 200 status when no
// document response was observed.
func (m *documentMeta) resolve(location, requested string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, u := m.status, location
	if u == "" {
		u = m.url
	}
	if u == "" {
		u = requested
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, u
}
