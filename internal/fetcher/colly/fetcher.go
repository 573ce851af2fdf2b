// Package collyfetcher implements the list and detail fetchers using
// gocolly. Extraction rules are injected per target, so the same
// transport serves every configured site.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/policyspider/spiderd/internal/spider"
)

// Config controls collector behavior.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// ListRules describes how to request and parse one site's listing pages.
type ListRules struct {
	// BuildURL renders the listing URL for a page request.
	BuildURL func(req spider.ListRequest) string
	// ItemSelector matches one listing row.
	ItemSelector string
	// ExtractItem pulls a ListItem out of a matched row. Returning
	// ok=false skips the row (decoration rows, ads, separators).
	ExtractItem func(e *colly.HTMLElement) (spider.ListItem, bool)
}

// ListFetcher fetches listing pages with a colly collector.
type ListFetcher struct {
	cfg   Config
	rules ListRules
	base  *colly.Collector
}

// NewListFetcher builds a ListFetcher.
func NewListFetcher(cfg Config, rules ListRules) (*ListFetcher, error) {
	cfg.applyDefaults()
	if rules.BuildURL == nil {
		return nil, errors.New("list rules: BuildURL is required")
	}
	if rules.ItemSelector == "" || rules.ExtractItem == nil {
		return nil, errors.New("list rules: ItemSelector and ExtractItem are required")
	}
	return &ListFetcher{cfg: cfg, rules: rules, base: newCollector(cfg)}, nil
}

// FetchList implements spider.ListFetcher.
func (f *ListFetcher) FetchList(ctx context.Context, req spider.ListRequest) (spider.ListPage, error) {
	url := f.rules.BuildURL(req)
	var items []spider.ListItem
	collect := func(c *colly.Collector) {
		c.OnHTML(f.rules.ItemSelector, func(e *colly.HTMLElement) {
			if item, ok := f.rules.ExtractItem(e); ok {
				items = append(items, item)
			}
		})
	}
	if err := f.visit(ctx, url, collect); err != nil {
		return spider.ListPage{}, fmt.Errorf("fetch list %s: %w", url, err)
	}
	return spider.ListPage{Items: items}, nil
}

func (f *ListFetcher) visit(ctx context.Context, url string, configure func(*colly.Collector)) error {
	return visitWithRetry(ctx, f.base, f.cfg, url, configure)
}

// Document is one fetched detail page ready for persistence.
type Document struct {
	Target    string    `json:"target"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	HTML      string    `json:"html"`
	FetchedAt time.Time `json:"fetched_at"`
}

// DocumentSink persists fetched documents.
type DocumentSink interface {
	SaveDocument(ctx context.Context, doc Document) error
}

// DetailRules describes how to parse one site's detail pages.
type DetailRules struct {
	// TitleSelector optionally overrides the title carried on the link
	// record with one scraped from the page.
	TitleSelector string
	// ContentSelector scopes the stored HTML; empty stores the whole
	// response body.
	ContentSelector string
}

// DetailFetcher fetches detail pages and hands them to a sink.
type DetailFetcher struct {
	cfg   Config
	rules DetailRules
	sink  DocumentSink
	clock spider.Clock
	base  *colly.Collector
}

// NewDetailFetcher builds a DetailFetcher.
func NewDetailFetcher(cfg Config, rules DetailRules, sink DocumentSink, clock spider.Clock) (*DetailFetcher, error) {
	cfg.applyDefaults()
	if sink == nil {
		return nil, errors.New("detail fetcher: sink is required")
	}
	if clock == nil {
		return nil, errors.New("detail fetcher: clock is required")
	}
	return &DetailFetcher{cfg: cfg, rules: rules, sink: sink, clock: clock, base: newCollector(cfg)}, nil
}

// FetchDetail implements spider.DetailFetcher.
func (f *DetailFetcher) FetchDetail(ctx context.Context, target string, rec spider.LinkRecord) error {
	doc := Document{
		Target:    target,
		URL:       rec.URL,
		Title:     rec.Title,
		Category:  rec.Category,
		FetchedAt: f.clock.Now().UTC(),
	}
	configure := func(c *colly.Collector) {
		if f.rules.TitleSelector != "" {
			c.OnHTML(f.rules.TitleSelector, func(e *colly.HTMLElement) {
				if doc.Title == "" || e.Text != "" {
					doc.Title = e.Text
				}
			})
		}
		if f.rules.ContentSelector != "" {
			c.OnHTML(f.rules.ContentSelector, func(e *colly.HTMLElement) {
				if html, err := e.DOM.Html(); err == nil {
					doc.HTML = html
				}
			})
		} else {
			c.OnResponse(func(r *colly.Response) {
				doc.HTML = string(r.Body)
			})
		}
	}
	if err := visitWithRetry(ctx, f.base, f.cfg, rec.URL, configure); err != nil {
		return fmt.Errorf("fetch detail %s: %w", rec.URL, err)
	}
	if doc.HTML == "" {
		return fmt.Errorf("fetch detail %s: empty document", rec.URL)
	}
	if err := f.sink.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("save document %s: %w", rec.URL, err)
	}
	return nil
}

func newCollector(cfg Config) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Listing URLs repeat across pages and retries.
	c.AllowURLRevisit = true
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())
	return c
}

// visitWithRetry clones the base collector, applies the per-request
// callbacks and visits the URL, retrying transient failures.
func visitWithRetry(ctx context.Context, base *colly.Collector, cfg Config, url string, configure func(*colly.Collector)) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			backoff := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		c := base.Clone()
		configure(c)
		var fetchErr error
		c.OnError(func(_ *colly.Response, err error) {
			fetchErr = err
		})
		if err := c.Visit(url); err != nil {
			lastErr = err
			continue
		}
		c.Wait()
		if fetchErr != nil {
			lastErr = fetchErr
			continue
		}
		return nil
	}
	return lastErr
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
