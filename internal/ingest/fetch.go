package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

// Page is the extracted content of one fetched URL.
type Page struct {
	URL        string
	Site       string
	Title      string
	Text       string
	SchemaType string
	Structured map[string]interface{}
}

// Fetcher renders pages in headless Chrome and extracts the readable
// text plus any schema.org JSON-LD payload.
type Fetcher struct {
	Timeout  time.Duration
	MaxChars int
}

func (f Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Page{}, err
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}
	return f.extract(rawURL, parsed.Hostname(), html)
}

func (f Fetcher) extract(rawURL, host, html string) (Page, error) {
	page := Page{URL: rawURL, Site: host}

	article, err := readability.FromReader(strings.NewReader(html), &url.URL{Scheme: "https", Host: host})
	if err == nil {
		page.Title = strings.TrimSpace(article.Title)
		text := strings.TrimSpace(article.TextContent)
		if f.MaxChars > 0 && len(text) > f.MaxChars {
			text = text[:f.MaxChars]
		}
		page.Text = text
	}

	if structured := extractJSONLD(html); structured != nil {
		page.Structured = structured
		if t, ok := structured["@type"].(string); ok {
			page.SchemaType = t
		}
		if page.Title == "" {
			if n, ok := structured["name"].(string); ok {
				page.Title = n
			}
		}
	}
	return page, nil
}

func fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("sitequery/1.0 (+https://github.com/sitequery/sitequery)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

var jsonLDPattern = regexp.MustCompile(`(?is)<script[^>]+type\s*=\s*["']application/ld\+json["'][^>]*>(.*?)</script>`)

// extractJSONLD returns the first schema.org JSON-LD object on the
// page, unwrapping @graph and top-level arrays.
func extractJSONLD(html string) map[string]interface{} {
	for _, match := range jsonLDPattern.FindAllStringSubmatch(html, -1) {
		raw := strings.TrimSpace(match[1])
		var decoded interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			continue
		}
		if obj := firstObject(decoded); obj != nil {
			return obj
		}
	}
	return nil
}

func firstObject(decoded interface{}) map[string]interface{} {
	switch v := decoded.(type) {
	case map[string]interface{}:
		if graph, ok := v["@graph"].([]interface{}); ok {
			return firstObject(graph)
		}
		return v
	case []interface{}:
		for _, item := range v {
			if obj := firstObject(item); obj != nil {
				return obj
			}
		}
	}
	return nil
}
