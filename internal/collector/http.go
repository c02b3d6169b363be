package collector

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBodySize = 5 << 20 // 5 MB
	defaultMaxChars    = 20000
	defaultUserAgent   = "Mozilla/5.0 (compatible; HeraldBot/1.0)"
	topicPlaceholder   = "{topic}"
)

// skippedElements never contribute text.
var skippedElements = map[string]bool{
	"script": true, "style": true, "header": true, "footer": true, "nav": true,
	"aside": true, "form": true, "button": true, "iframe": true, "noscript": true,
}

// HTTPConfig configures an HTTPCollector.
type HTTPConfig struct {
	// Sources are URL templates; "{topic}" is replaced with the
	// query-escaped topic.
	Sources   []string
	ProxyURL  string
	Timeout   time.Duration
	UserAgent string
	MaxChars  int
}

// HTTPCollector fetches each configured source and extracts its main text.
type HTTPCollector struct {
	sources   []string
	client    *http.Client
	userAgent string
	maxChars  int
}

// NewHTTPCollector creates an HTTPCollector. An invalid proxy URL is an error.
func NewHTTPCollector(cfg HTTPConfig) (*HTTPCollector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("collector: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &HTTPCollector{
		sources:   cfg.Sources,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxChars,
	}, nil
}

// Collect fetches sources one at a time as the sequence is consumed.
func (h *HTTPCollector) Collect(ctx context.Context, topic string) iter.Seq2[models.Document, error] {
	return func(yield func(models.Document, error) bool) {
		for _, tmpl := range h.sources {
			if ctx.Err() != nil {
				yield(models.Document{}, ctx.Err())
				return
			}
			src := strings.ReplaceAll(tmpl, topicPlaceholder, url.QueryEscape(topic))
			doc, err := h.fetch(ctx, src)
			if !yield(doc, err) {
				return
			}
		}
	}
}

func (h *HTTPCollector) fetch(ctx context.Context, src string) (models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return models.Document{}, fmt.Errorf("collector: build request %s: %w", src, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/rss+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.Document{}, fmt.Errorf("collector: fetch %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Document{}, fmt.Errorf("collector: fetch %s: status %d", src, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, defaultMaxBodySize)
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	var title, text string
	switch {
	// feeds go through the HTML parser too; it keeps every text node
	case strings.Contains(contentType, "html"), strings.Contains(contentType, "xml"):
		title, text, err = extractHTML(body)
		if err != nil {
			return models.Document{}, fmt.Errorf("collector: parse %s: %w", src, err)
		}
	case strings.HasPrefix(contentType, "text/"):
		raw, err := io.ReadAll(body)
		if err != nil {
			return models.Document{}, fmt.Errorf("collector: read %s: %w", src, err)
		}
		text = cleanLines(string(raw))
	default:
		return models.Document{}, fmt.Errorf("collector: skipping %s: unsupported content type %q", src, contentType)
	}

	if text == "" {
		return models.Document{}, fmt.Errorf("collector: %s: no text content", src)
	}
	if len(text) > h.maxChars {
		text = text[:h.maxChars]
	}
	if title == "" {
		title = src
	}
	return models.Document{Source: src, Title: title, Body: text, FetchedAt: time.Now().UTC()}, nil
}

// extractHTML returns the page title and the text of its main content,
// preferring <main> or <article> over <body>.
func extractHTML(r io.Reader) (string, string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var title string
	var main, article, body *html.Node
	var find func(n *html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "main":
				if main == nil {
					main = n
				}
			case "article":
				if article == nil {
					article = n
				}
			case "body":
				body = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(root)

	content := root
	switch {
	case main != nil:
		content = main
	case article != nil:
		content = article
	case body != nil:
		content = body
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(content)

	return title, cleanLines(b.String()), nil
}

func cleanLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
