package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dohr-michael/agentrunner/internal/tools"
)

// Static is a browser executor without a browser: it fetches pages over HTTP
// and reads them with goquery. It can navigate, follow links and extract
// data; it cannot fill or submit forms.
type Static struct {
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	pages map[string]*page
}

type page struct {
	url   *url.URL
	doc   *goquery.Document
	title string
}

// NewStatic creates a static driver. timeout bounds each page fetch.
func NewStatic(timeout time.Duration) *Static {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Static{
		client:    &http.Client{Timeout: timeout},
		userAgent: "agentrunner/1.0 (static driver)",
		pages:     make(map[string]*page),
	}
}

var (
	urlRe       = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>)]+`)
	domainRe    = regexp.MustCompile(`(?i)\b(?:[a-z0-9-]+\.)+[a-z]{2,}(?:/[^\s"'<>)]*)?`)
	navigateRe  = regexp.MustCompile(`(?i)\b(open|go to|navigate|visit|load)\b`)
	clickRe     = regexp.MustCompile(`(?i)\b(click|follow|select|choose)\b\s*(?:on\s+|the\s+)*(.*)`)
	formRe      = regexp.MustCompile(`(?i)\b(fill|type|enter|submit|log\s?in|sign\s?in|credentials|password)\b`)
	quotedRe    = regexp.MustCompile(`["“']([^"”']+)["”']`)
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	emailWordRe = regexp.MustCompile(`(?i)\be-?mails?\b`)
)

const productSelector = `[itemtype*="schema.org/Product"], .product, .product-item, .product-card, [data-product]`

// Execute runs a step against the run's current page.
func (s *Static) Execute(ctx context.Context, req tools.Request) (*tools.Observation, error) {
	current := s.current(req.RunID)

	target := s.target(req, current)
	switch {
	case target != nil && (current == nil || navigateRe.MatchString(req.Title) || req.URL != ""):
		p, err := s.fetch(ctx, target)
		if err != nil {
			return nil, err
		}
		s.setCurrent(req.RunID, p)
		current = p
	case current == nil:
		return nil, tools.Fail(tools.BadSelectors, "no page open and no url in %q", req.Title)
	}

	if m := clickRe.FindStringSubmatch(req.Title); m != nil && !req.Extract && !navigateRe.MatchString(req.Title) {
		p, err := s.follow(ctx, current, linkLabel(m[2], req.Selectors["link"]))
		if err != nil {
			return nil, err
		}
		s.setCurrent(req.RunID, p)
		current = p
	} else if formRe.MatchString(req.Title) && !req.Extract && !navigateRe.MatchString(req.Title) {
		if current.doc.Find(`input[type="password"], form`).Length() > 0 {
			return nil, tools.Fail(tools.LoginStuck, "static driver cannot submit the form on %s", current.url)
		}
		return nil, tools.Fail(tools.BadSelectors, "no form on %s", current.url)
	}

	obs := observe(current)
	if req.Extract {
		items := extract(current, req)
		if len(items) == 0 {
			return nil, tools.Fail(tools.MissingExtraction, "nothing extracted from %s", current.url)
		}
		obs.Items = items
		obs.Summary = fmt.Sprintf("%s (%d items)", obs.Summary, len(items))
	}
	return obs, nil
}

// Snapshot describes the run's current page.
func (s *Static) Snapshot(_ context.Context, runID string) (string, error) {
	p := s.current(runID)
	if p == nil {
		return "", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\n", p.url, p.title)
	headings := texts(p.doc.Find("h1, h2, h3"), 8)
	if len(headings) > 0 {
		fmt.Fprintf(&sb, "Headings: %s\n", strings.Join(headings, " | "))
	}
	links := texts(p.doc.Find("a[href]"), 15)
	if len(links) > 0 {
		fmt.Fprintf(&sb, "Links: %s\n", strings.Join(links, " | "))
	}
	if p.doc.Find(`input[type="password"]`).Length() > 0 {
		sb.WriteString("The page has a login form.\n")
	}
	return sb.String(), nil
}

// Release forgets the run's page.
func (s *Static) Release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, runID)
}

func (s *Static) current(runID string) *page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[runID]
}

func (s *Static) setCurrent(runID string, p *page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[runID] = p
}

// target picks the URL a step refers to: the explicit URL, a URL in the step
// title, or a URL in the prompt when no page is open yet.
func (s *Static) target(req tools.Request, current *page) *url.URL {
	candidates := []string{req.URL, findURL(req.Title)}
	if current == nil {
		candidates = append(candidates, findURL(req.Prompt))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if !strings.Contains(c, "://") {
			c = "https://" + c
		}
		u, err := url.Parse(c)
		if err != nil || u.Host == "" {
			continue
		}
		if current != nil {
			u = current.url.ResolveReference(u)
		}
		return u
	}
	return nil
}

func findURL(text string) string {
	if m := urlRe.FindString(text); m != "" {
		return strings.TrimRight(m, ".,;")
	}
	if m := domainRe.FindString(text); m != "" && !emailRe.MatchString(text) {
		return strings.TrimRight(m, ".,;")
	}
	return ""
}

func (s *Static) fetch(ctx context.Context, u *url.URL) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, tools.Fail(tools.BadSelectors, "invalid url %s", u)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &tools.ToolError{Kind: tools.Timeout, Message: "fetch " + u.String(), Cause: err}
		}
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, tools.Fail(tools.BadSelectors, "fetch %s: status %d", u, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	slog.Debug("static driver fetched page", "url", final.String(), "status", resp.StatusCode)
	return &page{url: final, doc: doc, title: strings.TrimSpace(doc.Find("title").First().Text())}, nil
}

func linkLabel(rest, selector string) string {
	if selector != "" {
		return selector
	}
	if m := quotedRe.FindStringSubmatch(rest); m != nil {
		return m[1]
	}
	rest = strings.TrimSpace(rest)
	for _, suffix := range []string{" link", " button", " tab", " menu"} {
		rest = strings.TrimSuffix(rest, suffix)
	}
	return strings.TrimRight(rest, ".")
}

// follow opens the first link whose text contains label. A label starting
// with a CSS selector character is used as a selector.
func (s *Static) follow(ctx context.Context, p *page, label string) (*page, error) {
	var link *goquery.Selection
	if strings.ContainsAny(label[:min(1, len(label))], "#.[") {
		link = p.doc.Find(label).First()
	} else {
		want := strings.ToLower(label)
		p.doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			if want != "" && strings.Contains(strings.ToLower(strings.TrimSpace(a.Text())), want) {
				link = a
				return false
			}
			return true
		})
	}
	if link == nil || link.Length() == 0 {
		return nil, tools.Fail(tools.BadSelectors, "no link matching %q on %s", label, p.url)
	}
	href, _ := link.Attr("href")
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || href == "" {
		return nil, tools.Fail(tools.BadSelectors, "link %q has no usable href", label)
	}
	return s.fetch(ctx, p.url.ResolveReference(ref))
}

func observe(p *page) *tools.Observation {
	body := p.doc.Find("body").Text()
	summary := p.title
	if h := texts(p.doc.Find("h1"), 1); len(h) > 0 && h[0] != summary {
		summary = strings.TrimSpace(summary + " - " + h[0])
	}
	if summary == "" {
		summary = p.url.String()
	}
	return &tools.Observation{
		Summary:     summary,
		URL:         p.url.String(),
		Title:       p.title,
		Fingerprint: tools.Fingerprint(p.url.String(), strings.Join(strings.Fields(body), " ")),
	}
}

func extract(p *page, req tools.Request) []tools.Item {
	source := p.url.String()
	var items []tools.Item
	seen := map[string]bool{}
	add := func(value, evidence string) {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		items = append(items, tools.Item{Value: value, Evidence: truncate(collapse(evidence), 300), SourceURL: source})
	}

	if sel := req.Selectors["item"]; sel != "" {
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			value := s.Text()
			if name := req.Selectors["name"]; name != "" {
				if n := s.Find(name).First(); n.Length() > 0 {
					value = n.Text()
				}
			}
			add(collapse(value), s.Text())
		})
		if len(items) > 0 {
			return items
		}
	}

	if emailWordRe.MatchString(req.Title + " " + req.Prompt + " " + strings.Join(req.Fields, " ")) {
		p.doc.Find(`a[href^="mailto:"]`).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			addr := strings.SplitN(strings.TrimPrefix(href, "mailto:"), "?", 2)[0]
			add(addr, a.Parent().Text())
		})
		for _, m := range emailRe.FindAllString(p.doc.Find("body").Text(), -1) {
			add(m, m)
		}
		return items
	}

	p.doc.Find(productSelector).Each(func(_ int, s *goquery.Selection) {
		name := s.Find(`[itemprop="name"], h2, h3, .title, .name`).First().Text()
		if strings.TrimSpace(name) == "" {
			name = s.Text()
		}
		add(collapse(name), s.Text())
	})
	return items
}

func texts(sel *goquery.Selection, limit int) []string {
	var out []string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := collapse(s.Text()); t != "" {
			out = append(out, t)
		}
		return len(out) < limit
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
