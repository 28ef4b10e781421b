package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html/charset"

	"github.com/flynn-ai/genii/internal/errors"
)

var (
	urlRe       = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	binaryExtRe = regexp.MustCompile(`(?i)\.(?:mp3|mp4|mov|avi|pdf|png|jpe?g|gif)(?:[?#]|$)`)
	feedRe      = regexp.MustCompile(`(?i)feed|rss`)
	youtubeRe   = regexp.MustCompile(`^https?://(?:www\.)?(?:youtube\.com|youtu\.be)/`)
)

// Web fetches pages and returns them as markdown, or as cleaned HTML.
type Web struct {
	http *resty.Client
	html bool
}

// NewWeb creates the web extractor. With asHTML the body HTML is returned
// instead of markdown.
func NewWeb(client *resty.Client, asHTML bool) *Web {
	return &Web{http: client, html: asHTML}
}

func (w *Web) Slug() string {
	if w.html {
		return "web_html"
	}
	return "web"
}

// Extract lists page URLs, leaving out media, PDFs, feeds and videos.
func (w *Web) Extract(_, content string) []string {
	return unique(urlRe, content, isPageURL)
}

func isPageURL(u string) bool {
	return !binaryExtRe.MatchString(u) && !feedRe.MatchString(u) && !youtubeRe.MatchString(u)
}

// Convert fetches ref. opts["selector"] narrows the page to the matching
// elements; it may be a CSS selector, a list of them or a JSON array.
func (w *Web) Convert(ctx context.Context, ref string, opts map[string]any) (string, error) {
	doc, err := w.fetch(ctx, ref)
	if err != nil {
		return "", extractionError(w.Slug(), ref, err)
	}

	if sels := selectors(opts["selector"]); len(sels) > 0 {
		narrow(doc, sels)
	}
	doc.Find("script, style, noscript").Remove()
	absolutize(doc, ref)

	body, err := doc.Find("body").Html()
	if err != nil {
		return "", extractionError(w.Slug(), ref, err)
	}
	if w.html {
		return strings.TrimSpace(body), nil
	}

	out, err := toMarkdown(ref, body)
	if err != nil {
		return "", extractionError(w.Slug(), ref, err)
	}
	return out, nil
}

func (w *Web) fetch(ctx context.Context, ref string) (*goquery.Document, error) {
	res, err := w.http.R().SetContext(ctx).Get(ref)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, errors.Extraction(errors.CodeExtractionFailed, "unexpected status "+res.Status())
	}
	r, err := charset.NewReader(bytes.NewReader(res.Body()), res.Header().Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(r)
}

func selectors(v any) []string {
	switch s := v.(type) {
	case string:
		var list []string
		if strings.HasPrefix(strings.TrimSpace(s), "[") && json.Unmarshal([]byte(s), &list) == nil {
			return list
		}
		if s == "" {
			return nil
		}
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// narrow replaces the body with the selected elements, as a list when
// more than one matched.
func narrow(doc *goquery.Document, sels []string) {
	var parts []string
	for _, sel := range sels {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if h, err := goquery.OuterHtml(s); err == nil {
				parts = append(parts, h)
			}
		})
	}

	var b strings.Builder
	if len(parts) > 1 {
		b.WriteString("<ol>")
		for _, p := range parts {
			b.WriteString("<li>" + p + "</li>")
		}
		b.WriteString("</ol>")
	} else {
		b.WriteString("<div>" + strings.Join(parts, "") + "</div>")
	}
	doc.Find("body").SetHtml(b.String())
}

// absolutize rewrites root relative and app relative links against the
// page origin.
func absolutize(doc *goquery.Document, page string) {
	base, err := url.Parse(page)
	if err != nil {
		return
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		switch {
		case strings.HasPrefix(href, "app://"):
			if u, err := url.Parse(href); err == nil {
				s.SetAttr("href", origin.ResolveReference(&url.URL{Path: u.Path}).String())
			}
		case strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//"):
			if u, err := url.Parse(href); err == nil {
				s.SetAttr("href", origin.ResolveReference(u).String())
			}
		}
	})
}

var inlineImageRe = regexp.MustCompile(`!\[[^\]]*\]\(data:image/[^)]+\)`)

func toMarkdown(page, html string) (string, error) {
	domain := ""
	if u, err := url.Parse(page); err == nil {
		domain = u.Host
	}
	out, err := md.NewConverter(domain, true, nil).ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(inlineImageRe.ReplaceAllString(out, "")), nil
}
