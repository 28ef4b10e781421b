package extract

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/flynn-ai/genii/internal/errors"
)

var feedURLRe = regexp.MustCompile(`https?://[^\s)\]>"']*(?i:feed|rss)[^\s)\]>"']*`)

// RSS reads RSS 2.0 and Atom feeds into a markdown digest.
type RSS struct {
	http *resty.Client
	// Limit caps the number of items; zero keeps all.
	Limit int
}

// NewRSS creates the feed extractor.
func NewRSS(client *resty.Client) *RSS {
	return &RSS{http: client, Limit: 20}
}

func (r *RSS) Slug() string { return "rss" }

func (r *RSS) Extract(_, content string) []string {
	return unique(feedURLRe, content, nil)
}

type feedItem struct {
	Title   string
	Link    string
	Date    string
	Summary string
}

type rssDoc struct {
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			PubDate     string `xml:"pubDate"`
			Description string `xml:"description"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomDoc struct {
	Title   string `xml:"title"`
	Entries []struct {
		Title string `xml:"title"`
		Links []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
		Updated string `xml:"updated"`
		Summary string `xml:"summary"`
		Content string `xml:"content"`
	} `xml:"entry"`
}

func (r *RSS) Convert(ctx context.Context, ref string, _ map[string]any) (string, error) {
	res, err := r.http.R().SetContext(ctx).Get(ref)
	if err != nil {
		return "", extractionError(r.Slug(), ref, err)
	}
	if !res.IsSuccess() {
		return "", extractionError(r.Slug(), ref, errors.Extraction(errors.CodeExtractionFailed, "unexpected status "+res.Status()))
	}

	title, items, err := parseFeed(res.Body())
	if err != nil {
		return "", extractionError(r.Slug(), ref, err)
	}
	if r.Limit > 0 && len(items) > r.Limit {
		items = items[:r.Limit]
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n", strings.TrimSpace(title))
	}
	for _, it := range items {
		fmt.Fprintf(&b, "\n## %s\n", strings.TrimSpace(it.Title))
		if it.Link != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(it.Link))
		}
		if it.Date != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(it.Date))
		}
		if it.Summary != "" {
			summary, err := toMarkdown(ref, it.Summary)
			if err != nil {
				summary = it.Summary
			}
			fmt.Fprintf(&b, "\n%s\n", summary)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func parseFeed(data []byte) (string, []feedItem, error) {
	var root struct{ XMLName xml.Name }
	if err := xml.Unmarshal(data, &root); err != nil {
		return "", nil, err
	}

	switch root.XMLName.Local {
	case "feed":
		var a atomDoc
		if err := xml.Unmarshal(data, &a); err != nil {
			return "", nil, err
		}
		items := make([]feedItem, 0, len(a.Entries))
		for _, e := range a.Entries {
			it := feedItem{Title: e.Title, Date: e.Updated, Summary: e.Summary}
			if it.Summary == "" {
				it.Summary = e.Content
			}
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					it.Link = l.Href
					break
				}
			}
			items = append(items, it)
		}
		return a.Title, items, nil
	default:
		var d rssDoc
		if err := xml.Unmarshal(data, &d); err != nil {
			return "", nil, err
		}
		items := make([]feedItem, 0, len(d.Channel.Items))
		for _, i := range d.Channel.Items {
			items = append(items, feedItem{Title: i.Title, Link: i.Link, Date: i.PubDate, Summary: i.Description})
		}
		return d.Channel.Title, items, nil
	}
}
