package extract

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/flynn-ai/genii/internal/errors"
)

var (
	videoRe        = regexp.MustCompile(`https?://(?:www\.)?(?:youtube\.com/watch\?v=|youtu\.be/)[^\s)\]]+`)
	captionTrackRe = regexp.MustCompile(`"captionTracks":(\[.*?\])`)
	videoIDRe      = regexp.MustCompile(`(?:v=|youtu\.be/)([A-Za-z0-9_-]{11})`)
)

// YouTube fetches video transcripts.
type YouTube struct {
	http *resty.Client
	// WatchURL is the watch page the caption tracks are read from.
	WatchURL string
	// Lang picks a caption track; the first track is used when absent.
	Lang string
}

// NewYouTube creates the transcript extractor.
func NewYouTube(client *resty.Client) *YouTube {
	return &YouTube{http: client, WatchURL: "https://www.youtube.com/watch"}
}

func (y *YouTube) Slug() string { return "youtube" }

func (y *YouTube) Extract(_, content string) []string {
	return unique(videoRe, content, nil)
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
}

type transcript struct {
	Texts []struct {
		Start float64 `xml:"start,attr"`
		Dur   float64 `xml:"dur,attr"`
		Text  string  `xml:",chardata"`
	} `xml:"text"`
}

// Convert returns the transcript text. opts["from"] and opts["to"] keep
// only lines starting inside that window, in seconds.
func (y *YouTube) Convert(ctx context.Context, ref string, opts map[string]any) (string, error) {
	m := videoIDRe.FindStringSubmatch(ref)
	if m == nil {
		return "", extractionError(y.Slug(), ref, errors.Extraction(errors.CodeExtractionFailed, "no video id"))
	}
	id := m[1]

	tracks, err := y.tracks(ctx, id)
	if err != nil {
		return "", extractionError(y.Slug(), ref, err)
	}
	if len(tracks) == 0 {
		return "", nil
	}
	track := tracks[0]
	for _, t := range tracks {
		if y.Lang != "" && t.LanguageCode == y.Lang {
			track = t
			break
		}
	}

	res, err := y.http.R().SetContext(ctx).Get(track.BaseURL)
	if err != nil {
		return "", extractionError(y.Slug(), ref, err)
	}
	if !res.IsSuccess() {
		return "", extractionError(y.Slug(), ref, errors.Extraction(errors.CodeExtractionFailed, "unexpected status "+res.Status()))
	}

	var tr transcript
	if err := xml.Unmarshal(res.Body(), &tr); err != nil {
		return "", extractionError(y.Slug(), ref, err)
	}

	from, to := number(opts["from"], -1), number(opts["to"], -1)
	var parts []string
	for _, t := range tr.Texts {
		if from >= 0 && t.Start < from {
			continue
		}
		if to >= 0 && t.Start > to {
			continue
		}
		parts = append(parts, strings.TrimSpace(html.UnescapeString(html.UnescapeString(t.Text))))
	}
	return strings.Join(parts, " "), nil
}

func (y *YouTube) tracks(ctx context.Context, id string) ([]captionTrack, error) {
	res, err := y.http.R().
		SetContext(ctx).
		SetQueryParam("v", id).
		SetHeader("Accept-Language", "en-US,en;q=0.9").
		Get(y.WatchURL)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, errors.Extraction(errors.CodeExtractionFailed, "unexpected status "+res.Status())
	}

	m := captionTrackRe.FindSubmatch(res.Body())
	if m == nil {
		return nil, nil
	}
	var tracks []captionTrack
	if err := json.Unmarshal(m[1], &tracks); err != nil {
		return nil, err
	}
	for i := range tracks {
		if u, err := url.Parse(tracks[i].BaseURL); err == nil && !u.IsAbs() {
			base, _ := url.Parse(y.WatchURL)
			tracks[i].BaseURL = base.ResolveReference(u).String()
		}
	}
	return tracks, nil
}

func number(v any, def float64) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}
