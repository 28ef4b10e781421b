package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/vault"
)

const page = `<html><head><title>t</title><script>var x = 1;</script></head>
<body>
<h1>Title</h1>
<p>Read the <a href="/about">about page</a>.</p>
<ul><li class="item">alpha</li><li class="item">beta</li></ul>
<style>p { color: red }</style>
</body></html>`

const rssFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Blog</title>
<item><title>First</title><link>https://blog.example/1</link><description>&lt;p&gt;Hello &lt;b&gt;there&lt;/b&gt;&lt;/p&gt;</description></item>
<item><title>Second</title><link>https://blog.example/2</link></item>
</channel></rss>`

const atomFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>Atom Blog</title>
<entry><title>Entry</title><link rel="alternate" href="https://atom.example/e"/><summary>short</summary></entry>
</feed>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/rss.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed)
	})
	mux.HandleFunc("/atom-feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atomFeed)
	})
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "abcdefghijk" {
			fmt.Fprint(w, "<html>no captions</html>")
			return
		}
		fmt.Fprint(w, `<script>var cfg = {"captionTracks":[{"baseUrl":"/timedtext?lang=en","languageCode":"en"}],"x":1};</script>`)
	})
	mux.HandleFunc("/timedtext", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<transcript><text start="0" dur="1.5">Hello &amp;amp; hi</text><text start="5" dur="2">world</text></transcript>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient() *resty.Client { return NewHTTPClient(5 * time.Second) }

func TestWebConvertMarkdown(t *testing.T) {
	srv := newServer(t)
	w := NewWeb(testClient(), false)

	out, err := w.Convert(context.Background(), srv.URL+"/page", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "# Title")
	assert.Contains(t, out, "("+srv.URL+"/about)")
	assert.NotContains(t, out, "var x")
	assert.NotContains(t, out, "color: red")
}

func TestWebConvertSelectorAndHTML(t *testing.T) {
	srv := newServer(t)

	md, err := NewWeb(testClient(), false).Convert(context.Background(), srv.URL+"/page",
		map[string]any{"selector": `[".item"]`})
	require.NoError(t, err)
	assert.Contains(t, md, "alpha")
	assert.Contains(t, md, "beta")
	assert.NotContains(t, md, "Title")

	html, err := NewWeb(testClient(), true).Convert(context.Background(), srv.URL+"/page",
		map[string]any{"selector": "h1"})
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.NotContains(t, html, "alpha")
}

func TestWebExtractSkipsOtherKinds(t *testing.T) {
	content := `see https://example.com/a and https://example.com/a again,
https://example.com/doc.pdf https://example.com/feed https://youtu.be/abcdefghijk
and (https://example.org/b)`
	refs := NewWeb(testClient(), false).Extract("n.md", content)
	assert.Equal(t, []string{"https://example.com/a", "https://example.org/b"}, refs)
}

func TestRSSConvert(t *testing.T) {
	srv := newServer(t)
	r := NewRSS(testClient())

	out, err := r.Convert(context.Background(), srv.URL+"/rss.xml", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Blog"))
	assert.Contains(t, out, "## First\nhttps://blog.example/1")
	assert.Contains(t, out, "Hello **there**")
	assert.Contains(t, out, "## Second")

	out, err = r.Convert(context.Background(), srv.URL+"/atom-feed", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "# Atom Blog")
	assert.Contains(t, out, "https://atom.example/e")
	assert.Contains(t, out, "short")

	assert.Equal(t, []string{"https://x.example/rss.xml"}, r.Extract("", "feed: https://x.example/rss.xml and https://x.example/page"))
}

func TestYouTubeTranscript(t *testing.T) {
	srv := newServer(t)
	y := NewYouTube(testClient())
	y.WatchURL = srv.URL + "/watch"

	out, err := y.Convert(context.Background(), "https://youtu.be/abcdefghijk", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello & hi world", out)

	out, err = y.Convert(context.Background(), "https://www.youtube.com/watch?v=abcdefghijk", map[string]any{"from": 4})
	require.NoError(t, err)
	assert.Equal(t, "world", out)

	out, err = y.Convert(context.Background(), "https://youtu.be/zzzzzzzzzzz", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPDFExtractRefs(t *testing.T) {
	refs := NewPDF(nil, testClient()).Extract("", "![[paper.pdf]] [x](docs/b.pdf) https://h.example/c.pdf ![[paper.pdf|2]]")
	assert.Equal(t, []string{"paper.pdf", "docs/b.pdf", "https://h.example/c.pdf"}, refs)
}

type fakeTranscriber struct{ calls int32 }

func (f *fakeTranscriber) Transcribe(ctx context.Context, name string, data []byte) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return fmt.Sprintf("%s:%d", name, len(data)), nil
}

func TestReadDispatchesByExtension(t *testing.T) {
	v, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Write("memo.mp3", "12345"))
	require.NoError(t, v.Write("note.md", "plain"))

	tr := &fakeTranscriber{}
	s := NewService(Options{Vault: v, Transcriber: tr})

	out, err := s.Read(context.Background(), "memo.mp3")
	require.NoError(t, err)
	assert.Equal(t, "memo.mp3:5", out)

	out, err = s.Read(context.Background(), "note.md")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
	assert.Equal(t, int32(1), tr.calls)

	assert.Equal(t, []string{"memo.mp3"}, NewAudio(v, tr).Extract("", "![[memo.mp3]] and ![[memo.mp3]]"))
}

func TestWhisperWithoutKeyIsFatal(t *testing.T) {
	_, err := NewWhisperTranscriber("", "").Transcribe(context.Background(), "a.mp3", []byte("x"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestExtractAllSkipsFailures(t *testing.T) {
	srv := newServer(t)
	s := NewService(Options{HTTP: testClient(), Enabled: map[string]bool{"web": true}})

	content := fmt.Sprintf("%s/page and %s/broken", srv.URL, srv.URL)
	out, err := s.ExtractAll(context.Background(), "n.md", content)
	require.NoError(t, err)
	require.Len(t, out["web"], 1)
	assert.Contains(t, out["web"][0], "# Title")
	assert.NotContains(t, out, "web_html")
}

type stubExtractor struct {
	slug string
	err  error
}

func (s *stubExtractor) Slug() string { return s.slug }
func (s *stubExtractor) Extract(_, content string) []string {
	if strings.Contains(content, s.slug) {
		return []string{s.slug}
	}
	return nil
}
func (s *stubExtractor) Convert(ctx context.Context, ref string, opts map[string]any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "converted " + ref, nil
}

func TestExtractAllAbortsOnFatal(t *testing.T) {
	s := NewService(Options{HTTP: testClient(), Enabled: map[string]bool{"stub": true}})
	s.Register(&stubExtractor{slug: "stub", err: errors.Configuration(errors.CodeCredentialsMissing, "no key")})

	_, err := s.ExtractAll(context.Background(), "n.md", "stub")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCredentialsMissing))
}

func TestLookupAliasesAndUnknown(t *testing.T) {
	s := NewService(Options{HTTP: testClient(), Enabled: map[string]bool{"yt": true}})
	s.Register(&stubExtractor{slug: "stub"}, "st")

	out, err := s.ConvertWith(context.Background(), "st", " x ", nil)
	require.NoError(t, err)
	assert.Equal(t, "converted x", out)

	_, err = s.ConvertWith(context.Background(), "nope", "x", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeExtractorUnknown))
	assert.True(t, errors.IsKind(err, errors.KindTemplate))

	assert.True(t, s.isEnabled("youtube"))
	assert.False(t, s.isEnabled("web"))

	_, err = s.Extract("n.md", "x")
	require.Error(t, err)
	require.NoError(t, s.SetExtractor("stub"))
	refs, err := s.Extract("n.md", "a stub here")
	require.NoError(t, err)
	assert.Equal(t, []string{"stub"}, refs)
}
