package vault

import (
	"path"
	"regexp"
	"strings"

	"github.com/flynn-ai/genii/internal/frontmatter"
)

// Heading is a markdown heading with its byte offsets in the note.
type Heading struct {
	Text  string
	Level int
	Start int
	End   int
}

// Link is a [[wiki link]] or ![[embed]] occurrence.
type Link struct {
	Target   string
	Display  string
	Original string
}

// Metadata is the parsed structure of one note.
type Metadata struct {
	Path        string
	Title       string
	Frontmatter map[string]any
	Headings    []Heading
	Links       []Link
	Embeds      []Link
}

var (
	headingRe = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.*?)[ \t]*#*[ \t]*$`)
	fenceRe   = regexp.MustCompile("(?m)^[ \t]*(```|~~~)")
	linkRe    = regexp.MustCompile(`(!?)\[\[([^\[\]]+)\]\]`)
)

// Metadata parses path, reusing the cached result while the file is unchanged.
func (v *Vault) Metadata(p string) (*Metadata, error) {
	abs, err := v.Abs(p)
	if err != nil {
		return nil, err
	}
	rel := v.Rel(abs)
	mt, err := v.ModTime(rel)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	c, ok := v.cache[rel]
	v.mu.RUnlock()
	if ok && c.modTime.Equal(mt) {
		return c.meta, nil
	}

	content, err := v.Read(rel)
	if err != nil {
		return nil, err
	}
	meta := ParseMetadata(rel, content)

	v.mu.Lock()
	v.cache[rel] = cachedMeta{modTime: mt, meta: meta}
	v.mu.Unlock()
	return meta, nil
}

// ParseMetadata extracts front matter, headings and links from content.
// Invalid front matter yields a nil Frontmatter map.
func ParseMetadata(p, content string) *Metadata {
	meta := &Metadata{
		Path:  p,
		Title: strings.TrimSuffix(path.Base(p), path.Ext(p)),
	}
	if fm, _, err := frontmatter.Split(content); err == nil {
		meta.Frontmatter = fm
	}

	fences := fencedRanges(content)
	for _, m := range headingRe.FindAllStringSubmatchIndex(content, -1) {
		if inRanges(fences, m[0]) {
			continue
		}
		meta.Headings = append(meta.Headings, Heading{
			Text:  content[m[4]:m[5]],
			Level: m[3] - m[2],
			Start: m[0],
			End:   m[1],
		})
	}

	for _, m := range linkRe.FindAllStringSubmatch(content, -1) {
		target, display := m[2], m[2]
		if i := strings.Index(target, "|"); i >= 0 {
			target, display = target[:i], target[i+1:]
		}
		l := Link{Target: strings.TrimSpace(target), Display: display, Original: m[0]}
		if m[1] == "!" {
			meta.Embeds = append(meta.Embeds, l)
		} else {
			meta.Links = append(meta.Links, l)
		}
	}
	return meta
}

// fencedRanges returns [start, end) byte ranges of fenced code blocks.
func fencedRanges(content string) [][2]int {
	var ranges [][2]int
	locs := fenceRe.FindAllStringIndex(content, -1)
	for i := 0; i+1 < len(locs); i += 2 {
		ranges = append(ranges, [2]int{locs[i][0], locs[i+1][1]})
	}
	if len(locs)%2 == 1 {
		ranges = append(ranges, [2]int{locs[len(locs)-1][0], len(content)})
	}
	return ranges
}

func inRanges(ranges [][2]int, off int) bool {
	for _, r := range ranges {
		if off >= r[0] && off < r[1] {
			return true
		}
	}
	return false
}

// HeadingBlock returns the text of the section starting at headings[i]:
// the heading line through the character before the next heading of the
// same or shallower level.
func HeadingBlock(content string, headings []Heading, i int) string {
	if i < 0 || i >= len(headings) {
		return ""
	}
	h := headings[i]
	end := len(content)
	for _, next := range headings[i+1:] {
		if next.Level <= h.Level {
			end = next.Start
			break
		}
	}
	return content[h.Start:end]
}

// HeadingContents maps every heading text to its section body, without
// the heading line itself. Later duplicates overwrite earlier ones.
func HeadingContents(content string, headings []Heading) map[string]string {
	out := make(map[string]string, len(headings))
	for i, h := range headings {
		block := HeadingBlock(content, headings, i)
		out[h.Text] = strings.TrimSpace(block[h.End-h.Start:])
	}
	return out
}

// StarredBlocks concatenates the sections whose heading ends with "*".
func StarredBlocks(content string, headings []Heading) string {
	var b strings.Builder
	for i, h := range headings {
		if !strings.HasSuffix(h.Text, "*") {
			continue
		}
		b.WriteString(HeadingBlock(content, headings, i))
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var highlightRe = regexp.MustCompile(`==([^=\n]+)==`)

// Highlights returns every ==highlighted== span in content.
func Highlights(content string) []string {
	var out []string
	for _, m := range highlightRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	return out
}
