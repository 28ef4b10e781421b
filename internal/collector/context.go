package collector

import (
	"context"
	"strings"

	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/frontmatter"
	"github.com/flynn-ai/genii/internal/vault"
)

// Child is a note linked from the active note.
type Child struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Frontmatter map[string]any `json:"frontmatter"`
	Headings    []ChildHeading `json:"headings"`
}

// ChildHeading is a heading of a linked note.
type ChildHeading struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
}

// fields the query pass leaves alone
var skipPostProcess = map[string]bool{
	"frontmatter": true,
	"title":       true,
	"yaml":        true,
}

// DefaultContext computes the requested fields for the document (or for
// filePath when doc is nil). Heading sections are always included when
// the note exists.
func (c *Collector) DefaultContext(ctx context.Context, doc document.Adapter, filePath string, req Request) (map[string]any, error) {
	out := map[string]any{}

	notePath := filePath
	if notePath == "" {
		notePath = activeFile(doc)
	}
	content, meta := c.note(doc, filePath)

	title := ""
	if req.Has("title") || req.Has("mentions") {
		title = noteTitle(notePath)
		out["title"] = title
	}

	var fm map[string]any
	if meta != nil && meta.Frontmatter != nil {
		fm = meta.Frontmatter
	}
	out["frontmatter"] = frontmatter.Shallow(fm)

	if doc != nil {
		value := doc.Value()
		from := document.Offset(value, doc.Cursor(document.From))
		to := document.Offset(value, doc.Cursor(document.To))

		selection := doc.Selection()
		if len(fm) > 0 {
			selection = strings.TrimSpace(frontmatter.Strip(selection))
		}
		selections := doc.Selections()
		if selection != "" && len(selections) == 0 {
			selections = []string{selection}
		}
		if selections == nil {
			selections = []string{}
		}

		out["tg_selection"] = document.TgSelection(value, selection, to, c.limiter())
		out["selection"] = selection
		out["selections"] = selections

		if req.Has("previousWord") {
			out["previousWord"] = document.PreviousWord(value, from)
		}
		if req.Has("nextWord") {
			out["nextWord"] = document.NextWord(value, to)
		}
		if req.Has("beforeCursor") {
			out["beforeCursor"] = document.BeforeCursor(value, from)
		}
		if req.Has("afterCursor") {
			out["afterCursor"] = document.AfterCursor(value, to)
		}
		if req.Has("inverseSelection") {
			out["inverseSelection"] = document.InverseSelection(value, from, to)
		}
		if req.Has("cursorParagraph") {
			out["cursorParagraph"] = document.CursorParagraph(value, to)
		}
		if req.Has("cursorSentence") {
			out["cursorSentence"] = document.CursorSentence(value, to)
		}
		if req.Has("content") {
			out["content"] = value
		}
		if req.Has("highlights") {
			out["highlights"] = vault.Highlights(value)
		}
	} else if req.Has("content") && meta != nil {
		out["content"] = content
	}

	if req.Has("starredBlocks") {
		starred := ""
		if meta != nil {
			starred = vault.StarredBlocks(content, meta.Headings)
		}
		out["starredBlocks"] = starred
	}
	if req.Has("yaml") {
		out["yaml"] = frontmatter.Clean(fm)
	}
	if req.Has("metadata") {
		out["metadata"] = frontmatter.MetadataString(fm)
	}
	if meta != nil {
		out["headings"] = vault.HeadingContents(content, meta.Headings)
	}
	if req.Has("children") && meta != nil {
		out["children"] = c.children(meta)
	}
	if req.Has("mentions") && title != "" && c.vault != nil {
		linked, unlinked, err := c.vault.Mentions(title)
		if err != nil {
			return nil, err
		}
		out["mentions"] = map[string]any{
			"linked":   linked,
			"unlinked": unlinked,
		}
	}
	if req.Has("extractions") && c.extractor != nil {
		extractions, err := c.extractor.ExtractAll(ctx, notePath, content)
		if err != nil {
			return nil, err
		}
		out["extractions"] = extractions
	}
	if req.Has("keys") && c.keys != nil {
		out["keys"] = c.keys()
	}

	if err := c.postProcess(ctx, out); err != nil {
		return nil, err
	}
	c.log.Debug("default context", "path", notePath, "fields", req.Names())
	return out, nil
}

// note returns the content and parsed structure of the note. The live
// editor value wins over the stored file.
func (c *Collector) note(doc document.Adapter, filePath string) (string, *vault.Metadata) {
	if filePath == "" && doc != nil {
		value := doc.Value()
		return value, vault.ParseMetadata(doc.ActiveFile(), value)
	}
	if filePath == "" || c.vault == nil || !c.vault.Exists(filePath) {
		return "", nil
	}
	content, err := c.vault.Read(filePath)
	if err != nil {
		c.log.Warn("cannot read note", "path", filePath, "error", err)
		return "", nil
	}
	return content, vault.ParseMetadata(filePath, content)
}

// children follows each distinct [[link]] of meta one hop. Links that do
// not resolve to a note are skipped.
func (c *Collector) children(meta *vault.Metadata) []Child {
	children := []Child{}
	if c.vault == nil {
		return children
	}
	seen := map[string]bool{}
	for _, l := range meta.Links {
		if seen[l.Original] {
			continue
		}
		seen[l.Original] = true

		p, ok := c.vault.Resolve(l.Target)
		if !ok {
			continue
		}
		content, err := c.vault.Read(p)
		if err != nil {
			c.log.Debug("skipping unreadable child", "path", p, "error", err)
			continue
		}
		m := vault.ParseMetadata(p, content)
		headings := make([]ChildHeading, 0, len(m.Headings))
		for _, h := range m.Headings {
			headings = append(headings, ChildHeading{Heading: h.Text, Level: h.Level})
		}
		children = append(children, Child{
			Path:        p,
			Title:       m.Title,
			Content:     content,
			Frontmatter: m.Frontmatter,
			Headings:    headings,
		})
	}
	return children
}

// postProcess expands query blocks inside textual fields.
func (c *Collector) postProcess(ctx context.Context, out map[string]any) error {
	if c.engine == nil {
		return nil
	}
	expand := func(s string) (string, error) {
		if !strings.Contains(s, "```query") {
			return s, nil
		}
		return c.engine.PostProcess(ctx, s)
	}

	for key, v := range out {
		if skipPostProcess[key] {
			continue
		}
		switch x := v.(type) {
		case string:
			s, err := expand(x)
			if err != nil {
				return err
			}
			out[key] = s
		case []string:
			next := make([]string, len(x))
			for i, s := range x {
				var err error
				if next[i], err = expand(s); err != nil {
					return err
				}
			}
			out[key] = next
		case map[string]string:
			next := make(map[string]string, len(x))
			for k, s := range x {
				var err error
				if next[k], err = expand(s); err != nil {
					return err
				}
			}
			out[key] = next
		}
	}
	return nil
}

func (c *Collector) limiter() string {
	if c.settings.SelectionLimiter != "" {
		return c.settings.SelectionLimiter
	}
	return document.DefaultLimiter
}
