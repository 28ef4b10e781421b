package vault

import (
	"strings"
)

// Mention is one note referring to a title, with the matching lines.
type Mention struct {
	Path    string   `json:"path"`
	Title   string   `json:"title"`
	Results []string `json:"results"`
}

// Mentions scans the vault for notes referring to title. Linked mentions
// carry a [[title]] link; unlinked ones contain the bare title text. The
// note named title itself is skipped.
func (v *Vault) Mentions(title string) (linked, unlinked []Mention, err error) {
	files, err := v.MarkdownFiles()
	if err != nil {
		return nil, nil, err
	}
	needle := strings.ToLower(title)
	for _, f := range files {
		meta, err := v.Metadata(f)
		if err != nil {
			continue
		}
		if strings.EqualFold(meta.Title, title) {
			continue
		}

		isLinked := false
		for _, l := range meta.Links {
			t := l.Target
			if i := strings.IndexAny(t, "#^"); i >= 0 {
				t = t[:i]
			}
			if strings.EqualFold(strings.TrimSuffix(lastSegment(t), ".md"), title) {
				isLinked = true
				break
			}
		}

		content, err := v.Read(f)
		if err != nil {
			continue
		}
		var lines []string
		for _, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				lines = append(lines, strings.TrimSpace(line))
			}
		}
		if len(lines) == 0 {
			continue
		}

		m := Mention{Path: f, Title: meta.Title, Results: lines}
		if isLinked {
			linked = append(linked, m)
		} else {
			unlinked = append(unlinked, m)
		}
	}
	return linked, unlinked, nil
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
