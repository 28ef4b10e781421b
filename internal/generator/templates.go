package generator

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
)

// TemplateInfo is the PromptInfo block of a template plus where it lives.
type TemplateInfo struct {
	ID             string    `json:"id,omitempty"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	RequiredValues []string  `json:"required_values,omitempty"`
	Author         string    `json:"author,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Version        string    `json:"version,omitempty"`
	Commands       []string  `json:"commands,omitempty"`
	ViewTypes      []string  `json:"view_types,omitempty"`
	Title          string    `json:"title"`
	Package        string    `json:"package"`
	Path           string    `json:"path"`
	ModTime        time.Time `json:"mod_time"`
}

func (g *Generator) relDir(dir, abs string) string {
	if filepath.IsAbs(dir) && g.vault != nil {
		return g.vault.Rel(abs)
	}
	return path.Clean(filepath.ToSlash(dir))
}

func (g *Generator) relTemplatesDir() string {
	return g.relDir(g.cfg.Templates.Dir, g.cfg.TemplatesDir())
}

func (g *Generator) relOutputDir() string {
	return g.relDir(g.cfg.Templates.OutputDir, g.cfg.OutputDir())
}

// Templates lists the templates under the templates directory. Files in
// a trash folder are skipped.
func (g *Generator) Templates() ([]TemplateInfo, error) {
	if g.vault == nil {
		return nil, errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	files, err := g.vault.MarkdownFiles()
	if err != nil {
		return nil, err
	}

	dir := g.relTemplatesDir() + "/"
	var out []TemplateInfo
	for _, p := range files {
		if !strings.HasPrefix(p, dir) || strings.Contains(p, "/trash/") {
			continue
		}
		info := TemplateInfo{
			Title:   strings.TrimPrefix(p, dir),
			Package: path.Base(path.Dir(p)),
			Path:    p,
		}
		if mt, err := g.vault.ModTime(p); err == nil {
			info.ModTime = mt
		}
		if meta, err := g.vault.Metadata(p); err == nil {
			promptInfo(&info, meta.Frontmatter)
		}
		out = append(out, info)
	}
	return out, nil
}

func promptInfo(info *TemplateInfo, fm map[string]any) {
	pi := frontmatter.Map(fm, "PromptInfo")
	info.ID = firstNonEmpty(frontmatter.String(pi, "promptId"), frontmatter.String(pi, "id"), frontmatter.String(fm, "id"))
	info.Name = frontmatter.String(pi, "name")
	info.Description = frontmatter.String(pi, "description")
	info.Author = frontmatter.String(pi, "author")
	info.Version = scalar(pi["version"])
	info.RequiredValues = list(pi["required_values"])
	info.Tags = list(pi["tags"])
	info.Commands = list(pi["commands"])
	info.ViewTypes = list(pi["viewTypes"])
}

// templateIndex maps package and template id to a path. It is rebuilt
// when a template file was added, removed or modified.
func (g *Generator) templateIndex() (map[string]map[string]string, error) {
	g.tplMu.Lock()
	defer g.tplMu.Unlock()

	tpls, err := g.Templates()
	if err != nil {
		return nil, err
	}
	stamp := make(map[string]time.Time, len(tpls))
	for _, t := range tpls {
		stamp[t.Path] = t.ModTime
	}
	if g.templates != nil && sameStamps(stamp, g.tplStamp) {
		return g.templates, nil
	}

	idx := map[string]map[string]string{}
	for _, t := range tpls {
		if t.ID == "" {
			continue
		}
		if idx[t.Package] == nil {
			idx[t.Package] = map[string]string{}
		}
		idx[t.Package][t.ID] = t.Path
	}
	g.templates, g.tplStamp = idx, stamp
	g.log.Debug("template index rebuilt", "templates", len(tpls))
	return idx, nil
}

func sameStamps(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || !w.Equal(v) {
			return false
		}
	}
	return true
}

// ResolveTemplate maps a template id to a vault path: "package/id" looks
// in that package, a bare id matches any template declaring it, and
// otherwise <templates>/<id>.md is tried. Existing vault paths resolve to
// themselves.
func (g *Generator) ResolveTemplate(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.NewBuilder(errors.CodeInvalidInput, "template id is required").User().Build()
	}
	if g.vault == nil {
		return "", errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	if strings.HasSuffix(id, ".md") && g.vault.Exists(id) {
		return id, nil
	}

	idx, err := g.templateIndex()
	if err != nil {
		return "", err
	}
	if pkg, tpl, ok := strings.Cut(id, "/"); ok {
		if p, ok := idx[pkg][tpl]; ok {
			return p, nil
		}
	} else {
		pkgs := make([]string, 0, len(idx))
		for pkg := range idx {
			pkgs = append(pkgs, pkg)
		}
		sort.Strings(pkgs)
		for _, pkg := range pkgs {
			if p, ok := idx[pkg][id]; ok {
				return p, nil
			}
		}
	}

	guess := path.Join(g.relTemplatesDir(), strings.TrimSuffix(id, ".md")+".md")
	if g.vault.Exists(guess) {
		return guess, nil
	}
	return "", errors.NewBuilder(errors.CodeTemplateNotFound, "template with id:"+id+" wasn't found.").
		Kind(errors.KindConfiguration).
		User().
		Build()
}

// TemplateVariables lists the variables of a template that the context
// does not provide and the user has to supply.
func (g *Generator) TemplateVariables(templatePath string) ([]string, error) {
	if g.loader == nil {
		return nil, errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	f, err := g.loader.Load(templatePath)
	if err != nil {
		return nil, err
	}
	req := collector.ForTemplates(f.Input, f.Output)
	var out []string
	for _, name := range req.Names() {
		if collector.IsContextVariable(name) {
			continue
		}
		if _, ok := f.Frontmatter[name]; ok {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// list accepts a comma separated string or a YAML list.
func list(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, s := range t {
			if str := scalar(s); str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}
