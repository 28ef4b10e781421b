package template

import (
	"regexp"
	"sync"
	"time"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
)

// Source reads template files.
type Source interface {
	Read(path string) (string, error)
	ModTime(path string) (time.Time, error)
}

// File is a template file: front matter, the input template and an
// optional output template.
type File struct {
	Path        string
	Frontmatter map[string]any
	Input       *Template
	// Output is nil when the file has no ***output*** section.
	Output *Template
}

var outputSeparatorRe = regexp.MustCompile(`(?m)^\*\*\*output\*\*\*[ \t]*\r?\n?`)

// SplitSections separates a template body (front matter already removed)
// into its input and output parts. hasOutput is false when there is no
// separator line.
func SplitSections(body string) (input, output string, hasOutput bool) {
	loc := outputSeparatorRe.FindStringIndex(body)
	if loc == nil {
		return body, "", false
	}
	return body[:loc[0]], body[loc[1]:], true
}

// Parse compiles a full template file.
func (e *Engine) Parse(path, raw string) (*File, error) {
	fm, body, err := frontmatter.Split(raw)
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeTemplateSyntax, "invalid front matter in "+path).
			Kind(errors.KindTemplate).
			Wrap(err).
			Build()
	}

	input, output, hasOutput := SplitSections(body)
	f := &File{Path: path, Frontmatter: fm}
	if f.Input, err = e.CompileNamed(path, input); err != nil {
		return nil, err
	}
	if hasOutput {
		if f.Output, err = e.CompileNamed(path, output); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Loader compiles template files once per modification time.
type Loader struct {
	src Source
	eng *Engine

	mu    sync.Mutex
	cache map[string]cachedFile
}

type cachedFile struct {
	modTime time.Time
	file    *File
}

// NewLoader creates a loader reading from src.
func NewLoader(eng *Engine, src Source) *Loader {
	return &Loader{src: src, eng: eng, cache: map[string]cachedFile{}}
}

// Load returns the compiled template file at path, recompiling when the
// file changed since the last load.
func (l *Loader) Load(path string) (*File, error) {
	mt, err := l.src.ModTime(path)
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeTemplateNotFound, "template not found: "+path).
			Kind(errors.KindConfiguration).
			User().
			Wrap(err).
			Build()
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.modTime.Equal(mt) {
		return c.file, nil
	}

	raw, err := l.src.Read(path)
	if err != nil {
		return nil, err
	}
	f, err := l.eng.Parse(path, raw)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: mt, file: f}
	l.mu.Unlock()
	return f, nil
}

// Forget drops path from the cache.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}
