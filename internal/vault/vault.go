// Package vault is the file-backed document store: a directory of markdown
// notes with front matter, headings and [[wiki links]].
package vault

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flynn-ai/genii/internal/errors"
)

// Vault is a directory of notes. Paths handed to its methods are relative
// to the root; absolute paths inside the root are accepted too.
type Vault struct {
	root string

	mu    sync.RWMutex
	cache map[string]cachedMeta
}

type cachedMeta struct {
	modTime time.Time
	meta    *Metadata
}

// Open opens (and creates when missing) a vault rooted at dir.
func Open(dir string) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeFileWriteFailed, "cannot create vault directory", errors.CategorySystem)
	}
	return &Vault{root: abs, cache: map[string]cachedMeta{}}, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string { return v.root }

// Abs maps a vault path to an absolute file path. Paths escaping the root
// are rejected.
func (v *Vault) Abs(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(v.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(v.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewBuilder(errors.CodeInvalidInput, "path is outside the vault").
			User().
			WithContext("path", path).
			Build()
	}
	return p, nil
}

// Rel maps an absolute path back to a vault path with forward slashes.
func (v *Vault) Rel(abs string) string {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Exists reports whether a file exists at path.
func (v *Vault) Exists(path string) bool {
	abs, err := v.Abs(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// ModTime returns the modification time of path.
func (v *Vault) ModTime(path string) (time.Time, error) {
	abs, err := v.Abs(path)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, notFound(path, err)
	}
	return info.ModTime(), nil
}

// Read returns the content of path.
func (v *Vault) Read(path string) (string, error) {
	b, err := v.ReadBytes(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes returns the raw content of path.
func (v *Vault) ReadBytes(path string) ([]byte, error) {
	abs, err := v.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound(path, err)
	}
	return b, nil
}

// Write replaces the content of path, creating parent directories.
func (v *Vault) Write(path, content string) error {
	abs, err := v.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errors.Wrap(err, errors.CodeFileWriteFailed, "cannot create directory", errors.CategorySystem)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return errors.Wrap(err, errors.CodeFileWriteFailed, "cannot write "+path, errors.CategorySystem)
	}
	v.invalidate(abs)
	return nil
}

// Append adds content to the end of path, creating it when missing.
func (v *Vault) Append(path, content string) error {
	abs, err := v.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errors.Wrap(err, errors.CodeFileWriteFailed, "cannot create directory", errors.CategorySystem)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, errors.CodeFileWriteFailed, "cannot open "+path, errors.CategorySystem)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return errors.Wrap(err, errors.CodeFileWriteFailed, "cannot append to "+path, errors.CategorySystem)
	}
	v.invalidate(abs)
	return nil
}

// MarkdownFiles lists every .md file in the vault, skipping hidden
// directories. The result is sorted.
func (v *Vault) MarkdownFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".md") {
			files = append(files, v.Rel(p))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFileReadFailed, "cannot list vault", errors.CategorySystem)
	}
	sort.Strings(files)
	return files, nil
}

// Resolve maps a wiki link target ("Note", "Note|alias", "dir/Note#Heading")
// to a vault path. ok is false when no file matches.
func (v *Vault) Resolve(link string) (string, bool) {
	target := link
	if i := strings.IndexAny(target, "|#^"); i >= 0 {
		target = target[:i]
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}

	candidates := []string{target}
	if filepath.Ext(target) == "" {
		candidates = append([]string{target + ".md"}, candidates...)
	}
	for _, c := range candidates {
		if v.Exists(c) {
			return filepath.ToSlash(c), true
		}
	}

	files, err := v.MarkdownFiles()
	if err != nil {
		return "", false
	}
	want := strings.ToLower(filepath.Base(candidates[0]))
	for _, f := range files {
		if strings.ToLower(filepath.Base(f)) == want {
			return f, true
		}
	}
	return "", false
}

func (v *Vault) invalidate(abs string) {
	v.mu.Lock()
	delete(v.cache, v.Rel(abs))
	v.mu.Unlock()
}

func notFound(path string, err error) error {
	if os.IsNotExist(err) {
		return errors.NewBuilder(errors.CodeFileNotFound, "file not found: "+path).
			Permanent().
			Wrap(err).
			Build()
	}
	return errors.Wrap(err, errors.CodeFileReadFailed, "cannot read "+path, errors.CategorySystem)
}
