// Package extract turns references found in notes (web pages, videos,
// feeds, PDFs, audio files) into text.
package extract

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
	"github.com/flynn-ai/genii/internal/vault"
)

// Extractor recognizes references of one kind and converts them.
type Extractor interface {
	// Slug is the canonical kind name.
	Slug() string
	// Extract lists the distinct references found in content.
	Extract(path, content string) []string
	// Convert produces text for one reference.
	Convert(ctx context.Context, ref string, opts map[string]any) (string, error)
}

// Options configures a Service.
type Options struct {
	Vault *vault.Vault
	// Enabled switches kinds on by slug. A nil map enables every kind.
	Enabled map[string]bool
	// HTTP is shared by the network extractors.
	HTTP *resty.Client
	// Transcriber backs the audio extractor. Nil leaves audio unregistered.
	Transcriber Transcriber
	// Concurrency bounds parallel conversions per kind.
	Concurrency int
	Logger      *logger.Logger
}

// Service dispatches to the registered extractors.
type Service struct {
	vault       *vault.Vault
	enabled     map[string]bool
	concurrency int
	log         *logger.Logger

	mu         sync.RWMutex
	extractors map[string]Extractor
	aliases    map[string]string
	current    Extractor
}

// NewHTTPClient returns the resty client the network extractors share.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; genii/1.0)").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
}

// NewService creates a service with the built-in extractors.
func NewService(opts Options) *Service {
	if opts.HTTP == nil {
		opts.HTTP = NewHTTPClient(30 * time.Second)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	s := &Service{
		vault:       opts.Vault,
		enabled:     opts.Enabled,
		concurrency: opts.Concurrency,
		log:         logger.OrNop(opts.Logger).With("component", "extract"),
		extractors:  map[string]Extractor{},
		aliases:     map[string]string{},
	}

	s.Register(NewWeb(opts.HTTP, false), "web_md")
	s.Register(NewWeb(opts.HTTP, true))
	s.Register(NewYouTube(opts.HTTP), "yt")
	s.Register(NewRSS(opts.HTTP))
	s.Register(NewPDF(opts.Vault, opts.HTTP))
	if opts.Transcriber != nil {
		s.Register(NewAudio(opts.Vault, opts.Transcriber))
	}
	return s
}

// Register adds or replaces an extractor under its slug and aliases.
func (s *Service) Register(e Extractor, aliases ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractors[e.Slug()] = e
	for _, a := range aliases {
		s.aliases[a] = e.Slug()
	}
}

// Kinds returns the canonical slugs, sorted.
func (s *Service) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.extractors))
	for k := range s.extractors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Service) lookup(kind string) (Extractor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if canon, ok := s.aliases[kind]; ok {
		kind = canon
	}
	e, ok := s.extractors[kind]
	if !ok {
		return nil, errors.NewBuilder(errors.CodeExtractorUnknown, "unknown extractor: "+kind).
			Kind(errors.KindTemplate).
			User().
			WithSuggestion("Known extractors: " + strings.Join(s.kindsLocked(), ", ")).
			Build()
	}
	return e, nil
}

func (s *Service) kindsLocked() []string {
	out := make([]string, 0, len(s.extractors)+len(s.aliases))
	for k := range s.extractors {
		out = append(out, k)
	}
	for k := range s.aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Service) isEnabled(slug string) bool {
	if s.enabled == nil {
		return true
	}
	if s.enabled[slug] {
		return true
	}
	for alias, canon := range s.aliases {
		if canon == slug && s.enabled[alias] {
			return true
		}
	}
	return false
}

// SetExtractor selects the extractor used by Extract and Convert.
func (s *Service) SetExtractor(kind string) error {
	e, err := s.lookup(kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = e
	s.mu.Unlock()
	return nil
}

func (s *Service) selected() (Extractor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, errors.NewBuilder(errors.CodeExtractorUnknown, "no extractor selected").
			Kind(errors.KindExtraction).
			Build()
	}
	return s.current, nil
}

// Extract lists references of the selected kind in content.
func (s *Service) Extract(p, content string) ([]string, error) {
	e, err := s.selected()
	if err != nil {
		return nil, err
	}
	return e.Extract(p, content), nil
}

// Convert converts ref with the selected extractor.
func (s *Service) Convert(ctx context.Context, ref string) (string, error) {
	e, err := s.selected()
	if err != nil {
		return "", err
	}
	return e.Convert(ctx, strings.TrimSpace(ref), nil)
}

// ConvertWith converts ref with the extractor named kind. This backs the
// extract template directive.
func (s *Service) ConvertWith(ctx context.Context, kind, ref string, opts map[string]any) (string, error) {
	e, err := s.lookup(kind)
	if err != nil {
		return "", err
	}
	return e.Convert(ctx, strings.TrimSpace(ref), opts)
}

// ExtractAll runs every enabled extractor over content and converts what
// they find, grouped by slug. A reference that fails to convert is
// logged and left out; fatal failures abort.
func (s *Service) ExtractAll(ctx context.Context, p, content string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, kind := range s.Kinds() {
		if !s.isEnabled(kind) {
			continue
		}
		e, err := s.lookup(kind)
		if err != nil {
			return nil, err
		}
		refs := e.Extract(p, content)
		if len(refs) == 0 {
			continue
		}

		texts, err := s.convertAll(ctx, e, refs)
		if err != nil {
			return nil, err
		}
		if len(texts) > 0 {
			out[kind] = texts
		}
	}
	return out, nil
}

func (s *Service) convertAll(ctx context.Context, e Extractor, refs []string) ([]string, error) {
	results := make([]string, len(refs))
	ok := make([]bool, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			text, err := e.Convert(gctx, ref, nil)
			if err != nil {
				if IsFatal(err) || gctx.Err() != nil {
					return err
				}
				s.log.Warn("extraction failed", "kind", e.Slug(), "ref", ref, "error", err)
				return nil
			}
			results[i], ok[i] = text, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(refs))
	for i := range results {
		if ok[i] {
			texts = append(texts, results[i])
		}
	}
	return texts, nil
}

// IsFatal reports whether an extraction failure must abort collection:
// missing credentials or an unreachable service every reference needs.
func IsFatal(err error) bool {
	return errors.IsKind(err, errors.KindConfiguration) || errors.HasCode(err, errors.CodeExtractionEndpoint)
}

// Read returns the text of a vault file, converting PDFs and audio.
func (s *Service) Read(ctx context.Context, p string) (string, error) {
	kind := ""
	switch ext := strings.ToLower(path.Ext(p)); {
	case ext == ".pdf":
		kind = "pdf"
	case audioExt[ext]:
		kind = "audio"
	}
	if kind != "" {
		if e, err := s.lookup(kind); err == nil {
			return e.Convert(ctx, p, nil)
		}
	}
	if s.vault == nil {
		return "", errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	return s.vault.Read(p)
}

// unique returns the first group (or whole match) of every match of re,
// without duplicates, in order of appearance.
func unique(re *regexp.Regexp, content string, keep func(string) bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		ref := m[0]
		if len(m) > 1 && m[1] != "" {
			ref = m[1]
		}
		if seen[ref] || (keep != nil && !keep(ref)) {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func extractionError(kind, ref string, err error) error {
	return errors.NewBuilder(errors.CodeExtractionFailed, kind+" extraction failed").
		Kind(errors.KindExtraction).
		Permanent().
		WithContext("ref", ref).
		Wrap(err).
		Build()
}
