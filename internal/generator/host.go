package generator

import (
	"context"

	"github.com/flynn-ai/genii/internal/errors"
)

// Extract converts ref with the extractor named kind.
func (g *Generator) Extract(ctx context.Context, kind, ref string) (string, error) {
	if g.extract == nil {
		return "", errors.Configuration(errors.CodeExtractorUnknown, "no extractors configured")
	}
	return g.extract.ConvertWith(ctx, kind, ref, nil)
}

// Read returns the text of a vault file. PDFs and audio are converted
// when the extraction service is available.
func (g *Generator) Read(ctx context.Context, p string) (string, error) {
	if g.extract != nil {
		return g.extract.Read(ctx, p)
	}
	if g.vault == nil {
		return "", errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	return g.vault.Read(p)
}

func (g *Generator) Write(_ context.Context, p, content string) error {
	if g.vault == nil {
		return errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	g.log.Debug("template write", "path", p, "bytes", len(content))
	return g.vault.Write(p, content)
}

func (g *Generator) Append(_ context.Context, p, content string) error {
	if g.vault == nil {
		return errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	g.log.Debug("template append", "path", p, "bytes", len(content))
	return g.vault.Append(p, content)
}

// Query runs an index query and renders the matching notes.
func (g *Generator) Query(ctx context.Context, src string) (string, error) {
	if g.index == nil {
		return "", errors.Configuration(errors.CodeIndexFailed, "the note index is not open")
	}
	return g.index.Run(ctx, src)
}

// Notice forwards a directive notice to the user.
func (g *Generator) Notice(ctx context.Context, msg string) {
	g.log.Info("notice", "message", msg)
	g.notice(ctx, msg)
}

// RunTemplate generates from the template with the given id over vars and
// returns the result. It runs inside the calling session and therefore
// skips the session guard.
func (g *Generator) RunTemplate(ctx context.Context, id string, vars map[string]any) (string, error) {
	p, err := g.ResolveTemplate(id)
	if err != nil {
		return "", err
	}
	in, err := g.collector.Collect(ctx, nil, collectParams(p, vars, false))
	if err != nil {
		return "", err
	}
	return g.generate(ctx, in, Call{Params: vars})
}
