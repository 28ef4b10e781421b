package generator

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/provider"
)

// FailedPrefix marks the output of a batch item whose generation failed.
const FailedPrefix = "FAILED:"

// ItemFunc is called once per finished batch item with its position.
type ItemFunc func(i int, text string)

// Failed reports whether a batch output is a failure marker.
func Failed(text string) bool {
	return strings.HasPrefix(text, FailedPrefix)
}

func failed(err error) string {
	return FailedPrefix + " " + errors.FormatUserMessage(err)
}

// Batch generates one output per input. A failing item yields a FAILED:
// output instead of failing the batch. When the provider answers many
// prompts in one call, onDone fires in position order after that call;
// otherwise items run concurrently and onDone fires in completion order.
func (g *Generator) Batch(ctx context.Context, inputs []*collector.Input, call Call, onDone ItemFunc) ([]string, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return nil, err
	}
	defer end()
	return g.batch(ctx, inputs, call, onDone)
}

func (g *Generator) batch(ctx context.Context, inputs []*collector.Input, call Call, onDone ItemFunc) ([]string, error) {
	if len(inputs) == 0 {
		return nil, errors.NewBuilder(errors.CodeInvalidInput, "You need to select files").User().Build()
	}
	if onDone == nil {
		onDone = func(int, string) {}
	}

	batch := make([]*prepared, len(inputs))
	for i, in := range inputs {
		p, err := g.prepare(ctx, in, call)
		if err != nil {
			return nil, err
		}
		batch[i] = p
	}
	g.log.Info("batch started", "items", len(batch), "provider", batch[0].providerID())

	out := make([]string, len(batch))
	if !batch[0].disabled && !batch[0].estimating && len(batch) > 1 {
		a, err := g.adapterFor(batch[0].res.Definition)
		if err != nil {
			return nil, err
		}
		if a.Capabilities().Multiple {
			g.multiple(ctx, a, batch, out, onDone)
			return out, nil
		}
	}

	limit := g.cfg.Generation.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}
	var (
		mu  sync.Mutex
		eg  errgroup.Group
		bad int
	)
	eg.SetLimit(limit)
	for i, p := range batch {
		eg.Go(func() error {
			text, err := g.send(ctx, p, nil)
			if err == nil {
				text, err = g.finish(ctx, p, text)
			}
			if err != nil {
				g.log.Warn("batch item failed", "item", i, "path", p.in.Path, "error", err)
				text = failed(err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				bad++
			}
			out[i] = text
			onDone(i, text)
			return nil
		})
	}
	_ = eg.Wait()

	if bad > 0 {
		g.notice(ctx, pluralFailed(bad))
	}
	return out, nil
}

// multiple answers the whole batch with one provider call.
func (g *Generator) multiple(ctx context.Context, a provider.Adapter, batch []*prepared, out []string, onDone ItemFunc) {
	reqs := make([]*provider.Request, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	start := time.Now()
	texts, err := a.GenerateMultiple(ctx, reqs)
	took := time.Since(start)
	if err != nil {
		g.stats.RecordError(a.ID())
		g.log.Warn("multi-completion failed", "provider", a.ID(), "error", err)
		for i := range batch {
			out[i] = failed(err)
			onDone(i, out[i])
		}
		g.notice(ctx, pluralFailed(len(batch)))
		return
	}

	for i, p := range batch {
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		g.record(a.ID(), p.req, &provider.Response{Text: text, Model: p.req.Model}, took/time.Duration(len(batch)), nil)
		if res, err := g.finish(ctx, p, text); err != nil {
			out[i] = failed(err)
		} else {
			out[i] = res
		}
		onDone(i, out[i])
	}
}

func pluralFailed(n int) string {
	if n == 1 {
		return "1 generation failed"
	}
	return strconv.Itoa(n) + " generations failed"
}

// BatchReport is the outcome of BatchFromFiles.
type BatchReport struct {
	// Dir is the vault folder the outputs were written to.
	Dir     string   `json:"dir"`
	Written []string `json:"written"`
	Failed  []string `json:"failed"`
}

// BatchFromFiles renders templatePath for every note in paths, generates
// all of them and writes <dir>/<name>.md per note. Failed items are
// written as FAILED-<name>.md holding the error. An empty dir picks a new
// folder under the output directory.
func (g *Generator) BatchFromFiles(ctx context.Context, paths []string, templatePath, dir string, call Call) (*BatchReport, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return nil, err
	}
	defer end()

	if len(paths) == 0 {
		return nil, errors.NewBuilder(errors.CodeInvalidInput, "You need to select files").User().Build()
	}
	inputs, err := g.collector.CollectFiles(ctx, paths, templatePath, call.Params)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = path.Join(g.relOutputDir(), "generations", uuid.New().String()[:8])
	}

	report := &BatchReport{Dir: dir}
	var (
		mu       sync.Mutex
		writeErr error
	)
	_, err = g.batch(ctx, inputs, call, func(i int, text string) {
		name := path.Base(inputs[i].Path)
		if Failed(text) {
			name = "FAILED-" + name
		}
		target := path.Join(dir, name)
		werr := g.vault.Write(target, text)

		mu.Lock()
		defer mu.Unlock()
		if werr != nil {
			g.log.Error("cannot write batch output", "path", target, "error", werr)
			if writeErr == nil {
				writeErr = werr
			}
			return
		}
		if Failed(text) {
			report.Failed = append(report.Failed, target)
		} else {
			report.Written = append(report.Written, target)
		}
	})
	if err != nil {
		return nil, err
	}
	if writeErr != nil {
		return report, writeErr
	}
	g.log.Info("batch finished", "dir", dir, "written", len(report.Written), "failed", len(report.Failed))
	return report, nil
}
