// Package script runs the template script directive in a POSIX shell
// interpreter that cannot start processes or open files.
package script

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 5 * time.Second

// Runner evaluates scripts. Only shell builtins are available: external
// commands, file redirections, source and globbing are refused.
type Runner struct {
	Timeout time.Duration
	log     *logger.Logger
}

// New creates a runner.
func New(log *logger.Logger) *Runner {
	return &Runner{Timeout: DefaultTimeout, log: logger.OrNop(log)}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Run executes src with vars exported as environment variables and returns
// its standard output without the trailing newline.
func (r *Runner) Run(ctx context.Context, src string, vars map[string]any) (string, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(src), "script")
	if err != nil {
		return "", errors.NewBuilder(errors.CodeTemplateSyntax, "invalid script").
			Kind(errors.KindTemplate).
			Permanent().
			Wrap(err).
			Build()
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &stdout, &stderr),
		interp.Env(expand.ListEnviron(environ(vars)...)),
		interp.Params("-f"),
		interp.ExecHandlers(func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return func(ctx context.Context, args []string) error {
				return fmt.Errorf("%s: command execution is disabled", args[0])
			}
		}),
		interp.OpenHandler(func(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
			if path == "/dev/null" {
				return devNull{}, nil
			}
			return nil, fmt.Errorf("%s: file access is disabled", path)
		}),
	)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeTemplateDirectiveFailed, "cannot start script interpreter", errors.CategorySystem)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = runner.Run(ctx, file)
	r.log.Debug("script finished", "duration_ms", time.Since(start).Milliseconds(), "error", err)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.NewBuilder(errors.CodeTemplateDirectiveFailed, "script failed: "+msg).
			Kind(errors.KindTemplate).
			Permanent().
			Wrap(err).
			Build()
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// environ turns vars into NAME=value pairs. Keys that are not shell
// identifiers and values that are not text-like are skipped.
func environ(vars map[string]any) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if identRe.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch t := vars[k].(type) {
		case string:
			v = t
		case []string:
			v = strings.Join(t, "\n")
		case bool, int, int64, float64:
			v = fmt.Sprint(t)
		default:
			continue
		}
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

type devNull struct{}

func (devNull) Read([]byte) (int, error)    { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }
func (devNull) Close() error                { return nil }
