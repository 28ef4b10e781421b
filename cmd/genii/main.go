// Command genii generates text into markdown notes with LLM providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
	// bare commands run without loading a vault or a provider.
	bare bool
}

func commands() []command {
	return []command{
		{name: "generate", summary: "generate from a prompt, a template or a note", run: cmdGenerate},
		{name: "generate-with-metadata", summary: "generate with the note's front matter in the prompt", run: cmdGenerateWithMetadata},
		{name: "template", summary: "run a template (-variant insert|create|clipboard|modal)", run: cmdTemplate},
		{name: "batch", summary: "run a template over notes or query results", run: cmdBatch},
		{name: "estimate", summary: "estimate tokens and cost without generating", run: cmdEstimate},
		{name: "providers", summary: "list providers", run: cmdProviders},
		{name: "set-provider", summary: "switch the active provider", run: cmdSetProvider},
		{name: "set-model", summary: "switch to the provider serving a model", run: cmdSetModel},
		{name: "serve", summary: "serve the HTTP API", run: cmdServe},
		{name: "mcp", summary: "serve MCP tools over stdio", run: cmdMCP},
		{name: "stats", summary: "show request and cost counters", run: cmdStats},
		{name: "index", summary: "sync the note index", run: cmdIndex},
		{name: "version", summary: "print the version", run: cmdVersion, bare: true},
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("genii", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var g globalFlags
	fs.StringVar(&g.config, "config", "", "config file (default ~/.genii/config.toml)")
	fs.StringVar(&g.vault, "vault", "", "vault directory")
	fs.StringVar(&g.provider, "provider", "", "provider for this run")
	fs.StringVar(&g.logMode, "log", "", "log mode: dev or prod")
	showHelp := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		printError(errOut, err)
		return 2
	}
	rest := fs.Args()
	if *showHelp || len(rest) == 0 {
		printHelp(out)
		return 0
	}

	var cmd *command
	for _, c := range commands() {
		if c.name == rest[0] {
			cmd = &c
			break
		}
	}
	if cmd == nil {
		printError(errOut, fmt.Errorf("unknown command %q", rest[0]))
		printHelp(errOut)
		return 2
	}

	var a *app
	if cmd.bare {
		a = &app{out: out, errOut: errOut}
	} else {
		var err error
		if a, err = newApp(ctx, g, out, errOut); err != nil {
			printError(errOut, err)
			return 1
		}
		defer a.close()
		// Ctrl-C stops the running generation.
		stopAfter := context.AfterFunc(ctx, func() { a.gen.Cancel() })
		defer stopAfter()
	}

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		printError(errOut, err)
		return 1
	}
	return 0
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, titleStyle.Render("genii")+" - LLM generation for markdown notes")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  genii [-config path] [-vault dir] [-provider id] <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(out, "  %-24s %s\n", c.name, dimStyle.Render(c.summary))
	}
}

func cmdVersion(_ context.Context, a *app, _ []string) error {
	_, err := fmt.Fprintln(a.out, "genii", version)
	return err
}
