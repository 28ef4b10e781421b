package main

import (
	"context"
	"io"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/extract"
	"github.com/flynn-ai/genii/internal/generator"
	"github.com/flynn-ai/genii/internal/index"
	"github.com/flynn-ai/genii/internal/logger"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/script"
	"github.com/flynn-ai/genii/internal/vault"
)

type globalFlags struct {
	config   string
	vault    string
	provider string
	logMode  string
}

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *logger.Logger
	vault   *vault.Vault
	index   *index.Store
	gen     *generator.Generator

	out, errOut io.Writer
}

func newApp(ctx context.Context, g globalFlags, out, errOut io.Writer) (*app, error) {
	cfgPath := g.config
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	env, err := config.LoadEnv(".env")
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(env)
	if g.vault != "" {
		cfg.Paths.Vault = g.vault
	}
	if g.provider != "" {
		cfg.General.Provider = g.provider
	}
	if g.logMode != "" {
		cfg.Log.Mode = g.logMode
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(cfg.Paths.Vault)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, cfgPath: cfgPath, log: log, vault: v, out: out, errOut: errOut}

	// The index only backs the query directive; generation works without it.
	if idx, err := index.Open(cfg.Paths.IndexDB); err != nil {
		log.Warn("note index unavailable", "path", cfg.Paths.IndexDB, "error", err)
	} else {
		a.index = idx
		if st, err := idx.Sync(ctx, v); err != nil {
			log.Warn("note index sync failed", "error", err)
		} else {
			log.Debug("note index synced", "added", st.Added, "updated", st.Updated, "removed", st.Removed)
		}
	}

	var transcriber extract.Transcriber
	if cfg.ExtractorEnabled("audio") {
		if opts := cfg.ProviderOptionsFor(provider.IDOpenAIChat); opts.APIKey != "" {
			transcriber = extract.NewWhisperTranscriber(opts.APIKey, opts.BaseURL)
		}
	}

	a.gen = generator.New(generator.Options{
		Config:   cfg,
		Vault:    v,
		Registry: provider.DefaultRegistry(log),
		Extract: extract.NewService(extract.Options{
			Vault:       v,
			Enabled:     cfg.Extractors,
			Transcriber: transcriber,
			Logger:      log,
		}),
		Index:    a.index,
		Scripts:  script.New(log),
		Notifier: &notifier{w: errOut},
		Logger:   log,
	})
	if err := a.gen.Load(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.log.Warn("closing index", "error", err)
		}
	}
	if a.log != nil {
		a.log.Sync()
	}
}

// saveConfig persists provider and model switches.
func (a *app) saveConfig() error {
	if err := a.cfg.Save(a.cfgPath); err != nil {
		return err
	}
	a.log.Info("config saved", "path", a.cfgPath)
	return nil
}
