package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelhub/internal/config"
	"modelhub/internal/hub"
	"modelhub/internal/manager"
)

// app is the state shared by every command once the root pre-run has
// resolved configuration.
type app struct {
	configPath string
	flags      config.Config
	cfg        config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "modelhub",
		Short:        "Download, manage and serve local LLM models",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (.yaml, .json or .toml)")
	pf.StringVar(&a.flags.ModelsDir, "models-dir", "", "model repository root (default "+config.DefaultModelsDir+")")
	pf.StringVar(&a.flags.RegistryURL, "registry-url", "", "model registry base URL")
	pf.StringVar(&a.flags.HFToken, "hf-token", "", "registry access token (default $HF_TOKEN)")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.flags.LogFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newServeCmd(a),
		newPullCmd(a),
		newListCmd(a),
		newRmCmd(a),
		newAliasCmd(a),
		newDownloadsCmd(a),
		newSearchCmd(a),
	)
	return root
}

// setup loads .env files and the config file, then applies flag overrides.
func (a *app) setup(cmd *cobra.Command) error {
	loadEnvFiles(".env", ".env.local")
	var cfg config.Config
	if a.configPath != "" {
		c, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	overlay(&cfg, a.flags)
	if cfg.HFToken == "" {
		cfg.HFToken = firstEnv("HF_TOKEN", "HUGGING_FACE_HUB_TOKEN")
	}
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log, err = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return err
}

// overlay copies the non-zero string settings of flags onto cfg.
func overlay(cfg *config.Config, flags config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.ModelsDir, flags.ModelsDir)
	set(&cfg.RegistryURL, flags.RegistryURL)
	set(&cfg.HFToken, flags.HFToken)
	set(&cfg.LogLevel, flags.LogLevel)
	set(&cfg.LogFormat, flags.LogFormat)
}

// loadEnvFiles loads each file that exists; later files do not override
// variables set by earlier ones or by the environment.
func loadEnvFiles(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// openHub builds a hub from the resolved configuration. engine may be nil.
func (a *app) openHub(engine manager.Engine) (*hub.Hub, error) {
	c := a.cfg
	mcfg := manager.Config{
		MaxResident:   c.MaxResident,
		MaxQueueDepth: c.MaxQueueDepth,
		MaxWait:       c.MaxWait.Duration,
		RetryAttempts: c.InferRetries,
		LoadParams:    manager.LoadParams{ContextSize: c.ContextSize, GPULayers: c.GPULayers},
		ContextParams: manager.ContextParams{Threads: c.Threads},
	}
	return hub.New(hub.Config{
		ModelsDir:           c.ModelsDir,
		LedgerPath:          c.LedgerPath,
		DefaultModel:        c.DefaultModel,
		RegistryURL:         c.RegistryURL,
		Token:               c.HFToken,
		Revision:            c.Revision,
		UserAgent:           "modelhub",
		HTTPTimeout:         c.HTTPTimeout.Duration,
		DownloadConcurrency: c.DownloadConcurrency,
		MaxRetries:          c.DownloadRetries,
		RetryBackoff:        c.RetryBackoff.Duration,
		Manager:             mcfg,
		Logger:              a.log,
	}, engine)
}

// closeHub pauses running downloads and unloads models, bounded by a fresh
// context so it still runs after an interrupt.
func closeHub(a *app, h *hub.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("hub close")
	}
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
