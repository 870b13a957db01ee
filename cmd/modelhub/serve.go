package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"modelhub/internal/config"
	"modelhub/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr         string
		defaultModel string
		maxResident  int
		corsOrigins  string
		preload      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model hub HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Addr = addr
			}
			if defaultModel != "" {
				a.cfg.DefaultModel = defaultModel
			}
			if cmd.Flags().Changed("max-resident") {
				a.cfg.MaxResident = maxResident
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				a.cfg.CORSEnabled = true
				a.cfg.CORSOrigins = origins
			}
			return serve(cmd.Context(), a, splitCSV(preload))
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "HTTP listen address (default "+config.DefaultAddr+")")
	f.StringVar(&defaultModel, "default-model", "", "model used when a request names none")
	f.IntVar(&maxResident, "max-resident", 0, "maximum loaded models (negative for unlimited)")
	f.StringVar(&corsOrigins, "cors-origins", "", "comma-separated allowed CORS origins; enables CORS")
	f.StringVar(&preload, "preload", "", "comma-separated models to load at startup")
	return cmd
}

func serve(ctx context.Context, a *app, preload []string) error {
	h, err := a.openHub(nil)
	if err != nil {
		return err
	}
	defer closeHub(a, h)
	for _, key := range preload {
		if _, err := h.Load(ctx, key); err != nil {
			a.log.Warn().Str("model", key).Err(err).Msg("preload failed")
		}
	}

	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetInferTimeout(a.cfg.InferTimeout.Duration)
	httpapi.SetCORSOptions(a.cfg.CORSEnabled, a.cfg.CORSOrigins, nil, nil)

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           httpapi.NewMux(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Str("models_dir", a.cfg.ModelsDir).Msg("modelhub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
