package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/instance"
	"inferd/internal/registry"
	"inferd/internal/service"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	overrides := config.Config{}

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Device-local LLM inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address, e.g. :8090")
	root.PersistentFlags().StringVar(&overrides.ModelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	root.PersistentFlags().StringVar(&overrides.LogLevel, "log-level", "", "Log level: trace|debug|info|warn|error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Scan the models directory and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	serve.Flags().StringVar(&overrides.DefaultModel, "default-model", "", "Default model id when a request omits model")
	serve.Flags().IntVar(&overrides.MemoryBudgetMB, "memory-budget-mb", 0, "Memory budget in MB for all instances (0=config default)")
	serve.Flags().IntVar(&overrides.MaxIdleInstances, "max-idle", 0, "Maximum idle instances kept warm")
	serve.Flags().IntVar(&overrides.ContextLength, "context-length", 0, "Context window size in tokens")
	serve.Flags().IntVar(&overrides.GPULayers, "gpu-layers", 0, "Number of layers to offload to the GPU")

	models := &cobra.Command{
		Use:   "models",
		Short: "List models found in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}
			found, skipped := registry.NewGGUFScanner().Scan(cfg.ModelsDir)
			for _, e := range skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", e)
			}
			for _, m := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-10s %-8s %s\n", m.ID, m.Family, m.Quant, m.Path)
			}
			return nil
		},
	}

	root.AddCommand(serve, models)
	return root
}

// loadConfig reads the config file (or defaults), applies flag overrides and
// validates the result.
func loadConfig(path string, overrides config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if overrides.Addr != "" {
		cfg.Addr = overrides.Addr
	}
	if overrides.ModelsDir != "" {
		cfg.ModelsDir = overrides.ModelsDir
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DefaultModel != "" {
		cfg.DefaultModel = overrides.DefaultModel
	}
	if overrides.MemoryBudgetMB > 0 {
		cfg.MemoryBudgetMB = overrides.MemoryBudgetMB
	}
	if overrides.MaxIdleInstances > 0 {
		cfg.MaxIdleInstances = overrides.MaxIdleInstances
	}
	if overrides.ContextLength > 0 {
		cfg.ContextLength = overrides.ContextLength
	}
	if overrides.GPULayers > 0 {
		cfg.GPULayers = overrides.GPULayers
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(cfg config.Config) error {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)

	found, skipped := registry.NewGGUFScanner().Scan(cfg.ModelsDir)
	for _, e := range skipped {
		log.Warn().Err(e).Msg("skipping model file")
	}
	if len(found) == 0 {
		log.Warn().Str("dir", cfg.ModelsDir).Msg("no models found; server will start not ready")
	}

	settings := instance.Settings{
		ContextLength: cfg.ContextLength,
		BatchSize:     cfg.BatchSize,
		GPULayers:     cfg.GPULayers,
		Threads:       cfg.Threads,
	}
	if cfg.UseMMap != nil {
		settings.UseMMap = *cfg.UseMMap
	}
	if cfg.UseMLock != nil {
		settings.UseMLock = *cfg.UseMLock
	}

	svc := service.New(engine.NewLlamaBackend(), found, service.Options{
		DefaultModel:     cfg.DefaultModel,
		Settings:         settings,
		MaxIdleInstances: cfg.MaxIdleInstances,
		MemoryBudgetMB:   cfg.MemoryBudgetMB,
		DefaultMaxTokens: cfg.DefaultMaxTokens,
		MaxStopLen:       cfg.MaxStopLen,
		Logger:           log,
	})
	defer svc.Close()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).
			Int("models", len(found)).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Cancel in-flight generations, then drain connections.
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
	return nil
}
