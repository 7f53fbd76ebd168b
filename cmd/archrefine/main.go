package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/manash/archrefine/internal/api"
	"github.com/manash/archrefine/internal/config"
	"github.com/manash/archrefine/internal/cost"
	"github.com/manash/archrefine/internal/image"
	"github.com/manash/archrefine/internal/keys"
	"github.com/manash/archrefine/internal/logger"
	"github.com/manash/archrefine/internal/metrics"
	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/internal/provider/openai"
	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagEnvFiles  []string
	flagPort      int
	flagNoHistory bool
	flagProvider  string
	flagBaseURL   string
)

type App struct {
	Out          io.Writer
	Err          io.Writer
	LoadConfig   func() (*config.Config, error)
	NewLogger    func(cfg *config.Config) zerolog.Logger
	NewKeyStore  func() (*keys.Store, error)
	NewProviders func(cfg *config.Config, saver *image.Saver, costs openai.CostRecorder, log zerolog.Logger) (provider.Set, error)
}

func DefaultApp() *App {
	return &App{
		Out:          os.Stdout,
		Err:          os.Stderr,
		LoadConfig:   config.Load,
		NewLogger:    logger.New,
		NewKeyStore:  keys.NewStore,
		NewProviders: openAIProviders,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd(DefaultApp()).ExecuteContext(ctx)
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archrefine",
		Short: "Iteratively generate and refine architecture diagrams",
		Long: `archrefine runs a refinement service for AI generated architecture diagrams.

Each session generates images from a prompt, has a judge model score them
against a fixed rubric, and rewrites the prompt from the feedback until the
diagram is good enough.

Examples:
  archrefine serve
  archrefine serve --port 9090 --env-file .env.local
  archrefine personas
  archrefine keys set sk-...`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	cmd.AddCommand(newServeCmd(app), newKeysCmd(app), newPersonasCmd(app), newVersionCmd(app))
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, app)
		},
	}
	cmd.Flags().StringSliceVar(&flagEnvFiles, "env-file", nil, "env files to load (defaults to .env and ../.env)")
	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "HTTP port (overrides HTTP_PORT)")
	cmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "do not record sessions in the run database")
	return cmd
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored collaborator API keys",
	}
	cmd.PersistentFlags().StringVar(&flagProvider, "provider", keys.ProviderOpenAI, "provider the key belongs to")

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Set(flagProvider, keys.Entry{Key: args[0], BaseURL: flagBaseURL}); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Stored %s key %s in %s\n", flagProvider, keys.MaskKey(args[0]), store.Path())
			return nil
		},
	}
	set.Flags().StringVar(&flagBaseURL, "base-url", "", "compatible gateway URL to use with this key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored API keys",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			providers, err := store.List()
			if err != nil {
				return err
			}
			if len(providers) == 0 {
				fmt.Fprintln(app.Out, "No keys stored")
				return nil
			}
			for _, p := range providers {
				entry, _, err := store.Get(p)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%-12s %s", p, keys.MaskKey(entry.Key))
				if entry.BaseURL != "" {
					line += "  " + entry.BaseURL
				}
				fmt.Fprintln(app.Out, line)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove a stored API key",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Delete(flagProvider); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Removed %s key\n", flagProvider)
			return nil
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

func newPersonasCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the judge personas available to sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			catalog, err := openai.LoadPersonas(cfg.PersonasFile)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(catalog))
			for name := range catalog {
				names = append(names, string(name))
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Fprintf(app.Out, "%-12s %s\n", name, catalog[models.Persona(name)])
			}
			return nil
		},
	}
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(app.Out, "archrefine %s (commit: %s)\n", version, commit)
		},
	}
}

func runServe(cmd *cobra.Command, app *App) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	config.LoadEnvFiles(flagEnvFiles...)
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagPort > 0 {
		cfg.HTTPPort = flagPort
	}
	keySource := resolveCredentials(app, cfg)
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	log := app.NewLogger(cfg)
	log.Debug().Str("source", keySource).Msg("resolved API key")

	if cfg.EnableTracing {
		tp, err := initTracer(app.Err)
		if err != nil {
			return err
		}
		defer shutdownWithLog(log, "tracer provider", tp.Shutdown)
	}

	httpMetrics := api.NewHTTPMetrics()
	mp, err := initMeterProvider(httpMetrics)
	if err != nil {
		return err
	}
	defer shutdownWithLog(log, "meter provider", mp.Shutdown)

	pipelineMetrics, err := metrics.NewPipelineWithMeter(mp.Meter("github.com/manash/archrefine"))
	if err != nil {
		return fmt.Errorf("create pipeline metrics: %w", err)
	}

	saver := image.NewSaver(cfg.ImageDir)
	providers, err := app.NewProviders(cfg, saver, pipelineMetrics, log)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}

	hub := api.NewHub(log)
	opts := []session.Option{
		session.WithLogger(log),
		session.WithTimeouts(session.Timeouts{
			Generate: cfg.GenerateTimeout,
			Evaluate: cfg.EvaluateTimeout,
			Refine:   cfg.RefineTimeout,
		}),
		session.WithDefaults(session.Defaults{
			TargetScore:   cfg.DefaultTargetScore,
			MaxIterations: cfg.DefaultMaxIterations,
			Settings:      models.DefaultSettings(),
		}),
		session.WithStepRecorder(pipelineMetrics),
		session.WithImageDiscarder(saver),
		session.WithObserver(pipelineMetrics),
		session.WithObserver(hub),
	}
	if cfg.PruneImages {
		opts = append(opts, session.WithObserver(image.NewPruner(saver, log)))
	}

	var history api.HistoryStore
	if !flagNoHistory {
		store, err := session.NewStore(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, session.WithObserver(session.NewRecorder(store, log)))
		history = store
	}

	registry, err := session.NewRegistry(providers, opts...)
	if err != nil {
		return err
	}

	server := api.New(api.Config{
		Addr:            cfg.Addr(),
		Production:      cfg.IsProduction(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, api.NewHandler(registry, history, hub, log), httpMetrics, log)

	log.Info().
		Str("addr", cfg.Addr()).
		Str("image_dir", saver.Root()).
		Bool("history", history != nil).
		Msg("starting archrefine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("background refinement did not stop in time")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("archrefine stopped")
	return nil
}

// resolveCredentials fills the API key and gateway URL from the key store
// when the environment does not set them, and reports where the key came
// from.
func resolveCredentials(app *App, cfg *config.Config) string {
	if app.NewKeyStore == nil {
		return keys.SourceEnvironment
	}
	store, err := app.NewKeyStore()
	if err != nil {
		return keys.SourceEnvironment
	}
	entry, source, err := store.Resolve(keys.ProviderOpenAI, keys.Entry{Key: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
	if err != nil {
		return keys.SourceEnvironment
	}
	cfg.OpenAIAPIKey = entry.Key
	cfg.OpenAIBaseURL = entry.BaseURL
	return source
}

func openAIProviders(cfg *config.Config, saver *image.Saver, costs openai.CostRecorder, log zerolog.Logger) (provider.Set, error) {
	base := provider.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Verbose: cfg.Verbose,
	}

	prices := cost.NewCalculator()
	if cfg.PricingFile != "" {
		if err := prices.LoadOverrides(cfg.PricingFile); err != nil {
			return provider.Set{}, err
		}
	}

	genCfg := base
	genCfg.Model = cfg.ImageModel
	genCfg.TimeoutSec = int(cfg.GenerateTimeout.Seconds())
	generator, err := openai.NewGenerator(&genCfg, saver, log,
		openai.WithSamplingTemperature(cfg.ImageSendTemperature),
		openai.WithCostTracking(prices, costs),
	)
	if err != nil {
		return provider.Set{}, err
	}

	personas, err := openai.LoadPersonas(cfg.PersonasFile)
	if err != nil {
		return provider.Set{}, err
	}
	judgeCfg := base
	judgeCfg.Model = cfg.JudgeModel
	judgeCfg.TimeoutSec = int(cfg.EvaluateTimeout.Seconds())
	judge, err := openai.NewJudge(&judgeCfg, saver, personas, log)
	if err != nil {
		return provider.Set{}, err
	}

	rewriteCfg := base
	rewriteCfg.Model = cfg.RewriteModel
	rewriteCfg.TimeoutSec = int(cfg.RefineTimeout.Seconds())
	rewriter, err := openai.NewRewriter(&rewriteCfg, log)
	if err != nil {
		return provider.Set{}, err
	}

	return provider.Set{Generator: generator, Evaluator: judge, Rewriter: rewriter}, nil
}

func initTracer(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// initMeterProvider exports otel instruments through the same prometheus
// registry that serves /metrics.
func initMeterProvider(httpMetrics *api.HTTPMetrics) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(httpMetrics.Registerer()))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp, nil
}

func shutdownWithLog(log zerolog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("shutdown failed")
	}
}
