package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/config"
	"github.com/manash/archrefine/internal/image"
	"github.com/manash/archrefine/internal/keys"
	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/internal/provider/openai"
	"github.com/manash/archrefine/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ServiceName:          "archrefine",
		Environment:          "test",
		HTTPPort:             0,
		LogLevel:             "error",
		ShutdownTimeout:      time.Second,
		DatabasePath:         filepath.Join(dir, "runs.db"),
		ImageDir:             filepath.Join(dir, "images"),
		OpenAIAPIKey:         "test-key",
		OpenAIBaseURL:        "http://127.0.0.1:1",
		ImageModel:           "gpt-image-1",
		JudgeModel:           "gpt-4o",
		RewriteModel:         "gpt-4o",
		GenerateTimeout:      time.Second,
		EvaluateTimeout:      time.Second,
		RefineTimeout:        time.Second,
		DefaultTargetScore:   8,
		DefaultMaxIterations: 10,
	}
}

func stubProviders() provider.Set {
	return provider.Set{
		Generator: provider.GeneratorFunc(func(context.Context, *provider.GenerateRequest) ([]models.ImageRef, error) {
			return []models.ImageRef{"a.png"}, nil
		}),
		Evaluator: provider.EvaluatorFunc(func(context.Context, *provider.EvaluateRequest) (*models.Evaluation, error) {
			s := models.Uniform(7)
			return &models.Evaluation{Scores: &s}, nil
		}),
		Rewriter: provider.RewriterFunc(func(_ context.Context, req *provider.RewriteRequest) (*models.Rewrite, error) {
			return &models.Rewrite{Prompt: req.PriorPrompt}, nil
		}),
	}
}

// newTestApp creates an App configured for testing.
func newTestApp(t *testing.T, cfg *config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	keyDir := t.TempDir()
	return &App{
		Out:         out,
		Err:         &bytes.Buffer{},
		LoadConfig:  func() (*config.Config, error) { return cfg, nil },
		NewLogger:   func(*config.Config) zerolog.Logger { return zerolog.Nop() },
		NewKeyStore: func() (*keys.Store, error) { return keys.NewStoreAt(keyDir), nil },
		NewProviders: func(*config.Config, *image.Saver, openai.CostRecorder, zerolog.Logger) (provider.Set, error) {
			return stubProviders(), nil
		},
	}, out
}

func execute(t *testing.T, app *App, ctx context.Context, args ...string) error {
	t.Helper()
	cmd := newRootCmd(app)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestDefaultApp(t *testing.T) {
	app := DefaultApp()

	if app.Out != os.Stdout {
		t.Error("Out should be os.Stdout")
	}
	if app.Err != os.Stderr {
		t.Error("Err should be os.Stderr")
	}
	if app.LoadConfig == nil {
		t.Error("LoadConfig should not be nil")
	}
	if app.NewLogger == nil {
		t.Error("NewLogger should not be nil")
	}
	if app.NewKeyStore == nil {
		t.Error("NewKeyStore should not be nil")
	}
	if app.NewProviders == nil {
		t.Error("NewProviders should not be nil")
	}
}

func TestNewRootCmd(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))
	cmd := newRootCmd(app)

	if cmd.Use != "archrefine" {
		t.Errorf("Use = %q, want %q", cmd.Use, "archrefine")
	}
	for _, name := range []string{"serve", "keys", "personas", "version"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	serve, _, _ := cmd.Find([]string{"serve"})
	for _, flag := range []string{"env-file", "port", "no-history"} {
		if serve.Flags().Lookup(flag) == nil {
			t.Errorf("serve flag %q not registered", flag)
		}
	}
}

func TestVersion(t *testing.T) {
	app, out := newTestApp(t, testConfig(t))
	if err := execute(t, app, context.Background(), "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "archrefine dev (commit: none)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPersonas(t *testing.T) {
	cfg := testConfig(t)
	cfg.PersonasFile = filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(cfg.PersonasFile, []byte("personas:\n  auditor: \"You check compliance.\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	app, out := newTestApp(t, cfg)

	if err := execute(t, app, context.Background(), "personas"); err != nil {
		t.Fatalf("personas: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d personas, want 4:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "architect") || !strings.HasPrefix(lines[1], "auditor") {
		t.Errorf("personas not sorted:\n%s", out.String())
	}
	if !strings.Contains(lines[1], "You check compliance.") {
		t.Errorf("custom stance missing: %q", lines[1])
	}
}

func TestServe_NoAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAIAPIKey = ""
	app, _ := newTestApp(t, cfg)

	err := execute(t, app, cancelledContext(), "serve", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if !errors.Is(err, config.ErrAPIKeyRequired) {
		t.Errorf("err = %v, want ErrAPIKeyRequired", err)
	}
}

func TestServe_ConfigError(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))
	app.LoadConfig = func() (*config.Config, error) { return nil, errors.New("bad env") }

	err := execute(t, app, cancelledContext(), "serve", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "bad env") {
		t.Errorf("err = %v, want config error", err)
	}
}

func TestServe_ProviderError(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))
	app.NewProviders = func(*config.Config, *image.Saver, openai.CostRecorder, zerolog.Logger) (provider.Set, error) {
		return provider.Set{}, provider.ErrAPIKeyRequired
	}

	err := execute(t, app, cancelledContext(), "serve", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if !errors.Is(err, provider.ErrAPIKeyRequired) {
		t.Errorf("err = %v, want provider error", err)
	}
}

func TestServe_StopsWhenContextEnds(t *testing.T) {
	cfg := testConfig(t)
	app, _ := newTestApp(t, cfg)

	done := make(chan error, 1)
	go func() {
		done <- execute(t, app, cancelledContext(), "serve", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		t.Errorf("run database not created: %v", err)
	}
}

func TestServe_NoHistory(t *testing.T) {
	cfg := testConfig(t)
	app, _ := newTestApp(t, cfg)

	err := execute(t, app, cancelledContext(), "serve", "--no-history", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := os.Stat(cfg.DatabasePath); !os.IsNotExist(err) {
		t.Errorf("run database should not exist, stat err = %v", err)
	}
}

func TestOpenAIProviders(t *testing.T) {
	cfg := testConfig(t)
	saver := image.NewSaver(cfg.ImageDir)

	set, err := openAIProviders(cfg, saver, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("openAIProviders: %v", err)
	}
	if err := set.Validate(); err != nil {
		t.Errorf("set incomplete: %v", err)
	}

	cfg.OpenAIAPIKey = ""
	if _, err := openAIProviders(cfg, saver, nil, zerolog.Nop()); err == nil {
		t.Error("expected error without API key")
	}

	cfg.OpenAIAPIKey = "test-key"
	cfg.PersonasFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := openAIProviders(cfg, saver, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing personas file")
	}

	cfg.PersonasFile = ""
	cfg.PricingFile = filepath.Join(t.TempDir(), "missing-pricing.yaml")
	if _, err := openAIProviders(cfg, saver, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing pricing file")
	}
}

func TestServe_StoredKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAIAPIKey = ""
	cfg.OpenAIBaseURL = ""
	app, _ := newTestApp(t, cfg)

	store, err := app.NewKeyStore()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(keys.ProviderOpenAI, keys.Entry{Key: "sk-stored-1234", BaseURL: "https://gateway.local/v1"}); err != nil {
		t.Fatal(err)
	}

	var seen config.Config
	app.NewProviders = func(c *config.Config, _ *image.Saver, costs openai.CostRecorder, _ zerolog.Logger) (provider.Set, error) {
		seen = *c
		if costs == nil {
			t.Error("cost recorder not wired")
		}
		return stubProviders(), nil
	}

	if err := execute(t, app, cancelledContext(), "serve", "--no-history", "--env-file", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if seen.OpenAIAPIKey != "sk-stored-1234" {
		t.Errorf("API key = %q, want stored key", seen.OpenAIAPIKey)
	}
	if seen.OpenAIBaseURL != "https://gateway.local/v1" {
		t.Errorf("base URL = %q, want stored gateway", seen.OpenAIBaseURL)
	}
}

func TestKeysCommands(t *testing.T) {
	app, out := newTestApp(t, testConfig(t))

	if err := execute(t, app, context.Background(), "keys", "list"); err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out.String(), "No keys stored") {
		t.Errorf("empty list output = %q", out.String())
	}

	out.Reset()
	if err := execute(t, app, context.Background(), "keys", "set", "sk-1234567890abcdef", "--base-url", "https://gateway.local/v1"); err != nil {
		t.Fatalf("keys set: %v", err)
	}
	if !strings.Contains(out.String(), "sk-1***********cdef") {
		t.Errorf("set output should mask the key: %q", out.String())
	}
	if strings.Contains(out.String(), "sk-1234567890abcdef") {
		t.Error("set output leaked the key")
	}

	out.Reset()
	if err := execute(t, app, context.Background(), "keys", "list"); err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out.String(), "openai") || !strings.Contains(out.String(), "https://gateway.local/v1") {
		t.Errorf("list output = %q", out.String())
	}

	out.Reset()
	if err := execute(t, app, context.Background(), "keys", "delete"); err != nil {
		t.Fatalf("keys delete: %v", err)
	}
	if err := execute(t, app, context.Background(), "keys", "delete"); err == nil {
		t.Error("deleting a missing key should fail")
	}
}
