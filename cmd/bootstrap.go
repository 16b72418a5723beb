package cmd

import (
	"context"
	"time"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/llm"
	"github.com/MetricsHub/m8b-slack/internal/metrics"
	"github.com/MetricsHub/m8b-slack/internal/middleware"
	"github.com/MetricsHub/m8b-slack/internal/orchestrator"
	"github.com/MetricsHub/m8b-slack/internal/registry"
)

const cacheTTL = 5 * time.Minute

// uploaderFunc adapts the client's file upload to middleware.Uploader.
type uploaderFunc func(ctx context.Context, filename string, data []byte) (string, error)

func (f uploaderFunc) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	return f(ctx, filename, data)
}

// buildRegistry connects the configured backends and discovers their
// catalogs. The caller owns the returned registry and must Close it.
func buildRegistry(ctx context.Context, cfg *config.Config) *registry.Registry {
	var backends []registry.Backend
	for _, pc := range cfg.Providers {
		backends = append(backends, registry.NewProvider(registry.ProviderConfig{
			Label:       pc.Label,
			URL:         pc.URL,
			Token:       pc.Token,
			InsecureTLS: pc.InsecureTLS,
		}))
	}
	if cfg.Metrics.URL != "" {
		backends = append(backends, metrics.NewClient(metrics.Config{
			URL:   cfg.Metrics.URL,
			Token: cfg.Metrics.Token,
		}))
	}

	reg := registry.New(backends...)
	reg.Init(ctx)
	return reg
}

// buildOrchestrator wires the full message-handling pipeline.
func buildOrchestrator(cfg *config.Config, reg *registry.Registry) *orchestrator.Orchestrator {
	client := &llm.Client{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
	}

	cache := middleware.NewResultCache(cfg.Limits.CacheEntries, cacheTTL)
	mw := middleware.New(cache,
		middleware.WithUploader(uploaderFunc(client.UploadFile)),
		middleware.WithPageSize(cfg.Limits.PageSize),
		middleware.WithCompressor(func(tool string, v any) any {
			return middleware.CompressMonitoring(v)
		}),
	)

	return orchestrator.New(
		llm.NewTurnEngine(client),
		client,
		orchestrator.NewTools(reg, mw),
		orchestrator.Options{
			Model:           cfg.OpenAI.Model,
			SummaryModel:    cfg.OpenAI.SummaryModel,
			ReasoningEffort: cfg.OpenAI.ReasoningEffort,
			MaxOutputTokens: cfg.OpenAI.MaxOutputTokens,
			Instructions:    cfg.OpenAI.Instructions,
		},
	)
}
