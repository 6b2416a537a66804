package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/knowbase/knowbase/internal/cache"
	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/chunk"
	"github.com/knowbase/knowbase/internal/config"
	"github.com/knowbase/knowbase/internal/embed"
	"github.com/knowbase/knowbase/internal/logging"
	"github.com/knowbase/knowbase/internal/objectstore"
	"github.com/knowbase/knowbase/internal/parser"
	"github.com/knowbase/knowbase/internal/pipeline"
	"github.com/knowbase/knowbase/internal/queue"
	"github.com/knowbase/knowbase/internal/retrieval"
	"github.com/knowbase/knowbase/internal/service"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// app holds the wired component graph one command runs against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Catalog
	vectors *vectorstore.LocalStore
	blobs   objectstore.Store
	cache   *cache.SearchCache
	queue   *queue.Queue
	svc     *service.Service

	cleanups []func()
}

// openApp loads configuration and connects every backend. stderrLogs controls
// whether logs mirror to stderr; interactive commands keep it off so output
// stays clean.
// workersOverride replaces the configured worker count when positive.
var workersOverride int

func openApp(ctx context.Context, stderrLogs bool) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if workersOverride > 0 {
		cfg.Queue.Workers = workersOverride
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.WriteToStderr = stderrLogs
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	a.cleanups = append(a.cleanups, logCleanup)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		a.close()
		return nil, err
	}

	a.catalog, err = catalog.Open(cfg.CatalogPath(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.vectors, err = vectorstore.NewLocalStore(cfg.VectorDir(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.blobs, err = objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
		Region:    cfg.ObjectStore.Region,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.cache = cache.New(cache.Config{
		Enabled:    cfg.Cache.Enabled,
		Addr:       cfg.Cache.Addr,
		Password:   cfg.Cache.Password,
		DB:         cfg.Cache.DB,
		TTL:        cfg.Cache.TTL,
		CacheEmpty: cfg.Cache.CacheEmpty,
		MaxResults: cfg.Cache.MaxResults,
	}, logger)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	reranker, err := buildReranker(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	parsers := parser.NewRegistry()
	pipe := pipeline.New(a.catalog, a.blobs, parsers, embedder, a.vectors, a.cache,
		pipeline.Config{
			Chunking: chunk.Config{
				Strategy:     chunk.Strategy(cfg.Chunking.Strategy),
				ChunkSize:    cfg.Chunking.ChunkSize,
				ChunkOverlap: cfg.Chunking.ChunkOverlap,
			},
			SoftTimeLimit: cfg.Queue.SoftTimeLimit,
		}, logger)
	retriever := retrieval.New(embedder, a.vectors, a.catalog, reranker, logger)

	a.queue = queue.New(a.catalog.DB(), queue.Config{
		Workers:           cfg.Queue.Workers,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxRetries:        cfg.Queue.MaxRetries,
		PollInterval:      cfg.Queue.PollInterval,
		SoftTimeLimit:     cfg.Queue.SoftTimeLimit,
		HardTimeLimit:     cfg.Queue.HardTimeLimit,
	}, logger)

	a.svc = service.New(a.catalog, a.vectors, a.blobs, parsers, pipe, retriever,
		a.cache, a.queue, logger)
	return a, nil
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func buildEmbedder(cfg *config.Config) (embed.Embedder, error) {
	client, err := embed.NewClient(embed.Config{
		Provider:   cfg.Embeddings.Provider,
		BaseURL:    cfg.Embeddings.BaseURL,
		APIKey:     cfg.Embeddings.APIKey,
		Model:      cfg.Embeddings.Model,
		Deployment: cfg.Embeddings.Deployment,
		APIVersion: cfg.Embeddings.APIVersion,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		MaxRetries: cfg.Embeddings.MaxRetries,
		Timeout:    cfg.Embeddings.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Embeddings.CacheSize > 0 {
		return embed.NewCachedEmbedder(client, cfg.Embeddings.CacheSize)
	}
	return client, nil
}

func buildReranker(cfg *config.Config) (retrieval.Reranker, error) {
	if !cfg.Retrieval.RerankEnabled {
		return nil, nil
	}
	switch cfg.Retrieval.RerankProvider {
	case "llm":
		return retrieval.NewLLMReranker(retrieval.LLMRerankerConfig{
			BaseURL: cfg.Retrieval.RerankURL,
			APIKey:  cfg.Retrieval.RerankAPIKey,
			Model:   cfg.Retrieval.RerankModel,
		})
	case "local":
		return retrieval.NewLocalReranker(retrieval.LocalRerankerConfig{
			Endpoint: cfg.Retrieval.RerankURL,
			Model:    cfg.Retrieval.RerankModel,
		})
	default:
		return retrieval.NewHTTPReranker(retrieval.HTTPRerankerConfig{
			Provider: cfg.Retrieval.RerankProvider,
			BaseURL:  cfg.Retrieval.RerankURL,
			APIKey:   cfg.Retrieval.RerankAPIKey,
			Model:    cfg.Retrieval.RerankModel,
		})
	}
}

// searchDefaults maps the configured retrieval defaults onto search options.
func searchDefaults(cfg *config.Config) retrieval.Options {
	return retrieval.Options{
		Mode:            retrieval.Mode(cfg.Retrieval.Mode),
		TopK:            cfg.Retrieval.TopK,
		ScoreThreshold:  cfg.Retrieval.ScoreThreshold,
		Fusion:          retrieval.FusionMethod(cfg.Retrieval.FusionMethod),
		SemanticWeight:  cfg.Retrieval.SemanticWeight,
		KeywordWeight:   cfg.Retrieval.KeywordWeight,
		RRFK:            cfg.Retrieval.RRFConstant,
		AdaptiveWeights: cfg.Retrieval.AdaptiveWeights,
		Rerank:          cfg.Retrieval.RerankEnabled,
		RerankOptions: retrieval.RerankOptions{
			MaxInputLength: cfg.Retrieval.RerankMaxInputLength,
		},
	}
}
