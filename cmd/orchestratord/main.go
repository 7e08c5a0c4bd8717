// Command orchestratord runs the research orchestrator as an MCP server:
// it wires storage, model providers, caching, memory, retrieval, the job
// queue, and the pipeline stages together, then serves tools/resources/
// prompts over stdio, HTTP, and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goadesign/research-orchestrator/runtime/cache"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/config"
	"github.com/goadesign/research-orchestrator/runtime/embedder"
	"github.com/goadesign/research-orchestrator/runtime/index"
	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/mcpserver"
	"github.com/goadesign/research-orchestrator/runtime/memory"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/orchestrator"
	"github.com/goadesign/research-orchestrator/runtime/planner"
	"github.com/goadesign/research-orchestrator/runtime/policy"
	"github.com/goadesign/research-orchestrator/runtime/researcher"
	"github.com/goadesign/research-orchestrator/runtime/sessionbus"
	"github.com/goadesign/research-orchestrator/runtime/store"
	"github.com/goadesign/research-orchestrator/runtime/synthesizer"
	"github.com/goadesign/research-orchestrator/runtime/telemetry"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	// 1) Storage.
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("orchestratord: open store: %v", err)
	}
	defer closeStore()

	// 2) Model catalog and providers.
	cat, err := catalog.Load(cfg.ModelCatalogPath, []catalog.Tier{catalog.TierVeryLow, catalog.TierLow, catalog.TierHigh})
	if err != nil {
		log.Fatalf("orchestratord: load model catalog: %v", err)
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		log.Fatalf("orchestratord: build model providers: %v", err)
	}
	router := modelclient.NewRouter(cat, providers)

	respCache := cache.New(cache.Options{
		RedisAddr:       cfg.RedisAddr,
		ExactTTL:        cfg.CacheExactTTL,
		SemanticTTL:     cfg.CacheSemanticTTL,
		SemanticTau:     cfg.CacheSemanticTau,
		SemanticMaxKeys: cfg.CacheMaxKeys,
	})
	modelClient := modelclient.NewCachingClient(router, respCache, cat)

	// 3) Embedding.
	emb, err := embedder.New(cfg.OpenAIAPIKey, "text-embedding-3-small", cfg.EmbeddingDim)
	if err != nil {
		log.Fatalf("orchestratord: build embedder: %v", err)
	}

	// 4) Mongo-backed living memory.
	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("orchestratord: connect mongo: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			slog.Error("mongo disconnect failed", "error", err)
		}
	}()
	mem, err := memory.New(memory.Options{Client: mongoClient, Database: cfg.MongoDatabase}, emb, modelClient)
	if err != nil {
		log.Fatalf("orchestratord: build memory: %v", err)
	}

	// 5) Hybrid retrieval index and session event bus.
	idx := index.New(st, emb, modelClient, index.Options{Alpha: cfg.IndexAlpha})
	bus := sessionbus.New(st)
	sink := sessionbus.NewContextSink(bus)

	// 6) Pipeline stages.
	sel := policy.New(policy.DefaultOptions())
	plan := planner.New(modelClient, cat, sink)
	res := researcher.New(modelClient, cat, emb, sink, researcher.DefaultOptions()).WithCache(respCache)
	synth := synthesizer.New(modelClient, cat, sink)

	jobs, err := jobqueue.New(st, jobqueue.Options{
		LeaseDuration:  time.Duration(cfg.LeaseSeconds) * time.Second,
		HeartbeatEvery: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
		IdempotencyTTL: time.Duration(cfg.IdempotencyTTLSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("orchestratord: build job queue: %v", err)
	}

	promMetrics := telemetry.NewPrometheusMetrics()
	orch := orchestrator.New(plan, sel, res, synth, st, mem, idx, jobs, sink, orchestrator.DefaultOptions()).
		WithTelemetry(telemetry.NewClueLogger(), promMetrics, telemetry.NewOtelTracer())

	// 7) Workers, one per configured slot (default CPU*2), plus a lease
	// recovery sweep for workers that died mid-heartbeat.
	concurrency := cfg.WorkerConcurrency
	if concurrency == 0 {
		concurrency = runtime.NumCPU() * 2
	}
	workers := make([]*orchestrator.Worker, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		w := orchestrator.NewWorker(jobs, orch, orchestrator.DefaultWorkerOptions(fmt.Sprintf("worker-%d", i)))
		w.Start(ctx)
		workers = append(workers, w)
	}
	stopRecovery := startRecoverySweep(ctx, jobs, cfg)
	defer stopRecovery()

	// 8) MCP surface: registry, auth, transports.
	reg := mcpserver.NewRegistry()
	mcpserver.RegisterBuiltinTools(reg, mcpserver.Deps{
		Store:        st,
		Catalog:      cat,
		Jobs:         jobs,
		Orchestrator: orch,
		Index:        idx,
		Bus:          bus,
	})
	server := mcpserver.NewServer(reg, mcpserver.NewAuthenticator(cfg.MCPAuthSecret), cfg.MCPProtocolVersion)

	if cfg.Stdio {
		if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("orchestratord: stdio transport: %v", err)
		}
		for _, w := range workers {
			w.Stop()
		}
		return
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.GET("/health", healthHandler(st, jobs))
	r.GET("/metrics", gin.WrapH(promMetrics.Handler()))
	server.MountHTTP(r, "/mcp", bus)
	server.MountWebSocket(r, "/mcp/ws", bus)

	httpServer := &http.Server{Addr: ":" + cfg.ServerPort, Handler: r}
	go func() {
		slog.Info("mcp server listening", "port", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("orchestratord: http server: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, w := range workers {
		w.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
}

// openStore opens the durable Postgres store when configured, falling back
// to the in-process Mem store otherwise (local development, tests).
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if !cfg.StoreDurable {
		m := store.NewMem()
		return m, func() { _ = m.Close(ctx) }, nil
	}
	pg, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close(ctx) }, nil
}

// buildProviders constructs one modelclient.Client per provider whose
// credentials are configured, keyed by the catalog.Model.Provider strings
// the catalog YAML uses ("anthropic", "openai", "bedrock"). A provider with
// no credentials is simply absent from the map; Router then returns a
// "no provider client configured" error for any catalog entry
// that resolves to it, rather than the process failing to start.
func buildProviders(ctx context.Context, cfg config.Config) (map[string]modelclient.Client, error) {
	providers := make(map[string]modelclient.Client, 3)

	// Each provider gets its own adaptive limiter: a rate-limited response
	// from one provider must not throttle calls to the others.
	if cfg.AnthropicAPIKey != "" {
		c, err := modelclient.NewAnthropic(cfg.AnthropicAPIKey, modelclient.AnthropicOptions{
			DefaultModel: "claude-sonnet-4-5",
			MaxTokens:    4096,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		limiter := modelclient.NewAdaptiveRateLimiter(cfg.ProviderInitialTPM, cfg.ProviderMaxTPM)
		providers["anthropic"] = limiter.Middleware()(c)
	}

	if cfg.OpenAIAPIKey != "" {
		c, err := modelclient.NewOpenAI(cfg.OpenAIAPIKey, modelclient.OpenAIOptions{
			DefaultModel: "gpt-5",
		})
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		limiter := modelclient.NewAdaptiveRateLimiter(cfg.ProviderInitialTPM, cfg.ProviderMaxTPM)
		providers["openai"] = limiter.Middleware()(c)
	}

	if cfg.AWSRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		c, err := modelclient.NewBedrock(bedrockruntime.NewFromConfig(awsCfg), modelclient.BedrockOptions{
			DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
			MaxTokens:    4096,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock client: %w", err)
		}
		limiter := modelclient.NewAdaptiveRateLimiter(cfg.ProviderInitialTPM, cfg.ProviderMaxTPM)
		providers["bedrock"] = limiter.Middleware()(c)
	}

	if len(providers) == 0 {
		return nil, errors.New("no model provider credentials configured (ANTHROPIC_API_KEY, OPENAI_API_KEY, or AWS_REGION)")
	}
	return providers, nil
}

// startRecoverySweep runs jobqueue.Queue.Recover on a ticker so jobs whose
// worker died mid-lease are requeued; Recover itself is a pure function of
// "now", the caller owns the cadence.
func startRecoverySweep(ctx context.Context, jobs *jobqueue.Queue, cfg config.Config) func() {
	interval := time.Duration(cfg.LeaseSeconds) * time.Second / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if n, err := jobs.Recover(ctx, time.Now()); err != nil {
					slog.Error("lease recovery sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("lease recovery sweep requeued jobs", "count", n)
				}
			}
		}
	}()
	return func() { close(done) }
}

func healthHandler(st store.Store, jobs *jobqueue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"durable": st.Durable(),
		})
	}
}
