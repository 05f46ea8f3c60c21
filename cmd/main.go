package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biashara-copilot/handler"
	"biashara-copilot/internal/dispatch"
	"biashara-copilot/internal/integrations/backend"
	"biashara-copilot/internal/integrations/paramstore"
	"biashara-copilot/internal/memory"
	"biashara-copilot/internal/repository"
	"biashara-copilot/internal/usecase"
)

// flushTimeout bounds the wait for memory writes before Lambda freezes the
// process between invocations.
const flushTimeout = 2 * time.Second

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	backendURL := mustEnv("BACKEND_URL")
	memoryBackend := envString("MEMORY_BACKEND", "dynamodb")
	memoryTTL := envDuration("MEMORY_TTL", memory.DefaultTTL)
	streaming := envBool("STREAMING_ENABLED", false)
	taskBridge := envBool("TASK_BRIDGE_ENABLED", false)
	chatRetries := envInt("CHAT_RETRIES", dispatch.DefaultBudgets()[dispatch.KindChat].Retries)
	metricsAddr := os.Getenv("METRICS_ADDR")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	flags, err := ssmClient.LoadFlags(ctx, paramPrefix)
	if err != nil {
		slog.Warn("failed to load runtime flags, using environment", "err", err)
	}
	if flags.Streaming != nil {
		streaming = *flags.Streaming
	}
	if flags.TaskBridge != nil {
		taskBridge = *flags.TaskBridge
	}

	durable, closeDurable, err := newDurable(memoryBackend, cfg, memoryTTL, logger)
	if err != nil {
		slog.Error("failed to create memory backend", "backend", memoryBackend, "err", err)
		os.Exit(1)
	}
	defer closeDurable()
	store := memory.New(durable, memory.WithTTL(memoryTTL), memory.WithLogger(logger))

	chatBudget := dispatch.DefaultBudgets()[dispatch.KindChat]
	chatBudget.Retries = chatRetries
	dispatcher := dispatch.New(&http.Client{},
		dispatch.WithBudget(dispatch.KindChat, chatBudget),
		dispatch.WithLogger(logger),
	)

	backendClient, err := backend.NewClient(dispatcher, ssmClient, paramPrefix, backend.WithBaseURL(backendURL))
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	assistant, err := usecase.NewAssistant(
		backendClient,
		store,
		usecase.NewTaskBridge(backendClient, taskBridge, logger),
		usecase.Config{Streaming: streaming, StreamTimeout: chatBudget.Timeout, Logger: logger},
	)
	if err != nil {
		slog.Error("failed to create assistant", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(assistant, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	slog.Info("copilot starting",
		"memory_backend", memoryBackend,
		"streaming", streaming,
		"task_bridge", taskBridge,
		"chat_retries", chatBudget.Retries,
	)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := h.Handle(ctx, req)
		fctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		if ferr := store.Flush(fctx); ferr != nil {
			slog.Warn("memory flush incomplete", "err", ferr)
		}
		return resp, err
	})
}

func newDurable(kind string, cfg aws.Config, ttl time.Duration, logger *slog.Logger) (memory.Durable, func(), error) {
	switch strings.ToLower(kind) {
	case "dynamodb":
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), mustEnv("STATE_TABLE"), ttl)
		return s, func() {}, err
	case "badger":
		s, err := repository.NewBadgerStore(repository.BadgerOptions{
			Dir:    envString("BADGER_DIR", "/tmp/copilot-memory"),
			TTL:    ttl,
			Logger: logger,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	case "none":
		return nil, func() {}, nil
	}
	return nil, func() {}, errors.New("unknown MEMORY_BACKEND " + strconv.Quote(kind))
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "err", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
