// The gateway serves catalog visibility decisions for the storefront:
// restricted-data snapshots for the client-side filter, filtered
// listings and suggestion payloads, the direct-access gate, and cache
// invalidation fed by the identity event stream.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"palisade/pkg/catalog"
	"palisade/pkg/enforce"
	"palisade/pkg/events"
	"palisade/pkg/metrics"
	"palisade/pkg/ratelimit"
	"palisade/pkg/restrict"
	"palisade/pkg/store"
	"palisade/pkg/stream"
	"palisade/pkg/telemetry"
)

type Server struct {
	Store    catalog.ProductStore
	Lister   catalog.Lister
	Strategy catalog.Strategy
	Engine   *restrict.Engine
	Cache    *restrict.ResultCache
	Enforcer *enforce.Enforcer
	Events   *stream.Hub
	Metrics  *metrics.Registry

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode     string
	AuthSecret   string
	ActionSecret string

	MaxRequestBodyBytes int64
}

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, "palisade-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	strategy, err := catalog.ParseStrategy(env("CLASSIFIER_STRATEGY", "field"))
	if err != nil {
		return err
	}

	var productStore catalog.ProductStore
	var lister catalog.Lister
	if os.Getenv("DATABASE_URL") != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		pg := &catalog.PostgresStore{DB: pool}
		productStore, lister = pg, pg
	} else {
		log.Printf("DATABASE_URL not set, using empty in-memory product store")
		mem := catalog.NewMemoryStore()
		productStore, lister = mem, mem
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	classifier, err := catalog.New(strategy, productStore, splitList(env("PUBLIC_CATALOGS", "HP_catalog,DCG_catalog")))
	if err != nil {
		return err
	}

	m := metrics.NewRegistry()
	engine := &restrict.Engine{Classifier: classifier}
	resultCache := restrict.NewResultCache(cache, engine)
	resultCache.Stats = m
	resultCache.DataTTL = envDurationSec("RESTRICTED_DATA_TTL_SEC", 1800)
	resultCache.LockTTL = envDurationSec("BUILD_LOCK_TTL_SEC", 5)
	resultCache.WaitInterval = time.Millisecond * time.Duration(envInt("CACHE_WAIT_INTERVAL_MS", 100))
	resultCache.WaitRetries = envInt("CACHE_WAIT_RETRIES", 3)

	s := &Server{
		Store:    productStore,
		Lister:   lister,
		Strategy: strategy,
		Engine:   engine,
		Cache:    resultCache,
		Enforcer: &enforce.Enforcer{
			Engine:   engine,
			Cache:    resultCache,
			Strategy: strategy,
			Stats:    m,
		},
		Events:              stream.NewHub(),
		Metrics:             m,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:            env("AUTH_MODE", "session_hs256"),
		AuthSecret:          env("SESSION_HS256_SECRET", ""),
		ActionSecret:        env("ACTION_HMAC_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.RateLimitEnabled {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		consumer, err := events.NewKafkaConsumer(events.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_IDENTITY_TOPIC", "identity-events"),
			GroupID: env("KAFKA_GROUP_ID", "palisade-gateway"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
		processor := &events.Processor{Consumer: consumer, Cache: resultCache, Hub: s.Events}
		go func() {
			if err := processor.Run(ctx); err != nil {
				log.Printf("identity consumer stopped: %v", err)
			}
		}()
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s (strategy=%s)", addr, strategy)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return server.ListenAndServe()
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
