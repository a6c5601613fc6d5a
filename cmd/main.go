/**
 * @description
 * This is the main entry point for the print-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, message broker, rate limiter, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * When DATABASE_URL is not set the service falls back to the in-process
 * store, which is enough for local development and demos.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/campusprint/print-service/internal/api"
	"github.com/campusprint/print-service/internal/app"
	"github.com/campusprint/print-service/internal/config"
	"github.com/campusprint/print-service/internal/store"
	"github.com/campusprint/print-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.SessionSigningKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"session signing key must be configured\" env=SESSION_SIGNING_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting print-service\" port=%s", cfg.ServerPort)

	// Establish the data store. PostgreSQL when configured, otherwise the
	// in-process store.
	idempotencyTTL := time.Duration(cfg.RechargeIdempotencyTTLMin) * time.Minute
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-process store\" env=DATABASE_URL")
		memoryRepo := store.NewMemoryRepository()
		memoryRepo.SetRechargeIdempotencyTTL(idempotencyTTL)
		repository = memoryRepo
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}

		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelMigrate()
		if err := store.Migrate(migrateCtx, dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		postgresRepo := store.NewPostgresRepository(dbpool)
		postgresRepo.SetRechargeIdempotencyTTL(idempotencyTTL)
		repository = postgresRepo
	}

	// Initialize the RabbitMQ producer to publish events. The service only
	// publishes, so a missing broker degrades to the no-op fallback.
	var producer rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events disabled\" env=RABBITMQ_URL")
		producer = &rabbitmq.EventProducerFallback{}
	} else if eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		producer = eventProducer
	}

	// Redis backs the submission rate limiter. Missing Redis disables
	// limiting but never blocks the queue.
	var rateLimiter app.RateLimiter
	if cfg.SubmitRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
					rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				}
			}
		}
	}

	// Initialize the core application service with its dependencies.
	printService := app.NewService(repository, producer, rateLimiter, app.Limits{
		RatePerPagePaise:     cfg.RatePerPagePaise,
		MaxDocumentBytes:     cfg.MaxDocumentBytes,
		SubmitLimitPerMinute: cfg.SubmitRateLimitPerMinute,
	})

	// Initialize the API handlers and router.
	printHandlers := api.NewPrintHandlers(
		printService,
		cfg.SessionSigningKey,
		time.Duration(cfg.SessionTTLMinutes)*time.Minute,
	)
	router := api.PrintRoutes(printHandlers, cfg.SessionSigningKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
