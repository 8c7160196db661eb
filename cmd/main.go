/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, the ledger
 * store, the payment gateway client, message brokers, the rate limiter, the core
 * workflow engine, the auto-release scheduler and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Release and dispute rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway verification API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/api"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/app"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/config"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/store"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/pkg/gatewayclient"
	rmrabbit "github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	var (
		repository store.Repository
		finder     app.HeldTransactionFinder
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory ledger store; balances are lost on restart\"")
		memory := store.NewMemoryRepository()
		repository, finder = memory, memory
	default:
		dbpool := connectPostgres(cfg)
		defer dbpool.Close()
		if cfg.RunMigrations {
			migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
			if err := store.ApplyMigrations(migrateCtx, dbpool); err != nil {
				cancelMigrate()
				log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
			}
			cancelMigrate()
		}
		postgres := store.NewPostgresRepository(dbpool)
		repository, finder = postgres, postgres
	}

	// Initialize the RabbitMQ producer to publish receipts and notifications.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events will be dropped\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	dispatcher := app.NewEventDispatcher(publisher, cfg.EventExchange, 0)
	dispatcher.Start()

	// The gateway and limiter stay nil interfaces when unconfigured.
	var gateway app.PaymentVerifier
	if strings.TrimSpace(cfg.GatewayAPIBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"payment gateway not configured; externally funded holds cannot be released\" env=GATEWAY_API_BASE_URL")
	} else {
		gateway = gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)
	}

	var limiter app.RateLimiter
	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.ReleaseRateLimitPerMinute, time.Minute)
	}

	escrowService := app.NewService(repository, gateway, dispatcher, limiter, app.Options{
		ConflictRetryMaxAttempts: cfg.ConflictRetryMaxAttempts,
		DepositIdempotencyTTL:    time.Duration(cfg.DepositIdempotencyTTLMin) * time.Minute,
	})

	// Maintenance completions trigger AUTO release attempts.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; maintenance events ignored\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			maintenanceConsumer := escrowService.MaintenanceCompletionConsumer()
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyMaintenanceDone:    maintenanceConsumer.HandleMessage,
				domain.RoutingKeyMaintenanceDoneAlt: maintenanceConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.MaintenanceEventExchange, cfg.MaintenanceEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"maintenance consumer start failed\" err=%v", err)
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(finder, escrowService, logger, cfg.AutoReleaseBatchSize)
	scheduler := app.NewScheduler(jobs, logger, cfg.AutoReleaseSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" schedule=%q err=%v", cfg.AutoReleaseSchedule, err)
	}

	handlers := api.NewEscrowHandlers(escrowService)
	router := api.EscrowRoutes(handlers, api.RouterConfig{
		JWKSURL:        cfg.JWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
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
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"auto-release job still running at shutdown\"")
	}
	if err := dispatcher.Close(ctx); err != nil {
		log.Printf("level=warn component=event_dispatcher msg=\"pending events dropped at shutdown\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectPostgres(cfg config.Config) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return dbpool
}

// connectRedis returns nil when rate limiting is unavailable; requests are then allowed.
func connectRedis(cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; release rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; release rate limiting disabled\" err=%v", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; release rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
