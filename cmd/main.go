/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Schedules the stale-payment reconciliation sweep.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/govpay: Client for the GOV.UK Pay card payments API.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/courtpay/ledger-service/internal/api"
	"github.com/courtpay/ledger-service/internal/app"
	"github.com/courtpay/ledger-service/internal/config"
	"github.com/courtpay/ledger-service/internal/store"
	"github.com/courtpay/ledger-service/pkg/govpay"
	rmrabbit "github.com/courtpay/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
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
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish ledger events. A broker
	// outage degrades event delivery but never blocks payment writes.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the GOV.UK Pay API. Missing gateway config
	// disables card reconciliation but does not prevent boot.
	var gatewayClient *govpay.Client
	if strings.TrimSpace(cfg.GovPayBaseURL) == "" || strings.TrimSpace(cfg.GovPayAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"govpay client not configured; card reconciliation disabled\" base_url_set=%t api_key_set=%t",
			strings.TrimSpace(cfg.GovPayBaseURL) != "",
			strings.TrimSpace(cfg.GovPayAPIKey) != "",
		)
	} else {
		gatewayClient = govpay.NewClient(cfg.GovPayBaseURL, cfg.GovPayAPIKey)
	}

	var redisClient *redis.Client
	if cfg.CallbackRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; callback rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; callback rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; callback rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(
		repository,
		gatewayClient,
		producer,
		cfg.PaymentEventsExchange,
		cfg.DuplicateWindow(),
		cfg.RefundLagDays(),
	)

	var rateLimiter *app.RedisCallbackRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisCallbackRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	ledgerHandlers := api.NewLedgerHandlers(ledgerService, rateLimiter, cfg.CallbackRateLimitPerMinute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.LedgerRoutes(ledgerHandlers, cfg.IdamJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the provider event consumer: bind the gateway and middle-office
	// routing keys and ensure graceful shutdown.
	providerConsumer := app.NewProviderEventConsumer(ledgerService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	providerBindings := map[string]func([]byte) bool{
		"govpay.status.updated":       providerConsumer.HandleMessage,
		"middleoffice.status.updated": providerConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.ProviderEventsExchange, cfg.ProviderEventQueue, providerBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"provider consumer start failed\" err=%v", err)
	}

	// Schedule the stale card-payment reconciliation sweep.
	scheduler := cron.New()
	if gatewayClient != nil {
		sweeper := app.NewStalePaymentSweeper(ledgerService, cfg.StaleSweepMinAge())
		if _, err := scheduler.AddFunc(cfg.StaleSweepSchedule, sweeper.Run); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"sweep schedule invalid\" schedule=%q err=%v", cfg.StaleSweepSchedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Printf("level=info component=bootstrap msg=\"stale payment sweep scheduled\" schedule=%q", cfg.StaleSweepSchedule)
	}

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
