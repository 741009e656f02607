package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/physiobook/physiobook/libs/config"
	"github.com/physiobook/physiobook/libs/db"
	"github.com/physiobook/physiobook/libs/httpx"
	"github.com/physiobook/physiobook/libs/kafkax"
	otelx "github.com/physiobook/physiobook/libs/otel"
	"github.com/physiobook/physiobook/libs/runtime"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/directory"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/handlers"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/lifecycle"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	store := storage.NewStore(pool)
	scheduleRepo := storage.NewScheduleRepository(pool)
	bookingRepo := storage.NewBookingRepository(pool)
	directoryRepo := directory.NewRepository(pool)

	// Remote directory lookups only exist in protogen builds; nil means
	// the local registry is authoritative.
	directoryProvider, err := directory.NewProvider(config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory provider init failed; using local registry", "err", err)
		directoryProvider = nil
	}

	resolver := availability.NewResolver(scheduleRepo, config.Int("SLOT_LOOKAHEAD_DAYS", 90))
	engine := booking.NewEngine(store.ForBooking(), logger, booking.Config{
		DefaultDurationMinutes: config.Int("DEFAULT_BOOKING_MINUTES", 60),
		MaxDurationMinutes:     config.Int("MAX_BOOKING_MINUTES", 240),
		DefaultAmountCents:     int64(config.Int("DEFAULT_AMOUNT_CENTS", 8000)),
	})
	coordinator := lifecycle.NewCoordinator(store.ForLifecycle(), logger, lifecycle.Config{
		CancellationCutoff: time.Duration(config.Int("CANCELLATION_CUTOFF_HOURS", 24)) * time.Hour,
	})

	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	verifier := handlers.NewVerifier(jwtSecret,
		config.String("JWKS_URL", ""),
		time.Duration(config.Int("JWKS_CACHE_SECONDS", 300))*time.Second,
	)
	bookingHandler := handlers.NewBookingHandler(resolver, engine, coordinator, store, bookingRepo, directoryProvider, logger, verifier)
	scheduleHandler := handlers.NewScheduleHandler(scheduleRepo, logger, verifier)
	directoryHandler := handlers.NewDirectoryHandler(directoryRepo, logger, verifier)
	paymentHandler := handlers.NewPaymentHandler(store, coordinator, logger,
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		time.Duration(config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300))*time.Second,
	)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/public/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/public/book", bookingHandler.Book)
	mux.HandleFunc("/api/v1/bookings", bookingHandler.List)
	mux.HandleFunc("/api/v1/bookings/transition", bookingHandler.Transition)
	mux.HandleFunc("/api/v1/schedule/rules", scheduleHandler.Rules)
	mux.HandleFunc("/api/v1/schedule/rules/update", scheduleHandler.UpdateRule)
	mux.HandleFunc("/api/v1/schedule/overrides", scheduleHandler.Overrides)
	mux.HandleFunc("/api/v1/payments/webhooks/stripe", paymentHandler.StripeWebhook)
	mux.HandleFunc("/api/v1/directory/clinics", directoryHandler.Clinics)
	mux.HandleFunc("/api/v1/directory/practitioners", directoryHandler.Practitioners)
	mux.HandleFunc("/api/v1/directory/treatments", directoryHandler.Treatments)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:scheduling"))
		rateLimitMW = rl.Middleware(logger, config.String("RATE_LIMIT_FAIL_OPEN", "true") == "true")
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key")),
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		rateLimitMW,
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
