package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/joao-fontenele/primestore/internal/audit"
	"github.com/joao-fontenele/primestore/internal/inventory"
	"github.com/joao-fontenele/primestore/internal/messaging"
	"github.com/joao-fontenele/primestore/internal/notify"
	"github.com/joao-fontenele/primestore/internal/orders"
	"github.com/joao-fontenele/primestore/internal/payments"
	"github.com/joao-fontenele/primestore/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "storefront-api", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("storefront-api", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	checkoutMetrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		logger.Error("failed to create checkout metrics", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL, "storefront")
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var orderEvents orders.EventPublisher
	var paymentEvents payments.EventPublisher
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		orderProducer := messaging.NewProducer(brokers, "order.created")
		defer func() { _ = orderProducer.Close() }()
		orderEvents = orderProducer
		paymentProducer := messaging.NewProducer(brokers, "payment.initiated")
		defer func() { _ = paymentProducer.Close() }()
		paymentEvents = paymentProducer
	}

	var statusCache *payments.StatusCache
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		statusCache = payments.NewStatusCache(rdb)
	}

	notifier := notify.NewClient(os.Getenv("EMAIL_SERVICE_URL"), logger)
	auditor := audit.NewLogger(db, logger)

	gateway := payments.NewGateway(payments.GatewayConfig{
		PublicKey:    os.Getenv("INTASEND_PUBLIC_KEY"),
		SecretKey:    os.Getenv("INTASEND_SECRET_KEY"),
		PushURL:      os.Getenv("INTASEND_PUSH_URL"),
		StatusURL:    os.Getenv("INTASEND_STATUS_URL"),
		BusinessName: os.Getenv("BUSINESS_NAME"),
		Currency:     "KES",
		TestMode:     os.Getenv("INTASEND_TEST_MODE") == "true",
	}, &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	orderRepo := orders.NewOrderRepository(db)
	attemptRepo := payments.NewAttemptRepository(db)
	productRepo := inventory.NewProductRepository(db)

	reconciler := payments.NewReconciler(gateway, attemptRepo, orderRepo, notifier, checkoutMetrics, logger)

	orderHandler := orders.NewHandler(orderRepo, orderEvents, notifier, auditor, reconciler, checkoutMetrics, logger)
	paymentHandler := payments.NewHandler(gateway, attemptRepo, orderRepo, statusCache, paymentEvents, notifier, checkoutMetrics, logger)
	stockHandler := inventory.NewHandler(productRepo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(orderHandler.HandleCreate))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/mine", telemetry.WithHTTPRoute(orderHandler.HandleMine))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("PUT /orders/{id}/pay", telemetry.WithHTTPRoute(orderHandler.HandlePay))
	mux.HandleFunc("PUT /orders/{id}/deliver", telemetry.WithHTTPRoute(orderHandler.HandleDeliver))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(orderHandler.HandleCancel))

	mux.HandleFunc("POST /payments/mobile-push", telemetry.WithHTTPRoute(paymentHandler.HandlePush))
	mux.HandleFunc("GET /payments/mobile-status/{invoiceId}", telemetry.WithHTTPRoute(paymentHandler.HandleStatus))
	mux.HandleFunc("POST /payments/webhook", telemetry.WithHTTPRoute(paymentHandler.HandleWebhook))
	mux.HandleFunc("POST /payments/checkout-config", telemetry.WithHTTPRoute(paymentHandler.HandleCheckoutConfig))

	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(stockHandler.HandleListStock))
	mux.HandleFunc("GET /stock/{productId}", telemetry.WithHTTPRoute(stockHandler.HandleGetStock))

	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "storefront-api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting storefront api", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
