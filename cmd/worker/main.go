package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/primestore/internal/messaging"
	"github.com/joao-fontenele/primestore/internal/notify"
	"github.com/joao-fontenele/primestore/internal/orders"
	"github.com/joao-fontenele/primestore/internal/payments"
	"github.com/joao-fontenele/primestore/internal/telemetry"
	"github.com/joao-fontenele/primestore/internal/worker"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "payment-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
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

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("payment-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9091"
	}
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		if err := http.ListenAndServe(":"+metricsPort, metricsMux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	checkoutMetrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		logger.Error("failed to create checkout metrics", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewClient(os.Getenv("EMAIL_SERVICE_URL"), logger)
	orderRepo := orders.NewOrderRepository(db)
	attemptRepo := payments.NewAttemptRepository(db)

	reconciler := payments.NewReconciler(gateway, attemptRepo, orderRepo, notifier, checkoutMetrics, logger)
	if interval := os.Getenv("RECONCILE_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			logger.Error("invalid RECONCILE_POLL_INTERVAL", "error", err)
			os.Exit(1)
		}
		reconciler.PollInterval = d
	}
	if polls := os.Getenv("RECONCILE_MAX_POLLS"); polls != "" {
		n, err := strconv.Atoi(polls)
		if err != nil {
			logger.Error("invalid RECONCILE_MAX_POLLS", "error", err)
			os.Exit(1)
		}
		reconciler.MaxPolls = n
	}

	handler := worker.NewReconcileHandler(reconciler, 16, logger)

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, "payment.initiated", "payment-worker", logger,
		messaging.WithSkipOnError())
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting payment worker", "brokers", brokers)

	err = consumer.Consume(ctx, handler.Handle)
	handler.Wait()

	if err != nil {
		if ctx.Err() == context.Canceled {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
