package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"medbook/config"
	_ "medbook/docs"
	"medbook/internal/events"
	"medbook/internal/gateway"
	"medbook/internal/metrics"
	"medbook/internal/repository"
	"medbook/internal/service"
	"medbook/internal/storage"
	"medbook/internal/transport/rest"
	"medbook/internal/transport/websocket"
	"medbook/pkg/auth"
	"medbook/pkg/database"
	"medbook/pkg/logger"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title MedBook API
// @version 1.0
// @description Clinic booking: slot calendar, appointment lifecycle, payments and consultation access.

// @contact.name API Support
// @contact.email support@medbook.test

// @BasePath /api/v1

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.NewLogger(cfg.Environment, cfg.LogLevel, cfg.Name)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	logger.Info("running database migrations")
	if err := database.RunMigrations(ctx, db, "./migrations", logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	repos := repository.NewRepositories(db, cfg.Booking.DoctorTTL)

	gateways := gateway.NewRegistry(
		gateway.NewStripeCheckout(cfg.Stripe.SecretKey, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL, cfg.Payment.Currency, logger).
			WithBaseURL(cfg.Stripe.BaseURL),
		gateway.NewMpesaSTK(gateway.MpesaConfig{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			ShortCode:      cfg.Mpesa.ShortCode,
			PassKey:        cfg.Mpesa.PassKey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
			RequestsPerSec: cfg.Mpesa.RequestsPerSec,
			Location:       cfg.Booking.Location,
		}, logger),
	)

	bus, err := newEventBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var receipts storage.ReceiptStore
	if cfg.S3.Endpoint != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.S3, logger)
		if err != nil {
			return fmt.Errorf("init s3 receipts: %w", err)
		}
		receipts = s3
		logger.Info("settlement receipts archived to s3", zap.String("endpoint", cfg.S3.Endpoint), zap.String("bucket", cfg.S3.Bucket))
	} else {
		logger.Warn("S3 is not configured, settlement receipts will not be archived")
	}

	services, err := service.NewServices(service.Deps{
		Repos:    repos,
		Gateways: gateways,
		Events:   bus,
		Receipts: receipts,
		Metrics:  metrics.NewBookingMetrics(prometheus.DefaultRegisterer),
		Logger:   logger,
		Config:   cfg,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	resumed, err := services.Sweeper.Resume(ctx)
	if err != nil {
		logger.Error("failed to resume payment reconciliation", zap.Error(err))
	} else if resumed > 0 {
		logger.Info("resumed payment reconciliation", zap.Int("attempts", resumed))
	}

	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go services.Sweeper.Run(workers)

	tokens := auth.NewTokenParser(cfg.JWT.SigningKey)
	hub := websocket.NewSignalingHub(services, tokens, bus, cfg.Consultation, logger)
	go hub.Run(workers)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := rest.NewHandler(services, tokens, logger, cfg, hub.HandleWebSocket)
	handler.InitRoutes(router)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})

	srv := &http.Server{
		Addr:           ":" + cfg.HTTP.Port,
		Handler:        router,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderMB << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("server started", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := services.Reconciler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("reconciliation loops did not stop in time", zap.Error(err))
	}
	stopWorkers()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newEventBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Bus, error) {
	switch cfg.Payment.EventBus {
	case "redis":
		bus, err := events.NewRedisBus(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return bus, nil
	case "rabbitmq":
		bus, err := events.NewRabbitBus(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		return bus, nil
	default:
		return events.NewMemoryBus(logger), nil
	}
}
