package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/api/handlers/composite"
	"github.com/aliskhannn/delivery-frames/internal/api/handlers/delivery"
	"github.com/aliskhannn/delivery-frames/internal/api/router"
	"github.com/aliskhannn/delivery-frames/internal/api/server"
	"github.com/aliskhannn/delivery-frames/internal/assets"
	"github.com/aliskhannn/delivery-frames/internal/batch"
	"github.com/aliskhannn/delivery-frames/internal/compositor"
	"github.com/aliskhannn/delivery-frames/internal/config"
	"github.com/aliskhannn/delivery-frames/internal/connectivity"
	"github.com/aliskhannn/delivery-frames/internal/fallback"
	"github.com/aliskhannn/delivery-frames/internal/infra/kafka/consumer"
	"github.com/aliskhannn/delivery-frames/internal/infra/kafka/producer"
	deliverymsg "github.com/aliskhannn/delivery-frames/internal/kafka/handlers/delivery"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
	deliveryrepo "github.com/aliskhannn/delivery-frames/internal/repository/delivery"
	framerepo "github.com/aliskhannn/delivery-frames/internal/repository/frame"
	deliverysvc "github.com/aliskhannn/delivery-frames/internal/service/delivery"
	"github.com/aliskhannn/delivery-frames/internal/storage/file"
	"github.com/aliskhannn/delivery-frames/internal/uploadqueue"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize object storage (MinIO).
	storage, err := file.NewStorage(
		ctx,
		cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey,
		cfg.Storage.BucketName, cfg.Storage.UseSSL, cfg.Storage.PublicURL,
	)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Connectivity monitor fed by a storage probe, and the upload queue it gates.
	monitor := connectivity.NewMonitor(true)
	uploads := uploadqueue.New(storage, monitor, uploadqueue.Options{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
	})

	// Compositing: asset loader, local canvas settings and the remote fallback.
	loader := assets.NewLoader(storage, cfg.Compositor.AssetTimeout, cfg.Compositor.AssetMaxPixels)
	canvas := compositor.Options{
		Width:      cfg.Compositor.Width,
		Height:     cfg.Compositor.Height,
		Background: cfg.Compositor.Background,
		MaxScale:   cfg.Compositor.MaxScale,
	}
	export := batch.Options{
		Multiplier: cfg.Compositor.Multiplier,
		Format:     cfg.Compositor.OutputFormat,
		Quality:    cfg.Compositor.Quality,
	}
	defaultTransform := model.Transform{
		Scale:   cfg.Compositor.Scale,
		OffsetX: cfg.Compositor.OffsetX,
		OffsetY: cfg.Compositor.OffsetY,
	}

	renderer := fallback.NewRenderer(loader, fallback.RenderOptions{
		Canvas:     canvas,
		Multiplier: export.Multiplier,
		Format:     export.Format,
		Quality:    export.Quality,
	})

	// Repositories, producer and the delivery service.
	frames := framerepo.NewRepository(db)
	deliveries := deliveryrepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)

	deps := deliverysvc.Deps{
		Normalizer: normalizer.New(normalizer.Constraints{
			MaxBytes:  cfg.Normalizer.MaxBytes,
			MaxPixels: cfg.Normalizer.MaxPixels,
			MaxWidth:  cfg.Normalizer.MaxWidth,
			MaxHeight: cfg.Normalizer.MaxHeight,
			Quality:   cfg.Normalizer.Quality,
			Format:    cfg.Normalizer.Format,
		}),
		Storage:    storage,
		Producer:   p,
		Frames:     frames,
		Deliveries: deliveries,
		Uploads:    uploads,
		Assets:     loader,
		Remote:     fallback.NewRemote(cfg.Fallback.URL, cfg.Fallback.Timeout, renderer),
	}

	service := deliverysvc.NewService(deps, deliverysvc.Options{
		Canvas:       canvas,
		Export:       export,
		ShareMessage: cfg.Delivery.ShareMessage,
		SessionTTL:   cfg.Delivery.SessionTTL,
	})

	// Kafka consumer for delivery requests.
	c := consumer.New(&cfg.Kafka, strategy, deliverymsg.NewRequestedHandler(service))

	// Start background loops.
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		connectivity.Watch(ctx, monitor, storage, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := uploads.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Logger.Error().Err(err).Msg("upload queue stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		service.RunSweeper(ctx, cfg.Delivery.SweepInterval)
	}()

	// Start HTTP server in a separate goroutine.
	r := router.Setup(
		delivery.NewHandler(service, frames, uploads, monitor, defaultTransform),
		composite.NewHandler(renderer),
		cfg.Server.AllowedOrigins...,
	)
	s := server.New(cfg.Server, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("delivery-frames started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Wait for the background loops to stop.
	wg.Wait()

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave DB")
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
