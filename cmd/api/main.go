package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prooflink/internal/awsutil"
	"prooflink/internal/config"
	"prooflink/internal/httpserver"
	"prooflink/internal/logging"
	"prooflink/internal/observability"
	sqsqueue "prooflink/internal/queue/sqs"
	"prooflink/internal/service"
	"prooflink/internal/storage"
	"prooflink/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	var blobs storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		s3Client, err := awsutil.NewS3Client(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("api s3 client init failed", "err", err)
			os.Exit(1)
		}
		blobs = &storage.S3{Client: s3Client, Bucket: cfg.S3Bucket}
	default:
		local, err := storage.NewLocal(cfg.UploadDir)
		if err != nil {
			slog.Error("api upload dir init failed", "err", err)
			os.Exit(1)
		}
		blobs = local
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	uploads := &service.UploadService{
		Store:    st,
		Blobs:    blobs,
		Queue:    producer,
		MaxBytes: cfg.MaxUploadBytes,
	}
	tokens := &service.TokenService{Store: st}

	s := httpserver.New()

	public := s.Mux.NewRoute().Subrouter()
	public.Use(httpserver.RateLimit(cfg.PublicRPS, cfg.PublicBurst))
	publicAPI := &httpserver.PublicAPI{Uploads: uploads, Blobs: blobs, MaxBytes: cfg.MaxUploadBytes}
	publicAPI.Register(public)

	admin := s.Mux.NewRoute().Subrouter()
	admin.Use(httpserver.AdminAuth(cfg.AdminBearerToken))
	adminAPI := &httpserver.AdminAPI{Store: st, Tokens: tokens, Queue: producer}
	adminAPI.Register(admin)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
