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
	"prooflink/internal/store/pg"
	"prooflink/internal/sweeper"
)

func main() {
	cfg := config.LoadSweeper()
	logging.Init("sweeper", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("sweeper db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("sweeper sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	sw := &sweeper.Sweeper{
		Store:        pg.New(db),
		Queue:        &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL},
		Interval:     time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		MinAge:       time.Duration(cfg.SweepMinAgeSeconds) * time.Second,
		BatchSize:    cfg.SweepBatchSize,
		StalledGrace: time.Duration(cfg.SweepStalledGraceSeconds) * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}

	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sweeper health server failed", "err", err)
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("sweeper running", "interval_s", cfg.SweepIntervalSeconds)
		runErrCh <- sw.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("sweeper shutdown", "signal", sig.String())
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("sweeper run failed", "err", err)
			os.Exit(1)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
