package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"prooflink/internal/awsutil"
	"prooflink/internal/config"
	"prooflink/internal/httpserver"
	"prooflink/internal/logging"
	"prooflink/internal/observability"
	"prooflink/internal/providers"
	sqsqueue "prooflink/internal/queue/sqs"
	"prooflink/internal/store/pg"
	workerproc "prooflink/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SQSQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	primary, err := providers.NewSender(cfg.PrimaryChannel, cfg)
	if err != nil {
		slog.Error("primary sender init failed", "err", err)
		os.Exit(1)
	}
	fallback, err := providers.NewSender(cfg.FallbackChannel, cfg)
	if err != nil {
		slog.Error("fallback sender init failed", "err", err)
		os.Exit(1)
	}
	if cfg.FallbackSMSDisabled {
		fallback = nil
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), cfg.ProviderBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.PrimaryChannel,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	templates := map[string]string{
		"primary_sender":     "[{brand}] Delivery for order {order} is complete. Photo: {url}",
		"primary_recipient":  "[{brand}] Your delivery ({context}) has arrived. Photo: {url}",
		"fallback_sender":    "[{brand}] Order {order} delivered. Photo: {url}",
		"fallback_recipient": "[{brand}] Your delivery has arrived. Photo: {url}",
	}

	dispatcher := &workerproc.Dispatcher{
		Store:         st,
		Primary:       primary,
		Fallback:      fallback,
		Templates:     templates,
		Limiter:       limiter,
		Breaker:       cb,
		SendTimeout:   time.Duration(cfg.SendTimeoutSeconds) * time.Second,
		MaxSendTries:  cfg.SendMaxTries,
		PublicBaseURL: cfg.PublicBaseURL,
		TemplateCode:  cfg.KakaoTemplateCode,
	}

	// health + metrics server
	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: healthMux,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.DispatchJob) (err error) {
			start := time.Now()
			slog.Info("dispatch start", "order_id", job.OrderID, "event_id", job.EventID, "resend", job.Resend)
			defer func() {
				status := "ok"
				if err != nil {
					status = "error"
				}
				slog.Info("dispatch finish",
					"order_id", job.OrderID,
					"status", status,
					"duration", time.Since(start),
				)
			}()
			return dispatcher.Dispatch(ctx, job)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
