package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kylejryan/audio-transcription-portal/internal/api"
	"github.com/kylejryan/audio-transcription-portal/internal/authz"
	"github.com/kylejryan/audio-transcription-portal/internal/awsutil"
	"github.com/kylejryan/audio-transcription-portal/internal/config"
	"github.com/kylejryan/audio-transcription-portal/internal/ddb"
	"github.com/kylejryan/audio-transcription-portal/internal/metrics"
	"github.com/kylejryan/audio-transcription-portal/internal/queue"
	"github.com/kylejryan/audio-transcription-portal/internal/s3io"
	"github.com/kylejryan/audio-transcription-portal/internal/transcriptor"
	"github.com/kylejryan/audio-transcription-portal/internal/worker"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsConf, err := awsutil.Load(ctx, cfg.Region, cfg.AWSEndpoint)
	if err != nil {
		logger.Error("aws config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.AWSEndpoint != "" {
		logger.Info("using custom aws endpoint", "endpoint", cfg.AWSEndpoint)
	}

	repo := &ddb.Repo{
		DB:         dynamodb.NewFromConfig(awsConf),
		AudioTable: cfg.AudioTable,
		QuotaTable: cfg.QuotaTable,
	}
	blobs := &s3io.Store{
		Client: s3.NewFromConfig(awsConf, func(o *s3.Options) { o.UsePathStyle = cfg.AWSEndpoint != "" }),
		Bucket: cfg.Bucket,
		Region: cfg.Region,
	}
	q := &queue.Queue{
		Client:      sqs.NewFromConfig(awsConf),
		URL:         cfg.QueueURL,
		MaxAttempts: cfg.QueueRetryAttempts,
		BaseDelay:   cfg.QueueRetryDelay,
		Logger:      logger,
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	verifier := authz.NewClient(cfg.AuthVerifyURL, cfg.AuthVerifyTimeout)
	requester := transcriptor.New(cfg.TranscriptorURL, cfg.CallbackURL(), cfg.CallbackSecret, cfg.RequesterTimeout)

	app := api.New(cfg, logger, repo, blobs, q, verifier, m)

	pool := &worker.Pool{
		Queue:       q,
		Records:     repo,
		Requester:   requester,
		Concurrency: cfg.QueueConcurrency,
		Logger:      logger,
		Metrics:     m,
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr, "workers", cfg.QueueConcurrency)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not drain before deadline")
	}
	logger.Info("server stopped")
}
