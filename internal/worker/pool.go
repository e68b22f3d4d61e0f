// Package worker consumes the dispatch queue and drives records through the
// transcription request.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kylejryan/audio-transcription-portal/internal/metrics"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
	"github.com/kylejryan/audio-transcription-portal/internal/queue"
	"github.com/kylejryan/audio-transcription-portal/internal/transcriptor"
)

// Records is the slice of the record store the workers need.
type Records interface {
	GetByID(ctx context.Context, audioID string) (models.AudioRecord, error)
	MarkProcessing(ctx context.Context, userID, audioID string) error
	Fail(ctx context.Context, userID, audioID, msg string) error
}

// Source is the dispatch queue as seen by the workers.
type Source interface {
	Receive(ctx context.Context) ([]queue.Message, error)
	Finish(ctx context.Context, m queue.Message) error
	Retry(ctx context.Context, m queue.Message) error
	Exhausted(m queue.Message) bool
	Stats(ctx context.Context) (queue.Stats, error)
	MarkCompleted()
	MarkFailed()
}

// Requester submits work to the external transcription service.
type Requester interface {
	Request(ctx context.Context, req transcriptor.Request) error
}

const (
	receiveErrorPause = time.Second
	statsPollInterval = 30 * time.Second
)

// Pool runs a fixed number of concurrent workers over the dispatch queue.
// Redelivery after a crash is handled by the queue's at-least-once
// guarantee together with the idempotent PENDING to PROCESSING transition.
type Pool struct {
	Queue       Source
	Records     Records
	Requester   Requester
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	n := p.Concurrency
	if n < 1 {
		n = 1
	}
	p.Logger.Info("worker pool started", "concurrency", n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pollStats(ctx)
	}()
	wg.Wait()
	p.Logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := p.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Logger.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorPause):
			}
			continue
		}
		for _, m := range msgs {
			p.process(ctx, m)
		}
	}
}

// process handles one delivery end to end.
func (p *Pool) process(ctx context.Context, m queue.Message) {
	log := p.Logger.With("audio_id", m.AudioID, "user_id", m.UserID, "attempt", m.Attempt)

	rec, err := p.Records.GetByID(ctx, m.AudioID)
	if errors.Is(err, models.ErrNotFound) {
		// Record deleted after enqueue: the queue item is a tombstone.
		log.Info("dropping job for deleted record")
		p.finish(ctx, m, log)
		return
	}
	if err != nil {
		log.Error("record lookup failed", "error", err)
		p.retry(ctx, m, log)
		return
	}
	if rec.Status.Terminal() {
		log.Info("dropping redelivered job for terminal record", "status", rec.Status)
		p.finish(ctx, m, log)
		return
	}

	if err := p.Records.MarkProcessing(ctx, m.UserID, m.AudioID); err != nil {
		if errors.Is(err, models.ErrTerminal) {
			p.finish(ctx, m, log)
			return
		}
		log.Error("mark processing failed", "error", err)
		p.retry(ctx, m, log)
		return
	}

	p.Metrics.DispatchRequests.Inc()
	err = p.Requester.Request(ctx, transcriptor.Request{
		AudioID:  m.AudioID,
		UserID:   m.UserID,
		FileKey:  m.S3Key,
		FileURL:  rec.ViewURL,
		Filename: m.Filename,
	})
	if err == nil {
		// Accepted: the terminal transition arrives later via callback.
		p.Metrics.DispatchAccepted.Inc()
		p.Queue.MarkCompleted()
		p.finish(ctx, m, log)
		log.Info("transcription request accepted")
		return
	}

	if !p.Queue.Exhausted(m) {
		log.Warn("transcription request rejected, will retry", "error", err)
		p.Metrics.DispatchRetries.Inc()
		p.retry(ctx, m, log)
		return
	}

	log.Error("transcription request rejected, attempts exhausted", "error", err)
	p.Metrics.DispatchExhausted.Inc()
	p.Queue.MarkFailed()
	if ferr := p.Records.Fail(ctx, m.UserID, m.AudioID, err.Error()); ferr != nil && !errors.Is(ferr, models.ErrTerminal) {
		log.Error("marking record failed errored", "error", ferr)
	}
	p.finish(ctx, m, log)
}

func (p *Pool) finish(ctx context.Context, m queue.Message, log *slog.Logger) {
	if err := p.Queue.Finish(ctx, m); err != nil {
		// Redelivery will be dropped by the terminal/tombstone checks.
		log.Warn("queue finish failed", "error", err)
	}
}

func (p *Pool) retry(ctx context.Context, m queue.Message, log *slog.Logger) {
	if err := p.Queue.Retry(ctx, m); err != nil {
		// Visibility timeout will redeliver regardless, just without backoff.
		log.Warn("queue retry failed", "error", err)
	}
}

// pollStats mirrors queue depths into the gauges.
func (p *Pool) pollStats(ctx context.Context) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.Queue.Stats(ctx)
			if err != nil {
				p.Logger.Warn("queue stats poll failed", "error", err)
				continue
			}
			p.Metrics.QueueWaiting.Set(float64(stats.Waiting))
			p.Metrics.QueueActive.Set(float64(stats.Active))
			p.Metrics.QueueDelayed.Set(float64(stats.Delayed))
		}
	}
}
