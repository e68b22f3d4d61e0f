// Package queue is the durable dispatch queue between upload admission and
// the worker pool, backed by SQS. Delivery is at-least-once; consumers must
// tolerate redelivery. A FIFO queue with the audio id as deduplication key
// guarantees at most one live item per record.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the subset of the SQS client the queue uses. Tests substitute a
// fake.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Job is the unit of work mirroring one audio record.
type Job struct {
	AudioID  string `json:"audio_id"`
	UserID   string `json:"user_id"`
	S3Key    string `json:"s3_key"`
	Filename string `json:"filename"`
}

// Message is a received Job plus its delivery bookkeeping.
type Message struct {
	Job
	Attempt int // 1-based delivery count
	receipt string
}

// Stats aggregates queue observability counters. Waiting, active, and
// delayed come from the broker; completed and failed are process-local.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

const (
	waitTimeSeconds = 20
	maxBackoff      = 15 * time.Minute
)

// Queue wraps the SQS client with retry policy configuration.
type Queue struct {
	Client      API
	URL         string
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

// Enqueue admits a job keyed by its audio id. Duplicate enqueues of the
// same record within the deduplication window collapse into one item.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.URL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(job.AudioID),
		MessageDeduplicationId: aws.String(job.AudioID),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.AudioID, err)
	}
	return nil
}

// Receive long-polls for work. Messages with undecodable bodies are deleted
// and counted as failed rather than redelivered forever.
func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	out, err := q.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.URL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     waitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		var m Message
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &m.Job); err != nil {
			q.Logger.Error("dropping undecodable queue message", "error", err)
			m.receipt = aws.ToString(raw.ReceiptHandle)
			_ = q.Finish(ctx, m)
			q.MarkFailed()
			continue
		}
		m.receipt = aws.ToString(raw.ReceiptHandle)
		m.Attempt = 1
		if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				m.Attempt = n
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Finish removes a consumed message from the queue.
func (q *Queue) Finish(ctx context.Context, m Message) error {
	_, err := q.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.URL),
		ReceiptHandle: aws.String(m.receipt),
	})
	if err != nil {
		return fmt.Errorf("finish %s: %w", m.AudioID, err)
	}
	return nil
}

// Retry schedules redelivery with exponential backoff based on the delivery
// attempt: base delay doubled per prior attempt, capped.
func (q *Queue) Retry(ctx context.Context, m Message) error {
	delay := q.Backoff(m.Attempt)
	_, err := q.Client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.URL),
		ReceiptHandle:     aws.String(m.receipt),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", m.AudioID, err)
	}
	return nil
}

// Backoff computes the redelivery delay for a given 1-based attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// Exhausted reports whether a delivery has used up the bounded attempts.
func (q *Queue) Exhausted(m Message) bool {
	return m.Attempt >= q.MaxAttempts
}

// MarkCompleted and MarkFailed feed the process-local outcome counters.
func (q *Queue) MarkCompleted() { q.completed.Add(1) }
func (q *Queue) MarkFailed()    { q.failed.Add(1) }

// Stats reads broker-side depth attributes and merges the local outcome
// counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	out, err := q.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.URL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	attr := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		return n
	}
	return Stats{
		Waiting:   attr(types.QueueAttributeNameApproximateNumberOfMessages),
		Active:    attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}, nil
}
