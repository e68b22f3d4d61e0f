package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sendIn       *sqs.SendMessageInput
	receiveOut   *sqs.ReceiveMessageOutput
	deleted      []string
	visibilityIn *sqs.ChangeMessageVisibilityInput
	attrs        map[string]string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sendIn = in
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveOut == nil {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return f.receiveOut, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibilityIn = in
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.attrs}, nil
}

func newQueue(f *fakeSQS) *Queue {
	return &Queue{
		Client:      f,
		URL:         "https://sqs.test/q.fifo",
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestEnqueueDedupesByAudioID(t *testing.T) {
	f := &fakeSQS{}
	job := Job{AudioID: "a1", UserID: "u1", S3Key: "audio/u1/a1/v.mp3", Filename: "v.mp3"}
	require.NoError(t, newQueue(f).Enqueue(context.Background(), job))

	assert.Equal(t, "a1", aws.ToString(f.sendIn.MessageDeduplicationId))
	assert.Equal(t, "a1", aws.ToString(f.sendIn.MessageGroupId))
	assert.Contains(t, aws.ToString(f.sendIn.MessageBody), `"audio_id":"a1"`)
}

func TestReceiveParsesAttempt(t *testing.T) {
	f := &fakeSQS{
		receiveOut: &sqs.ReceiveMessageOutput{
			Messages: []types.Message{{
				Body:          aws.String(`{"audio_id":"a1","user_id":"u1","s3_key":"k","filename":"f.mp3"}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes:    map[string]string{"ApproximateReceiveCount": "2"},
			}},
		},
	}
	msgs, err := newQueue(f).Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a1", msgs[0].AudioID)
	assert.Equal(t, 2, msgs[0].Attempt)
}

func TestReceiveDropsUndecodable(t *testing.T) {
	f := &fakeSQS{
		receiveOut: &sqs.ReceiveMessageOutput{
			Messages: []types.Message{{
				Body:          aws.String("not json"),
				ReceiptHandle: aws.String("rh-bad"),
			}},
		},
	}
	q := newQueue(f)
	msgs, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"rh-bad"}, f.deleted)

	stats := Stats{Failed: 1}
	f.attrs = map[string]string{}
	got, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.Failed, got.Failed)
}

func TestFinishDeletes(t *testing.T) {
	f := &fakeSQS{}
	require.NoError(t, newQueue(f).Finish(context.Background(), Message{receipt: "rh-1"}))
	assert.Equal(t, []string{"rh-1"}, f.deleted)
}

func TestRetryExponentialBackoff(t *testing.T) {
	f := &fakeSQS{}
	q := newQueue(f)

	require.NoError(t, q.Retry(context.Background(), Message{Attempt: 1, receipt: "rh"}))
	assert.Equal(t, int32(5), f.visibilityIn.VisibilityTimeout)

	require.NoError(t, q.Retry(context.Background(), Message{Attempt: 3, receipt: "rh"}))
	assert.Equal(t, int32(20), f.visibilityIn.VisibilityTimeout)
}

func TestBackoffCapped(t *testing.T) {
	q := newQueue(&fakeSQS{})
	assert.Equal(t, maxBackoff, q.Backoff(30))
	assert.Equal(t, 5*time.Second, q.Backoff(0))
}

func TestExhausted(t *testing.T) {
	q := newQueue(&fakeSQS{})
	assert.False(t, q.Exhausted(Message{Attempt: 2}))
	assert.True(t, q.Exhausted(Message{Attempt: 3}))
	assert.True(t, q.Exhausted(Message{Attempt: 4}))
}

func TestStatsMergesCounters(t *testing.T) {
	f := &fakeSQS{attrs: map[string]string{
		"ApproximateNumberOfMessages":           "4",
		"ApproximateNumberOfMessagesNotVisible": "2",
		"ApproximateNumberOfMessagesDelayed":    "1",
	}}
	q := newQueue(f)
	q.MarkCompleted()
	q.MarkCompleted()
	q.MarkFailed()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 4, Active: 2, Delayed: 1, Completed: 2, Failed: 1}, stats)
}
