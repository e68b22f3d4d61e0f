package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kylejryan/audio-transcription-portal/internal/authz"
	"github.com/kylejryan/audio-transcription-portal/internal/config"
	"github.com/kylejryan/audio-transcription-portal/internal/ddb"
	"github.com/kylejryan/audio-transcription-portal/internal/metrics"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
	"github.com/kylejryan/audio-transcription-portal/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
)

const testSecret = "cb-secret-cb-secret-cb-secret-32"

// fakeStore is an in-memory Store mirroring the repository's transition
// semantics, including the terminal-state guard and atomic quota admission.
type fakeStore struct {
	mu    sync.Mutex
	recs  map[string]models.AudioRecord
	quota map[string]int

	reserveErr error
	completes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs:  map[string]models.AudioRecord{},
		quota: map[string]int{},
	}
}

func (f *fakeStore) CheckAndReserve(_ context.Context, rec models.AudioRecord, day string, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return f.reserveErr
	}
	k := rec.UserID + "|" + day
	if f.quota[k] >= max {
		return models.ErrQuotaExceeded
	}
	f.quota[k]++
	f.recs[rec.AudioID] = rec
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, audioID string) (models.AudioRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[audioID]
	if !ok {
		return models.AudioRecord{}, models.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string, status models.AudioStatus, _ int32) ([]models.AudioRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AudioRecord
	for _, rec := range f.recs {
		if rec.UserID == userID && (status == "" || rec.Status == status) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAll(_ context.Context, status models.AudioStatus, userID string, _ int32) ([]models.AudioRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AudioRecord
	for _, rec := range f.recs {
		if (status == "" || rec.Status == status) && (userID == "" || rec.UserID == userID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, userID, audioID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[audioID]
	if !ok || rec.UserID != userID {
		return models.ErrNotFound
	}
	delete(f.recs, audioID)
	return nil
}

func (f *fakeStore) Complete(_ context.Context, userID, audioID, text, transcriptKey, transcriptURL string, duration float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[audioID]
	if !ok || rec.UserID != userID {
		return models.ErrNotFound
	}
	if rec.Status.Terminal() {
		return models.ErrTerminal
	}
	f.completes++
	rec.Status = models.StatusDone
	rec.TranscriptionText = text
	rec.TranscriptKey = transcriptKey
	rec.TranscriptURL = transcriptURL
	rec.DurationSeconds = duration
	rec.ProcessingFinished = ddb.NowISO()
	f.recs[audioID] = rec
	return nil
}

func (f *fakeStore) Fail(_ context.Context, userID, audioID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[audioID]
	if !ok || rec.UserID != userID {
		return models.ErrNotFound
	}
	if rec.Status.Terminal() {
		return models.ErrTerminal
	}
	rec.Status = models.StatusError
	rec.ErrorMessage = msg
	rec.ProcessingFinished = ddb.NowISO()
	f.recs[audioID] = rec
	return nil
}

func (f *fakeStore) StatusCounts(_ context.Context, userID string) (models.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts models.StatusCounts
	for _, rec := range f.recs {
		if userID != "" && rec.UserID != userID {
			continue
		}
		counts.Total++
		switch rec.Status {
		case models.StatusPending:
			counts.Pending++
		case models.StatusProcessing:
			counts.Processing++
		case models.StatusDone:
			counts.Done++
		case models.StatusError:
			counts.Error++
		}
	}
	return counts, nil
}

func (f *fakeStore) record(audioID string) models.AudioRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[audioID]
}

func (f *fakeStore) quotaCount(userID, day string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quota[userID+"|"+day]
}

type fakeBlobs struct {
	mu          sync.Mutex
	objects     map[string][]byte
	deleted     []string
	putErr      error
	transcripts int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string][]byte{}} }

func (f *fakeBlobs) Put(_ context.Context, key, _ string, body io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	b, _ := io.ReadAll(body)
	f.objects[key] = b
	return "https://bucket.s3.test/" + key, nil
}

func (f *fakeBlobs) PutTranscript(ctx context.Context, userID, audioID, text string) (string, string, error) {
	f.mu.Lock()
	f.transcripts++
	f.mu.Unlock()
	key := fmt.Sprintf("transcripts/%s/%s.txt", userID, audioID)
	url, err := f.Put(ctx, key, "text/plain; charset=utf-8", strings.NewReader(text))
	return key, url, err
}

func (f *fakeBlobs) Fetch(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return b, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	jobs       []queue.Job
	enqueueErr error
	stats      queue.Stats
	statsErr   error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeDispatcher) Stats(context.Context) (queue.Stats, error) {
	return f.stats, f.statsErr
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(context.Context, string) (models.Identity, error) {
	return models.Identity{}, authz.ErrUnauthorized
}

type testApp struct {
	app   *App
	store *fakeStore
	blobs *fakeBlobs
	queue *fakeDispatcher
	srv   *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := config.Env{
		CallbackSecret:    testSecret,
		DevBypassAuth:     true,
		MaxDailyUploads:   5,
		MaxFileSizeBytes:  50 * 1024 * 1024,
		AllowedAudioTypes: []string{"audio/mpeg", "audio/wav", "audio/mp4"},
	}
	store := newFakeStore()
	blobs := newFakeBlobs()
	q := &fakeDispatcher{stats: queue.Stats{Waiting: 1}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := New(cfg, logger, store, blobs, q, rejectAllVerifier{}, metrics.New(prometheus.NewRegistry()))

	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)
	return &testApp{app: app, store: store, blobs: blobs, queue: q, srv: srv}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func (ta *testApp) seed(rec models.AudioRecord) {
	ta.store.mu.Lock()
	defer ta.store.mu.Unlock()
	ta.store.recs[rec.AudioID] = rec
}
