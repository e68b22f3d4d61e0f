// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env holds the configuration values for the application.
type Env struct {
	Region      string
	AWSEndpoint string
	Bucket      string
	AudioTable  string
	QuotaTable  string
	QueueURL    string

	TranscriptorURL string
	AuthVerifyURL   string
	CallbackSecret  string
	PublicBaseURL   string

	Addr              string
	MaxDailyUploads   int
	MaxFileSizeBytes  int64
	AllowedAudioTypes []string

	QueueConcurrency   int
	QueueRetryAttempts int
	QueueRetryDelay    time.Duration

	RequesterTimeout  time.Duration
	AuthVerifyTimeout time.Duration

	DevBypassAuth bool
}

// CallbackPath is where the transcription service reports results.
const CallbackPath = "/api/v1/callback/transcription"

// CallbackURL returns the absolute URL handed to the transcription service.
func (e Env) CallbackURL() string {
	return strings.TrimSuffix(e.PublicBaseURL, "/") + CallbackPath
}

// MustLoad reads the environment variables and returns an Env struct.
func MustLoad() Env {
	maxMB := getInt("MAX_FILE_SIZE_MB", 50)
	e := Env{
		Region:      get("AWS_REGION", "us-east-1"),
		AWSEndpoint: get("AWS_ENDPOINT_URL", ""),
		Bucket:      must("S3_BUCKET"),
		AudioTable:  must("DDB_AUDIO_TABLE"),
		QuotaTable:  must("DDB_QUOTA_TABLE"),
		QueueURL:    must("SQS_QUEUE_URL"),

		TranscriptorURL: must("TRANSCRIPTOR_URL"),
		AuthVerifyURL:   must("AUTH_VERIFY_URL"),
		CallbackSecret:  must("CALLBACK_SECRET"),
		PublicBaseURL:   must("PUBLIC_BASE_URL"),

		Addr:              get("APP_ADDR", ":8080"),
		MaxDailyUploads:   getInt("MAX_DAILY_UPLOADS", 5),
		MaxFileSizeBytes:  int64(maxMB) * 1024 * 1024,
		AllowedAudioTypes: splitCSV(get("ALLOWED_AUDIO_TYPES", "audio/mpeg,audio/wav,audio/mp4")),

		QueueConcurrency:   getInt("QUEUE_CONCURRENCY", 5),
		QueueRetryAttempts: getInt("QUEUE_RETRY_ATTEMPTS", 3),
		QueueRetryDelay:    time.Duration(getInt("QUEUE_RETRY_DELAY_MS", 5000)) * time.Millisecond,

		RequesterTimeout:  time.Duration(getInt("REQUESTER_TIMEOUT_SECONDS", 30)) * time.Second,
		AuthVerifyTimeout: time.Duration(getInt("AUTH_VERIFY_TIMEOUT_SECONDS", 5)) * time.Second,

		DevBypassAuth: get("DEV_BYPASS_AUTH", "") == "true",
	}
	return e
}

// get returns the value of the environment variable k or def if not set.
func get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getInt returns the integer value of the environment variable k or def.
func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// must returns the value of the environment variable k or panics if not set.
func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic(fmt.Errorf("missing env %s", k))
	}
	return v
}

// splitCSV splits a comma-separated list, trimming whitespace and empties.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
