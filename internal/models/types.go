// Package models defines the data models used in the application.
package models

import "errors"

// AudioStatus represents the lifecycle state of an uploaded audio record.
type AudioStatus string

// Possible values for AudioStatus.
const (
	StatusPending    AudioStatus = "PENDING"
	StatusProcessing AudioStatus = "PROCESSING"
	StatusDone       AudioStatus = "DONE"
	StatusError      AudioStatus = "ERROR"
)

// Terminal reports whether no further status transitions are permitted.
func (s AudioStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ParseCallbackStatus maps the free-form status token reported by the
// transcription service to an internal status. Anything unrecognized is
// treated as still in progress.
func ParseCallbackStatus(token string) AudioStatus {
	switch token {
	case "completed", "done":
		return StatusDone
	case "error", "failed":
		return StatusError
	default:
		return StatusProcessing
	}
}

// Sentinel errors shared across the storage and API layers.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExceeded signals that the owner reached the daily upload
	// limit. This is a normal admission outcome, not a fault.
	ErrQuotaExceeded = errors.New("daily upload limit reached")
	// ErrTerminal is returned when a transition is attempted on a record
	// already in a terminal state.
	ErrTerminal = errors.New("record already in terminal state")
)

// AudioRecord represents one submitted audio item and its pipeline state.
type AudioRecord struct {
	// DynamoDB keys
	PK string `dynamodbav:"PK" json:"-"` // USER#<user_id>
	SK string `dynamodbav:"SK" json:"-"` // AUDIO#<audio_id> (ULID)

	AudioID          string      `dynamodbav:"audio_id" json:"id"`
	UserID           string      `dynamodbav:"user_id" json:"userId,omitempty"`
	Filename         string      `dynamodbav:"filename" json:"filename"`
	OriginalFilename string      `dynamodbav:"original_filename" json:"originalFilename"`
	S3Key            string      `dynamodbav:"s3_key" json:"-"`
	ViewURL          string      `dynamodbav:"view_url" json:"viewUrl,omitempty"`
	ContentType      string      `dynamodbav:"content_type" json:"contentType,omitempty"`
	SizeBytes        int64       `dynamodbav:"size_bytes" json:"fileSize"`
	Status           AudioStatus `dynamodbav:"status" json:"status"`

	TranscriptionText string  `dynamodbav:"transcription_text" json:"transcriptionText,omitempty"`
	TranscriptKey     string  `dynamodbav:"transcript_key" json:"-"`
	TranscriptURL     string  `dynamodbav:"transcript_url" json:"transcriptUrl,omitempty"`
	ErrorMessage      string  `dynamodbav:"error_message" json:"errorMessage,omitempty"`
	DurationSeconds   float64 `dynamodbav:"duration_seconds" json:"duration,omitempty"`

	CreatedAt          string `dynamodbav:"created_at" json:"createdAt"` // ISO8601
	UpdatedAt          string `dynamodbav:"updated_at" json:"updatedAt"` // ISO8601
	ProcessingStarted  string `dynamodbav:"processing_started" json:"processingStarted,omitempty"`
	ProcessingFinished string `dynamodbav:"processing_finished" json:"processingFinished,omitempty"`
}

// QuotaEntry tracks one owner's upload count for one calendar day.
type QuotaEntry struct {
	PK     string `dynamodbav:"PK"` // USER#<user_id>
	SK     string `dynamodbav:"SK"` // DAY#<YYYY-MM-DD>
	UserID string `dynamodbav:"user_id"`
	Day    string `dynamodbav:"day"`
	Count  int    `dynamodbav:"count"`
}

// StatusCounts aggregates records by status for the stats endpoint.
type StatusCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Error      int `json:"error"`
}

// Identity represents the verified user attached to a request.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Admin reports whether the identity carries the privileged role.
func (i Identity) Admin() bool { return i.Role == "admin" }
