package ddb

import (
	"fmt"
	"time"
)

// ByIDIndex is the GSI used to look up a record by audio id alone, which is
// all the transcription callback carries.
const ByIDIndex = "audio_id-index"

// MakeAudioKeys constructs the partition key (PK) and sort key (SK) for an
// audio record.
func MakeAudioKeys(userID, audioID string) (pk, sk string) {
	return fmt.Sprintf("USER#%s", userID), fmt.Sprintf("AUDIO#%s", audioID)
}

// MakeQuotaKeys constructs the keys for one owner's daily quota entry.
func MakeQuotaKeys(userID, day string) (pk, sk string) {
	return fmt.Sprintf("USER#%s", userID), fmt.Sprintf("DAY#%s", day)
}

// Day formats a time as the calendar-day quota bucket, in UTC.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NowISO returns the current time in ISO8601 format.
func NowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// awsStr is a helper to get a pointer to a string literal.
func awsStr(s string) *string { return &s }
