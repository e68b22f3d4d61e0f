package s3io

import "fmt"

// Object key layout. Raw audio and generated transcripts live in the same
// bucket under separate prefixes.
func AudioKey(userID, audioID, filename string) string {
	return fmt.Sprintf("audio/%s/%s/%s", userID, audioID, filename)
}

// TranscriptKey locates the generated result document for an audio record.
func TranscriptKey(userID, audioID string) string {
	return fmt.Sprintf("transcripts/%s/%s.txt", userID, audioID)
}
