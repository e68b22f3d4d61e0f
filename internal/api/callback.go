package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kylejryan/audio-transcription-portal/internal/httpx"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
)

const callbackSecretHeader = "X-Callback-Secret"

// flexFloat tolerates the duration arriving as a JSON number or a numeric
// string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type callbackPayload struct {
	AudioID           string    `json:"audio_id"`
	Status            string    `json:"status"`
	TranscriptionText string    `json:"transcription_text"`
	TranscriptURL     string    `json:"transcription_file_url"`
	ErrorMessage      string    `json:"error_message"`
	Duration          flexFloat `json:"duration"`
	CallbackSecret    string    `json:"callback_secret"`
}

type callbackAck struct {
	Success bool               `json:"success"`
	AudioID string             `json:"audio_id"`
	Status  models.AudioStatus `json:"status"`
}

// callback is where the external transcription service reports the outcome.
// Delivery is at-least-once: re-application to a terminal record is a no-op
// acknowledged as success.
func (a *App) callback(w http.ResponseWriter, r *http.Request) {
	var payload callbackPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	secret := r.Header.Get(callbackSecretHeader)
	if secret == "" {
		secret = payload.CallbackSecret
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.cfg.CallbackSecret)) != 1 {
		a.metrics.CallbackUnauthorized.Inc()
		a.logger.Warn("callback with bad secret rejected", "audio_id", payload.AudioID)
		httpx.Error(w, http.StatusUnauthorized, "callback unauthorized")
		return
	}

	if payload.AudioID == "" {
		httpx.Error(w, http.StatusBadRequest, "audio_id is required")
		return
	}

	rec, err := a.store.GetByID(r.Context(), payload.AudioID)
	if errors.Is(err, models.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "audio not found")
		return
	}
	if err != nil {
		a.logger.Error("callback record lookup failed", "audio_id", payload.AudioID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}

	status := models.ParseCallbackStatus(payload.Status)
	a.metrics.CallbacksReceived.WithLabelValues(string(status)).Inc()
	log := a.logger.With("audio_id", rec.AudioID, "status", status)

	// Fast path for redelivery. The conditional updates below still guard
	// against concurrent deliveries that pass this check together.
	if rec.Status.Terminal() {
		a.metrics.CallbackDuplicates.Inc()
		log.Info("duplicate terminal callback ignored")
		httpx.JSON(w, http.StatusOK, callbackAck{Success: true, AudioID: rec.AudioID, Status: rec.Status})
		return
	}

	switch status {
	case models.StatusDone:
		transcriptKey, transcriptURL := "", payload.TranscriptURL
		if transcriptURL == "" && payload.TranscriptionText != "" {
			// Persist our own result document so the transcript survives the
			// external service. Best-effort: the inline text is authoritative.
			k, u, perr := a.blobs.PutTranscript(r.Context(), rec.UserID, rec.AudioID, payload.TranscriptionText)
			if perr != nil {
				log.Warn("transcript document store failed", "error", perr)
			} else {
				transcriptKey, transcriptURL = k, u
			}
		}
		err = a.store.Complete(r.Context(), rec.UserID, rec.AudioID,
			payload.TranscriptionText, transcriptKey, transcriptURL, float64(payload.Duration))
	case models.StatusError:
		msg := payload.ErrorMessage
		if msg == "" {
			msg = "unknown transcription error"
		}
		err = a.store.Fail(r.Context(), rec.UserID, rec.AudioID, msg)
	default:
		// Interim or unrecognized status token: the record is already
		// PROCESSING, nothing to apply.
		log.Info("interim callback acknowledged", "token", payload.Status)
	}

	if errors.Is(err, models.ErrTerminal) {
		a.metrics.CallbackDuplicates.Inc()
		log.Info("duplicate terminal callback ignored")
		err = nil
	}
	if err != nil {
		log.Error("callback transition failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}

	httpx.JSON(w, http.StatusOK, callbackAck{Success: true, AudioID: rec.AudioID, Status: status})
}
