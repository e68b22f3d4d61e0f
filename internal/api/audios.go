package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/kylejryan/audio-transcription-portal/internal/authz"
	"github.com/kylejryan/audio-transcription-portal/internal/httpx"
	"github.com/kylejryan/audio-transcription-portal/internal/models"

	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

func listLimit(r *http.Request) int32 {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return int32(n)
}

type listResponse struct {
	Success bool                 `json:"success"`
	Data    []models.AudioRecord `json:"data"`
	Count   int                  `json:"count"`
}

// myAudios lists the caller's records, newest first.
func (a *App) myAudios(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.FromContext(r.Context())
	status := models.AudioStatus(r.URL.Query().Get("status"))

	recs, err := a.store.ListByUser(r.Context(), id.ID, status, listLimit(r))
	if err != nil {
		a.logger.Error("list audios failed", "user_id", id.ID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}
	if recs == nil {
		recs = []models.AudioRecord{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Success: true, Data: recs, Count: len(recs)})
}

// allAudios lists every record; admin only (enforced by middleware).
func (a *App) allAudios(w http.ResponseWriter, r *http.Request) {
	status := models.AudioStatus(r.URL.Query().Get("status"))
	userID := r.URL.Query().Get("userId")

	recs, err := a.store.ListAll(r.Context(), status, userID, listLimit(r))
	if err != nil {
		a.logger.Error("list all audios failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}
	if recs == nil {
		recs = []models.AudioRecord{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Success: true, Data: recs, Count: len(recs)})
}

// loadOwned fetches a record by id and enforces "owner or admin".
func (a *App) loadOwned(w http.ResponseWriter, r *http.Request) (models.AudioRecord, bool) {
	id, _ := authz.FromContext(r.Context())
	audioID := chi.URLParam(r, "id")

	rec, err := a.store.GetByID(r.Context(), audioID)
	if errors.Is(err, models.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "audio not found")
		return models.AudioRecord{}, false
	}
	if err != nil {
		a.logger.Error("get audio failed", "audio_id", audioID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return models.AudioRecord{}, false
	}
	if !id.Admin() && rec.UserID != id.ID {
		httpx.Error(w, http.StatusForbidden, "not allowed to access this audio")
		return models.AudioRecord{}, false
	}
	return rec, true
}

func (a *App) getAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": rec})
}

// deleteAudio removes the record, its blobs, and (via the tombstone) any
// still-queued work item. Blob deletes are best-effort.
func (a *App) deleteAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadOwned(w, r)
	if !ok {
		return
	}

	if rec.S3Key != "" {
		if err := a.blobs.Delete(r.Context(), rec.S3Key); err != nil {
			a.logger.Warn("audio blob delete failed", "audio_id", rec.AudioID, "key", rec.S3Key, "error", err)
		}
	}
	if rec.TranscriptKey != "" {
		if err := a.blobs.Delete(r.Context(), rec.TranscriptKey); err != nil {
			a.logger.Warn("transcript blob delete failed", "audio_id", rec.AudioID, "key", rec.TranscriptKey, "error", err)
		}
	}

	if err := a.store.Delete(r.Context(), rec.UserID, rec.AudioID); err != nil && !errors.Is(err, models.ErrNotFound) {
		a.logger.Error("record delete failed", "audio_id", rec.AudioID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}

	// A queued item for this record is now a tombstone: the worker that
	// claims it finds no record and drops it.
	a.logger.Info("audio deleted", "audio_id", rec.AudioID, "user_id", rec.UserID)
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "message": "audio deleted"})
}

// downloadTranscript serves the generated result document, falling back to
// the inline transcription text.
func (a *App) downloadTranscript(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	if rec.Status != models.StatusDone {
		httpx.Error(w, http.StatusConflict, "transcription not finished")
		return
	}

	var body []byte
	if rec.TranscriptKey != "" {
		b, err := a.blobs.Fetch(r.Context(), rec.TranscriptKey)
		if err != nil {
			a.logger.Error("transcript fetch failed", "audio_id", rec.AudioID, "key", rec.TranscriptKey, "error", err)
			httpx.Error(w, http.StatusInternalServerError, "storage error")
			return
		}
		body = b
	} else if rec.TranscriptionText != "" {
		body = []byte(rec.TranscriptionText)
	} else {
		httpx.Error(w, http.StatusNotFound, "no transcript available")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.AudioID+`.txt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// stats reports record counts plus queue metrics. Admins see global counts.
func (a *App) stats(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.FromContext(r.Context())
	scope := id.ID
	if id.Admin() {
		scope = ""
	}

	counts, err := a.store.StatusCounts(r.Context(), scope)
	if err != nil {
		a.logger.Error("status counts failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}

	data := map[string]any{"audios": counts}
	if qs, err := a.queue.Stats(r.Context()); err != nil {
		a.logger.Warn("queue stats unavailable", "error", err)
		data["queue"] = nil
	} else {
		data["queue"] = qs
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}
