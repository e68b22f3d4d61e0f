package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kylejryan/audio-transcription-portal/internal/authz"
	"github.com/kylejryan/audio-transcription-portal/internal/ddb"
	"github.com/kylejryan/audio-transcription-portal/internal/httpx"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
	"github.com/kylejryan/audio-transcription-portal/internal/queue"
	"github.com/kylejryan/audio-transcription-portal/internal/s3io"
	"github.com/kylejryan/audio-transcription-portal/internal/validate"

	"github.com/oklog/ulid/v2"
)

const uploadField = "audio"

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ID        string             `json:"id"`
		Filename  string             `json:"filename"`
		Status    models.AudioStatus `json:"status"`
		CreatedAt string             `json:"createdAt"`
	} `json:"data"`
}

// upload is the admission path: validate, store the blob, reserve quota and
// create the record in one transaction, then enqueue dispatch work.
func (a *App) upload(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxFileSizeBytes+1024)
	if err := r.ParseMultipartForm(a.cfg.MaxFileSizeBytes); err != nil {
		a.metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		httpx.Error(w, http.StatusBadRequest, "upload invalid or exceeds size limit")
		return
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		a.metrics.UploadsRejected.WithLabelValues("no_file").Inc()
		httpx.Error(w, http.StatusBadRequest, "no audio file provided")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if err := validate.ContentTypeAllowed(contentType, a.cfg.AllowedAudioTypes); err != nil {
		a.metrics.UploadsRejected.WithLabelValues("content_type").Inc()
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.SizeOK(header.Size, a.cfg.MaxFileSizeBytes); err != nil {
		a.metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.FilenameOK(header.Filename); err != nil {
		a.metrics.UploadsRejected.WithLabelValues("filename").Inc()
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	audioID := ulid.Make().String()
	safeName := validate.SanitizeFilename(header.Filename)
	storedName := fmt.Sprintf("audio_%s_%d_%s", id.ID, time.Now().UnixMilli(), safeName)
	key := s3io.AudioKey(id.ID, audioID, safeName)

	viewURL, err := a.blobs.Put(r.Context(), key, contentType, file)
	if err != nil {
		a.logger.Error("blob store failed", "audio_id", audioID, "user_id", id.ID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "storage error")
		return
	}

	now := ddb.NowISO()
	pk, sk := ddb.MakeAudioKeys(id.ID, audioID)
	rec := models.AudioRecord{
		PK: pk, SK: sk,
		AudioID:          audioID,
		UserID:           id.ID,
		Filename:         storedName,
		OriginalFilename: header.Filename,
		S3Key:            key,
		ViewURL:          viewURL,
		ContentType:      contentType,
		SizeBytes:        header.Size,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	day := ddb.Day(time.Now())
	if err := a.store.CheckAndReserve(r.Context(), rec, day, a.cfg.MaxDailyUploads); err != nil {
		a.deleteBlob(r, key)
		if errors.Is(err, models.ErrQuotaExceeded) {
			a.metrics.UploadsRejected.WithLabelValues("quota").Inc()
			httpx.Error(w, http.StatusTooManyRequests,
				fmt.Sprintf("daily upload limit reached (%d files)", a.cfg.MaxDailyUploads))
			return
		}
		a.logger.Error("record reservation failed", "audio_id", audioID, "user_id", id.ID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "db error")
		return
	}

	job := queue.Job{AudioID: audioID, UserID: id.ID, S3Key: key, Filename: storedName}
	if err := a.queue.Enqueue(r.Context(), job); err != nil {
		// Record and quota are already committed; the record stays PENDING
		// with no scheduled work until re-enqueued manually.
		a.logger.Error("enqueue failed, record remains pending", "audio_id", audioID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "queue error")
		return
	}

	a.metrics.UploadsAccepted.Inc()
	a.logger.Info("upload admitted", "audio_id", audioID, "user_id", id.ID, "filename", storedName, "size", header.Size)

	resp := uploadResponse{Success: true, Message: "audio uploaded and queued for transcription"}
	resp.Data.ID = audioID
	resp.Data.Filename = header.Filename
	resp.Data.Status = rec.Status
	resp.Data.CreatedAt = rec.CreatedAt
	httpx.JSON(w, http.StatusCreated, resp)
}

// deleteBlob rolls back a stored blob after a failed admission, best-effort.
func (a *App) deleteBlob(r *http.Request, key string) {
	if err := a.blobs.Delete(r.Context(), key); err != nil {
		a.logger.Warn("orphan blob cleanup failed", "key", key, "error", err)
	}
}
