// SPDX-License-Identifier: MIT

// Package api is the coordinator's HTTP surface: the worker RPC contract
// (next/heartbeat/complete/fail), blob transfer, and the submitter endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
	"github.com/openscribe/scribed/internal/queue"
	"github.com/openscribe/scribed/internal/store"
)

// maxAudioUpload caps multipart submissions at 4 GiB; multi-hour lossless
// recordings fit well below this.
const maxAudioUpload = 4 << 30

// Handler holds the coordinator API dependencies.
type Handler struct {
	Queue *queue.Service
}

// NextResponse is the claim payload handed to workers.
type NextResponse struct {
	ID                string `json:"id"`
	AudioKey          string `json:"audio_key"`
	RetryCount        int    `json:"retry_count"`
	LeaseExpiryUnixMS int64  `json:"lease_expiry_unix_ms"`
}

// HandleNext implements GET /jobs/next?worker={id}.
func (h *Handler) HandleNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "worker query parameter required")
		return
	}

	job, err := h.Queue.Next(r.Context(), workerID)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, NextResponse{
		ID:                job.ID,
		AudioKey:          job.AudioKey,
		RetryCount:        job.RetryCount,
		LeaseExpiryUnixMS: job.LeaseExpiresAt,
	})
}

type heartbeatRequest struct {
	Worker string `json:"worker"`
}

// HeartbeatResponse carries the extended expiry back to the worker.
type HeartbeatResponse struct {
	LeaseExpiryUnixMS int64 `json:"lease_expiry_unix_ms"`
}

// HandleHeartbeat implements POST /jobs/{id}/heartbeat.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Worker == "" {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "worker field required")
		return
	}

	expiry, ok, err := h.Queue.Heartbeat(r.Context(), jobID, req.Worker)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeProblem(w, r, http.StatusConflict, "LEASE_LOST", "lease not held")
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{LeaseExpiryUnixMS: expiry})
}

// CompleteRequest is the commit payload.
type CompleteRequest struct {
	Worker            string  `json:"worker"`
	TextKey           string  `json:"text_key"`
	SegmentsKey       string  `json:"segments_key,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// HandleComplete implements POST /jobs/{id}/complete.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Worker == "" || req.TextKey == "" {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "worker and text_key fields required")
		return
	}

	ok, err := h.Queue.Complete(r.Context(), jobID, req.Worker, req.TextKey, req.SegmentsKey, req.Summary, req.ProcessingSeconds)
	if err != nil {
		var re *model.ReasonError
		if errors.As(err, &re) && re.Reason == model.RNotFound {
			writeProblem(w, r, http.StatusBadRequest, "ARTIFACT_MISSING", re.Detail)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "unknown job")
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeProblem(w, r, http.StatusConflict, "LEASE_LOST", "lease not held")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// FailRequest is the failure payload.
type FailRequest struct {
	Worker    string `json:"worker"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// HandleFail implements POST /jobs/{id}/fail.
func (h *Handler) HandleFail(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req FailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Worker == "" {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "worker field required")
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified failure"
	}

	ok, err := h.Queue.Fail(r.Context(), jobID, req.Worker, req.Reason, req.Retryable)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "unknown job")
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeProblem(w, r, http.StatusConflict, "LEASE_LOST", "lease not held")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SubmitResponse acknowledges an accepted upload.
type SubmitResponse struct {
	ID string `json:"id"`
}

// HandleSubmit implements POST /jobs (multipart audio upload).
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUpload)
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "multipart field 'audio' required")
		return
	}
	defer func() { _ = file.Close() }()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))

	job, err := h.Queue.Submit(r.Context(), name, ext, file)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "SUBMIT_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: job.ID})
}

// JobStatusResponse is the submitter-facing job view. Lease internals are
// not exposed; submitters only see lifecycle progress.
type JobStatusResponse struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Stage             model.Stage `json:"stage"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	RetryCount        int         `json:"retry_count"`
	TextKey           string      `json:"text_key,omitempty"`
	SegmentsKey       string      `json:"segments_key,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	CreatedAtUnixMS   int64       `json:"created_at_unix_ms"`
	CompletedAtUnixMS int64       `json:"completed_at_unix_ms,omitempty"`
}

// HandleJobStatus implements GET /jobs/{id}.
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.Queue.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "unknown job")
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, JobStatusResponse{
		ID:                job.ID,
		Name:              job.Name,
		Stage:             job.Stage,
		FailureReason:     job.FailureReason,
		RetryCount:        job.RetryCount,
		TextKey:           job.TextKey,
		SegmentsKey:       job.SegmentsKey,
		Summary:           job.Summary,
		CreatedAtUnixMS:   job.CreatedAt,
		CompletedAtUnixMS: job.CompletedAt,
	})
}

// HandleBlobGet implements GET /blobs/{key}: workers download audio here.
func (h *Handler) HandleBlobGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !blob.ValidKey(key) {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid blob key")
		return
	}

	rc, err := h.Queue.Blobs.GetStream(key)
	if err != nil {
		var re *model.ReasonError
		if errors.As(err, &re) && re.Reason == model.RNotFound {
			writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "blob not found")
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "IO_ERROR", err.Error())
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Warn().Err(err).Str("key", key).Msg("blob download interrupted")
	}
}

// HandleBlobPut implements PUT /blobs/{key}: workers upload artifacts here.
func (h *Handler) HandleBlobPut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !blob.ValidKey(key) {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid blob key")
		return
	}

	if err := h.Queue.Blobs.PutStream(key, r.Body); err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "IO_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleBlobDelete implements DELETE /blobs/{key}: best-effort cleanup after
// a rejected commit.
func (h *Handler) HandleBlobDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !blob.ValidKey(key) {
		writeProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid blob key")
		return
	}
	if err := h.Queue.Blobs.Delete(key); err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "IO_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealthz implements GET /healthz.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
