// SPDX-License-Identifier: MIT
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/model"
)

func TestNextNoJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/next", r.URL.Path)
		assert.Equal(t, "w1", r.URL.Query().Get("worker"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestNextReturnsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.NextResponse{
			ID:                "job-1",
			AudioKey:          "job-1.audio.mp3",
			LeaseExpiryUnixMS: 12345,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	job, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "job-1.audio.mp3", job.AudioKey)
}

func TestNextRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoJob)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHeartbeatLeaseLostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	_, err := c.Heartbeat(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, int32(1), calls.Load(), "a definitive 409 must not be retried")
}

func TestHeartbeatReturnsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Worker string `json:"worker"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "w1", req.Worker)
		_ = json.NewEncoder(w).Encode(api.HeartbeatResponse{LeaseExpiryUnixMS: 999})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	expiry, err := c.Heartbeat(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(999), expiry)
}

func TestCompleteSetsWorkerIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "w1", req.Worker)
		assert.Equal(t, "job-1.txt.gz", req.TextKey)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	err := c.Complete(context.Background(), "job-1", api.CompleteRequest{TextKey: "job-1.txt.gz"})
	assert.NoError(t, err)
}

func TestCompleteLeaseLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	err := c.Complete(context.Background(), "job-1", api.CompleteRequest{TextKey: "job-1.txt.gz"})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestCompletePersistentServerErrorIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	err := c.Complete(context.Background(), "job-1", api.CompleteRequest{TextKey: "job-1.txt.gz"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	// A coordinator hiccup after the transcript exists must not poison the
	// job terminally.
	reason, _ := model.ClassifyReason(err)
	assert.Equal(t, model.RIO, reason)
	assert.True(t, reason.Retryable())
}

func TestBlobUploadDownloadDelete(t *testing.T) {
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/blobs/")
		switch r.Method {
		case http.MethodPut:
			body := new(bytes.Buffer)
			_, _ = body.ReadFrom(r.Body)
			stored[key] = body.Bytes()
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := stored[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			delete(stored, key)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "w1")
	ctx := context.Background()

	require.NoError(t, c.UploadBlob(ctx, "job-1.txt.gz", strings.NewReader("payload")))

	var out bytes.Buffer
	require.NoError(t, c.DownloadBlob(ctx, "job-1.txt.gz", &out))
	assert.Equal(t, "payload", out.String())

	require.NoError(t, c.DeleteBlob(ctx, "job-1.txt.gz"))

	err := c.DownloadBlob(ctx, "job-1.txt.gz", &out)
	assert.Error(t, err)
}
