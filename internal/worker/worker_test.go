// SPDX-License-Identifier: MIT
package worker

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/client"
	"github.com/openscribe/scribed/internal/decode"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/merge"
	"github.com/openscribe/scribed/internal/model"
	"github.com/openscribe/scribed/internal/queue"
	"github.com/openscribe/scribed/internal/segment"
	"github.com/openscribe/scribed/internal/store"
	"github.com/openscribe/scribed/internal/upload"
)

type harness struct {
	svc    *queue.Service
	srv    *httptest.Server
	worker *Worker
}

// newHarness runs a real coordinator (router + memory store + blob dir) and
// a worker whose media stages are faked: probe reports a fixed duration and
// extraction writes a stub file instead of invoking ffmpeg.
func newHarness(t *testing.T, duration float64, dec decode.Decoder) *harness {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	svc := &queue.Service{
		Store:         store.NewMemoryStore(),
		Blobs:         blobs,
		LeaseDuration: 120 * time.Second,
		MaxRetries:    3,
	}
	srv := httptest.NewServer(api.NewRouter(&api.Handler{Queue: svc}, api.RouterConfig{}))
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, "w1")
	w := &Worker{
		Client:            c,
		WorkDir:           t.TempDir(),
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		Planner: &segment.Planner{
			Config: segment.Config{Stride: 300, Overlap: 15, MinDuration: 600},
		},
		Pool: &decode.Pool{
			Workers: 2,
			WorkDir: t.TempDir(),
			Decoder: dec,
			Extract: func(_ context.Context, _ string, _, _ float64, dst string) error {
				return os.WriteFile(dst, []byte("pcm"), 0o600)
			},
		},
		Merger:   &merge.Merger{MinSilenceGap: 0.5},
		Uploader: &upload.Uploader{Client: c},
		Probe: func(_ context.Context, _ string) (*media.Info, error) {
			return &media.Info{DurationSeconds: duration, Format: "mp3", HasAudio: true}, nil
		},
	}
	return &harness{svc: svc, srv: srv, worker: w}
}

func (h *harness) submit(t *testing.T) *model.Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), "talk.mp3", "mp3", strings.NewReader("fake audio"))
	require.NoError(t, err)
	return job
}

func (h *harness) claimAndRun(t *testing.T, ctx context.Context) {
	t.Helper()
	next, err := h.worker.Client.Next(ctx)
	require.NoError(t, err)
	h.worker.runJob(ctx, next)
}

func gunzipBlob(t *testing.T, blobs *blob.Store, key string) []byte {
	t.Helper()
	rc, err := blobs.GetStream(key)
	require.NoError(t, err)
	defer rc.Close()
	zr, err := gzip.NewReader(rc)
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func TestTinyJobCompletesEndToEnd(t *testing.T) {
	dec := decode.DecoderFunc(func(_ context.Context, _ string) ([]model.Segment, error) {
		return []model.Segment{
			{Start: 1, End: 3, Text: "hello"},
			{Start: 4, End: 6, Text: "world"},
		}, nil
	})
	h := newHarness(t, 90, dec) // below the chunking threshold: single chunk

	// The server must be down before the leak check runs, so the check is
	// deferred first and the close second.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer h.srv.Close()

	job := h.submit(t)

	h.claimAndRun(t, context.Background())

	got, err := h.svc.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, blob.TextKey(job.ID), got.TextKey)
	assert.Equal(t, blob.SegmentsKey(job.ID), got.SegmentsKey)

	assert.Equal(t, "hello world", string(gunzipBlob(t, h.svc.Blobs, got.TextKey)))

	var segs []model.Segment
	require.NoError(t, json.Unmarshal(gunzipBlob(t, h.svc.Blobs, got.SegmentsKey), &segs))
	require.Len(t, segs, 2)
	assert.LessOrEqual(t, segs[0].End, segs[1].Start)
}

func TestChunkedJobDeduplicatesOverlap(t *testing.T) {
	// 1200 s yields five chunks; every chunk renders its own body plus a
	// duplicate line inside the shared tail.
	dec := decode.DecoderFunc(func(_ context.Context, wav string) ([]model.Segment, error) {
		return []model.Segment{
			{Start: 10, End: 20, Text: "chunk body line"},
			{Start: 287, End: 292, Text: "the shared tail phrase"},
		}, nil
	})
	h := newHarness(t, 1200, dec)
	job := h.submit(t)

	h.claimAndRun(t, context.Background())

	got, err := h.svc.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StageCompleted, got.Stage)

	var segs []model.Segment
	require.NoError(t, json.Unmarshal(gunzipBlob(t, h.svc.Blobs, got.SegmentsKey), &segs))
	assert.NotEmpty(t, segs)
	for i := 1; i < len(segs); i++ {
		overlap := segs[i-1].End - segs[i].Start
		assert.LessOrEqual(t, overlap, 0.05, "segments %d/%d overlap by %f", i-1, i, overlap)
	}
}

func TestBadAudioPoisonsJob(t *testing.T) {
	dec := decode.DecoderFunc(func(_ context.Context, _ string) ([]model.Segment, error) {
		t.Error("decoder must not run on unprobeable audio")
		return nil, nil
	})
	h := newHarness(t, 0, dec)
	h.worker.Probe = func(_ context.Context, _ string) (*media.Info, error) {
		return nil, model.NewReasonError(model.RAudioDecode, "zero-byte file", nil)
	}
	job := h.submit(t)

	h.claimAndRun(t, context.Background())

	got, err := h.svc.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, got.Stage, "audio decode failures are not retryable")
	assert.Contains(t, got.FailureReason, "R_AUDIO_DECODE")
	assert.Empty(t, got.TextKey)
}

func TestDecoderFailureIsRetryable(t *testing.T) {
	dec := decode.DecoderFunc(func(_ context.Context, _ string) ([]model.Segment, error) {
		return nil, model.NewReasonError(model.RDecode, "cuda out of memory", nil)
	})
	h := newHarness(t, 90, dec)
	job := h.submit(t)

	h.claimAndRun(t, context.Background())

	got, err := h.svc.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailedRetryable, got.Stage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "R_DECODE")
}

func TestLostLeaseAbandonsWithoutFailRPC(t *testing.T) {
	dec := decode.DecoderFunc(func(_ context.Context, _ string) ([]model.Segment, error) {
		return []model.Segment{{Start: 1, End: 2, Text: "hi"}}, nil
	})
	h := newHarness(t, 90, dec)
	job := h.submit(t)

	ctx := context.Background()
	next, err := h.worker.Client.Next(ctx)
	require.NoError(t, err)

	// Another worker takes the job over after a reap.
	now := time.Now().Add(h.svc.LeaseDuration + time.Second)
	h.svc.Now = func() time.Time { return now }
	_, err = h.svc.Store.ReapExpired(ctx, now, h.svc.MaxRetries)
	require.NoError(t, err)
	takeover, err := h.svc.Next(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, takeover)

	h.worker.runJob(ctx, next)

	got, err := h.svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageRunning, got.Stage, "the new holder keeps the job")
	assert.Equal(t, "w2", got.LeaseHolder)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	dec := decode.DecoderFunc(func(_ context.Context, _ string) ([]model.Segment, error) {
		return []model.Segment{{Start: 1, End: 2, Text: "hi"}}, nil
	})
	h := newHarness(t, 90, dec)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer h.srv.Close()

	job := h.submit(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.svc.Job(context.Background(), job.ID)
		return err == nil && got.Stage == model.StageCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
