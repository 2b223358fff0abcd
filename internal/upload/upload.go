// SPDX-License-Identifier: MIT

// Package upload is the last pipeline stage: compress the merge output,
// stream it to the coordinator's blob store, and commit the job.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/client"
	"github.com/openscribe/scribed/internal/exttool"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/merge"
	"github.com/openscribe/scribed/internal/model"
)

// Uploader streams artifacts and commits one job. Formatter and Summarizer
// are optional collaborators; either may be nil.
type Uploader struct {
	Client     *client.Client
	Formatter  exttool.Formatter
	Summarizer exttool.Summarizer
}

// Commit uploads the gzip text and gzip segments JSON under job-scoped keys
// and calls the complete RPC. A rejected commit (lease lost) deletes the
// fresh blobs best-effort; the next holder will overwrite anyway.
func (u *Uploader) Commit(ctx context.Context, jobID string, res *merge.Result, processingSeconds float64) error {
	logger := log.WithComponentFromContext(ctx, "upload")

	text := res.Text
	if u.Formatter != nil && text != "" {
		formatted, err := u.Formatter.Format(ctx, text)
		if err != nil {
			logger.Warn().Err(err).Msg("formatter failed, using raw text")
		} else {
			text = formatted
		}
	}

	summary := ""
	if u.Summarizer != nil && text != "" {
		s, err := u.Summarizer.Summarize(ctx, text)
		if err != nil {
			logger.Warn().Err(err).Msg("summarizer failed, no summary")
		} else {
			summary = s
		}
	}

	textKey := blob.TextKey(jobID)
	segmentsKey := blob.SegmentsKey(jobID)

	textBody, err := gzipBytes([]byte(text))
	if err != nil {
		return model.NewReasonError(model.RIO, "compress text artifact", err)
	}
	if err := u.Client.UploadBlob(ctx, textKey, bytes.NewReader(textBody)); err != nil {
		return err
	}

	segs := res.Segments
	if segs == nil {
		segs = []model.Segment{}
	}
	raw, err := json.Marshal(segs)
	if err != nil {
		return model.NewReasonError(model.RMerge, "encode segments", err)
	}
	segBody, err := gzipBytes(raw)
	if err != nil {
		return model.NewReasonError(model.RIO, "compress segments artifact", err)
	}
	if err := u.Client.UploadBlob(ctx, segmentsKey, bytes.NewReader(segBody)); err != nil {
		return err
	}

	err = u.Client.Complete(ctx, jobID, api.CompleteRequest{
		TextKey:           textKey,
		SegmentsKey:       segmentsKey,
		Summary:           summary,
		ProcessingSeconds: processingSeconds,
	})
	if errors.Is(err, client.ErrLeaseLost) {
		u.cleanup(ctx, logger, textKey, segmentsKey)
		return model.NewReasonError(model.RLeaseLost, fmt.Sprintf("commit of %s rejected", jobID), err)
	}
	return err
}

func (u *Uploader) cleanup(ctx context.Context, logger zerolog.Logger, keys ...string) {
	for _, key := range keys {
		if err := u.Client.DeleteBlob(ctx, key); err != nil {
			logger.Debug().Err(err).Str("key", key).Msg("dangling blob cleanup")
		}
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
