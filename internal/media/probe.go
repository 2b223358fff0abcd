// SPDX-License-Identifier: MIT

// Package media wraps ffprobe and ffmpeg. It is the only package that execs
// external binaries besides the speech decoder adapter.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
)

// Info is the subset of container metadata the pipeline needs.
type Info struct {
	DurationSeconds float64
	Format          string
	HasAudio        bool
}

type probeData struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Duration  string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// Probe executes ffprobe against path. Any failure to obtain a usable audio
// stream is an AudioDecode error: the job is poison, not retryable.
func Probe(ctx context.Context, path string) (*Info, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	// #nosec G204 - ffprobe is hardcoded; path is an opaque local file
	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	var data probeData
	jsonErr := json.Unmarshal(out, &data)

	if jsonErr != nil || data.Format.FormatName == "" {
		detail := truncate(stderr.String(), 1024)
		if err != nil {
			return nil, model.NewReasonError(model.RAudioDecode, "ffprobe failed: "+detail, err)
		}
		return nil, model.NewReasonError(model.RAudioDecode, "ffprobe returned no usable data: "+detail, jsonErr)
	}
	if err != nil {
		// Non-zero exit with valid JSON happens on slightly truncated files.
		l := log.WithComponent("media")
		l.Warn().Err(err).Str("path", path).
			Str("stderr", truncate(stderr.String(), 1024)).
			Msg("ffprobe non-zero exit but JSON accepted")
	}

	info := &Info{Format: data.Format.FormatName}
	for _, s := range data.Streams {
		if s.CodecType != "audio" || s.CodecName == "" {
			continue
		}
		info.HasAudio = true
		if s.Duration != "" {
			if d, perr := strconv.ParseFloat(s.Duration, 64); perr == nil && d > info.DurationSeconds {
				info.DurationSeconds = d
			}
		}
	}
	if info.DurationSeconds == 0 && data.Format.Duration != "" {
		if d, perr := strconv.ParseFloat(data.Format.Duration, 64); perr == nil {
			info.DurationSeconds = d
		}
	}

	if !info.HasAudio {
		return nil, model.NewReasonError(model.RAudioDecode, "no audio stream in container", nil)
	}
	if info.DurationSeconds <= 0 {
		return nil, model.NewReasonError(model.RAudioDecode, "container reports zero duration", nil)
	}
	return info, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
