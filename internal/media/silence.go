// SPDX-License-Identifier: MIT

package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
)

// vadSampleRate keeps the probe stream small; silence detection does not
// need decode-quality audio.
const vadSampleRate = 8000

// Interval is a silence span in source-file-relative seconds.
type Interval struct {
	Start float64
	End   float64
}

// Mid returns the interval midpoint.
func (iv Interval) Mid() float64 {
	return (iv.Start + iv.End) / 2
}

// SilenceScanner finds silence intervals inside a window of an audio file.
// Implemented by the ffmpeg scanner below and stubbed in segmenter tests.
type SilenceScanner interface {
	Scan(ctx context.Context, path string, from, to float64) ([]Interval, error)
}

// RMSScanner streams raw PCM from ffmpeg and applies a running RMS test.
type RMSScanner struct {
	// ThresholdDBFS is the silence level, e.g. -30.
	ThresholdDBFS float64
	// MinSilence is the minimum span (seconds) that counts as silence.
	MinSilence float64
}

// Scan decodes [from, to) as 8 kHz mono s16le and returns every span of at
// least MinSilence whose windowed RMS stays below ThresholdDBFS.
func (s *RMSScanner) Scan(ctx context.Context, path string, from, to float64) ([]Interval, error) {
	if to <= from {
		return nil, nil
	}

	args := []string{
		"-v", "error",
		"-ss", formatSeconds(from),
		"-t", formatSeconds(to - from),
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(vadSampleRate),
		"-ac", "1",
		"-f", "s16le",
		"-",
	}

	// #nosec G204 - ffmpeg is hardcoded; path is an opaque local file
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: vad probe start: %w", err)
	}

	intervals, scanErr := s.scanPCM(bufio.NewReaderSize(stdout, 64<<10), from)
	waitErr := cmd.Wait()
	if scanErr != nil {
		return nil, scanErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("media: vad probe: %w (stderr: %s)", waitErr, truncate(stderr.String(), 512))
	}
	return intervals, nil
}

// scanPCM consumes mono s16le samples and emits silence intervals offset by
// base seconds. Windows are 50 ms; consecutive quiet windows accumulate into
// an interval that is kept once it reaches MinSilence.
func (s *RMSScanner) scanPCM(r io.Reader, base float64) ([]Interval, error) {
	const windowDur = 0.05
	windowSamples := int(vadSampleRate * windowDur)
	buf := make([]byte, windowSamples*2)

	threshold := math.Pow(10, s.ThresholdDBFS/20) // dBFS to linear amplitude

	var intervals []Interval
	var silenceStart float64 = -1
	pos := 0.0

	flush := func(end float64) {
		if silenceStart >= 0 && end-silenceStart >= s.MinSilence {
			intervals = append(intervals, Interval{Start: base + silenceStart, End: base + end})
		}
		silenceStart = -1
	}

	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			samples := n / 2
			var sum float64
			for i := 0; i < samples; i++ {
				v := float64(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
				sum += v * v
			}
			rms := math.Sqrt(sum / float64(samples))

			if rms < threshold {
				if silenceStart < 0 {
					silenceStart = pos
				}
			} else {
				flush(pos)
			}
			pos += float64(samples) / vadSampleRate
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			flush(pos)
			return intervals, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
