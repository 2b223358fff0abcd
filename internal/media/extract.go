// SPDX-License-Identifier: MIT

package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// decodeSampleRate is what speech models expect: 16 kHz mono s16le.
const decodeSampleRate = 16000

// ExtractRange writes the [start, end) range of src as a 16 kHz mono WAV at
// dst. This is serial disk I/O, not GPU work; the decode pool calls it from
// inside each task.
func ExtractRange(ctx context.Context, src string, start, end float64, dst string) error {
	if end <= start {
		return fmt.Errorf("media: invalid range [%f, %f)", start, end)
	}

	args := []string{
		"-v", "error",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end - start),
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(decodeSampleRate),
		"-ac", "1",
		"-y",
		dst,
	}

	// #nosec G204 - ffmpeg is hardcoded; paths are worker-local temp files
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("media: extract [%s, %s): %w (stderr: %s)",
			formatSeconds(start), formatSeconds(end), err, truncate(stderr.String(), 1024))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
