// SPDX-License-Identifier: MIT

package decode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openscribe/scribed/internal/model"
)

// CLIDecoder shells out to a speech recognition binary. The command is
// invoked as `<command> [args...] --model <model> <wav>` and must print a
// JSON array of {"start","end","text"} objects (chunk-local seconds) on
// stdout. Concrete engines are swapped by configuration, not code.
type CLIDecoder struct {
	Command string
	Model   string
	Args    []string
}

// Decode implements Decoder.
func (d *CLIDecoder) Decode(ctx context.Context, wavPath string) ([]model.Segment, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("decode: empty decoder command")
	}

	args := append([]string{}, d.Args...)
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	args = append(args, wavPath)

	// #nosec G204 - command comes from operator config, not request input
	cmd := exec.CommandContext(ctx, d.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode: %s: %w (stderr: %s)", d.Command, err, firstLine(stderr.String()))
	}

	var segs []model.Segment
	if err := json.Unmarshal(stdout.Bytes(), &segs); err != nil {
		return nil, fmt.Errorf("decode: parse %s output: %w", d.Command, err)
	}
	return segs, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
