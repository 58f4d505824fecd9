// Package ffmpeg wraps the ffmpeg binary for the remux and audio extraction
// steps that follow a segment download.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Tool runs ffmpeg.
type Tool struct {
	bin string
}

// New returns a Tool using bin, or "ffmpeg" from PATH when bin is empty.
func New(bin string) *Tool {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Tool{bin: bin}
}

// Available reports whether the binary can be found.
func (t *Tool) Available() bool {
	_, err := exec.LookPath(t.bin)
	return err == nil
}

// Args builds the command line converting in to out. Video keeps the video
// stream as is and re-encodes audio to AAC; audio-only output is MP3.
func Args(in, out string, audioOnly bool) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", in}
	if audioOnly {
		args = append(args, "-vn", "-c:a", "libmp3lame", "-q:a", "2")
	} else {
		args = append(args, "-c:v", "copy", "-c:a", "aac", "-threads", "4")
	}
	return append(args, out)
}

// Convert runs ffmpeg synchronously.
func (t *Tool) Convert(ctx context.Context, in, out string, audioOnly bool) error {
	cmd := exec.CommandContext(ctx, t.bin, Args(in, out, audioOnly)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
