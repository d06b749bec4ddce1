package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// DefaultRemuxTimeout bounds a single ffmpeg run.
const DefaultRemuxTimeout = 2 * time.Hour

// Remuxer normalizes a raw capture into a standard playable container,
// replacing the file at path only when it succeeds.
type Remuxer interface {
	Remux(ctx context.Context, path string) error
}

// FFmpegRemuxer stream-copies a raw file into an mp4 container with ffmpeg.
type FFmpegRemuxer struct {
	bin     string
	extra   []string
	timeout time.Duration
	log     *slog.Logger
}

// NewFFmpegRemuxer returns a remuxer running bin (default "ffmpeg"). extraArgs
// is a shell-quoted string inserted before the output options.
func NewFFmpegRemuxer(bin, extraArgs string, timeout time.Duration, log *slog.Logger) (*FFmpegRemuxer, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultRemuxTimeout
	}
	extra, err := shellwords.Parse(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg extra args: %w", err)
	}
	return &FFmpegRemuxer{bin: bin, extra: extra, timeout: timeout, log: log}, nil
}

// Remux implements Remuxer. The remuxed file is written next to path and
// renamed over it; on failure path is left untouched.
func (r *FFmpegRemuxer) Remux(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_output.mp4"
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", path}
	args = append(args, r.extra...)
	args = append(args, "-c", "copy", "-f", "mp4", out)

	start := time.Now()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("ffmpeg remux %s: %w: %s", path, err, lastLine(stderr.String()))
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(out)
		return fmt.Errorf("ffmpeg remux %s: produced no output", path)
	}
	if err := os.Rename(out, path); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("replace raw capture: %w", err)
	}
	r.log.Info("remux finished",
		slog.String("path", path),
		slog.Int64("bytes", info.Size()),
		slog.Duration("took", time.Since(start)))
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
