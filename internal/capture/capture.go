package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"live-recorder/internal/shutdown"
)

// Strategy selects how media is acquired for a live session.
type Strategy string

const (
	// StrategySegmented pulls the segments listed in an HLS playlist.
	StrategySegmented Strategy = "segmented"
	// StrategyStreamed consumes a push-style websocket feed.
	StrategyStreamed Strategy = "streamed"
	// StrategyRemote means the platform archives the broadcast itself and
	// nothing is captured locally. No engine handles it.
	StrategyRemote Strategy = "remote"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"

var (
	// ErrEmptyLocator is returned by Start when the request carries no URL.
	ErrEmptyLocator = errors.New("capture locator is empty")

	// ErrNoSegments is returned when a playlist resolves to zero media segments.
	ErrNoSegments = errors.New("playlist has no segments")

	// ErrFeedIdle is returned when a streamed feed stops delivering messages
	// without closing the connection.
	ErrFeedIdle = errors.New("feed idle")
)

// Request describes one capture to start.
type Request struct {
	// Label correlates log lines and results with the owning target (e.g. "hls/channel").
	Label     string
	Name      string
	URL       string
	Headers   map[string]string
	OutputDir string
}

// Result is delivered exactly once on a session's completion channel.
type Result struct {
	Label      string
	OutputPath string
	StartedAt  time.Time
	EndedAt    time.Time
	Bytes      int64
	Messages   int64
	Cancelled  bool
	// Err is the acquisition failure, if any.
	Err error
	// FinalizeErr reports a failed remux; the raw file is kept in that case.
	FinalizeErr error
}

// Engine is implemented by every acquisition strategy.
type Engine interface {
	Start(ctx context.Context, req Request) (*Session, error)
}

// Session is the handle for one running capture. Only the engine that
// created it writes to it; callers read Done and may Cancel.
type Session struct {
	Label      string
	OutputPath string
	StartedAt  time.Time

	cancel context.CancelFunc
	done   chan Result
	once   sync.Once
}

// NewSession creates the handle for a capture about to run. The returned
// context is cancelled by Cancel and once the session completes.
func NewSession(ctx context.Context, label, outputPath string) (*Session, context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		Label:      label,
		OutputPath: outputPath,
		StartedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan Result, 1),
	}, sctx
}

// Done returns the single-consumer completion channel. It yields one Result
// and is then closed.
func (s *Session) Done() <-chan Result {
	return s.done
}

// Cancel requests cooperative termination of the capture.
func (s *Session) Cancel() {
	s.cancel()
}

// Complete publishes the terminal result. Only the first call has an effect.
func (s *Session) Complete(res Result) {
	s.once.Do(func() {
		res.Label = s.Label
		res.StartedAt = s.StartedAt
		res.EndedAt = time.Now()
		if res.OutputPath == "" {
			res.OutputPath = s.OutputPath
		}
		s.done <- res
		close(s.done)
		s.cancel()
	})
}

// outputPath builds <dir>/<name>/<timestamp><ext>, creating the directory.
func outputPath(dir, name, ext string, now time.Time) (string, error) {
	if dir == "" {
		dir = "."
	}
	target := filepath.Join(dir, sanitizeName(name))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return filepath.Join(target, now.Format("20060102_150405")+ext), nil
}

// sanitizeName makes a display name safe to use as a single path element.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
}

func applyHeaders(set func(key, value string), headers map[string]string) {
	set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		set(k, v)
	}
}

// spawn runs fn in its own goroutine, tracked by jobs when it is non-nil.
// Engines register a session before Start returns, so a shutdown that
// begins afterwards always sees it.
func spawn(jobs *shutdown.JobSet, fn func()) {
	if jobs == nil {
		go fn()
		return
	}
	jobs.Go(fn)
}
