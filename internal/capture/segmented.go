package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"live-recorder/internal/shutdown"
)

const (
	defaultRefreshInterval = 2 * time.Second
	maxIdleRefreshes       = 10
	maxPlaylistBytes       = 4 << 20
)

// errFeedGone marks a playlist that disappeared after capture started.
var errFeedGone = errors.New("playlist no longer available")

// SegmentedEngine downloads the segments of an HLS playlist one after another
// into temporary files and concatenates them into a single .ts file. Live
// playlists are refreshed until #EXT-X-ENDLIST, until the playlist goes away,
// or until no new segment shows up for maxIdleRefreshes refreshes.
//
// Each session runs as a job in the shared JobSet from Start until its
// result is published, so shutdown waits for the concatenation of a
// cancelled capture.
type SegmentedEngine struct {
	client  *http.Client
	jobs    *shutdown.JobSet
	log     *slog.Logger
	tempDir string

	// RefreshInterval overrides the playlist target duration between refreshes.
	RefreshInterval time.Duration
}

// NewSegmentedEngine returns an engine using client for every request.
// Temporary segment files are created in tempDir ("" means os.TempDir).
// jobs may be nil, in which case sessions are not tracked.
func NewSegmentedEngine(client *http.Client, jobs *shutdown.JobSet, log *slog.Logger, tempDir string) *SegmentedEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &SegmentedEngine{client: client, jobs: jobs, log: log, tempDir: tempDir}
}

// Start implements Engine. The capture runs detached; the returned session
// reports the outcome on Done.
func (e *SegmentedEngine) Start(ctx context.Context, req Request) (*Session, error) {
	if req.URL == "" {
		return nil, ErrEmptyLocator
	}
	out, err := outputPath(req.OutputDir, req.Name, ".ts", time.Now())
	if err != nil {
		return nil, err
	}
	sess, sctx := NewSession(ctx, req.Label, out)
	spawn(e.jobs, func() { e.run(sctx, sess, req) })
	return sess, nil
}

func (e *SegmentedEngine) run(ctx context.Context, sess *Session, req Request) {
	log := e.log.With(slog.String("target", req.Label), slog.String("output", sess.OutputPath))
	log.Info("segmented capture started", slog.String("url", req.URL))

	n, cancelled, err := e.capture(ctx, sess, req, log)
	res := Result{Bytes: n, Cancelled: cancelled, Err: err}
	switch {
	case err != nil:
		log.Error("segmented capture failed", slog.String("error", err.Error()))
		_ = os.Remove(sess.OutputPath)
	case cancelled:
		log.Warn("segmented capture cancelled, kept downloaded segments", slog.Int64("bytes", n))
	default:
		log.Info("segmented capture finished", slog.Int64("bytes", n))
	}
	sess.Complete(res)
}

// capture downloads every segment and builds the output file. Temporary
// files are removed before it returns, whatever the outcome. Cancellation
// keeps the segments completed so far; any other failure discards them.
func (e *SegmentedEngine) capture(ctx context.Context, sess *Session, req Request, log *slog.Logger) (int64, bool, error) {
	var temps []string
	defer func() {
		for _, p := range temps {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("remove temp segment", slog.String("path", p), slog.String("error", err.Error()))
			}
		}
	}()

	playlistURL := req.URL
	next := int64(-1)
	idle := 0
	complete := 0
	cancelled := false
loop:
	for {
		pl, err := e.loadPlaylist(ctx, playlistURL, req.Headers)
		switch {
		case ctx.Err() != nil:
			cancelled = true
			break loop
		case errors.Is(err, errFeedGone) && complete > 0:
			log.Info("playlist gone, treating feed as ended")
			break loop
		case err != nil:
			return 0, false, err
		}
		if pl.IsMaster() {
			if playlistURL != req.URL {
				return 0, false, fmt.Errorf("variant playlist %s is itself a master playlist", playlistURL)
			}
			// Variant selection policy is out of scope: take the first one.
			playlistURL = pl.Variants[0]
			continue
		}

		fresh := 0
		for _, seg := range pl.Segments {
			if seg.Sequence <= next {
				continue
			}
			if ctx.Err() != nil {
				cancelled = true
				break loop
			}
			path, err := e.download(ctx, seg.URI, req.Headers)
			if path != "" {
				temps = append(temps, path)
			}
			if err != nil {
				if ctx.Err() != nil {
					cancelled = true
					break loop
				}
				return 0, false, fmt.Errorf("segment #%d: %w", len(temps), err)
			}
			complete++
			next = seg.Sequence
			fresh++
		}
		log.Debug("playlist refreshed", slog.Int("new_segments", fresh), slog.Int("total_segments", complete))

		if pl.Ended {
			break
		}
		if fresh == 0 {
			idle++
			if idle >= maxIdleRefreshes {
				log.Info("no new segments, treating feed as ended", slog.Int("refreshes", idle))
				break
			}
		} else {
			idle = 0
		}
		if err := sleepCtx(ctx, e.refreshInterval(pl)); err != nil {
			cancelled = true
			break
		}
	}

	if complete == 0 {
		if cancelled {
			return 0, true, nil
		}
		return 0, false, ErrNoSegments
	}
	n, err := concatenate(sess.OutputPath, temps[:complete])
	return n, cancelled, err
}

func (e *SegmentedEngine) refreshInterval(pl *Playlist) time.Duration {
	if e.RefreshInterval > 0 {
		return e.RefreshInterval
	}
	if pl.TargetDuration > 0 {
		return time.Duration(pl.TargetDuration) * time.Second
	}
	return defaultRefreshInterval
}

func (e *SegmentedEngine) loadPlaylist(ctx context.Context, rawURL string, headers map[string]string) (*Playlist, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("playlist url: %w", err)
	}
	resp, err := e.get(ctx, rawURL, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("fetch playlist: status %d: %w", resp.StatusCode, errFeedGone)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch playlist: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return ParsePlaylist(string(body), base)
}

// download stores one segment in a new temporary file. The path is returned
// even on error so the caller can clean it up.
func (e *SegmentedEngine) download(ctx context.Context, uri string, headers map[string]string) (string, error) {
	f, err := os.CreateTemp(e.tempDir, "segment-*.ts")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	defer f.Close()

	resp, err := e.get(ctx, uri, headers)
	if err != nil {
		return path, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return path, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		return path, fmt.Errorf("write segment: %w", err)
	}
	return path, f.Close()
}

func (e *SegmentedEngine) get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req.Header.Set, headers)
	return e.client.Do(req)
}

// concatenate appends every temp file, in order, to a new file at out.
func concatenate(out string, parts []string) (int64, error) {
	dst, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	var total int64
	for _, p := range parts {
		n, err := appendFile(dst, p)
		total += n
		if err != nil {
			dst.Close()
			return total, fmt.Errorf("concatenate %s: %w", p, err)
		}
	}
	if err := dst.Close(); err != nil {
		return total, fmt.Errorf("close output: %w", err)
	}
	return total, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
