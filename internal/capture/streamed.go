package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"live-recorder/internal/shutdown"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultIdleTimeout ends a feed that delivers nothing for this long.
	DefaultIdleTimeout = 2 * time.Minute

	receiveChunkSize = 16 * 1024
)

// StreamedEngine records a push-style websocket feed. Each complete message
// is appended to the raw output file in arrival order; once the feed ends the
// raw file is remuxed. The session, remux included, is a job in the shared
// JobSet from Start until its result is published.
type StreamedEngine struct {
	dialer  *websocket.Dialer
	remuxer Remuxer
	jobs    *shutdown.JobSet
	log     *slog.Logger

	ConnectTimeout time.Duration
	// IdleTimeout bounds the wait for the next message; zero disables it.
	IdleTimeout time.Duration
}

// NewStreamedEngine returns an engine dialing with dialer (nil means
// websocket.DefaultDialer).
func NewStreamedEngine(dialer *websocket.Dialer, remuxer Remuxer, jobs *shutdown.JobSet, log *slog.Logger) *StreamedEngine {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &StreamedEngine{
		dialer:         dialer,
		remuxer:        remuxer,
		jobs:           jobs,
		log:            log,
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// NewDialer returns a websocket dialer using proxy when it is non-empty.
func NewDialer(proxy string) (*websocket.Dialer, error) {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = DefaultConnectTimeout
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		d.Proxy = http.ProxyURL(u)
	}
	return &d, nil
}

// Start implements Engine.
func (e *StreamedEngine) Start(ctx context.Context, req Request) (*Session, error) {
	if req.URL == "" {
		return nil, ErrEmptyLocator
	}
	out, err := outputPath(req.OutputDir, req.Name, ".mp4", time.Now())
	if err != nil {
		return nil, err
	}
	sess, sctx := NewSession(ctx, req.Label, out)
	spawn(e.jobs, func() { e.run(sctx, sess, req) })
	return sess, nil
}

func (e *StreamedEngine) run(ctx context.Context, sess *Session, req Request) {
	log := e.log.With(slog.String("target", req.Label), slog.String("output", sess.OutputPath))
	log.Info("streamed capture started", slog.String("url", req.URL))

	st, err := e.receive(ctx, req.URL, sess.OutputPath, req.Headers)
	res := Result{Bytes: st.bytes, Messages: st.messages}
	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		log.Warn("streamed capture cancelled", slog.Int64("bytes", st.bytes))
	case err != nil:
		res.Err = err
		log.Error("streamed capture ended with error", slog.String("error", err.Error()), slog.Int64("bytes", st.bytes))
	default:
		log.Info("streamed capture finished", slog.Int64("bytes", st.bytes), slog.Int64("messages", st.messages))
	}

	res.FinalizeErr = e.finalize(sess.OutputPath, log)
	sess.Complete(res)
}

type receiveStats struct {
	bytes    int64
	messages int64
}

// receive dials the feed and appends messages until the remote side closes,
// a transport error occurs, or ctx is cancelled.
func (e *StreamedEngine) receive(ctx context.Context, rawURL, path string, headers map[string]string) (receiveStats, error) {
	var st receiveStats

	hdr := http.Header{}
	applyHeaders(hdr.Set, headers)
	dctx, cancel := context.WithTimeout(ctx, e.ConnectTimeout)
	conn, _, err := e.dialer.DialContext(dctx, rawURL, hdr)
	cancel()
	if err != nil {
		return st, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	// A pending read only returns once the connection is closed.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return st, fmt.Errorf("create raw output: %w", err)
	}
	defer f.Close()

	var msg bytes.Buffer
	chunk := make([]byte, receiveChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if e.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(e.IdleTimeout)); err != nil {
				return st, fmt.Errorf("set read deadline: %w", err)
			}
		}
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return st, f.Sync()
			}
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			return st, e.receiveError("receive", err)
		}

		msg.Reset()
		if err := readMessage(&msg, r, chunk); err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			return st, e.receiveError("receive message", err)
		}
		n, err := f.Write(msg.Bytes())
		st.bytes += int64(n)
		if err != nil {
			return st, fmt.Errorf("append message: %w", err)
		}
		st.messages++
	}
}

func (e *StreamedEngine) receiveError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w after %s idle: %w", op, ErrFeedIdle, e.IdleTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// readMessage buffers every fragment of one message until its boundary.
func readMessage(dst *bytes.Buffer, r io.Reader, chunk []byte) error {
	for {
		n, err := r.Read(chunk)
		dst.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// finalize removes an empty raw file or remuxes a non-empty one. The remux is
// not tied to the session context, so shutdown waits for it instead of
// killing it.
func (e *StreamedEngine) finalize(path string, log *slog.Logger) error {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			log.Warn("streamed capture produced no file")
			return nil
		}
		return statErr
	}
	if info.Size() == 0 {
		log.Info("removing empty capture")
		return os.Remove(path)
	}
	if e.remuxer == nil {
		return nil
	}

	if err := e.remuxer.Remux(context.Background(), path); err != nil {
		log.Error("remux failed, keeping raw capture", slog.String("error", err.Error()))
		return err
	}
	return nil
}
