package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// buildMediaPlaylist renders an HLS media playlist for n segments named
// seg<i>.ts starting at sequence first.
func buildMediaPlaylist(first int64, n int, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:2\n")
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", first))
	for i := 0; i < n; i++ {
		b.WriteString("#EXTINF:2.0,\n")
		b.WriteString(fmt.Sprintf("seg%d.ts\n", first+int64(i)))
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func waitResult(t *testing.T, sess *Session) Result {
	t.Helper()
	select {
	case res, ok := <-sess.Done():
		if !ok {
			t.Fatal("completion channel closed without a result")
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for capture completion")
	}
	return Result{}
}

func assertNoMoreResults(t *testing.T, sess *Session) {
	t.Helper()
	if _, ok := <-sess.Done(); ok {
		t.Error("expected exactly one completion result")
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSegmentedEngine_concatenates_segments(t *testing.T) {
	var gotUA, gotCustom atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotCustom.Store(r.Header.Get("X-Token"))
		fmt.Fprint(w, buildMediaPlaylist(10, 3, true))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<%s>", strings.TrimPrefix(r.URL.Path, "/"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tmp := t.TempDir()
	out := t.TempDir()
	e := NewSegmentedEngine(srv.Client(), nil, testLogger(), tmp)

	sess, err := e.Start(context.Background(), Request{
		Label:     "hls/demo",
		Name:      "demo",
		URL:       srv.URL + "/live.m3u8",
		Headers:   map[string]string{"X-Token": "abc"},
		OutputDir: out,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, sess)
	assertNoMoreResults(t, sess)

	if res.Err != nil || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Label != "hls/demo" {
		t.Errorf("label = %q", res.Label)
	}
	data, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if want := "<seg10.ts><seg11.ts><seg12.ts>"; string(data) != want {
		t.Errorf("output = %q, want %q", data, want)
	}
	if left := dirEntries(t, tmp); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
	if gotUA.Load() != defaultUserAgent || gotCustom.Load() != "abc" {
		t.Errorf("headers not applied: ua=%v token=%v", gotUA.Load(), gotCustom.Load())
	}
}

func TestSegmentedEngine_segment_failure_aborts_and_cleans_up(t *testing.T) {
	var fetched atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildMediaPlaylist(1, 5, true))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fetched.Add(1)
		if r.URL.Path == "/seg3.ts" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write(bytes.Repeat([]byte("x"), 128))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tmp := t.TempDir()
	out := t.TempDir()
	e := NewSegmentedEngine(srv.Client(), nil, testLogger(), tmp)

	sess, err := e.Start(context.Background(), Request{Label: "hls/x", Name: "x", URL: srv.URL + "/live.m3u8", OutputDir: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, sess)
	assertNoMoreResults(t, sess)

	if res.Err == nil {
		t.Fatal("expected an error from the failed segment")
	}
	if !strings.Contains(res.Err.Error(), "segment #3") {
		t.Errorf("error should name segment #3: %v", res.Err)
	}
	if n := fetched.Load(); n != 3 {
		t.Errorf("expected fetching to stop at segment 3, fetched %d", n)
	}
	if left := dirEntries(t, tmp); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
	if _, err := os.Stat(res.OutputPath); !os.IsNotExist(err) {
		t.Errorf("partial output should be removed, stat err = %v", err)
	}
}

func TestSegmentedEngine_follows_master_and_live_refresh(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nvariant/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=500\nlow/index.m3u8\n")
	})
	mux.HandleFunc("/variant/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		// First refresh shows 1..2, second shows 2..3 and ends.
		if refreshes.Add(1) == 1 {
			fmt.Fprint(w, buildMediaPlaylist(1, 2, false))
			return
		}
		fmt.Fprint(w, buildMediaPlaylist(2, 2, true))
	})
	mux.HandleFunc("/variant/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", strings.TrimPrefix(r.URL.Path, "/variant/"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewSegmentedEngine(srv.Client(), nil, testLogger(), t.TempDir())
	e.RefreshInterval = 10 * time.Millisecond

	sess, err := e.Start(context.Background(), Request{Label: "hls/m", Name: "m", URL: srv.URL + "/master.m3u8", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, sess)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	data, _ := os.ReadFile(res.OutputPath)
	if want := "[seg1.ts][seg2.ts][seg3.ts]"; string(data) != want {
		t.Errorf("output = %q, want %q (no duplicate segment 2)", data, want)
	}
}

func TestSegmentedEngine_cancel_keeps_completed_segments(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildMediaPlaylist(1, 3, true))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/seg2.ts" {
			select {
			case <-block:
			case <-r.Context().Done():
			}
			return
		}
		fmt.Fprint(w, "one")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	tmp := t.TempDir()
	e := NewSegmentedEngine(srv.Client(), nil, testLogger(), tmp)
	sess, err := e.Start(context.Background(), Request{Label: "hls/c", Name: "c", URL: srv.URL + "/live.m3u8", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	sess.Cancel()

	res := waitResult(t, sess)
	if !res.Cancelled || res.Err != nil {
		t.Fatalf("expected clean cancellation, got %+v", res)
	}
	data, _ := os.ReadFile(res.OutputPath)
	if string(data) != "one" {
		t.Errorf("output = %q, want segment 1 only", data)
	}
	if left := dirEntries(t, tmp); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
}

func TestSegmentedEngine_empty_locator(t *testing.T) {
	e := NewSegmentedEngine(nil, nil, testLogger(), "")
	if _, err := e.Start(context.Background(), Request{Name: "x"}); err != ErrEmptyLocator {
		t.Errorf("expected ErrEmptyLocator, got %v", err)
	}
}
