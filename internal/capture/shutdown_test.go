package capture

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-recorder/internal/shutdown"
)

func TestSegmentedEngine_shutdown_waits_for_concatenation(t *testing.T) {
	const segments = 20
	const segmentSize = 64 << 10

	stalled := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildMediaPlaylist(1, segments, false))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fmt.Sprintf("/seg%d.ts", segments) {
			once.Do(func() { close(stalled) })
			<-r.Context().Done()
			return
		}
		w.Write(bytes.Repeat([]byte("s"), segmentSize))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	coord := shutdown.New(testLogger(), time.Millisecond, 5*time.Second)
	tmp := t.TempDir()
	e := NewSegmentedEngine(srv.Client(), coord.Jobs, testLogger(), tmp)
	sess, err := e.Start(context.Background(), Request{Label: "hls/long", Name: "long", URL: srv.URL + "/live.m3u8", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	coord.Sessions.Track("s1", sess.Cancel)

	select {
	case <-stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("capture never reached the last segment")
	}
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case res := <-sess.Done():
		if !res.Cancelled || res.Err != nil {
			t.Errorf("expected clean cancellation, got %+v", res)
		}
		if want := int64((segments - 1) * segmentSize); res.Bytes != want {
			t.Errorf("bytes = %d, want %d", res.Bytes, want)
		}
	default:
		t.Fatal("Shutdown returned before the capture published its result")
	}
	if left := dirEntries(t, tmp); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
	if coord.Jobs.Len() != 0 {
		t.Errorf("jobs still tracked: %d", coord.Jobs.Len())
	}
}

func TestStreamedEngine_shutdown_waits_for_remux(t *testing.T) {
	release := make(chan struct{})
	received := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		writeFragmented(t, conn, []byte("payload"))
		close(received)
		<-release
	})
	defer close(release)

	coord := shutdown.New(testLogger(), time.Millisecond, 5*time.Second)
	remux := &fakeRemuxer{delay: 200 * time.Millisecond}
	e := NewStreamedEngine(nil, remux, coord.Jobs, testLogger())
	sess, err := e.Start(context.Background(), Request{Label: "t/u", Name: "u", URL: wsURL(srv), OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	coord.Sessions.Track("s1", sess.Cancel)

	<-received
	time.Sleep(50 * time.Millisecond)
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case res := <-sess.Done():
		if !res.Cancelled {
			t.Errorf("expected cancelled result, got %+v", res)
		}
	default:
		t.Fatal("Shutdown returned before the remux finished")
	}
	if remux.calls.Load() != 1 {
		t.Errorf("remux calls = %d, want 1", remux.calls.Load())
	}
}
