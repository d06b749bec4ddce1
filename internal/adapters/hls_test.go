package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"live-recorder/internal/capture"
	"live-recorder/internal/recorder"
)

func TestHLS_Probe(t *testing.T) {
	media := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:7\n#EXTINF:2.0,\nseg7.ts\n"
	cases := []struct {
		name   string
		status int
		body   string
		want   recorder.ProbeStatus
	}{
		{"live_media", http.StatusOK, media, recorder.ProbeLive},
		{"master", http.StatusOK, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n", recorder.ProbeLive},
		{"ended", http.StatusOK, media + "#EXT-X-ENDLIST\n", recorder.ProbeOffline},
		{"empty", http.StatusOK, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n", recorder.ProbeOffline},
		{"not_found", http.StatusNotFound, "", recorder.ProbeOffline},
		{"gone", http.StatusGone, "", recorder.ProbeOffline},
		{"forbidden", http.StatusForbidden, "", recorder.ProbeIndeterminate},
		{"not_a_playlist", http.StatusOK, "<html></html>", recorder.ProbeIndeterminate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			a := NewHLS(srv.Client())
			tg := recorder.Target{TargetConfig: recorder.TargetConfig{Platform: PlatformHLS, Channel: srv.URL + "/live.m3u8"}}
			res := a.Probe(context.Background(), tg)
			if res.Status != tc.want {
				t.Errorf("status = %v, want %v (err %v)", res.Status, tc.want, res.Err)
			}
		})
	}
}

func TestHLS_Probe_sends_target_headers(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tg := recorder.Target{TargetConfig: recorder.TargetConfig{
		Platform: PlatformHLS,
		Channel:  srv.URL + "/live.m3u8",
		Headers:  map[string]string{"Authorization": "Bearer x"},
	}}
	NewHLS(srv.Client()).Probe(context.Background(), tg)
	if h := <-got; h != "Bearer x" {
		t.Errorf("Authorization = %q", h)
	}
}

func TestHLS_BeginCapture(t *testing.T) {
	tg := recorder.Target{TargetConfig: recorder.TargetConfig{Platform: PlatformHLS, Channel: "https://cdn.example.com/a.m3u8"}}
	loc, err := NewHLS(nil).BeginCapture(context.Background(), tg)
	if err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if loc.URL != tg.Channel || loc.Strategy != capture.StrategySegmented {
		t.Errorf("locator = %+v", loc)
	}
}

func TestTable_covers_platforms(t *testing.T) {
	table := Table(http.DefaultClient, Account{}, testLogger())
	for _, p := range []string{PlatformTwitcasting, PlatformHLS} {
		if _, ok := table[p]; !ok {
			t.Errorf("no adapter for %q", p)
		}
	}
}

func TestNewHTTPClient_proxy(t *testing.T) {
	if _, err := NewHTTPClient("://bad", 0); err == nil {
		t.Error("expected error for malformed proxy url")
	}
	c, err := NewHTTPClient("http://127.0.0.1:3128", 0)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if c.Timeout != defaultHTTPTimeout {
		t.Errorf("timeout = %v", c.Timeout)
	}
}
