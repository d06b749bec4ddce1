package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"live-recorder/internal/capture"
	"live-recorder/internal/recorder"
)

// PlatformHLS is the platform identifier for plain HLS playlists. The target
// channel is the playlist URL.
const PlatformHLS = "hls"

// HLS watches a playlist URL directly.
type HLS struct {
	client *http.Client
}

// NewHLS returns the adapter. A nil client means http.DefaultClient.
func NewHLS(client *http.Client) *HLS {
	if client == nil {
		client = http.DefaultClient
	}
	return &HLS{client: client}
}

// Probe implements recorder.Adapter. A playlist that is gone or carries
// #EXT-X-ENDLIST is Offline; a parseable open playlist is Live.
func (a *HLS) Probe(ctx context.Context, t recorder.Target) recorder.ProbeResult {
	base, err := url.Parse(t.Channel)
	if err != nil {
		return recorder.Indeterminate(fmt.Errorf("playlist url: %w", err))
	}
	req, err := newRequest(ctx, http.MethodGet, t.Channel, nil, t.Headers)
	if err != nil {
		return recorder.Indeterminate(err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return recorder.Indeterminate(fmt.Errorf("fetch playlist: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return recorder.Offline()
	default:
		return recorder.Indeterminate(fmt.Errorf("fetch playlist: unexpected status %d", resp.StatusCode))
	}
	body, err := readBody(resp)
	if err != nil {
		return recorder.Indeterminate(fmt.Errorf("read playlist: %w", err))
	}
	pl, err := capture.ParsePlaylist(string(body), base)
	if err != nil {
		return recorder.Indeterminate(err)
	}
	if pl.IsMaster() {
		return recorder.Live()
	}
	if pl.Ended || len(pl.Segments) == 0 {
		return recorder.Offline()
	}
	return recorder.Live()
}

// BeginCapture implements recorder.Adapter.
func (a *HLS) BeginCapture(ctx context.Context, t recorder.Target) (recorder.Locator, error) {
	return recorder.Locator{URL: t.Channel, Strategy: capture.StrategySegmented}, nil
}

// EndCapture implements recorder.Adapter. Plain HLS sources keep no archive.
func (a *HLS) EndCapture(ctx context.Context, t recorder.Target) (recorder.Archive, error) {
	return recorder.Archive{}, nil
}
