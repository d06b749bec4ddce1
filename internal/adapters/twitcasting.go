package adapters

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"live-recorder/internal/capture"
	"live-recorder/internal/recorder"
)

// PlatformTwitcasting is the platform identifier used in the targets file.
const PlatformTwitcasting = "twitcasting"

const (
	twitcastingAPI  = "https://frontendapi.twitcasting.tv"
	twitcastingSite = "https://twitcasting.tv"
)

// ErrNoStream is returned when a live channel exposes no playable stream.
var ErrNoStream = errors.New("no stream url in stream server response")

// Account is a fallback login used for targets without their own credentials.
type Account struct {
	Username string
	Token    string
}

// Twitcasting probes channels through the frontend API and records the
// low-latency fmp4 websocket feed.
type Twitcasting struct {
	client  *http.Client
	account Account
	log     *slog.Logger

	// APIBase and SiteBase are overridden in tests.
	APIBase  string
	SiteBase string
}

// NewTwitcasting returns the adapter. A nil client means http.DefaultClient.
func NewTwitcasting(client *http.Client, account Account, log *slog.Logger) *Twitcasting {
	if client == nil {
		client = http.DefaultClient
	}
	return &Twitcasting{
		client:   client,
		account:  account,
		log:      log,
		APIBase:  twitcastingAPI,
		SiteBase: twitcastingSite,
	}
}

type watchUserResponse struct {
	IsLive *bool `json:"is_live"`
}

// Probe implements recorder.Adapter. An unknown user is Offline; every other
// failure is Indeterminate.
func (a *Twitcasting) Probe(ctx context.Context, t recorder.Target) recorder.ProbeResult {
	payload, err := json.Marshal(map[string]string{"userId": t.Channel})
	if err != nil {
		return recorder.Indeterminate(err)
	}
	endpoint := a.APIBase + "/watch/user/" + url.PathEscape(t.Channel)
	req, err := newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), a.headers(t))
	if err != nil {
		return recorder.Indeterminate(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return recorder.Indeterminate(fmt.Errorf("watch user: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return recorder.Offline()
	case resp.StatusCode != http.StatusOK:
		return recorder.Indeterminate(fmt.Errorf("watch user: unexpected status %d", resp.StatusCode))
	}
	body, err := readBody(resp)
	if err != nil {
		return recorder.Indeterminate(fmt.Errorf("watch user: %w", err))
	}
	var out watchUserResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return recorder.Indeterminate(fmt.Errorf("decode watch user: %w", err))
	}
	if out.IsLive == nil {
		return recorder.Indeterminate(errors.New("watch user: response has no is_live field"))
	}
	if *out.IsLive {
		return recorder.Live()
	}
	return recorder.Offline()
}

type streamServerResponse struct {
	LLFMP4 struct {
		Streams struct {
			Main         string `json:"main"`
			MobileSource string `json:"mobilesource"`
			Base         string `json:"base"`
		} `json:"streams"`
	} `json:"llfmp4"`
}

// best returns the highest quality stream available.
func (r streamServerResponse) best() string {
	s := r.LLFMP4.Streams
	for _, u := range []string{s.Main, s.MobileSource, s.Base} {
		if u != "" {
			return u
		}
	}
	return ""
}

// BeginCapture implements recorder.Adapter.
func (a *Twitcasting) BeginCapture(ctx context.Context, t recorder.Target) (recorder.Locator, error) {
	q := url.Values{}
	q.Set("target", t.Channel)
	q.Set("mode", "client")
	q.Set("player", "pc_web")
	headers := a.headers(t)

	req, err := newRequest(ctx, http.MethodGet, a.SiteBase+"/streamserver.php?"+q.Encode(), nil, headers)
	if err != nil {
		return recorder.Locator{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return recorder.Locator{}, fmt.Errorf("stream server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return recorder.Locator{}, fmt.Errorf("stream server: unexpected status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return recorder.Locator{}, fmt.Errorf("stream server: %w", err)
	}
	var out streamServerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return recorder.Locator{}, fmt.Errorf("decode stream server: %w", err)
	}
	stream := out.best()
	if stream == "" {
		return recorder.Locator{}, ErrNoStream
	}
	a.log.Debug("resolved stream", slog.String("channel", t.Channel), slog.String("url", stream))
	return recorder.Locator{URL: stream, Strategy: capture.StrategyStreamed, Headers: headers}, nil
}

// EndCapture implements recorder.Adapter. Twitcasting needs no bookkeeping.
func (a *Twitcasting) EndCapture(ctx context.Context, t recorder.Target) (recorder.Archive, error) {
	return recorder.Archive{}, nil
}

// headers builds the request headers for t: login cookie, live password
// hash, origin and referer, then the target's own headers.
func (a *Twitcasting) headers(t recorder.Target) map[string]string {
	h := map[string]string{
		"Origin":  a.SiteBase + "/",
		"Referer": a.SiteBase + "/" + t.Channel,
	}
	user, token := t.Username, t.Token
	if user == "" || token == "" {
		user, token = a.account.Username, a.account.Token
	}
	if user != "" && token != "" {
		h["Cookie"] = fmt.Sprintf("tc_id=%s;tc_ss=%s;", user, token)
	}
	if t.LivePassword != "" {
		h["wpass"] = passwordHash(t.LivePassword)
	}
	for k, v := range t.Headers {
		h[k] = v
	}
	return h
}

func passwordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}
