package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"live-recorder/internal/capture"
	"live-recorder/internal/recorder"
)

// PlatformAcfun is the platform identifier used in the targets file. Its
// channels are numeric user ids.
const PlatformAcfun = "acfun"

const (
	acfunSite = "https://live.acfun.cn"
	acfunID   = "https://id.app.acfun.cn"
	acfunAPI  = "https://api.kuaishouzt.com"

	acfunPlaybackPath = "/rest/zt/live/playBack/startPlay"
	acfunVisitorSID   = "acfun.api.visitor"
	acfunVisitorToken = "acfun.api.visitor_st"

	// DefaultAcfunListTTL is how long one channel listing answers probes.
	DefaultAcfunListTTL = 5 * time.Second
)

// ErrNotLive is returned when a capture is requested for a channel the
// platform does not list as live.
var ErrNotLive = errors.New("channel is not live")

// Acfun watches the public live listing. The platform archives every
// broadcast itself, so a capture only remembers the live id and the
// playback address is resolved once the broadcast ends.
type Acfun struct {
	client *http.Client
	log    *slog.Logger

	// SiteBase, IDBase and APIBase are overridden in tests.
	SiteBase string
	IDBase   string
	APIBase  string
	ListTTL  time.Duration

	mu       sync.Mutex
	visitor  *acfunVisitor
	lives    map[string]acfunLive
	listedAt time.Time
	// last live id seen per channel, kept after the channel leaves the listing
	seen map[string]string
}

// NewAcfun returns the adapter. A nil client means http.DefaultClient.
func NewAcfun(client *http.Client, log *slog.Logger) *Acfun {
	if client == nil {
		client = http.DefaultClient
	}
	return &Acfun{
		client:   client,
		log:      log,
		SiteBase: acfunSite,
		IDBase:   acfunID,
		APIBase:  acfunAPI,
		ListTTL:  DefaultAcfunListTTL,
		seen:     make(map[string]string),
	}
}

type acfunVisitor struct {
	did      string
	userID   string
	token    string
	security []byte
}

type acfunLive struct {
	LiveID     string `json:"liveId"`
	Href       string `json:"href"`
	Title      string `json:"title"`
	StreamName string `json:"streamName"`
	CreateTime int64  `json:"createTime"`
	User       struct {
		Name string `json:"name"`
	} `json:"user"`
}

type acfunListResponse struct {
	IsError  bool        `json:"isError"`
	LiveList []acfunLive `json:"liveList"`
}

// Probe implements recorder.Adapter. A channel absent from the listing is
// Offline; a failed or rejected listing is Indeterminate.
func (a *Acfun) Probe(ctx context.Context, t recorder.Target) recorder.ProbeResult {
	lives, err := a.list(ctx)
	if err != nil {
		return recorder.Indeterminate(err)
	}
	if _, ok := lives[t.Channel]; ok {
		return recorder.Live()
	}
	return recorder.Offline()
}

// BeginCapture implements recorder.Adapter.
func (a *Acfun) BeginCapture(ctx context.Context, t recorder.Target) (recorder.Locator, error) {
	lives, err := a.list(ctx)
	if err != nil {
		return recorder.Locator{}, err
	}
	live, ok := lives[t.Channel]
	if !ok || live.LiveID == "" {
		return recorder.Locator{}, ErrNotLive
	}
	a.log.Debug("live session",
		slog.String("channel", t.Channel),
		slog.String("live_id", live.LiveID),
		slog.String("title", live.Title))
	return recorder.Locator{Strategy: capture.StrategyRemote, SessionID: live.LiveID}, nil
}

// EndCapture implements recorder.Adapter. It resolves the playback address
// of the live session that just ended.
func (a *Acfun) EndCapture(ctx context.Context, t recorder.Target) (recorder.Archive, error) {
	liveID := t.SessionID
	a.mu.Lock()
	if liveID == "" {
		liveID = a.seen[t.Channel]
	}
	delete(a.seen, t.Channel)
	a.mu.Unlock()
	if liveID == "" {
		return recorder.Archive{}, nil
	}

	v, err := a.login(ctx)
	if err != nil {
		return recorder.Archive{SessionID: liveID}, err
	}
	main, backup, err := a.playback(ctx, v, liveID)
	if err != nil {
		return recorder.Archive{SessionID: liveID}, err
	}
	return recorder.Archive{SessionID: liveID, URL: main, BackupURL: backup}, nil
}

// list returns the live channels keyed by user id, fetching at most once per
// ListTTL.
func (a *Acfun) list(ctx context.Context) (map[string]acfunLive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lives != nil && time.Since(a.listedAt) < a.ListTTL {
		return a.lives, nil
	}

	v, err := a.loginLocked(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("count", "100000")
	q.Set("pcursor", "0")
	q.Set("userId", v.userID)
	q.Set("did", v.did)
	q.Set(acfunVisitorToken, v.token)
	req, err := newRequest(ctx, http.MethodGet, a.SiteBase+"/api/channel/list?"+q.Encode(), nil, map[string]string{
		"Cookie": "_did=" + v.did,
	})
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel list: unexpected status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("channel list: %w", err)
	}
	var out acfunListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode channel list: %w", err)
	}
	if out.IsError {
		// A rejected listing usually means the visitor token expired.
		a.visitor = nil
		return nil, errors.New("channel list: platform reported an error")
	}

	lives := make(map[string]acfunLive, len(out.LiveList))
	for _, l := range out.LiveList {
		if l.Href == "" {
			continue
		}
		lives[l.Href] = l
		a.seen[l.Href] = l.LiveID
	}
	a.lives = lives
	a.listedAt = time.Now()
	return lives, nil
}

func (a *Acfun) login(ctx context.Context) (*acfunVisitor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked(ctx)
}

// loginLocked obtains a device id from the site and a visitor token for it.
func (a *Acfun) loginLocked(ctx context.Context) (*acfunVisitor, error) {
	if a.visitor != nil {
		return a.visitor, nil
	}

	req, err := newRequest(ctx, http.MethodGet, a.SiteBase+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	resp.Body.Close()
	var did string
	for _, c := range resp.Cookies() {
		if c.Name == "_did" {
			did = c.Value
		}
	}
	if did == "" {
		return nil, errors.New("device id: no _did cookie")
	}

	form := url.Values{"sid": {acfunVisitorSID}}
	req, err = newRequest(ctx, http.MethodPost, a.IDBase+"/rest/app/visitor/login", strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Cookie":       "_did=" + did,
	})
	if err != nil {
		return nil, err
	}
	resp, err = a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("visitor login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("visitor login: unexpected status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("visitor login: %w", err)
	}
	var out struct {
		Result     int         `json:"result"`
		ACSecurity string      `json:"acSecurity"`
		Token      string      `json:"acfun.api.visitor_st"`
		UserID     json.Number `json:"userId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode visitor login: %w", err)
	}
	if out.Result != 0 || out.Token == "" || out.UserID == "" {
		return nil, fmt.Errorf("visitor login: rejected with result %d", out.Result)
	}
	key, err := base64.StdEncoding.DecodeString(out.ACSecurity)
	if err != nil {
		return nil, fmt.Errorf("visitor login: decode signing key: %w", err)
	}
	a.visitor = &acfunVisitor{did: did, userID: out.UserID.String(), token: out.Token, security: key}
	a.log.Debug("visitor login", slog.String("user_id", a.visitor.userID))
	return a.visitor, nil
}

type acfunManifest struct {
	AdaptationSet []struct {
		Representation []struct {
			URL       string   `json:"url"`
			BackupURL []string `json:"backupUrl"`
		} `json:"representation"`
	} `json:"adaptationSet"`
}

// playback asks for the archived stream of liveID.
func (a *Acfun) playback(ctx context.Context, v *acfunVisitor, liveID string) (string, string, error) {
	q := url.Values{}
	q.Set("subBiz", "mainApp")
	q.Set("kpn", "ACFUN_APP")
	q.Set("kpf", "PC_WEB")
	q.Set("userId", v.userID)
	q.Set("did", v.did)
	q.Set(acfunVisitorToken, v.token)
	form := url.Values{"liveId": {liveID}}
	form.Set("__clientSign", clientSign(v.security, acfunPlaybackPath, q, form, acfunNonce()))

	req, err := newRequest(ctx, http.MethodPost, a.APIBase+acfunPlaybackPath+"?"+q.Encode(), strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Cookie":       "_did=" + v.did + ";",
		"Referer":      a.SiteBase + "/",
	})
	if err != nil {
		return "", "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("playback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("playback: unexpected status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return "", "", fmt.Errorf("playback: %w", err)
	}
	var out struct {
		Result int `json:"result"`
		Data   struct {
			AdaptiveManifest string `json:"adaptiveManifest"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode playback: %w", err)
	}
	if out.Result != 1 {
		return "", "", fmt.Errorf("playback: rejected with result %d", out.Result)
	}
	var m acfunManifest
	if err := json.Unmarshal([]byte(out.Data.AdaptiveManifest), &m); err != nil {
		return "", "", fmt.Errorf("decode playback manifest: %w", err)
	}
	if len(m.AdaptationSet) == 0 || len(m.AdaptationSet[0].Representation) == 0 || m.AdaptationSet[0].Representation[0].URL == "" {
		return "", "", ErrNoStream
	}
	rep := m.AdaptationSet[0].Representation[0]
	var backup string
	if len(rep.BackupURL) > 0 {
		backup = rep.BackupURL[0]
	}
	return rep.URL, backup, nil
}

// acfunNonce packs the current minute into the low word and a random value
// into the high word.
func acfunNonce() uint64 {
	return uint64(time.Now().Unix()/60) | uint64(rand.Uint32())<<32
}

// clientSign signs a POST to path. Every query and form parameter except the
// signature itself takes part, ordered by case-insensitive name. The result
// is the big-endian nonce followed by the HMAC-SHA256, base64url without
// padding.
func clientSign(key []byte, path string, query, form url.Values, nonce uint64) string {
	var pairs []string
	for _, vals := range []url.Values{query, form} {
		for k, vs := range vals {
			if k == "__clientSign" {
				continue
			}
			for _, v := range vs {
				pairs = append(pairs, k+"="+v)
			}
		}
	}
	slices.SortFunc(pairs, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	msg := "POST&" + path + "&" + strings.Join(pairs, "&") + "&" + strconv.FormatUint(nonce, 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	out := binary.BigEndian.AppendUint64(nil, nonce)
	out = mac.Sum(out)
	return base64.RawURLEncoding.EncodeToString(out)
}
