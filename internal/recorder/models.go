package recorder

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"live-recorder/internal/capture"
)

// TargetKey identifies a watched channel. The registry keeps at most one
// target per key.
type TargetKey struct {
	Platform string
	Channel  string
}

func (k TargetKey) String() string {
	return k.Platform + "/" + k.Channel
}

// TargetConfig is one entry of the targets file. Everything except Platform
// and Channel may change between reloads.
type TargetConfig struct {
	Platform     string            `yaml:"platform" json:"platform"`
	Channel      string            `yaml:"channel" json:"channel"`
	Name         string            `yaml:"name" json:"name"`
	Username     string            `yaml:"username" json:"-"`
	Password     string            `yaml:"password" json:"-"`
	Token        string            `yaml:"token" json:"-"`
	LivePassword string            `yaml:"live_password" json:"-"`
	Headers      map[string]string `yaml:"headers" json:"-"`
}

// Key returns the identity of the configured target.
func (c TargetConfig) Key() TargetKey {
	return TargetKey{Platform: c.Platform, Channel: c.Channel}
}

// DisplayName falls back to the channel when no name is configured.
func (c TargetConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Channel
}

func (c TargetConfig) equal(o TargetConfig) bool {
	return c.Name == o.Name &&
		c.Username == o.Username &&
		c.Password == o.Password &&
		c.Token == o.Token &&
		c.LivePassword == o.LivePassword &&
		maps.Equal(c.Headers, o.Headers)
}

// State is the lifecycle state of a target.
type State int

const (
	StateOffline State = iota
	StateLive
)

func (s State) String() string {
	if s == StateLive {
		return "live"
	}
	return "offline"
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Target is the runtime record of a watched channel. The registry only ever
// hands out copies.
type Target struct {
	TargetConfig

	State     State     `json:"state"`
	Notified  bool      `json:"notified"`
	Recording bool      `json:"recording"`
	Removed   bool      `json:"pending_removal"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	// Dropped marks a capture that ended while the target was still live;
	// the next live probe starts a new one.
	Dropped bool `json:"capture_dropped"`
}

func (t *Target) clone() Target {
	c := *t
	c.Headers = maps.Clone(t.Headers)
	return c
}

// ProbeStatus is the outcome of a single probe.
type ProbeStatus int

const (
	// ProbeIndeterminate never changes stored state.
	ProbeIndeterminate ProbeStatus = iota
	ProbeOffline
	ProbeLive
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeLive:
		return "live"
	case ProbeOffline:
		return "offline"
	default:
		return "indeterminate"
	}
}

// ProbeResult is what an adapter reports for one probe.
type ProbeResult struct {
	Status ProbeStatus
	Err    error
}

// Live, Offline and Indeterminate build probe results.
func Live() ProbeResult    { return ProbeResult{Status: ProbeLive} }
func Offline() ProbeResult { return ProbeResult{Status: ProbeOffline} }
func Indeterminate(err error) ProbeResult {
	return ProbeResult{Status: ProbeIndeterminate, Err: err}
}

// Locator tells the machine where and how to capture a live session.
type Locator struct {
	URL      string
	Strategy capture.Strategy
	Headers  map[string]string
	// SessionID is platform assigned; empty means one is generated.
	SessionID string
}

// SessionStatus is the persisted outcome of a capture session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionRecord is the persisted row for one capture session.
type SessionRecord struct {
	ID         string        `json:"id"`
	Platform   string        `json:"platform"`
	Channel    string        `json:"channel"`
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	OutputPath string        `json:"output_path,omitempty"`
	Status     SessionStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	// ArchiveURL is where the platform serves its own recording, when it
	// keeps one.
	ArchiveURL       string `json:"archive_url,omitempty"`
	ArchiveBackupURL string `json:"archive_backup_url,omitempty"`
}

// Archive is what EndCapture learned about the platform's own recording of
// the live period that just ended. The zero value means there is none.
type Archive struct {
	SessionID string
	URL       string
	BackupURL string
}

var (
	// ErrUnknownPlatform is reported for targets whose platform has no adapter.
	ErrUnknownPlatform = errors.New("no adapter for platform")

	// ErrAlreadyRecording means a capture was requested for a target that
	// already has one. It only affects the target concerned.
	ErrAlreadyRecording = errors.New("target already has an active capture")

	// ErrTargetNotFound is returned for keys the registry does not hold.
	ErrTargetNotFound = errors.New("target not found")

	// ErrSessionNotFound is returned by session stores for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
)

func unknownPlatform(platform string) error {
	return fmt.Errorf("%w %q", ErrUnknownPlatform, platform)
}
