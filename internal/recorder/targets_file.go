package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetsFile is the layout of the targets file:
//
//	interval: 10000 # milliseconds between probe rounds
//	streamers:
//	  - platform: twitcasting
//	    channel: some_user
//	    name: Some User
//	    live_password: optional
//	    headers:
//	      X-Custom: value
type TargetsFile struct {
	IntervalMS int            `yaml:"interval"`
	Streamers  []TargetConfig `yaml:"streamers"`
}

// FileSource reads the targets file from disk on every Load, so edits apply
// without a restart.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load implements ConfigSource.
func (s *FileSource) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read targets file: %w", err)
	}
	f, err := ParseTargets(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", s.Path, err)
	}
	interval := DefaultInterval
	if f.IntervalMS > 0 {
		interval = time.Duration(f.IntervalMS) * time.Millisecond
	}
	return Snapshot{Interval: interval, Targets: f.Streamers}, nil
}

// ParseTargets decodes a targets file. Unknown keys are rejected so typos do
// not silently drop settings.
func ParseTargets(data []byte) (TargetsFile, error) {
	var f TargetsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return TargetsFile{}, fmt.Errorf("parse targets: %w", err)
	}
	if f.IntervalMS < 0 {
		return TargetsFile{}, fmt.Errorf("parse targets: negative interval %d", f.IntervalMS)
	}
	return f, nil
}
