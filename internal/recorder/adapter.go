package recorder

import (
	"context"
	"time"
)

// Adapter is the per-platform contract. Every method may be slow or fail.
type Adapter interface {
	// Probe reports whether the target is live. Transport and parse failures
	// are reported as Indeterminate.
	Probe(ctx context.Context, t Target) ProbeResult

	// BeginCapture resolves where to capture a live session from.
	BeginCapture(ctx context.Context, t Target) (Locator, error)

	// EndCapture runs platform bookkeeping once a live period ends. It is not
	// synchronized with the capture session, which stops on its own. A
	// non-zero Archive is attached to the session it names.
	EndCapture(ctx context.Context, t Target) (Archive, error)
}

// Adapters maps a platform identifier to its adapter. It is built once at
// startup.
type Adapters map[string]Adapter

// Notifier delivers best-effort messages.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Snapshot is one read of the targets configuration.
type Snapshot struct {
	// Interval is the pause between probe ticks; zero keeps the current one.
	Interval time.Duration
	Targets  []TargetConfig
}

// ConfigSource is re-read before every tick.
type ConfigSource interface {
	Load(ctx context.Context) (Snapshot, error)
}
