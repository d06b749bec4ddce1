package recorder

import (
	"log/slog"
	"sync"
	"time"
)

// ReconcileReport summarizes what a Reconcile call changed.
type ReconcileReport struct {
	Added      []TargetKey
	Updated    []TargetKey
	Removed    []TargetKey
	Deferred   []TargetKey
	Duplicates int
	Invalid    int
}

// Changed reports whether the registry contents changed.
func (r ReconcileReport) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed)+len(r.Deferred) > 0
}

// Registry holds the watched targets and their runtime state. Reads and the
// whole of a reconcile are serialized by one RWMutex, so a reader sees the
// registry either before or after a reconcile, never in between.
type Registry struct {
	mu      sync.RWMutex
	targets map[TargetKey]*Target
	order   []TargetKey
	log     *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		targets: make(map[TargetKey]*Target),
		log:     log,
	}
}

// Reconcile merges a configuration snapshot into the registry.
//
// New keys are added Offline. Known keys get their mutable fields replaced
// while State, Notified and Recording are kept. Keys missing from the
// snapshot are dropped when Offline and not recording; otherwise they are
// flagged Removed and dropped by a later reconcile once that holds. Within
// one snapshot the last entry for a key wins.
func (r *Registry) Reconcile(snapshot []TargetConfig) ReconcileReport {
	var report ReconcileReport

	// Dedupe first: keep the position of the first entry, the value of the last.
	latest := make(map[TargetKey]TargetConfig, len(snapshot))
	keys := make([]TargetKey, 0, len(snapshot))
	for _, cfg := range snapshot {
		if cfg.Platform == "" || cfg.Channel == "" {
			report.Invalid++
			r.log.Warn("configuration warning: target without platform or channel",
				slog.String("platform", cfg.Platform),
				slog.String("channel", cfg.Channel),
				slog.String("name", cfg.Name))
			continue
		}
		key := cfg.Key()
		if _, dup := latest[key]; dup {
			report.Duplicates++
			r.log.Warn("configuration warning: duplicate target, last entry wins",
				slog.String("target", key.String()))
		} else {
			keys = append(keys, key)
		}
		latest[key] = cfg
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	order := make([]TargetKey, 0, len(keys))
	for _, key := range keys {
		cfg := latest[key]
		order = append(order, key)
		t, ok := r.targets[key]
		if !ok {
			r.targets[key] = &Target{TargetConfig: cfg, State: StateOffline, Since: now}
			report.Added = append(report.Added, key)
			continue
		}
		if !t.TargetConfig.equal(cfg) || t.Removed {
			report.Updated = append(report.Updated, key)
		}
		t.TargetConfig = cfg
		t.Removed = false
	}

	for _, key := range r.order {
		if _, keep := latest[key]; keep {
			continue
		}
		t := r.targets[key]
		if t.State == StateOffline && !t.Recording {
			delete(r.targets, key)
			report.Removed = append(report.Removed, key)
			continue
		}
		if !t.Removed {
			r.log.Info("target removed from configuration, waiting for live session to end",
				slog.String("target", key.String()))
		}
		t.Removed = true
		order = append(order, key)
		report.Deferred = append(report.Deferred, key)
	}
	r.order = order

	return report
}

// Snapshot returns copies of every target in configuration order.
func (r *Registry) Snapshot() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.targets[key].clone())
	}
	return out
}

// Get returns a copy of the target stored under key.
func (r *Registry) Get(key TargetKey) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[key]
	if !ok {
		return Target{}, false
	}
	return t.clone(), true
}

// Len returns the number of targets, including those pending removal.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Counts returns how many targets are live and how many are recording.
func (r *Registry) Counts() (live, recording int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.targets {
		if t.State == StateLive {
			live++
		}
		if t.Recording {
			recording++
		}
	}
	return live, recording
}

// MarkLive moves key to Live and returns the target as it was before.
// ok is false when the target is gone.
func (r *Registry) MarkLive(key TargetKey) (prev Target, ok bool) {
	return r.update(key, func(t *Target) {
		if t.State != StateLive {
			t.State = StateLive
			t.Since = time.Now().UTC()
		}
	})
}

// MarkOffline moves key to Offline and clears Notified, so the next live
// period notifies again.
func (r *Registry) MarkOffline(key TargetKey) (prev Target, ok bool) {
	return r.update(key, func(t *Target) {
		if t.State != StateOffline {
			t.State = StateOffline
			t.Since = time.Now().UTC()
		}
		t.Notified = false
		t.Dropped = false
	})
}

// MarkNotified sets Notified and reports whether it was previously unset.
// Callers send the notification only when it returns true.
func (r *Registry) MarkNotified(key TargetKey) bool {
	prev, ok := r.update(key, func(t *Target) { t.Notified = true })
	return ok && !prev.Notified
}

// BeginRecording claims key for the capture session id. It fails with
// ErrAlreadyRecording when another session holds the target.
func (r *Registry) BeginRecording(key TargetKey, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[key]
	if !ok {
		return ErrTargetNotFound
	}
	if t.Recording {
		return ErrAlreadyRecording
	}
	t.Recording = true
	t.SessionID = sessionID
	return nil
}

// EndRecording releases key if it is still held by sessionID.
func (r *Registry) EndRecording(key TargetKey, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[key]
	if !ok || !t.Recording || t.SessionID != sessionID {
		return false
	}
	t.Recording = false
	t.SessionID = ""
	return true
}

// DropRecording releases key like EndRecording and, when the target is
// still live, marks it for a new capture on the next live probe.
func (r *Registry) DropRecording(key TargetKey, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[key]
	if !ok || !t.Recording || t.SessionID != sessionID {
		return false
	}
	t.Recording = false
	t.SessionID = ""
	t.Dropped = t.State == StateLive
	return true
}

// ResumeCapture clears the Dropped mark of a live, idle target and reports
// whether it was set. Only one caller wins per drop.
func (r *Registry) ResumeCapture(key TargetKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[key]
	if !ok || !t.Dropped || t.Recording || t.State != StateLive {
		return false
	}
	t.Dropped = false
	return true
}

func (r *Registry) update(key TargetKey, fn func(t *Target)) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[key]
	if !ok {
		return Target{}, false
	}
	prev := t.clone()
	fn(t)
	return prev, true
}
