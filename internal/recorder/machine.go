package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"live-recorder/internal/capture"
	"live-recorder/internal/platform/metrics"
	"live-recorder/internal/shutdown"
)

const (
	persistTimeout = 10 * time.Second
	notifyTimeout  = 15 * time.Second
)

// MachineConfig wires a Machine. Registry, Adapters and Engines are required.
type MachineConfig struct {
	Registry  *Registry
	Adapters  Adapters
	Engines   map[capture.Strategy]capture.Engine
	Notifier  Notifier
	Store     SessionStore
	Sessions  *shutdown.SessionSet
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	OutputDir string
}

// Machine turns probe results into state transitions and their side effects:
// the went-live notification, capture start, and end-of-live bookkeeping.
// Handle must not run concurrently for the same target.
type Machine struct {
	registry  *Registry
	adapters  Adapters
	engines   map[capture.Strategy]capture.Engine
	notifier  Notifier
	store     SessionStore
	sessions  *shutdown.SessionSet
	metrics   *metrics.Metrics
	log       *slog.Logger
	outputDir string

	watchers sync.WaitGroup
	notifies sync.WaitGroup
	newID    func() string

	// remote holds the open records of sessions the platform archives
	// itself; they close on the offline edge.
	mu     sync.Mutex
	remote map[TargetKey]SessionRecord
}

// NewMachine returns a Machine. A nil Store keeps records in memory, a nil
// Notifier drops messages and a nil Sessions gets a private set.
func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		registry:  cfg.Registry,
		adapters:  cfg.Adapters,
		engines:   cfg.Engines,
		notifier:  cfg.Notifier,
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		outputDir: cfg.OutputDir,
		newID:     uuid.NewString,
		remote:    make(map[TargetKey]SessionRecord),
	}
	if m.store == nil {
		m.store = NewInMemorySessionStore()
	}
	if m.sessions == nil {
		m.sessions = shutdown.NewSessionSet()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Handle applies one probe result for key. Repeated or indeterminate results
// have no side effect.
func (m *Machine) Handle(ctx context.Context, key TargetKey, res ProbeResult) {
	switch res.Status {
	case ProbeLive:
		m.wentLive(ctx, key)
	case ProbeOffline:
		m.wentOffline(ctx, key)
	}
}

// Wait blocks until every completion watcher has recorded its session and
// every pending notification has been delivered or has failed.
func (m *Machine) Wait() {
	m.watchers.Wait()
	m.notifies.Wait()
}

func (m *Machine) wentLive(ctx context.Context, key TargetKey) {
	prev, ok := m.registry.MarkLive(key)
	if !ok {
		return
	}
	log := m.log.With(slog.String("target", key.String()), slog.String("name", prev.DisplayName()))
	if prev.State == StateLive {
		if m.registry.ResumeCapture(key) {
			log.Warn("capture ended while the target is still live, starting a new one")
			if err := m.startCapture(ctx, key, log); err != nil {
				log.Error("capture restart failed", slog.String("error", err.Error()))
			}
		}
		return
	}
	m.metrics.IncTransition(StateLive.String())
	log.Info("target went live")

	if m.registry.MarkNotified(key) {
		m.notify(ctx, prev, log)
	}

	if err := m.startCapture(ctx, key, log); err != nil {
		if errors.Is(err, ErrAlreadyRecording) {
			log.Error("capture not started", slog.String("error", err.Error()))
			return
		}
		log.Error("capture start failed, waiting for the next live period", slog.String("error", err.Error()))
	}
}

func (m *Machine) wentOffline(ctx context.Context, key TargetKey) {
	prev, ok := m.registry.MarkOffline(key)
	if !ok || prev.State == StateOffline {
		return
	}
	m.metrics.IncTransition(StateOffline.String())
	log := m.log.With(slog.String("target", key.String()), slog.String("name", prev.DisplayName()))
	log.Info("target went offline", slog.Duration("live_for", time.Since(prev.Since)))

	adapter, ok := m.adapters[key.Platform]
	if !ok {
		return
	}
	t, _ := m.registry.Get(key)
	archive, err := adapter.EndCapture(ctx, t)
	if err != nil {
		log.Warn("end-of-live hook failed", slog.String("error", err.Error()))
	}
	if m.finishRemote(key, archive, err, log) {
		return
	}
	if archive.SessionID != "" && archive.URL != "" {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := m.store.AttachArchive(actx, archive.SessionID, archive); err != nil {
			log.Error("attach archive failed", slog.String("session_id", archive.SessionID), slog.String("error", err.Error()))
		}
	}
}

// Release closes the records of remote sessions still open at exit. The
// platform keeps its archive; only local tracking stops.
func (m *Machine) Release() {
	m.mu.Lock()
	open := m.remote
	m.remote = make(map[TargetKey]SessionRecord)
	m.mu.Unlock()

	for key, rec := range open {
		m.registry.EndRecording(key, rec.ID)
		rec.EndedAt = time.Now().UTC()
		rec.Status = SessionCancelled
		m.metrics.CaptureCompleted(string(rec.Status))
		m.persist(rec, m.log.With(slog.String("target", key.String())))
	}
}

func (m *Machine) beginRemote(key TargetKey, t Target, id string, log *slog.Logger) {
	rec := SessionRecord{
		ID:        id,
		Platform:  key.Platform,
		Channel:   key.Channel,
		Name:      t.DisplayName(),
		StartedAt: time.Now().UTC(),
		Status:    SessionRecording,
	}
	m.mu.Lock()
	m.remote[key] = rec
	m.mu.Unlock()

	m.metrics.CaptureStarted(string(capture.StrategyRemote))
	m.persist(rec, log)
	log.Info("live session archived by the platform", slog.String("session_id", id))
}

// finishRemote closes the open remote session of key, if any, with what
// EndCapture reported.
func (m *Machine) finishRemote(key TargetKey, archive Archive, hookErr error, log *slog.Logger) bool {
	m.mu.Lock()
	rec, ok := m.remote[key]
	delete(m.remote, key)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.registry.EndRecording(key, rec.ID)
	rec.EndedAt = time.Now().UTC()
	rec.Status = SessionCompleted
	if hookErr != nil {
		rec.Error = "archive: " + hookErr.Error()
	}
	if archive.SessionID == "" || archive.SessionID == rec.ID {
		rec.ArchiveURL = archive.URL
		rec.ArchiveBackupURL = archive.BackupURL
	}
	m.metrics.CaptureCompleted(string(rec.Status))
	m.persist(rec, log)
	log.Info("remote session closed", slog.String("session_id", rec.ID), slog.String("archive_url", rec.ArchiveURL))
	return true
}

// notify sends the went-live message in the background so a slow sink
// never delays the capture start or the probe tick.
func (m *Machine) notify(ctx context.Context, t Target, log *slog.Logger) {
	if m.notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s (%s) went live!", t.DisplayName(), t.Channel)
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	m.notifies.Add(1)
	go func() {
		defer m.notifies.Done()
		defer cancel()
		if err := m.notifier.Notify(nctx, msg); err != nil {
			m.metrics.IncNotifications("failed")
			log.Warn("notification failed", slog.String("error", err.Error()))
			return
		}
		m.metrics.IncNotifications("sent")
	}()
}

// startCapture resolves the locator and starts the engine for its strategy.
// The capture outlives ctx; it ends with its feed or through the session set.
func (m *Machine) startCapture(ctx context.Context, key TargetKey, log *slog.Logger) error {
	adapter, ok := m.adapters[key.Platform]
	if !ok {
		return unknownPlatform(key.Platform)
	}
	t, ok := m.registry.Get(key)
	if !ok {
		return ErrTargetNotFound
	}
	if t.Recording {
		return fmt.Errorf("%w (session %s)", ErrAlreadyRecording, t.SessionID)
	}

	loc, err := adapter.BeginCapture(ctx, t)
	if err != nil {
		return fmt.Errorf("resolve locator: %w", err)
	}
	remote := loc.Strategy == capture.StrategyRemote
	engine, ok := m.engines[loc.Strategy]
	switch {
	case remote && loc.SessionID == "":
		return errors.New("remote session without a platform session id")
	case !remote && !ok:
		return fmt.Errorf("no capture engine for strategy %q", loc.Strategy)
	}

	id := loc.SessionID
	if id == "" {
		id = m.newID()
	}
	if err := m.registry.BeginRecording(key, id); err != nil {
		return fmt.Errorf("%w (session %s)", err, id)
	}
	if remote {
		m.beginRemote(key, t, id, log)
		return nil
	}

	headers := maps.Clone(t.Headers)
	if headers == nil {
		headers = make(map[string]string, len(loc.Headers))
	}
	maps.Copy(headers, loc.Headers)

	sess, err := engine.Start(context.WithoutCancel(ctx), capture.Request{
		Label:     key.String(),
		Name:      t.DisplayName(),
		URL:       loc.URL,
		Headers:   headers,
		OutputDir: m.outputDir,
	})
	if err != nil {
		m.registry.EndRecording(key, id)
		return fmt.Errorf("start %s capture: %w", loc.Strategy, err)
	}
	m.sessions.Track(id, sess.Cancel)
	m.metrics.CaptureStarted(string(loc.Strategy))

	rec := SessionRecord{
		ID:         id,
		Platform:   key.Platform,
		Channel:    key.Channel,
		Name:       t.DisplayName(),
		StartedAt:  sess.StartedAt.UTC(),
		OutputPath: sess.OutputPath,
		Status:     SessionRecording,
	}
	m.persist(rec, log)
	log.Info("capture started",
		slog.String("session_id", id),
		slog.String("strategy", string(loc.Strategy)),
		slog.String("output", sess.OutputPath))

	m.watchers.Add(1)
	go m.watch(key, sess, rec, log)
	return nil
}

// watch consumes the session's completion. It releases the target's
// recording claim but leaves State alone; only probes move State. A capture
// that ended on its own while the target is live is restarted by the next
// live probe, without a second notification.
func (m *Machine) watch(key TargetKey, sess *capture.Session, rec SessionRecord, log *slog.Logger) {
	defer m.watchers.Done()

	res, ok := <-sess.Done()
	m.sessions.Untrack(rec.ID)
	if ok && res.Cancelled {
		m.registry.EndRecording(key, rec.ID)
	} else {
		m.registry.DropRecording(key, rec.ID)
	}
	if !ok {
		res = capture.Result{Err: errors.New("capture ended without a result"), EndedAt: time.Now()}
	}

	rec.EndedAt = res.EndedAt.UTC()
	if res.OutputPath != "" {
		rec.OutputPath = res.OutputPath
	}
	switch {
	case res.Err != nil:
		rec.Status = SessionFailed
		rec.Error = res.Err.Error()
	case res.Cancelled:
		rec.Status = SessionCancelled
	default:
		rec.Status = SessionCompleted
	}
	if res.FinalizeErr != nil {
		m.metrics.IncRemuxFailures()
		rec.Error = joinMessages(rec.Error, "remux: "+res.FinalizeErr.Error())
	}
	m.metrics.CaptureCompleted(string(rec.Status))
	m.persist(rec, log)

	log.Info("capture session closed",
		slog.String("session_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.Int64("bytes", res.Bytes),
		slog.Duration("duration", res.EndedAt.Sub(res.StartedAt)))
}

func (m *Machine) persist(rec SessionRecord, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.UpsertSession(ctx, rec); err != nil {
		log.Error("persist session failed", slog.String("session_id", rec.ID), slog.String("error", err.Error()))
	}
}

func joinMessages(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
