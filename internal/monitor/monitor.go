// Package monitor owns one hub connection and drives the event
// pipeline: cache updates, job lifecycle, notifications and live
// updates, one inbound event at a time.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/printwatch/printwatch/internal/hub"
	"github.com/printwatch/printwatch/internal/jobs"
	"github.com/printwatch/printwatch/internal/live"
	"github.com/printwatch/printwatch/internal/notify"
	"github.com/printwatch/printwatch/internal/protocol"
	"github.com/printwatch/printwatch/internal/state"
	"github.com/rs/zerolog"
)

// Config holds one monitoring session's parameters.
type Config struct {
	HubURL         string
	AccessToken    string
	DevicePrefixes []string

	// StaleJobAfter closes a running job as failed when its device has
	// produced no update for this long. Zero disables the watchdog.
	StaleJobAfter time.Duration

	// Hub connection tuning; zero values use the hub defaults.
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
}

// Connectivity reports the monitor's connection state to callers.
type Connectivity struct {
	Running    bool     `json:"running"`
	Connection string   `json:"connection"`
	Devices    []string `json:"devices"`
}

// Monitor coordinates the hub client and the event consumers.
type Monitor struct {
	cfg        Config
	log        zerolog.Logger
	client     *hub.Client
	cache      *state.Cache
	tracker    *jobs.Tracker
	dispatcher *notify.Dispatcher
	liveCh     *live.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	connection string
	stopped    bool

	sendMu sync.Mutex
	sendQ  map[string]chan func()

	now func() time.Time
}

// New creates a monitor. The tracker, dispatcher and live channel are
// shared collaborators owned by the caller.
func New(cfg Config, tracker *jobs.Tracker, dispatcher *notify.Dispatcher, liveCh *live.Channel, log zerolog.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg: cfg,
		log: log.With().Str("component", "monitor").Logger(),
		client: hub.NewClient(hub.Options{
			URL:            cfg.HubURL,
			AccessToken:    cfg.AccessToken,
			BaseDelay:      cfg.BaseDelay,
			MaxDelay:       cfg.MaxDelay,
			MaxAttempts:    cfg.MaxAttempts,
			RequestTimeout: cfg.RequestTimeout,
		}, log),
		cache:      state.New(log),
		tracker:    tracker,
		dispatcher: dispatcher,
		liveCh:     liveCh,
		ctx:        ctx,
		cancel:     cancel,
		connection: "connecting",
		sendQ:      make(map[string]chan func()),
		now:        time.Now,
	}
}

// Start launches the connection and the event pipeline. It returns
// immediately; connection state is observable via Connectivity.
func (m *Monitor) Start() {
	m.log.Info().
		Str("url", m.cfg.HubURL).
		Strs("prefixes", m.cfg.DevicePrefixes).
		Msg("starting monitor")

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		_ = m.client.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
}

// Stop tears the connection down. Open jobs stay running: monitoring
// going away is not evidence the print stopped. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.connection = "stopped"
	m.mu.Unlock()

	m.log.Info().Msg("stopping monitor")
	m.cancel()
	if err := m.client.Close(); err != nil {
		m.log.Debug().Err(err).Msg("error closing hub connection")
	}
	m.wg.Wait()
}

// State returns one device's cached entry.
func (m *Monitor) State(prefix string) (state.Entry, bool) {
	return m.cache.Get(prefix)
}

// States returns all cached entries.
func (m *Monitor) States() []state.Entry {
	return m.cache.All()
}

// Connectivity returns the monitor's connection status.
func (m *Monitor) Connectivity() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Connectivity{
		Running:    !m.stopped,
		Connection: m.connection,
		Devices:    m.cache.Prefixes(),
	}
}

// loop is the single consumer of hub events and lifecycle signals.
// Cache update, job tracking, notification dispatch and live updates
// run as one step per event, so no consumer ever observes a
// half-applied state.
func (m *Monitor) loop() {
	var watchdog <-chan time.Time
	if m.cfg.StaleJobAfter > 0 {
		ticker := time.NewTicker(m.cfg.StaleJobAfter / 2)
		defer ticker.Stop()
		watchdog = ticker.C
	}

	for {
		select {
		case <-m.ctx.Done():
			return

		case sig := <-m.client.Signals():
			m.handleSignal(sig)

		case ev := <-m.client.Events():
			m.handleEvent(ev)

		case <-watchdog:
			m.closeStaleJobs()
		}
	}
}

func (m *Monitor) handleSignal(sig hub.Signal) {
	m.mu.Lock()
	m.connection = sig.Kind.String()
	m.mu.Unlock()

	switch sig.Kind {
	case hub.SignalConnected:
		m.log.Info().Msg("hub connected")
		if err := m.seed(); err != nil {
			m.log.Error().Err(err).Msg("failed to seed cache")
			return
		}
		m.cache.SetAllOnline(true)

	case hub.SignalDisconnected:
		m.log.Warn().Msg("hub disconnected")
		m.cache.SetAllOnline(false)

	case hub.SignalAuthFailed:
		m.log.Error().Err(sig.Err).Msg("hub credential rejected, monitoring halted")
		m.cache.SetAllOnline(false)

	case hub.SignalExhausted:
		m.log.Error().Msg("hub reconnect attempts exhausted")
		m.cache.SetAllOnline(false)
	}
}

// seed fetches a snapshot, initializes the cache and subscribes to
// change events. Runs on every (re)connect; re-initializing refreshes
// values missed while disconnected.
func (m *Monitor) seed() error {
	snapshot, err := m.client.FetchSnapshot(m.ctx)
	if err != nil {
		return err
	}

	m.applySnapshot(snapshot)

	return m.client.SubscribeChanges(m.ctx)
}

// applySnapshot merges a full snapshot into the cache. A status change
// the snapshot reveals on an already seeded device happened while we
// were disconnected; it runs through the same transition handling as a
// live event, so jobs close and notifications fire instead of waiting
// on the watchdog.
func (m *Monitor) applySnapshot(snapshot []protocol.EntityState) {
	accepted, changes := m.cache.Initialize(m.cfg.DevicePrefixes, snapshot)
	m.log.Info().Strs("devices", accepted).Msg("cache seeded")

	for i := range changes {
		change := changes[i]
		entry, ok := m.cache.Get(change.Prefix)
		if !ok {
			continue
		}
		m.log.Info().
			Str("prefix", change.Prefix).
			Str("old", string(change.Old)).
			Str("new", string(change.New)).
			Msg("status changed while disconnected")
		m.handleStatusChange(notify.Event{
			DevicePrefix: change.Prefix,
			DeviceName:   deviceName(change.Prefix),
			Filename:     entry.SubtaskName,
		}, entry, &change)
	}
}

func (m *Monitor) handleEvent(ev protocol.Event) {
	upd, ok := m.cache.ApplyEvent(ev.EntityID, ev.NewValue)
	if !ok {
		return
	}

	entry, ok := m.cache.Get(upd.Prefix)
	if !ok {
		return
	}

	nev := notify.Event{
		DevicePrefix: upd.Prefix,
		DeviceName:   deviceName(upd.Prefix),
		Filename:     entry.SubtaskName,
	}

	if change := upd.StatusChange; change != nil {
		m.handleStatusChange(nev, entry, change)
		return
	}

	if upd.Suffix == state.SuffixProgress {
		progress := entry.Progress
		m.deliver(upd.Prefix, func() {
			m.dispatcher.HandleProgress(m.ctx, nev, progress)
			m.liveCh.PushUpdate(m.ctx, entry)
		})
	}
}

func (m *Monitor) handleStatusChange(nev notify.Event, entry state.Entry, change *state.StatusChange) {
	// Job lifecycle first, so a job record exists before its start
	// notification goes out.
	if change.New == state.StatusRunning && change.Old != state.StatusRunning {
		if _, err := m.tracker.StartJob(change.Prefix, entry.SubtaskName, entry.TotalLayers); err != nil {
			m.log.Error().Err(err).Str("prefix", change.Prefix).Msg("failed to open job")
		}
	} else if change.Old == state.StatusRunning && change.New.Terminal() {
		status := jobStatus(change.New)
		if _, err := m.tracker.CompleteJob(change.Prefix, status, nil, nil); err != nil {
			m.log.Error().Err(err).Str("prefix", change.Prefix).Msg("failed to close job")
		}
	}

	oldStatus, newStatus := change.Old, change.New
	m.deliver(change.Prefix, func() {
		m.dispatcher.HandleTransition(m.ctx, nev, oldStatus, newStatus)

		switch {
		case entry.Status.Active():
			m.liveCh.PushUpdate(m.ctx, entry)
		case oldStatus.Active():
			m.liveCh.PushEnd(m.ctx, entry)
		}
	})
}

// deliver hands outbound gateway work to the device's send worker.
// Pushes stay ordered per device, but a slow gateway call never stalls
// the event loop or another device's cache updates.
func (m *Monitor) deliver(prefix string, fn func()) {
	m.sendMu.Lock()
	q, ok := m.sendQ[prefix]
	if !ok {
		q = make(chan func(), 16)
		m.sendQ[prefix] = q
		m.wg.Add(1)
		go m.sendWorker(q)
	}
	m.sendMu.Unlock()

	select {
	case q <- fn:
	default:
		m.log.Warn().Str("prefix", prefix).Msg("push queue full, dropping outbound update")
	}
}

func (m *Monitor) sendWorker(q <-chan func()) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-q:
			fn()
		}
	}
}

// closeStaleJobs fails running jobs whose device has gone silent past
// the configured window.
func (m *Monitor) closeStaleJobs() {
	cutoff := m.now().Add(-m.cfg.StaleJobAfter)
	for _, entry := range m.cache.All() {
		if entry.Status != state.StatusRunning || entry.LastUpdated.After(cutoff) {
			continue
		}
		if _, ok := m.tracker.Active(entry.DevicePrefix); !ok {
			continue
		}

		m.log.Warn().
			Str("prefix", entry.DevicePrefix).
			Time("last_updated", entry.LastUpdated).
			Msg("closing stale job")
		if _, err := m.tracker.CompleteJob(entry.DevicePrefix, jobs.StatusFailed, nil, nil); err != nil {
			m.log.Error().Err(err).Str("prefix", entry.DevicePrefix).Msg("failed to close stale job")
		}
	}
}

func jobStatus(s state.Status) jobs.Status {
	switch s {
	case state.StatusComplete:
		return jobs.StatusCompleted
	case state.StatusCancelled:
		return jobs.StatusCancelled
	default:
		return jobs.StatusFailed
	}
}

// deviceName derives a display name from the prefix naming root.
func deviceName(prefix string) string {
	return strings.TrimSuffix(prefix, "_")
}
