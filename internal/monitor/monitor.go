package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/collectors"
	"github.com/breeze-rmm/rdpwatch/internal/config"
	"github.com/breeze-rmm/rdpwatch/internal/geo"
	"github.com/breeze-rmm/rdpwatch/internal/health"
	"github.com/breeze-rmm/rdpwatch/internal/logging"
	"github.com/breeze-rmm/rdpwatch/internal/panel"
	"github.com/breeze-rmm/rdpwatch/internal/state"
	"github.com/breeze-rmm/rdpwatch/internal/workerpool"
)

var log = logging.L("monitor")

// ErrRefreshTimeout is returned by ForceReconcile when another pass holds
// the publish slot past the caller's deadline.
var ErrRefreshTimeout = errors.New("monitor: refresh timed out")

// SessionSource produces per-account session snapshots (fast pass).
type SessionSource interface {
	Collect(ctx context.Context, now time.Time) (map[string]collectors.SessionSnapshot, error)
}

// EnrichmentSource produces per-account audit enrichment (slow pass).
type EnrichmentSource interface {
	Collect(ctx context.Context, now time.Time) (map[string]collectors.EnrichmentSnapshot, error)
}

// GeoResolver resolves an IP to a cached location record.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (geo.Record, bool)
}

// Publisher pushes a rendered panel to the chat channel.
type Publisher interface {
	Publish(ctx context.Context, payload panel.Payload) error
}

// Options are the monitor's timings and panel settings.
type Options struct {
	FastInterval   time.Duration
	SlowInterval   time.Duration
	PublishTimeout time.Duration
	RefreshTimeout time.Duration
	View           panel.ViewConfig
}

// OptionsFromConfig derives monitor options from validated config.
func OptionsFromConfig(cfg *config.Config, hostname string) Options {
	return Options{
		FastInterval:   time.Duration(cfg.PollSeconds) * time.Second,
		SlowInterval:   time.Duration(cfg.SecurityPollSeconds) * time.Second,
		PublishTimeout: time.Duration(cfg.PublishTimeoutSeconds) * time.Second,
		RefreshTimeout: time.Duration(cfg.RefreshTimeoutSeconds) * time.Second,
		View: panel.ViewConfig{
			Hostname:   hostname,
			GeoEnabled: cfg.GeoLookupEnabled,
		},
	}
}

// Tolerance is how far before a pending disconnect a disconnect event may
// be and still count as confirming it.
func (o Options) Tolerance() time.Duration {
	return 2 * max(o.FastInterval, o.SlowInterval)
}

// Monitor runs the fast (session) and slow (audit + geo) passes, merges
// their results into the state store and keeps the panel in sync.
type Monitor struct {
	opts       Options
	store      *state.Store
	sessions   SessionSource
	enrichment EnrichmentSource
	resolver   GeoResolver
	publisher  Publisher
	reconciler *panel.Reconciler
	health     *health.Monitor
	pool       *workerpool.Pool
	now        func() time.Time

	// publishSlot serializes reconcile+publish passes.
	publishSlot chan struct{}
	slowRunning atomic.Bool

	mu          sync.RWMutex
	lastPayload *panel.Payload
	listeners   map[int]func(panel.Payload)
	nextID      int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a monitor. enrichment and resolver may be nil when the audit
// log or geolocation is disabled.
func New(store *state.Store, sessions SessionSource, enrichment EnrichmentSource, resolver GeoResolver,
	publisher Publisher, healthMon *health.Monitor, opts Options) *Monitor {
	if healthMon == nil {
		healthMon = health.NewMonitor()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		opts:        opts,
		store:       store,
		sessions:    sessions,
		enrichment:  enrichment,
		resolver:    resolver,
		publisher:   publisher,
		reconciler:  panel.NewReconciler(),
		health:      healthMon,
		pool:        workerpool.New(2, 4),
		now:         time.Now,
		publishSlot: make(chan struct{}, 1),
		listeners:   make(map[int]func(panel.Payload)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Health returns the monitor's health tracker.
func (m *Monitor) Health() *health.Monitor {
	return m.health
}

// Start runs one pass of each kind and then the two tickers. It returns
// immediately.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.RunFastPoll(m.ctx)
		m.loop(m.opts.FastInterval, func() { m.RunFastPoll(m.ctx) })
	}()
	go func() {
		defer m.wg.Done()
		m.submitSlowPass()
		m.loop(m.opts.SlowInterval, m.submitSlowPass)
	}()
	log.Info("monitor started", "fast", m.opts.FastInterval, "slow", m.opts.SlowInterval,
		"accounts", len(m.store.Accounts()))
}

func (m *Monitor) loop(interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-m.ctx.Done():
			return
		}
	}
}

// submitSlowPass queues a slow pass on the worker pool unless the previous
// one is still running.
func (m *Monitor) submitSlowPass() {
	if !m.slowRunning.CompareAndSwap(false, true) {
		log.Debug("slow pass still running, skipping tick")
		return
	}
	ok := m.pool.Submit("slow-pass", func() {
		defer m.slowRunning.Store(false)
		m.RunSlowPoll(m.ctx)
	})
	if !ok {
		m.slowRunning.Store(false)
	}
}

// Stop halts both loops and waits for an in-flight slow pass, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.pool.Shutdown(ctx)
		log.Info("monitor stopped")
	})
}

// GetCurrentStates returns every account's state in display order.
func (m *Monitor) GetCurrentStates() []state.AccountState {
	return m.store.Ordered()
}

// LastPayload returns the most recently published panel, if any.
func (m *Monitor) LastPayload() (panel.Payload, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastPayload == nil {
		return panel.Payload{}, false
	}
	return *m.lastPayload, true
}

// Subscribe registers fn to receive each payload after it is published.
// The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(panel.Payload)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// RunFastPoll refreshes session state and reconciles the panel. A failed
// listing keeps the previous snapshot.
func (m *Monitor) RunFastPoll(ctx context.Context) error {
	now := m.now()
	sessions, err := m.sessions.Collect(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("session poll failed", logging.KeyPass, "fast", logging.KeyError, err.Error())
		m.health.Update(health.ComponentSessions, health.Degraded, err.Error())
		return err
	}
	m.health.Update(health.ComponentSessions, health.Healthy, "")
	for _, ch := range m.store.UpdateSessions(sessions, now) {
		logSessionChange(ch)
	}

	_, err = m.reconcile(ctx, false)
	return err
}

// RunSlowPoll refreshes audit enrichment and geolocation, then reconciles.
// Enrichment failures leave the previous enrichment in place.
func (m *Monitor) RunSlowPoll(ctx context.Context) error {
	if m.enrichment != nil {
		now := m.now()
		enrichment, err := m.enrichment.Collect(ctx, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("security log unavailable, keeping previous enrichment",
				logging.KeyPass, "slow", logging.KeyError, err.Error())
			m.health.Update(health.ComponentSecurityLog, health.Degraded, err.Error())
		} else {
			m.health.Update(health.ComponentSecurityLog, health.Healthy, "")
			for _, ch := range m.store.UpdateEnrichment(enrichment, m.opts.Tolerance()) {
				log.Info("source address changed", logging.KeyAccount, ch.Username,
					"old", ch.OldIP, logging.KeyIP, ch.NewIP)
			}
		}
	}

	m.resolveGeo(ctx)
	_, err := m.reconcile(ctx, false)
	return err
}

func logSessionChange(ch state.SessionChange) {
	alog := logging.WithAccount(log, ch.Username)
	if ch.Started() {
		alog.Info("session active", "from", string(ch.From), "sessionId", ch.Session.SessionID)
		return
	}
	alog.Info("session no longer active", "state", string(ch.To))
}

// resolveGeo looks up accounts whose IP has no record or an expired one.
func (m *Monitor) resolveGeo(ctx context.Context) {
	if m.resolver == nil {
		return
	}
	now := m.now()
	failed := 0
	for _, st := range m.store.Ordered() {
		ip := st.Enrichment.LastIP
		if ip == "" {
			continue
		}
		if st.Geo != nil && st.Geo.IP == ip && !st.Geo.Expired(now) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		rec, ok := m.resolver.Resolve(ctx, ip)
		if !ok {
			failed++
		}
		m.store.SetGeo(st.Account.Username, ip, rec)
	}
	if failed > 0 {
		m.health.Update(health.ComponentGeo, health.Degraded, fmt.Sprintf("%d lookups failed", failed))
	} else {
		m.health.Update(health.ComponentGeo, health.Healthy, "")
	}
}

// ForceReconcile publishes the current state even when nothing changed and
// returns the payload it published. It waits at most RefreshTimeout (or
// ctx's deadline, if sooner) for the publish slot and returns
// ErrRefreshTimeout rather than hanging.
func (m *Monitor) ForceReconcile(ctx context.Context) (panel.Payload, error) {
	if m.opts.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RefreshTimeout)
		defer cancel()
	}
	payload, err := m.reconcile(ctx, true)
	if errors.Is(err, context.DeadlineExceeded) {
		return panel.Payload{}, fmt.Errorf("%w: %v", ErrRefreshTimeout, err)
	}
	return payload, err
}

// reconcile publishes the view when it changed (or force is set) and returns
// the payload sent; the zero Payload means nothing was published.
func (m *Monitor) reconcile(ctx context.Context, force bool) (panel.Payload, error) {
	select {
	case m.publishSlot <- struct{}{}:
	case <-ctx.Done():
		return panel.Payload{}, ctx.Err()
	}
	defer func() { <-m.publishSlot }()

	view := panel.BuildView(m.store.Ordered(), m.opts.View, m.now())
	res := m.reconciler.Reconcile(view, force)
	if !res.Changed {
		return panel.Payload{}, nil
	}

	pctx := ctx
	if m.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.opts.PublishTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := m.publisher.Publish(pctx, res.Payload); err != nil {
		log.Warn("panel publish failed", logging.KeyError, err.Error())
		m.health.Update(health.ComponentPublish, health.Degraded, err.Error())
		return panel.Payload{}, fmt.Errorf("publish panel: %w", err)
	}
	m.reconciler.Commit(res.View)
	m.health.Update(health.ComponentPublish, health.Healthy, "")
	log.Debug("panel published", "forced", force, logging.KeyDurationMs, time.Since(start).Milliseconds())

	m.notify(res.Payload)
	return res.Payload, nil
}

func (m *Monitor) notify(p panel.Payload) {
	m.mu.Lock()
	m.lastPayload = &p
	fns := make([]func(panel.Payload), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}
