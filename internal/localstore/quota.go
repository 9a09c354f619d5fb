package localstore

import (
	"sort"
	"sync"
	"time"
)

// QuotaSnapshot is a point-in-time usage figure. It is recomputed on demand
// and never persisted.
type QuotaSnapshot struct {
	PerKeySizes            map[KeyRef]int64 `json:"-"`
	TotalBytes             int64            `json:"totalBytes"`
	EstimatedCapacityBytes int64            `json:"estimatedCapacityBytes"`
	PercentUsed            float64          `json:"percentUsed"`
}

type QuotaMonitorOptions struct {
	// DefaultCapacityBytes is used when the backend cannot estimate its
	// own capacity. Defaults to DefaultCapacityBytes.
	DefaultCapacityBytes int64
	// WarnThresholdPercent triggers OnWarning once per crossing.
	// Defaults to 80.
	WarnThresholdPercent float64
	// CriticalThresholdPercent triggers automatic eviction and, when
	// eviction cannot help, OnCritical. Defaults to 95.
	CriticalThresholdPercent float64
	// Retention is the age window for the default eviction policy.
	// Defaults to 30 days.
	Retention time.Duration
	// EvictableNamespaces limits eviction to the listed namespaces.
	// Namespaces holding identity or session state are simply never
	// registered here.
	EvictableNamespaces []string
	Policy              EvictionPolicy
	OnWarning           func(QuotaSnapshot)
	OnCritical          func(QuotaSnapshot)
	Logger              Logger
	Now                 func() time.Time
}

// QuotaMonitor measures usage against an estimated capacity and owns the
// eviction policy. The capacity figure is treated as conservative: the
// backend's own estimate when available, a hardcoded default otherwise, and
// shrunk to current usage whenever the backend rejects a write for space.
type QuotaMonitor struct {
	store     *Store
	logger    Logger
	now       func() time.Time
	policy    EvictionPolicy
	onWarn    func(QuotaSnapshot)
	onCrit    func(QuotaSnapshot)
	defWarn   float64
	defCrit   float64
	defCap    int64
	retention time.Duration

	mu          sync.Mutex
	evictable   map[string]struct{}
	capOverride int64
	warned      bool
	criticized  bool
}

func NewQuotaMonitor(store *Store, opts QuotaMonitorOptions) *QuotaMonitor {
	if store == nil {
		return nil
	}
	defCap := opts.DefaultCapacityBytes
	if defCap <= 0 {
		defCap = DefaultCapacityBytes
	}
	warn := opts.WarnThresholdPercent
	if warn <= 0 {
		warn = 80
	}
	crit := opts.CriticalThresholdPercent
	if crit <= 0 {
		crit = 95
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	policy := opts.Policy
	if policy == nil {
		policy = AgePolicy{Retention: retention}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &QuotaMonitor{
		store:     store,
		logger:    opts.Logger,
		now:       now,
		policy:    policy,
		onWarn:    opts.OnWarning,
		onCrit:    opts.OnCritical,
		defWarn:   warn,
		defCrit:   crit,
		defCap:    defCap,
		retention: retention,
		evictable: map[string]struct{}{},
	}
	for _, namespace := range opts.EvictableNamespaces {
		if namespace != "" {
			m.evictable[namespace] = struct{}{}
		}
	}
	store.attachQuota(m)
	return m
}

// MarkEvictable registers additional namespaces as eligible for eviction.
func (m *QuotaMonitor) MarkEvictable(namespaces ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, namespace := range namespaces {
		if namespace != "" {
			m.evictable[namespace] = struct{}{}
		}
	}
}

// Snapshot measures current usage. Per-key sizes come straight from the
// encoded envelope lengths the backend reports.
func (m *QuotaMonitor) Snapshot() QuotaSnapshot {
	if m == nil {
		return QuotaSnapshot{}
	}
	sizes, err := m.store.Backend().Sizes()
	if err != nil {
		m.logf("quota snapshot failed to read sizes: %v", err)
		sizes = map[KeyRef]int64{}
	}
	var total int64
	for _, size := range sizes {
		total += size
	}
	capacity := m.capacityEstimate(total)
	snapshot := QuotaSnapshot{
		PerKeySizes:            sizes,
		TotalBytes:             total,
		EstimatedCapacityBytes: capacity,
	}
	if capacity > 0 {
		snapshot.PercentUsed = float64(total) / float64(capacity) * 100
	}
	return snapshot
}

func (m *QuotaMonitor) capacityEstimate(used int64) int64 {
	m.mu.Lock()
	override := m.capOverride
	m.mu.Unlock()
	if override > 0 {
		return override
	}
	if _, capacity, ok := m.store.Backend().UsageEstimate(); ok && capacity > 0 {
		return capacity
	}
	_ = used
	return m.defCap
}

// StartMonitoring polls usage on the interval, firing the warning callback
// at the warn threshold and evicting automatically at the critical one.
// The returned stop function is idempotent.
func (m *QuotaMonitor) StartMonitoring(interval time.Duration) (stop func()) {
	if m == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}

func (m *QuotaMonitor) check() {
	snapshot := m.Snapshot()
	if snapshot.PercentUsed >= m.defCrit {
		freed, err := m.Evict(nil)
		if err != nil {
			m.logf("automatic eviction failed: %v", err)
		}
		if freed > 0 {
			snapshot = m.Snapshot()
		}
		if snapshot.PercentUsed >= m.defCrit {
			m.noteQuotaCritical()
			return
		}
	}
	m.mu.Lock()
	crossed := snapshot.PercentUsed >= m.defWarn
	fire := crossed && !m.warned
	m.warned = crossed
	if !crossed {
		m.criticized = false
	}
	m.mu.Unlock()
	if fire && m.onWarn != nil {
		m.onWarn(snapshot)
	}
}

// noteQuotaExceeded shrinks the capacity estimate to just below current
// usage after the backend rejected a write, so later threshold checks stop
// trusting an optimistic figure.
func (m *QuotaMonitor) noteQuotaExceeded() {
	if m == nil {
		return
	}
	snapshot := m.Snapshot()
	m.mu.Lock()
	if m.capOverride == 0 || snapshot.TotalBytes < m.capOverride {
		m.capOverride = snapshot.TotalBytes
	}
	m.mu.Unlock()
}

// noteQuotaCritical reports sustained exhaustion upward, once, without
// panicking. Callers refuse new non-essential writes until space frees up.
func (m *QuotaMonitor) noteQuotaCritical() {
	if m == nil {
		return
	}
	m.mu.Lock()
	fire := !m.criticized
	m.criticized = true
	m.mu.Unlock()
	if fire {
		m.logf("store capacity critical: eviction could not free enough space")
		if m.onCrit != nil {
			m.onCrit(m.Snapshot())
		}
	}
}

func (m *QuotaMonitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// Evict runs the policy (the monitor's default when nil) over evictable
// namespaces and removes the victims through the store's normal Remove
// path, so every removal is broadcast and accounted like any other write.
func (m *QuotaMonitor) Evict(policy EvictionPolicy) (int64, error) {
	if m == nil {
		return 0, nil
	}
	if policy == nil {
		policy = m.policy
	}
	m.mu.Lock()
	namespaces := make([]string, 0, len(m.evictable))
	for namespace := range m.evictable {
		namespaces = append(namespaces, namespace)
	}
	m.mu.Unlock()
	sort.Strings(namespaces)

	candidates := make([]EvictionCandidate, 0)
	for _, namespace := range namespaces {
		keys, err := m.store.Keys(namespace)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			data, ok, err := m.store.Backend().Get(namespace, key)
			if err != nil || !ok {
				continue
			}
			candidate := EvictionCandidate{
				Ref:  KeyRef{Namespace: namespace, Key: key},
				Size: int64(len(data)),
			}
			if env, decErr := DecodeEnvelope(data); decErr == nil {
				candidate.WrittenAt = env.WrittenAt
			}
			// Unreadable envelopes keep a zero WrittenAt and age out
			// with the oldest entries.
			candidates = append(candidates, candidate)
		}
	}

	victims := policy.SelectVictims(candidates, m.now().UTC())
	var freed int64
	for _, victim := range victims {
		if err := m.store.Remove(victim.Ref.Namespace, victim.Ref.Key); err != nil {
			m.logf("evicting %s/%s failed: %v", victim.Ref.Namespace, victim.Ref.Key, err)
			continue
		}
		freed += victim.Size
	}
	if freed > 0 {
		m.logf("evicted %d bytes across %d entries", freed, len(victims))
	}
	return freed, nil
}
