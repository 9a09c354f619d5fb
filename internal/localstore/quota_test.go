package localstore

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestQuotaSnapshotMath(t *testing.T) {
	backend := NewMemoryBackend(100)
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{})

	if err := backend.Set("ns", "a", make([]byte, 40)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := backend.Set("ns", "b", make([]byte, 20)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	snapshot := monitor.Snapshot()
	if snapshot.TotalBytes != 60 {
		t.Fatalf("expected 60 bytes used, got %d", snapshot.TotalBytes)
	}
	if snapshot.EstimatedCapacityBytes != 100 {
		t.Fatalf("expected backend capacity 100, got %d", snapshot.EstimatedCapacityBytes)
	}
	if snapshot.PercentUsed != 60 {
		t.Fatalf("expected 60%% used, got %v", snapshot.PercentUsed)
	}
	if len(snapshot.PerKeySizes) != 2 {
		t.Fatalf("expected per-key sizes, got %v", snapshot.PerKeySizes)
	}
}

func TestQuotaSnapshotFallsBackToDefaultCapacity(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Backend: NewMemoryBackend(0)})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{DefaultCapacityBytes: 1000})
	snapshot := monitor.Snapshot()
	if snapshot.EstimatedCapacityBytes != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", snapshot.EstimatedCapacityBytes)
	}
}

func TestQuotaExceededShrinksCapacityEstimate(t *testing.T) {
	backend := NewMemoryBackend(0)
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{DefaultCapacityBytes: 1000})

	if err := backend.Set("ns", "a", make([]byte, 200)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	monitor.noteQuotaExceeded()
	snapshot := monitor.Snapshot()
	if snapshot.EstimatedCapacityBytes != 200 {
		t.Fatalf("expected capacity shrunk to observed usage 200, got %d", snapshot.EstimatedCapacityBytes)
	}
	if snapshot.PercentUsed != 100 {
		t.Fatalf("expected 100%% used, got %v", snapshot.PercentUsed)
	}
}

func TestQuotaWarningFiresOncePerCrossing(t *testing.T) {
	backend := NewMemoryBackend(100)
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	warnings := 0
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{
		WarnThresholdPercent: 50,
		OnWarning:            func(QuotaSnapshot) { warnings++ },
	})

	if err := backend.Set("ns", "a", make([]byte, 60)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	monitor.check()
	monitor.check()
	if warnings != 1 {
		t.Fatalf("expected one warning while above threshold, got %d", warnings)
	}

	// Dropping below the threshold re-arms the warning.
	if err := backend.Remove("ns", "a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	monitor.check()
	if err := backend.Set("ns", "a", make([]byte, 60)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	monitor.check()
	if warnings != 2 {
		t.Fatalf("expected warning to fire again after recovery, got %d", warnings)
	}
}

func TestQuotaCheckEvictsAtCriticalThreshold(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	backend := NewMemoryBackend(0)
	store := NewStoreWithOptions(StoreOptions{Backend: backend, Now: now})
	criticals := 0
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{
		DefaultCapacityBytes:     1000,
		CriticalThresholdPercent: 90,
		Retention:                time.Hour,
		EvictableNamespaces:      []string{"cache"},
		OnCritical:               func(QuotaSnapshot) { criticals++ },
		Now:                      now,
	})

	payload := []byte(`{"fill":"` + strings.Repeat("a", 240) + `"}`)
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := store.Set("cache", key, payload); err != nil {
			t.Fatalf("seed write %s failed: %v", key, err)
		}
	}

	// Age everything past retention; the critical check frees it all.
	clock = clock.Add(2 * time.Hour)
	monitor.check()
	if criticals != 0 {
		t.Fatalf("eviction freed space, critical should not fire, got %d", criticals)
	}
	keys, err := store.Keys("cache")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected all aged entries evicted, got %v", keys)
	}
}

func TestQuotaCriticalFiresWhenEvictionCannotHelp(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	backend := NewMemoryBackend(0)
	store := NewStoreWithOptions(StoreOptions{Backend: backend, Now: now})

	// Everything stored is recent, so the age policy has nothing to remove.
	if err := store.Set("cache", "fresh", []byte(`{"v":"recent"}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	sizes, err := backend.Sizes()
	if err != nil {
		t.Fatalf("sizes failed: %v", err)
	}
	var used int64
	for _, size := range sizes {
		used += size
	}

	criticals := 0
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{
		DefaultCapacityBytes:     used,
		CriticalThresholdPercent: 90,
		Retention:                time.Hour,
		EvictableNamespaces:      []string{"cache"},
		OnCritical:               func(QuotaSnapshot) { criticals++ },
		Now:                      now,
	})
	monitor.check()
	monitor.check()
	if criticals != 1 {
		t.Fatalf("expected exactly one critical notification, got %d", criticals)
	}
}

func TestEvictRespectsEvictableNamespaces(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := NewStoreWithOptions(StoreOptions{Backend: NewMemoryBackend(0), Now: now})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{
		Retention:           time.Hour,
		EvictableNamespaces: []string{"cache"},
		Now:                 now,
	})

	if err := store.Set("cache", "old", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set("sessions", "token", []byte(`{"t":"x"}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	freed, err := monitor.Evict(nil)
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if freed == 0 {
		t.Fatalf("expected bytes freed from cache namespace")
	}
	if _, found, _ := store.Get("cache", "old"); found {
		t.Fatalf("expected cache entry evicted")
	}
	if _, found, _ := store.Get("sessions", "token"); !found {
		t.Fatalf("sessions namespace is not evictable and must survive")
	}
}

func TestAgePolicySelectsOldestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	candidates := []EvictionCandidate{
		{Ref: KeyRef{Namespace: "c", Key: "mid"}, WrittenAt: now.Add(-48 * time.Hour)},
		{Ref: KeyRef{Namespace: "c", Key: "fresh"}, WrittenAt: now.Add(-time.Hour)},
		{Ref: KeyRef{Namespace: "c", Key: "oldest"}, WrittenAt: now.Add(-96 * time.Hour)},
	}
	victims := AgePolicy{Retention: 24 * time.Hour}.SelectVictims(candidates, now)
	if len(victims) != 2 {
		t.Fatalf("expected 2 victims outside retention, got %d", len(victims))
	}
	if victims[0].Ref.Key != "oldest" || victims[1].Ref.Key != "mid" {
		t.Fatalf("expected oldest-first ordering, got %v", victims)
	}
}

func TestSizePolicySelectsLargestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	candidates := []EvictionCandidate{
		{Ref: KeyRef{Namespace: "c", Key: "small"}, Size: 10},
		{Ref: KeyRef{Namespace: "c", Key: "big"}, Size: 100},
		{Ref: KeyRef{Namespace: "c", Key: "medium"}, Size: 50},
	}
	victims := SizePolicy{TargetBytes: 120}.SelectVictims(candidates, now)
	if len(victims) != 2 {
		t.Fatalf("expected 2 victims to cover 120 bytes, got %d", len(victims))
	}
	if victims[0].Ref.Key != "big" || victims[1].Ref.Key != "medium" {
		t.Fatalf("expected largest-first ordering, got %v", victims)
	}

	if victims := (SizePolicy{}).SelectVictims(candidates, now); len(victims) != 0 {
		t.Fatalf("zero target must select nothing, got %v", victims)
	}
}

func TestMarkEvictableExtendsEligibility(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := NewStoreWithOptions(StoreOptions{Backend: NewMemoryBackend(0), Now: now})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{Retention: time.Hour, Now: now})

	if err := store.Set("scratch", "x", []byte(`1`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)

	freed, err := monitor.Evict(nil)
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if freed != 0 {
		t.Fatalf("no namespace is evictable yet, freed %d", freed)
	}

	monitor.MarkEvictable("scratch")
	freed, err = monitor.Evict(nil)
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if freed == 0 {
		t.Fatalf("expected scratch entry evicted after marking")
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestQuotaMonitorLogsThroughConfiguredLogger(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	logger := &recordingLogger{}
	store := NewStoreWithOptions(StoreOptions{Backend: NewMemoryBackend(0), Now: now})
	monitor := NewQuotaMonitor(store, QuotaMonitorOptions{
		Retention:           time.Hour,
		EvictableNamespaces: []string{"cache"},
		Logger:              logger,
		Now:                 now,
	})

	if err := store.Set("cache", "stale", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)

	freed, err := monitor.Evict(nil)
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if freed == 0 {
		t.Fatalf("expected stale cache entry evicted")
	}
	if !logger.contains("evicted") {
		t.Fatalf("expected eviction to be logged, got %v", logger.lines)
	}

	// A monitor without a logger takes the same paths silently.
	bare := NewQuotaMonitor(store, QuotaMonitorOptions{Retention: time.Hour, Now: now})
	if _, err := bare.Evict(nil); err != nil {
		t.Fatalf("evict without logger failed: %v", err)
	}
}
