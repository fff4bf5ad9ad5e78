package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/rs/zerolog"
)

// memoryStore is an in-memory SettingsStore that copies the blob on every
// read and write, and tracks overlapping read-modify-write cycles.
type memoryStore struct {
	mu       sync.Mutex
	settings models.JobSettingsMap

	delay     time.Duration
	readErr   error
	active    int32
	maxActive int32
	writes    int32

	// gate, when set, blocks the first read until closed. blocked is closed
	// once that read is waiting.
	gate     chan struct{}
	blocked  chan struct{}
	gateOnce sync.Once
}

func newMemoryStore() *memoryStore {
	return &memoryStore{settings: make(models.JobSettingsMap)}
}

func newGatedStore() *memoryStore {
	m := newMemoryStore()
	m.gate = make(chan struct{})
	m.blocked = make(chan struct{})
	return m
}

func waitBlocked(t *testing.T, m *memoryStore) {
	t.Helper()
	select {
	case <-m.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("first update never reached the store")
	}
}

func (m *memoryStore) ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error) {
	n := atomic.AddInt32(&m.active, 1)
	for {
		max := atomic.LoadInt32(&m.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&m.maxActive, max, n) {
			break
		}
	}
	if m.gate != nil {
		first := false
		m.gateOnce.Do(func() { first = true })
		if first {
			close(m.blocked)
			<-m.gate
		}
	}
	if m.readErr != nil {
		atomic.AddInt32(&m.active, -1)
		return nil, m.readErr
	}
	time.Sleep(m.delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(models.JobSettingsMap, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) WriteAllJobSettings(ctx context.Context, settings models.JobSettingsMap) error {
	defer atomic.AddInt32(&m.active, -1)
	time.Sleep(m.delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = make(models.JobSettingsMap, len(settings))
	for k, v := range settings {
		m.settings[k] = v
	}
	atomic.AddInt32(&m.writes, 1)
	return nil
}

func (m *memoryStore) get(key string) (models.JobSettings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok
}

func TestUpdateSchedule_CreatesFromDefaults(t *testing.T) {
	store := newMemoryStore()
	s := NewSynchronizer(store, zerolog.Nop())

	meta := models.JobScheduleMeta{ExpectedInterval: "12h", AllowedWeekdays: []int{1, 3}, TimeOfDay: "02:00"}
	if err := s.UpdateSchedule(context.Background(), "srv", "docs", meta); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}

	got, ok := store.get("srv:docs")
	if !ok {
		t.Fatal("expected entry to be created")
	}
	if got.Schedule.ExpectedInterval != "12h" || got.Schedule.TimeOfDay != "02:00" {
		t.Errorf("unexpected schedule %+v", got.Schedule)
	}
	if !got.OverdueCheckEnabled {
		t.Error("new entries should have the overdue check enabled")
	}
	if got.Tolerance() != models.DefaultOverdueTolerance {
		t.Errorf("Tolerance() = %v", got.Tolerance())
	}
}

func TestUpdateSchedule_PreservesOtherKeys(t *testing.T) {
	store := newMemoryStore()
	filter := models.EventFilterErrors
	store.settings["srv:other"] = models.JobSettings{
		Schedule:            models.JobScheduleMeta{ExpectedInterval: "1W"},
		OverdueCheckEnabled: false,
		OverdueTolerance:    "3h0m0s",
		Notification:        &models.JobPolicyOverride{EventFilter: &filter},
	}
	store.settings["srv:docs"] = models.JobSettings{
		Schedule:            models.JobScheduleMeta{ExpectedInterval: "1D"},
		OverdueCheckEnabled: false,
		OverdueTolerance:    "2h0m0s",
	}

	s := NewSynchronizer(store, zerolog.Nop())
	if err := s.UpdateSchedule(context.Background(), "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "6h"}); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}

	other, _ := store.get("srv:other")
	if other.Schedule.ExpectedInterval != "1W" || other.OverdueTolerance != "3h0m0s" || *other.Notification.EventFilter != filter {
		t.Errorf("unrelated entry changed: %+v", other)
	}
	docs, _ := store.get("srv:docs")
	if docs.Schedule.ExpectedInterval != "6h" {
		t.Errorf("ExpectedInterval = %q, want 6h", docs.Schedule.ExpectedInterval)
	}
	if docs.OverdueCheckEnabled || docs.OverdueTolerance != "2h0m0s" {
		t.Errorf("existing non-schedule settings must be kept, got %+v", docs)
	}
}

func TestUpdateSchedule_SameKeySerializes(t *testing.T) {
	store := newMemoryStore()
	store.delay = 5 * time.Millisecond
	s := NewSynchronizer(store, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta := models.JobScheduleMeta{ExpectedInterval: fmt.Sprintf("%dh", i+1)}
			if err := s.UpdateSchedule(context.Background(), "srv", "docs", meta); err != nil {
				t.Errorf("UpdateSchedule() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&store.maxActive); max != 1 {
		t.Errorf("read-modify-write cycles overlapped: max concurrent = %d", max)
	}
	if w := atomic.LoadInt32(&store.writes); w != 8 {
		t.Errorf("writes = %d, want 8", w)
	}
	if n := s.inFlight(); n != 0 {
		t.Errorf("in-flight registry not empty: %d", n)
	}
}

func TestUpdateSchedule_SecondCallWins(t *testing.T) {
	store := newMemoryStore()
	s := NewSynchronizer(store, zerolog.Nop())
	ctx := context.Background()

	if err := s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1D"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "2D"}); err != nil {
		t.Fatal(err)
	}

	got, _ := store.get("srv:docs")
	if got.Schedule.ExpectedInterval != "2D" {
		t.Errorf("ExpectedInterval = %q, want 2D", got.Schedule.ExpectedInterval)
	}
}

func TestUpdateSchedule_DifferentKeysDoNotBlock(t *testing.T) {
	store := newGatedStore()
	s := NewSynchronizer(store, zerolog.Nop())
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1D"})
	}()
	waitBlocked(t, store)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.UpdateSchedule(ctx, "srv", "photos", models.JobScheduleMeta{ExpectedInterval: "1W"})
	}()

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second update error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update of a different key was blocked")
	}

	close(store.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first update error = %v", err)
	}
}

func TestUpdateSchedule_ReleasesKeyOnError(t *testing.T) {
	store := newMemoryStore()
	store.readErr = errors.New("database unavailable")
	s := NewSynchronizer(store, zerolog.Nop())

	err := s.UpdateSchedule(context.Background(), "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1D"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := s.inFlight(); n != 0 {
		t.Errorf("key not released after failure: %d in flight", n)
	}
}

func TestUpdateSchedule_ContextCancelledWhileWaiting(t *testing.T) {
	store := newGatedStore()
	s := NewSynchronizer(store, zerolog.Nop())

	go func() {
		_ = s.UpdateSchedule(context.Background(), "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1D"})
	}()
	waitBlocked(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "2D"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(store.gate)
}

func TestUpdateJobSettings_KeepsScheduleAndAbortsOnError(t *testing.T) {
	store := newMemoryStore()
	s := NewSynchronizer(store, zerolog.Nop())
	ctx := context.Background()

	if err := s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1W"}); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}

	filter := models.EventFilterWarnings
	err := s.UpdateJobSettings(ctx, "srv", "docs", func(entry *models.JobSettings) error {
		entry.Notification = &models.JobPolicyOverride{EventFilter: &filter}
		entry.OverdueTolerance = "2h"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJobSettings() error = %v", err)
	}

	got, _ := store.get("srv:docs")
	if got.Schedule.ExpectedInterval != "1W" {
		t.Errorf("schedule lost: %+v", got.Schedule)
	}
	if got.Notification == nil || *got.Notification.EventFilter != models.EventFilterWarnings {
		t.Errorf("override not stored: %+v", got.Notification)
	}

	writes := atomic.LoadInt32(&store.writes)
	err = s.UpdateJobSettings(ctx, "srv", "docs", func(*models.JobSettings) error {
		return errors.New("invalid tolerance")
	})
	if err == nil {
		t.Fatal("expected mutate error")
	}
	if atomic.LoadInt32(&store.writes) != writes {
		t.Error("blob written despite mutate error")
	}
	if n := s.inFlight(); n != 0 {
		t.Errorf("key not released: %d in flight", n)
	}
}

// lockingStore runs every modification under a single lock, the way the
// database holds the blob's row lock. The first modification blocks on gate
// after taking its snapshot.
type lockingStore struct {
	*memoryStore
	rmw sync.Mutex
}

func (l *lockingStore) ModifyJobSettings(ctx context.Context, fn func(models.JobSettingsMap) error) error {
	l.rmw.Lock()
	defer l.rmw.Unlock()

	l.mu.Lock()
	snapshot := make(models.JobSettingsMap, len(l.settings))
	for k, v := range l.settings {
		snapshot[k] = v
	}
	l.mu.Unlock()

	if l.gate != nil {
		first := false
		l.gateOnce.Do(func() { first = true })
		if first {
			close(l.blocked)
			<-l.gate
		}
	}

	if err := fn(snapshot); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = snapshot
	atomic.AddInt32(&l.writes, 1)
	return nil
}

func TestUpdateJobSettings_ConcurrentKeysKeepBothEntries(t *testing.T) {
	store := &lockingStore{memoryStore: newGatedStore()}
	s := NewSynchronizer(store, zerolog.Nop())
	ctx := context.Background()

	docsDone := make(chan error, 1)
	go func() {
		docsDone <- s.UpdateSchedule(ctx, "srv", "docs", models.JobScheduleMeta{ExpectedInterval: "1D"})
	}()
	waitBlocked(t, store.memoryStore)

	filter := models.EventFilterOff
	photosDone := make(chan error, 1)
	go func() {
		photosDone <- s.UpdateJobSettings(ctx, "srv", "photos", func(entry *models.JobSettings) error {
			entry.Notification = &models.JobPolicyOverride{EventFilter: &filter}
			return nil
		})
	}()

	close(store.gate)
	for _, done := range []chan error{docsDone, photosDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("update error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("update did not finish")
		}
	}

	if _, ok := store.get("srv:docs"); !ok {
		t.Error("docs entry lost")
	}
	photos, ok := store.get("srv:photos")
	if !ok || photos.Notification == nil || *photos.Notification.EventFilter != models.EventFilterOff {
		t.Errorf("photos override lost: %+v", photos)
	}
	if w := atomic.LoadInt32(&store.writes); w != 2 {
		t.Errorf("writes = %d, want 2", w)
	}
	if n := atomic.LoadInt32(&store.maxActive); n != 0 {
		t.Error("store's atomic modification was bypassed")
	}
}
