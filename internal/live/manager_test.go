package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/store"
)

// manualStore hands subscription callbacks to the test so deliveries can be driven explicitly,
// including after cancellation.
type manualStore struct {
	*store.MemoryStore

	mu        sync.Mutex
	handlers  map[string]store.ChangeHandler
	errs      map[string]store.ErrorHandler
	cancelled map[string]bool
	failKey   string
}

func newManualStore() *manualStore {
	return &manualStore{
		MemoryStore: store.NewMemoryStore(),
		handlers:    map[string]store.ChangeHandler{},
		errs:        map[string]store.ErrorHandler{},
		cancelled:   map[string]bool{},
	}
}

func (s *manualStore) SubscribeDocument(_ context.Context, namespace, key string, onChange store.ChangeHandler, onError store.ErrorHandler) (store.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.failKey {
		return nil, errors.New("subscription refused")
	}
	address := namespace + "/" + key
	s.handlers[address] = onChange
	s.errs[address] = onError
	return func() {
		s.mu.Lock()
		s.cancelled[address] = true
		s.mu.Unlock()
	}, nil
}

func (s *manualStore) deliver(address string, document store.Document) {
	s.mu.Lock()
	handler := s.handlers[address]
	s.mu.Unlock()
	handler(document, document != nil)
}

func (s *manualStore) isCancelled(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[address]
}

func (s *manualStore) failWith(address string, err error) {
	s.mu.Lock()
	handler := s.errs[address]
	s.mu.Unlock()
	handler(err)
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
	signal  chan struct{}
}

func newUpdateRecorder() *updateRecorder {
	return &updateRecorder{signal: make(chan struct{}, 64)}
}

func (r *updateRecorder) handle(update Update) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *updateRecorder) await(t *testing.T) Update {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func TestSubscribeDeliversDefaultsThenChanges(t *testing.T) {
	memory := store.NewMemoryStore()
	manager := NewManager(ManagerConfig{Store: memory})
	recorder := newUpdateRecorder()

	subscription, err := manager.Subscribe(context.Background(), "TowerA_BuildingDB", buildings.KindAlarmCounts, 7, recorder.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	initial := recorder.await(t)
	if initial.Snapshot.AlarmCounts != (buildings.AlarmCounts{}) || initial.Token != 7 {
		t.Fatalf("expected default counts, got %#v", initial)
	}
	if subscription.State() != StateActive {
		t.Fatalf("expected active state, got %s", subscription.State())
	}

	if err := memory.WriteDocument(context.Background(), "TowerA_BuildingDB", buildings.DocumentAlarmDetails, store.Document{"totalFire": 3}, store.WriteModeMerge); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	changed := recorder.await(t)
	if changed.Snapshot.AlarmCounts.Fire != 3 {
		t.Fatalf("expected fire count 3, got %#v", changed.Snapshot.AlarmCounts)
	}
}

func TestDevicesSubscriptionJoinsBothDocuments(t *testing.T) {
	manual := newManualStore()
	manager := NewManager(ManagerConfig{Store: manual})
	recorder := newUpdateRecorder()

	subscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindDevices, 1, recorder.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	manual.deliver("TowerABuildingDB/mimic", store.Document{"9": "1"})
	if recorder.count() != 0 || subscription.State() != StateSubscribing {
		t.Fatalf("expected no delivery before both documents report")
	}
	manual.deliver("TowerABuildingDB/mimicMap", store.Document{"mimicDetails": []any{map[string]any{"name": "Fan", "pseudo": "9"}}})
	update := recorder.await(t)
	if device := update.Snapshot.Devices["9"]; !device.Active || device.Name != "Fan" {
		t.Fatalf("unexpected devices %#v", update.Snapshot.Devices)
	}
}

func TestCancelSuppressesLateEvents(t *testing.T) {
	manual := newManualStore()
	manager := NewManager(ManagerConfig{Store: manual})
	recorder := newUpdateRecorder()

	subscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindMessages, 1, recorder.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	manual.deliver("TowerABuildingDB/alarmMessage", store.Document{"messages": []any{"first"}})
	recorder.await(t)

	subscription.Cancel()
	manual.deliver("TowerABuildingDB/alarmMessage", store.Document{"messages": []any{"late"}})
	manual.failWith("TowerABuildingDB/alarmMessage", errors.New("late failure"))

	if recorder.count() != 1 {
		t.Fatalf("expected no callback after cancel, got %d updates", recorder.count())
	}
	if subscription.State() != StateIdle || manager.Count() != 0 {
		t.Fatalf("expected idle subscription and empty manager")
	}
	if !manual.isCancelled("TowerABuildingDB/alarmMessage") {
		t.Fatalf("expected store subscription to be cancelled")
	}
}

func TestCancelWaitsForInFlightDelivery(t *testing.T) {
	manual := newManualStore()
	manager := NewManager(ManagerConfig{Store: manual})
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	subscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindActions, 1, func(Update) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	go manual.deliver("TowerABuildingDB/actions", store.Document{"ack": true})
	<-entered

	cancelled := make(chan struct{})
	go func() {
		subscription.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatalf("cancel returned while handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-cancelled
	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatalf("expected handler to finish before cancel returned")
	}
}

func TestSiblingSubscriptionsAreIndependent(t *testing.T) {
	memory := store.NewMemoryStore()
	manager := NewManager(ManagerConfig{Store: memory})
	counts := newUpdateRecorder()
	actuators := newUpdateRecorder()

	countSubscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindAlarmCounts, 1, counts.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	actuatorSubscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindActuators, 1, actuators.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer actuatorSubscription.Cancel()
	counts.await(t)
	actuators.await(t)

	countSubscription.Cancel()
	if err := memory.WriteDocument(context.Background(), "TowerABuildingDB", buildings.DocumentSmokeActions, store.Document{"SEF": true}, store.WriteModeMerge); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if update := actuators.await(t); !update.Snapshot.Actuators["SEF"] {
		t.Fatalf("expected sibling to keep receiving, got %#v", update.Snapshot.Actuators)
	}
}

func TestStoreErrorDeliversDefaults(t *testing.T) {
	manual := newManualStore()
	manager := NewManager(ManagerConfig{Store: manual})
	recorder := newUpdateRecorder()

	subscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindAlarmCounts, 1, recorder.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	manual.failWith("TowerABuildingDB/alarmDetails", errors.New("permission denied"))
	update := recorder.await(t)
	if update.Err == nil || update.Snapshot.AlarmCounts != (buildings.AlarmCounts{}) {
		t.Fatalf("expected defaults with error, got %#v", update)
	}
}

func TestSubscribeBuildingRollsBackOnFailure(t *testing.T) {
	manual := newManualStore()
	manual.failKey = buildings.DocumentIncidents
	manager := NewManager(ManagerConfig{Store: manual})

	if _, err := manager.SubscribeBuilding(context.Background(), "TowerA", 1, func(Update) {}); err == nil {
		t.Fatalf("expected subscription failure")
	}
	if manager.Count() != 0 {
		t.Fatalf("expected no subscriptions left open, got %d", manager.Count())
	}
	if !manual.isCancelled("TowerABuildingDB/alarmDetails") {
		t.Fatalf("expected earlier subscriptions to be cancelled")
	}
}

func TestCancelBuildingLeavesOtherBuildings(t *testing.T) {
	manual := newManualStore()
	manager := NewManager(ManagerConfig{Store: manual})

	if _, err := manager.SubscribeBuilding(context.Background(), "TowerA", 1, func(Update) {}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := manager.SubscribeBuilding(context.Background(), "TowerB", 1, func(Update) {}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	kinds := len(buildings.Kinds())
	if cancelled := manager.CancelBuilding("towera_BuildingDB"); cancelled != kinds {
		t.Fatalf("expected %d cancellations, got %d", kinds, cancelled)
	}
	if manager.Count() != kinds {
		t.Fatalf("expected TowerB subscriptions to remain, got %d", manager.Count())
	}
	manager.Close()
	if manager.Count() != 0 {
		t.Fatalf("expected close to cancel everything")
	}
	if _, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindActions, 1, func(Update) {}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestStaleSubscriptions(t *testing.T) {
	manual := newManualStore()
	now := time.Unix(1000, 0)
	var clockMu sync.Mutex
	manager := NewManager(ManagerConfig{
		Store:      manual,
		StaleAfter: 5 * time.Second,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
	})
	subscription, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindActions, 1, func(Update) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	if len(manager.Stale()) != 0 {
		t.Fatalf("expected fresh subscription")
	}
	clockMu.Lock()
	now = now.Add(10 * time.Second)
	clockMu.Unlock()
	if stale := manager.Stale(); len(stale) != 1 || stale[0] != subscription {
		t.Fatalf("expected subscription to be stale, got %#v", stale)
	}
	manual.deliver("TowerABuildingDB/actions", store.Document{})
	if len(manager.Stale()) != 0 {
		t.Fatalf("expected active subscription not to be stale")
	}
}

func TestSubscribeRejectsUnconfiguredStore(t *testing.T) {
	manager := NewManager(ManagerConfig{})
	if _, err := manager.Subscribe(context.Background(), "TowerA", buildings.KindActions, 1, func(Update) {}); !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if manager.Count() != 0 {
		t.Fatalf("expected no subscriptions after failure")
	}
}
