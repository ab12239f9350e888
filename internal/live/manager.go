// Package live keeps building-scoped store subscriptions and delivers normalized partial
// snapshots to their handlers.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/store"
)

// ErrManagerClosed indicates the manager no longer accepts subscriptions.
var ErrManagerClosed = errors.New("live: manager closed")

// Update is one normalized delivery. Only the part of Snapshot selected by Kind is meaningful.
type Update struct {
	BuildingID string
	Kind       buildings.Kind
	Token      uint64
	Snapshot   buildings.Snapshot
	// Err is set when the store reported a subscription failure; Snapshot then holds defaults.
	Err        error
	ReceivedAt time.Time
}

// Handler receives updates for one subscription, strictly in store commit order. A handler must
// not cancel its own subscription.
type Handler func(Update)

// Observer receives subscription telemetry.
type Observer interface {
	SubscriptionOpened(kind buildings.Kind)
	SubscriptionClosed(kind buildings.Kind)
	UpdateDelivered(kind buildings.Kind, failed bool)
}

type noopObserver struct{}

func (noopObserver) SubscriptionOpened(buildings.Kind) {}
func (noopObserver) SubscriptionClosed(buildings.Kind) {}
func (noopObserver) UpdateDelivered(buildings.Kind, bool) {}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store    store.Store
	Logger   *zap.Logger
	Clock    func() time.Time
	Observer Observer
	// StaleAfter marks subscriptions still waiting for their first snapshot as stale. Zero disables.
	StaleAfter time.Duration
}

// Manager opens and tracks subscriptions. Subscriptions are independent of one another.
type Manager struct {
	store      store.Store
	logger     *zap.Logger
	clock      func() time.Time
	observer   Observer
	staleAfter time.Duration

	mu            sync.Mutex
	subscriptions map[int64]*Subscription
	nextID        int64
	closed        bool
}

// NewManager constructs a Manager. A nil store yields one whose subscriptions fail fast.
func NewManager(cfg ManagerConfig) *Manager {
	documents := cfg.Store
	if documents == nil {
		documents = store.Unconfigured()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Manager{
		store:         documents,
		logger:        logger,
		clock:         clock,
		observer:      observer,
		staleAfter:    cfg.StaleAfter,
		subscriptions: make(map[int64]*Subscription),
	}
}

func documentsFor(kind buildings.Kind) ([]string, error) {
	switch kind {
	case buildings.KindAlarmCounts:
		return []string{buildings.DocumentAlarmDetails}, nil
	case buildings.KindMessages:
		return []string{buildings.DocumentAlarmMessage}, nil
	case buildings.KindDevices:
		return []string{buildings.DocumentMimic, buildings.DocumentMimicMap}, nil
	case buildings.KindActuators:
		return []string{buildings.DocumentSmokeActions}, nil
	case buildings.KindActions:
		return []string{buildings.DocumentActions}, nil
	case buildings.KindIncidents:
		return []string{buildings.DocumentIncidents}, nil
	default:
		return nil, fmt.Errorf("live: unknown kind %q", kind)
	}
}

// Subscribe opens a subscription for one kind of one building. The token is echoed on every
// update so consumers can discard deliveries for a selection they have since left.
func (m *Manager) Subscribe(ctx context.Context, buildingID string, kind buildings.Kind, token uint64, handler Handler) (*Subscription, error) {
	namespace := buildings.Namespace(buildingID)
	if namespace == "" {
		return nil, buildings.ErrInvalidBuilding
	}
	documentKeys, err := documentsFor(kind)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("live: handler required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.nextID++
	subscription := &Subscription{
		id:           m.nextID,
		manager:      m,
		buildingID:   buildingID,
		kind:         kind,
		token:        token,
		handler:      handler,
		documentKeys: documentKeys,
		documents:    make(map[string]store.Document, len(documentKeys)),
		state:        StateSubscribing,
		subscribedAt: m.clock(),
	}
	m.subscriptions[subscription.id] = subscription
	m.mu.Unlock()
	m.observer.SubscriptionOpened(kind)

	for _, key := range documentKeys {
		cancel, err := m.store.SubscribeDocument(ctx, namespace, key,
			func(document store.Document, exists bool) { subscription.receive(key, document, exists) },
			func(err error) { subscription.fail(key, err) })
		if err != nil {
			subscription.Cancel()
			m.logger.Warn("subscription failed",
				zap.String("building", buildingID),
				zap.String("kind", string(kind)),
				zap.String("document", key),
				zap.Error(err))
			return nil, fmt.Errorf("subscribe %s/%s: %w", namespace, key, err)
		}
		if !subscription.attach(cancel) {
			// Cancelled concurrently; attach already released the store handle.
			break
		}
	}
	return subscription, nil
}

// SubscribeBuilding opens one subscription per snapshot kind. On failure every subscription
// opened so far is cancelled.
func (m *Manager) SubscribeBuilding(ctx context.Context, buildingID string, token uint64, handler Handler) ([]*Subscription, error) {
	subscriptions := make([]*Subscription, 0, len(buildings.Kinds()))
	for _, kind := range buildings.Kinds() {
		subscription, err := m.Subscribe(ctx, buildingID, kind, token, handler)
		if err != nil {
			for _, opened := range subscriptions {
				opened.Cancel()
			}
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

// CancelBuilding cancels every subscription of the building.
func (m *Manager) CancelBuilding(buildingID string) int {
	return m.cancelMatching(func(subscription *Subscription) bool {
		return buildings.SameBuilding(subscription.buildingID, buildingID)
	})
}

// CancelAll cancels every subscription.
func (m *Manager) CancelAll() int {
	return m.cancelMatching(func(*Subscription) bool { return true })
}

// Close cancels every subscription and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CancelAll()
}

func (m *Manager) cancelMatching(match func(*Subscription) bool) int {
	m.mu.Lock()
	matched := make([]*Subscription, 0, len(m.subscriptions))
	for _, subscription := range m.subscriptions {
		if match(subscription) {
			matched = append(matched, subscription)
		}
	}
	m.mu.Unlock()
	for _, subscription := range matched {
		subscription.Cancel()
	}
	return len(matched)
}

// Count returns the number of open subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Stale lists open subscriptions that have waited longer than StaleAfter for a first snapshot.
func (m *Manager) Stale() []*Subscription {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Subscription
	for _, subscription := range m.subscriptions {
		if subscription.Stale(now) {
			stale = append(stale, subscription)
		}
	}
	return stale
}

func (m *Manager) remove(subscription *Subscription) {
	m.mu.Lock()
	_, ok := m.subscriptions[subscription.id]
	delete(m.subscriptions, subscription.id)
	m.mu.Unlock()
	if ok {
		m.observer.SubscriptionClosed(subscription.kind)
	}
}
