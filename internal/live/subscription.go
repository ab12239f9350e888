package live

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/store"
)

// State is the lifecycle position of a subscription.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// Subscription is one (building, kind) registration.
type Subscription struct {
	id           int64
	manager      *Manager
	buildingID   string
	kind         buildings.Kind
	token        uint64
	handler      Handler
	documentKeys []string

	// deliveryMu is held while the handler runs so Cancel can wait out an in-flight delivery.
	deliveryMu sync.Mutex

	mu           sync.Mutex
	state        State
	cancelled    bool
	cancels      []store.CancelFunc
	documents    map[string]store.Document
	subscribedAt time.Time
	lastUpdate   time.Time
}

func (s *Subscription) BuildingID() string   { return s.buildingID }
func (s *Subscription) Kind() buildings.Kind { return s.kind }
func (s *Subscription) Token() uint64        { return s.token }

// State reports the lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUpdate is the time of the last delivery, zero before the first one.
func (s *Subscription) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Stale reports whether the subscription has waited longer than the manager's StaleAfter
// for its first snapshot.
func (s *Subscription) Stale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.manager.staleAfter
	return limit > 0 && s.state == StateSubscribing && now.Sub(s.subscribedAt) > limit
}

// Cancel stops the subscription. Once Cancel returns the handler is never invoked again.
// It must not be called from the subscription's own handler.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.state = StateIdle
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	// Wait out an in-flight delivery.
	s.deliveryMu.Lock()
	s.deliveryMu.Unlock()
	s.manager.remove(s)
}

func (s *Subscription) attach(cancel store.CancelFunc) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return true
}

func (s *Subscription) receive(documentKey string, document store.Document, exists bool) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	if !exists || document == nil {
		document = store.Document{}
	}
	s.documents[documentKey] = document
	if len(s.documents) < len(s.documentKeys) {
		// A joined kind waits until every document has reported once.
		s.mu.Unlock()
		return
	}
	snapshot := s.normalize()
	now := s.manager.clock()
	s.state = StateActive
	s.lastUpdate = now
	s.mu.Unlock()

	s.manager.observer.UpdateDelivered(s.kind, false)
	s.handler(Update{
		BuildingID: s.buildingID,
		Kind:       s.kind,
		Token:      s.token,
		Snapshot:   snapshot,
		ReceivedAt: now,
	})
}

func (s *Subscription) fail(documentKey string, err error) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	now := s.manager.clock()
	s.lastUpdate = now
	s.mu.Unlock()

	s.manager.logger.Warn("subscription error, delivering defaults",
		zap.String("building", s.buildingID),
		zap.String("kind", string(s.kind)),
		zap.String("document", documentKey),
		zap.Error(err))
	s.manager.observer.UpdateDelivered(s.kind, true)
	s.handler(Update{
		BuildingID: s.buildingID,
		Kind:       s.kind,
		Token:      s.token,
		Snapshot:   buildings.EmptySnapshot(),
		Err:        err,
		ReceivedAt: now,
	})
}

// normalize builds the partial snapshot for the kind; callers hold s.mu.
func (s *Subscription) normalize() buildings.Snapshot {
	snapshot := buildings.EmptySnapshot()
	switch s.kind {
	case buildings.KindAlarmCounts:
		snapshot.AlarmCounts = buildings.NormalizeAlarmCounts(s.documents[buildings.DocumentAlarmDetails])
	case buildings.KindMessages:
		snapshot.Messages = buildings.NormalizeMessages(s.documents[buildings.DocumentAlarmMessage])
	case buildings.KindDevices:
		snapshot.Devices = buildings.NormalizeDevices(s.documents[buildings.DocumentMimic], s.documents[buildings.DocumentMimicMap])
	case buildings.KindActuators:
		snapshot.Actuators = buildings.NormalizeActuators(s.documents[buildings.DocumentSmokeActions])
	case buildings.KindActions:
		snapshot.Actions = buildings.NormalizeActions(s.documents[buildings.DocumentActions])
	case buildings.KindIncidents:
		snapshot.Incidents = buildings.NormalizeIncidents(s.documents[buildings.DocumentIncidents])
	}
	return snapshot
}
