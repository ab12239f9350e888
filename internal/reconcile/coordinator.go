// Package reconcile layers optimistic field writes over the live view of the selected building.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/live"
)

// ErrStaleSelection indicates the mutation targets a building that is no longer selected.
var ErrStaleSelection = errors.New("reconcile: building no longer selected")

// FieldWriter is the building write path used for mutations.
type FieldWriter interface {
	SetValue(ctx context.Context, buildingID string, path buildings.FieldPath, value bool) error
	Toggle(ctx context.Context, buildingID string, path buildings.FieldPath) (bool, error)
}

// KindReader re-reads one part of a building snapshot.
type KindReader interface {
	ReadKind(ctx context.Context, buildingID string, kind buildings.Kind) (buildings.Snapshot, error)
}

// Observer receives settled mutation outcomes.
type Observer interface {
	MutationSettled(kind buildings.Kind, status Status)
}

type noopObserver struct{}

func (noopObserver) MutationSettled(buildings.Kind, Status) {}

// RetryPolicy bounds automatic write retries. The zero value performs a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(1, p.MaxAttempts)
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Writer   FieldWriter
	Reader   KindReader
	Logger   *zap.Logger
	Clock    func() time.Time
	Observer Observer
	// Retry applies to absolute writes only; toggles are never retried.
	Retry RetryPolicy
	// WriteTimeout bounds each write attempt. Zero leaves writes unbounded.
	WriteTimeout time.Duration
	// OnChange is invoked, outside any lock, after every change to the visible view.
	OnChange func()
}

// Coordinator owns the view state of one selected building: the last live snapshot plus the
// outstanding optimistic patches, at most one per field.
type Coordinator struct {
	writer       FieldWriter
	reader       KindReader
	logger       *zap.Logger
	clock        func() time.Time
	observer     Observer
	retry        RetryPolicy
	writeTimeout time.Duration
	onChange     func()

	mu         sync.Mutex
	buildingID string
	token      uint64
	live       buildings.Snapshot
	received   map[buildings.Kind]bool
	patches    map[string]*patch
	lanes      map[string]chan struct{}
}

type patch struct {
	path     buildings.FieldPath
	previous bool
	pending  bool
	issuedAt time.Time
	inFlight bool
	// liveSeen records a live delivery for the field's kind while the write was in flight.
	liveSeen bool
	// prior is the resolved patch this one displaced; a failed write restores it.
	prior *patch
}

// NewCoordinator constructs a Coordinator with nothing selected.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("reconcile: writer required")
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
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Coordinator{
		writer:       cfg.Writer,
		reader:       cfg.Reader,
		logger:       logger,
		clock:        clock,
		observer:     observer,
		retry:        cfg.Retry,
		writeTimeout: cfg.WriteTimeout,
		onChange:     onChange,
		live:         buildings.EmptySnapshot(),
		received:     map[buildings.Kind]bool{},
		patches:      map[string]*patch{},
		lanes:        map[string]chan struct{}{},
	}, nil
}

// Select switches the view to a building (empty deselects), dropping live state and patches of
// the previous selection. The returned token tags subscriptions opened for the new selection.
func (c *Coordinator) Select(buildingID string) uint64 {
	c.mu.Lock()
	c.token++
	c.buildingID = buildingID
	c.live = buildings.EmptySnapshot()
	c.received = map[buildings.Kind]bool{}
	c.patches = map[string]*patch{}
	c.lanes = map[string]chan struct{}{}
	token := c.token
	c.mu.Unlock()
	c.onChange()
	return token
}

// Selection returns the selected building and its token.
func (c *Coordinator) Selection() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildingID, c.token
}

// ApplyLive merges a live delivery. Deliveries for another selection are dropped and reported false.
// A delivery supersedes every resolved patch of its kind.
func (c *Coordinator) ApplyLive(update live.Update) bool {
	c.mu.Lock()
	if update.Token != c.token || c.buildingID == "" || !buildings.SameBuilding(update.BuildingID, c.buildingID) {
		c.mu.Unlock()
		return false
	}
	c.live = c.live.Merge(update.Kind, update.Snapshot)
	c.received[update.Kind] = true
	for key, p := range c.patches {
		if p.path.Kind != update.Kind {
			continue
		}
		if p.inFlight {
			p.liveSeen = true
			continue
		}
		delete(c.patches, key)
	}
	c.mu.Unlock()
	c.onChange()
	return true
}

// PendingField describes an outstanding optimistic patch.
type PendingField struct {
	Path     string    `json:"path"`
	Previous bool      `json:"previous"`
	Pending  bool      `json:"pending"`
	IssuedAt time.Time `json:"issuedAt"`
	InFlight bool      `json:"inFlight"`
}

// View is the visible state: the live snapshot with outstanding patches layered on top.
type View struct {
	BuildingID string             `json:"buildingId"`
	Token      uint64             `json:"token"`
	Snapshot   buildings.Snapshot `json:"snapshot"`
	Loaded     []buildings.Kind   `json:"loaded"`
	Pending    []PendingField     `json:"pending"`
}

// Visible returns the current view.
func (c *Coordinator) Visible() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := View{
		BuildingID: c.buildingID,
		Token:      c.token,
		Snapshot:   c.visibleLocked(),
		Loaded:     make([]buildings.Kind, 0, len(c.received)),
		Pending:    make([]PendingField, 0, len(c.patches)),
	}
	for _, kind := range buildings.Kinds() {
		if c.received[kind] {
			view.Loaded = append(view.Loaded, kind)
		}
	}
	for _, p := range c.patches {
		view.Pending = append(view.Pending, PendingField{
			Path:     p.path.String(),
			Previous: p.previous,
			Pending:  p.pending,
			IssuedAt: p.issuedAt,
			InFlight: p.inFlight,
		})
	}
	sort.Slice(view.Pending, func(i, j int) bool { return view.Pending[i].Path < view.Pending[j].Path })
	return view
}

// Value returns the visible value of a field.
func (c *Coordinator) Value(path buildings.FieldPath) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked().Value(path)
}

func (c *Coordinator) visibleLocked() buildings.Snapshot {
	snapshot := c.live.Clone()
	for _, p := range c.patches {
		snapshot = snapshot.WithValue(p.path, p.pending)
	}
	return snapshot
}

func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	lane, ok := c.lanes[key]
	if !ok {
		lane = make(chan struct{}, 1)
		c.lanes[key] = lane
	}
	c.mu.Unlock()
	select {
	case lane <- struct{}{}:
		return func() { <-lane }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
