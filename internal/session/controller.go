// Package session owns the per-operator dashboard state: the resolved community membership,
// the selected building with its live subscriptions, and the optimistic mutation view.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/live"
	"github.com/einen2021/vision365-web/internal/membership"
	"github.com/einen2021/vision365-web/internal/reconcile"
)

var (
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNoBuildingSelected indicates a mutation without a selected building.
	ErrNoBuildingSelected = errors.New("session: no building selected")
	// ErrBuildingNotInMembership indicates a building outside the session's resolved membership.
	ErrBuildingNotInMembership = errors.New("session: building not in membership")
)

// Resolver computes the effective membership of a user under a community filter.
type Resolver interface {
	Resolve(ctx context.Context, user directory.User, communityIdentifier string) (membership.Resolution, error)
}

// Subscriber opens the live subscriptions of a building.
type Subscriber interface {
	SubscribeBuilding(ctx context.Context, buildingID string, token uint64, handler live.Handler) ([]*live.Subscription, error)
}

// Notice is a dismissable report of a failed write.
type Notice struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	BuildingID string    `json:"buildingId"`
	Path       string    `json:"path"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// State is everything a dashboard renders for one session.
type State struct {
	SessionID       string         `json:"sessionId"`
	Email           string         `json:"email"`
	Role            directory.Role `json:"role"`
	Community       string         `json:"community"`
	CommunityName   string         `json:"communityName,omitempty"`
	CommunityFound  bool           `json:"communityFound"`
	FallbackApplied bool           `json:"fallbackApplied"`
	Buildings       []string       `json:"buildings"`
	View            reconcile.View `json:"view"`
	Notices         []Notice       `json:"notices"`
}

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	ID               string
	User             directory.User
	Resolver         Resolver
	Subscriber       Subscriber
	Writer           reconcile.FieldWriter
	Reader           reconcile.KindReader
	Dispatcher       *Dispatcher
	Logger           *zap.Logger
	Clock            func() time.Time
	MutationObserver reconcile.Observer
	Retry            reconcile.RetryPolicy
	WriteTimeout     time.Duration
}

// Controller is the session-scoped owner of resolved membership and the building view.
// Its lifetime is the authenticated session; Close ends it.
type Controller struct {
	id          string
	user        directory.User
	resolver    Resolver
	subscriber  Subscriber
	coordinator *reconcile.Coordinator
	dispatcher  *Dispatcher
	logger      *zap.Logger
	clock       func() time.Time

	// ctx scopes live subscriptions to the session rather than to the request that opened them.
	ctx    context.Context
	cancel context.CancelFunc

	// selectMu serializes selection changes.
	selectMu sync.Mutex

	mu            sync.Mutex
	community     string
	resolution    *membership.Resolution
	subscriptions []*live.Subscription
	notices       []Notice
	closed        bool
}

// NewController constructs a controller with the "All" community and nothing selected.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("session: resolver required")
	}
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("session: subscriber required")
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	controller := &Controller{
		id:         id,
		user:       cfg.User,
		resolver:   cfg.Resolver,
		subscriber: cfg.Subscriber,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("session", id), zap.String("user", cfg.User.Email)),
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
		community:  membership.AllCommunities,
	}
	coordinator, err := reconcile.NewCoordinator(reconcile.CoordinatorConfig{
		Writer:       cfg.Writer,
		Reader:       cfg.Reader,
		Logger:       controller.logger,
		Clock:        clock,
		Observer:     cfg.MutationObserver,
		Retry:        cfg.Retry,
		WriteTimeout: cfg.WriteTimeout,
		OnChange:     func() { controller.publish(EventViewChanged) },
	})
	if err != nil {
		cancel()
		return nil, err
	}
	controller.coordinator = coordinator
	return controller, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.id
}

// User returns the operator the session belongs to.
func (c *Controller) User() directory.User {
	return c.user
}

// SelectCommunity resolves the community filter and makes it current. A selected building outside
// the new resolution is deselected. Resolution failures degrade to an empty building list.
func (c *Controller) SelectCommunity(ctx context.Context, identifier string) (membership.Resolution, error) {
	c.selectMu.Lock()
	defer c.selectMu.Unlock()
	if c.isClosed() {
		return membership.Resolution{}, ErrSessionClosed
	}

	resolution := c.resolve(ctx, identifier)
	c.mu.Lock()
	c.community = resolution.Identifier
	c.resolution = &resolution
	c.mu.Unlock()

	if selected, _ := c.coordinator.Selection(); selected != "" && !resolution.Contains(selected) {
		c.logger.Info("selected building outside community, deselecting",
			zap.String("building", selected),
			zap.String("community", resolution.Identifier))
		if err := c.selectLocked(""); err != nil {
			return resolution, err
		}
	}
	c.publish(EventViewChanged)
	return resolution, nil
}

// Invalidate drops the cached resolution; the next read resolves again.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	c.resolution = nil
	c.mu.Unlock()
}

// Resolution returns the current resolution, resolving it if it was invalidated.
func (c *Controller) Resolution(ctx context.Context) membership.Resolution {
	c.mu.Lock()
	cached := c.resolution
	community := c.community
	c.mu.Unlock()
	if cached != nil {
		return *cached
	}
	resolution := c.resolve(ctx, community)
	c.mu.Lock()
	if c.resolution == nil && c.community == community {
		c.resolution = &resolution
	}
	c.mu.Unlock()
	return resolution
}

// Buildings lists the buildings of the current resolution.
func (c *Controller) Buildings(ctx context.Context) []string {
	return slices.Clone(c.Resolution(ctx).Buildings)
}

func (c *Controller) resolve(ctx context.Context, identifier string) membership.Resolution {
	resolution, err := c.resolver.Resolve(ctx, c.user, identifier)
	if err != nil {
		c.logger.Warn("membership resolution failed, showing no buildings",
			zap.String("community", identifier),
			zap.Error(err))
		return membership.Resolution{Identifier: strings.TrimSpace(identifier), Buildings: []string{}}
	}
	return resolution
}

// SelectBuilding switches the view to the building, cancelling the previous building's
// subscriptions before subscribing every kind of the new one. An empty id deselects.
// A failure to subscribe leaves the building selected with default state.
func (c *Controller) SelectBuilding(ctx context.Context, buildingID string) error {
	c.selectMu.Lock()
	defer c.selectMu.Unlock()
	if c.isClosed() {
		return ErrSessionClosed
	}
	buildingID = strings.TrimSpace(buildingID)
	if buildingID != "" {
		resolution := c.Resolution(ctx)
		index := slices.IndexFunc(resolution.Buildings, func(candidate string) bool {
			return buildings.SameBuilding(candidate, buildingID)
		})
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrBuildingNotInMembership, buildingID)
		}
		buildingID = resolution.Buildings[index]
	}
	return c.selectLocked(buildingID)
}

// selectLocked performs a selection change; callers hold selectMu.
func (c *Controller) selectLocked(buildingID string) error {
	c.mu.Lock()
	previous := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()
	for _, subscription := range previous {
		subscription.Cancel()
	}

	token := c.coordinator.Select(buildingID)
	if buildingID == "" {
		return nil
	}
	subscriptions, err := c.subscriber.SubscribeBuilding(c.ctx, buildingID, token, c.receive)
	if err != nil {
		c.logger.Warn("live view unavailable, showing defaults",
			zap.String("building", buildingID),
			zap.Error(err))
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		for _, subscription := range subscriptions {
			subscription.Cancel()
		}
		return ErrSessionClosed
	}
	c.subscriptions = subscriptions
	c.mu.Unlock()
	c.logger.Debug("building selected",
		zap.String("building", buildingID),
		zap.Uint64("token", token),
		zap.Int("subscriptions", len(subscriptions)))
	return nil
}

func (c *Controller) receive(update live.Update) {
	if !c.coordinator.ApplyLive(update) {
		c.logger.Debug("dropped stale live update",
			zap.String("building", update.BuildingID),
			zap.String("kind", string(update.Kind)),
			zap.Uint64("token", update.Token))
	}
}

// Mutate sets a field of the selected building to value.
func (c *Controller) Mutate(ctx context.Context, rawPath string, value bool) (reconcile.Outcome, error) {
	path, buildingID, err := c.target(rawPath)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	outcome, err := c.coordinator.Mutate(ctx, buildingID, path, value)
	c.settle("mutate", outcome, err)
	return outcome, err
}

// Toggle negates a field of the selected building.
func (c *Controller) Toggle(ctx context.Context, rawPath string) (reconcile.Outcome, error) {
	path, buildingID, err := c.target(rawPath)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	outcome, err := c.coordinator.Toggle(ctx, buildingID, path)
	c.settle("toggle", outcome, err)
	return outcome, err
}

func (c *Controller) target(rawPath string) (buildings.FieldPath, string, error) {
	if c.isClosed() {
		return buildings.FieldPath{}, "", ErrSessionClosed
	}
	path, err := buildings.ParseFieldPath(rawPath)
	if err != nil {
		return buildings.FieldPath{}, "", err
	}
	buildingID, _ := c.coordinator.Selection()
	if buildingID == "" {
		return buildings.FieldPath{}, "", ErrNoBuildingSelected
	}
	return path, buildingID, nil
}

func (c *Controller) settle(operation string, outcome reconcile.Outcome, err error) {
	if err == nil || outcome.Status != reconcile.StatusReverted {
		return
	}
	notice := Notice{
		ID:         uuid.NewString(),
		Operation:  operation,
		BuildingID: outcome.BuildingID,
		Path:       outcome.Path,
		Message:    fmt.Sprintf("Could not update %s of %s.", outcome.Path, buildings.DisplayName(outcome.BuildingID)),
		Detail:     err.Error(),
		CreatedAt:  c.clock(),
	}
	c.mu.Lock()
	c.notices = append(c.notices, notice)
	c.mu.Unlock()
	c.publish(EventViewChanged)
}

// DismissNotice removes a notice. It reports whether the notice existed.
func (c *Controller) DismissNotice(id string) bool {
	c.mu.Lock()
	index := slices.IndexFunc(c.notices, func(notice Notice) bool { return notice.ID == id })
	if index >= 0 {
		c.notices = slices.Delete(c.notices, index, index+1)
	}
	c.mu.Unlock()
	if index < 0 {
		return false
	}
	c.publish(EventViewChanged)
	return true
}

// State returns the current session state.
func (c *Controller) State(ctx context.Context) State {
	resolution := c.Resolution(ctx)
	c.mu.Lock()
	notices := slices.Clone(c.notices)
	c.mu.Unlock()
	if notices == nil {
		notices = []Notice{}
	}
	return State{
		SessionID:       c.id,
		Email:           c.user.Email,
		Role:            c.user.Role,
		Community:       resolution.Identifier,
		CommunityName:   resolution.Community.DisplayName,
		CommunityFound:  resolution.CommunityFound,
		FallbackApplied: resolution.FallbackApplied,
		Buildings:       slices.Clone(resolution.Buildings),
		View:            c.coordinator.Visible(),
		Notices:         notices,
	}
}

// View returns the visible building view.
func (c *Controller) View() reconcile.View {
	return c.coordinator.Visible()
}

// Watch streams change events until ctx ends, the returned cleanup runs or the session closes,
// whereupon the stream is closed.
func (c *Controller) Watch(ctx context.Context) (<-chan Event, func()) {
	if c.isClosed() {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	return c.dispatcher.Subscribe(ctx, c.id)
}

// Done is closed once the session is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close cancels every subscription and discards the view. It is idempotent.
func (c *Controller) Close() {
	c.selectMu.Lock()
	defer c.selectMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.resolution = nil
	c.notices = nil
	c.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
	c.coordinator.Select("")
	c.cancel()
	c.publish(EventClosed)
	c.logger.Debug("session closed")
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) publish(eventType string) {
	c.dispatcher.Publish(Event{SessionID: c.id, Type: eventType, Timestamp: c.clock()})
}
