package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/membership"
	"github.com/einen2021/vision365-web/internal/reconcile"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionForbidden indicates a session owned by another user.
	ErrSessionForbidden = errors.New("session: owned by another user")
)

// IdentitySource resolves operators by email.
type IdentitySource interface {
	LookupUser(ctx context.Context, email string) (directory.User, error)
}

// Observer receives the number of open sessions after every change.
type Observer interface {
	SessionsChanged(open int)
}

type noopObserver struct{}

func (noopObserver) SessionsChanged(int) {}

// Identity is the trusted {email, role} pair handed over by the authentication boundary.
type Identity struct {
	Email string
	Role  string
}

// RegistryConfig describes the dependencies shared by every session.
type RegistryConfig struct {
	Identity         IdentitySource
	Resolver         Resolver
	Subscriber       Subscriber
	Writer           reconcile.FieldWriter
	Reader           reconcile.KindReader
	Logger           *zap.Logger
	Clock            func() time.Time
	Observer         Observer
	MutationObserver reconcile.Observer
	Retry            reconcile.RetryPolicy
	WriteTimeout     time.Duration
	IDGenerator      func() string
}

// Registry binds session controllers to the users that opened them.
type Registry struct {
	cfg        RegistryConfig
	logger     *zap.Logger
	observer   Observer
	dispatcher *Dispatcher
	newID      func() string

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("session: identity source required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("session: resolver required")
	}
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("session: subscriber required")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("session: writer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Registry{
		cfg:        cfg,
		logger:     logger,
		observer:   observer,
		dispatcher: NewDispatcher(),
		newID:      newID,
		sessions:   make(map[string]*Controller),
	}, nil
}

// Open looks the operator up in the identity directory and starts a session resolved against
// every community. A role carried by the identity overrides the directory's.
func (r *Registry) Open(ctx context.Context, identity Identity) (*Controller, error) {
	user, err := r.cfg.Identity.LookupUser(ctx, identity.Email)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(identity.Role) != "" {
		user.Role = directory.ParseRole(identity.Role)
	}
	controller, err := NewController(ControllerConfig{
		ID:               r.newID(),
		User:             user,
		Resolver:         r.cfg.Resolver,
		Subscriber:       r.cfg.Subscriber,
		Writer:           r.cfg.Writer,
		Reader:           r.cfg.Reader,
		Dispatcher:       r.dispatcher,
		Logger:           r.logger,
		Clock:            r.cfg.Clock,
		MutationObserver: r.cfg.MutationObserver,
		Retry:            r.cfg.Retry,
		WriteTimeout:     r.cfg.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	if _, err := controller.SelectCommunity(ctx, membership.AllCommunities); err != nil {
		controller.Close()
		r.dispatcher.Forget(controller.ID())
		return nil, err
	}

	r.mu.Lock()
	r.sessions[controller.ID()] = controller
	open := len(r.sessions)
	r.mu.Unlock()
	r.observer.SessionsChanged(open)
	r.logger.Info("session opened",
		zap.String("session", controller.ID()),
		zap.String("user", user.Email),
		zap.String("role", string(user.Role)))
	return controller, nil
}

// Get returns the session if it belongs to email.
func (r *Registry) Get(sessionID, email string) (*Controller, error) {
	r.mu.Lock()
	controller, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sameEmail(controller.User().Email, email) {
		return nil, ErrSessionForbidden
	}
	return controller, nil
}

// Close ends the session if it belongs to email.
func (r *Registry) Close(sessionID, email string) error {
	controller, err := r.Get(sessionID, email)
	if err != nil {
		return err
	}
	r.remove(controller)
	return nil
}

// CloseUser ends every session of email and returns how many were closed.
func (r *Registry) CloseUser(email string) int {
	r.mu.Lock()
	var owned []*Controller
	for _, controller := range r.sessions {
		if sameEmail(controller.User().Email, email) {
			owned = append(owned, controller)
		}
	}
	r.mu.Unlock()
	for _, controller := range owned {
		r.remove(controller)
	}
	return len(owned)
}

// CloseAll ends every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for _, controller := range r.sessions {
		all = append(all, controller)
	}
	r.mu.Unlock()
	for _, controller := range all {
		r.remove(controller)
	}
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(controller *Controller) {
	r.mu.Lock()
	_, ok := r.sessions[controller.ID()]
	delete(r.sessions, controller.ID())
	open := len(r.sessions)
	r.mu.Unlock()
	controller.Close()
	r.dispatcher.Forget(controller.ID())
	if ok {
		r.observer.SessionsChanged(open)
		r.logger.Info("session closed",
			zap.String("session", controller.ID()),
			zap.String("user", controller.User().Email))
	}
}

func sameEmail(left, right string) bool {
	left = strings.TrimSpace(left)
	return left != "" && strings.EqualFold(left, strings.TrimSpace(right))
}
