package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/store"
)

const collectionUsers = "UserDB"

var (
	// ErrUserNotFound indicates no identity record matches the email.
	ErrUserNotFound = errors.New("directory: user not found")
	// ErrInvalidEmail indicates a blank email.
	ErrInvalidEmail = errors.New("directory: invalid email")
)

// Role is the operator's authorization tier.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// ParseRole maps stored roles onto the known tiers. Anything but admin is an operator.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleOperator
}

// User is an identity directory record.
type User struct {
	Email     string
	Role      Role
	Buildings Membership
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IdentityClientConfig describes the dependencies of an IdentityClient.
type IdentityClientConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

// IdentityClient resolves operators from the identity directory.
type IdentityClient struct {
	store  store.Store
	logger *zap.Logger
}

// NewIdentityClient constructs the client. A nil store yields one that fails fast.
func NewIdentityClient(cfg IdentityClientConfig) *IdentityClient {
	documents := cfg.Store
	if documents == nil {
		documents = store.Unconfigured()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityClient{store: documents, logger: logger}
}

// LookupUser finds the user record whose email matches. A missing record is ErrUserNotFound.
func (c *IdentityClient) LookupUser(ctx context.Context, email string) (User, error) {
	wanted := strings.TrimSpace(email)
	if wanted == "" {
		return User{}, ErrInvalidEmail
	}
	entries, err := c.store.ListCollection(ctx, collectionUsers)
	if err != nil {
		return User{}, fmt.Errorf("list users: %w", err)
	}
	for _, entry := range entries {
		if strings.TrimSpace(cast.ToString(entry.Document["email"])) != wanted {
			continue
		}
		return User{
			Email:     wanted,
			Role:      ParseRole(cast.ToString(entry.Document["role"])),
			Buildings: ParseMembership(entry.Document["buildings"]),
		}, nil
	}
	c.logger.Info("identity lookup missed", zap.String("email", wanted))
	return User{}, ErrUserNotFound
}
