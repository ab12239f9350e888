// Package membership computes the buildings an operator may work with under a community filter.
package membership

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/directory"
)

// AllCommunities selects every building of the user's membership.
const AllCommunities = "All"

// CommunitySource lists communities.
type CommunitySource interface {
	ListCommunities(ctx context.Context) ([]directory.Community, error)
}

// CatalogSource lists the registered building catalog.
type CatalogSource interface {
	ListBuildings(ctx context.Context) ([]directory.CatalogBuilding, error)
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Communities CommunitySource
	Catalog     CatalogSource
	Logger      *zap.Logger
}

// Resolver applies the membership cascade. It holds no state between calls.
type Resolver struct {
	communities CommunitySource
	catalog     CatalogSource
	logger      *zap.Logger
}

// Resolution is the effective membership for one (user, community) pair.
type Resolution struct {
	Identifier string
	Community  directory.Community
	// CommunityFound is false when a named community could not be located.
	CommunityFound bool
	// FallbackApplied marks a result built from the community's authoritative list because no
	// user building matched it.
	FallbackApplied bool
	Buildings       []string
}

// IsAll reports whether the resolution is unfiltered.
func (r Resolution) IsAll() bool {
	return isAll(r.Identifier)
}

// Contains reports whether the building is part of the resolution under normalized identity.
func (r Resolution) Contains(buildingID string) bool {
	for _, candidate := range r.Buildings {
		if buildings.SameBuilding(candidate, buildingID) {
			return true
		}
	}
	return false
}

// NewResolver constructs a Resolver. Communities is required.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Communities == nil {
		return nil, fmt.Errorf("membership: community source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{communities: cfg.Communities, catalog: cfg.Catalog, logger: logger}, nil
}

func isAll(identifier string) bool {
	trimmed := strings.TrimSpace(identifier)
	return trimmed == "" || trimmed == AllCommunities
}

// Resolve computes the buildings the user may operate on within the community. Output is
// deterministic for identical inputs.
func (r *Resolver) Resolve(ctx context.Context, user directory.User, communityIdentifier string) (Resolution, error) {
	identifier := strings.TrimSpace(communityIdentifier)
	resolution := Resolution{Identifier: identifier, Buildings: []string{}}

	base := r.baseMembership(ctx, user)
	if isAll(identifier) {
		resolution.Buildings = uniqueByKey(base)
		return resolution, nil
	}

	communities, err := r.communities.ListCommunities(ctx)
	if err != nil {
		return Resolution{}, err
	}
	community, found := directory.FindCommunity(communities, identifier)
	if !found {
		r.logger.Warn("community not found, resolving to no buildings",
			zap.String("user", user.Email),
			zap.String("community", identifier))
		return resolution, nil
	}
	resolution.Community = community
	resolution.CommunityFound = true

	authoritative := community.BuildingKeys()
	candidates := append(append([]string{}, base...), user.Buildings.ForCommunity(community.ID)...)
	matched := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if matchesAny(candidate, authoritative) {
			matched = append(matched, candidate)
		}
	}
	resolution.Buildings = uniqueByKey(matched)

	if len(resolution.Buildings) == 0 && len(authoritative) > 0 {
		fallback := make([]string, 0, len(authoritative))
		for _, member := range authoritative {
			fallback = append(fallback, buildings.DisplayName(member))
		}
		resolution.Buildings = uniqueByKey(fallback)
		resolution.FallbackApplied = true
		r.logger.Warn("no user building matched community, granting authoritative list",
			zap.String("user", user.Email),
			zap.String("community", community.ID),
			zap.Strings("buildings", resolution.Buildings))
	}
	return resolution, nil
}

// baseMembership is the flattened raw membership; admins see the catalog when one exists.
func (r *Resolver) baseMembership(ctx context.Context, user directory.User) []string {
	if user.IsAdmin() && r.catalog != nil {
		catalog, err := r.catalog.ListBuildings(ctx)
		if err != nil {
			r.logger.Warn("building catalog unavailable, using admin membership",
				zap.String("user", user.Email),
				zap.Error(err))
		} else if len(catalog) > 0 {
			names := make([]string, 0, len(catalog))
			for _, entry := range catalog {
				names = append(names, entry.Name)
			}
			return names
		}
	}
	return user.Buildings.Flatten()
}

func matchesAny(candidate string, authoritative []string) bool {
	for _, member := range authoritative {
		if candidate == member || buildings.SameBuilding(candidate, member) {
			return true
		}
	}
	return false
}

func uniqueByKey(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		key := buildings.NormalizeKey(value)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out
}
