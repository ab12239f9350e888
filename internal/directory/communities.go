package directory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/store"
)

const (
	collectionCommunities = "communities"
	collectionCatalog     = "buildings"
)

// BuildingRef is one entry of a community's building list: a bare identifier or a record.
type BuildingRef struct {
	Raw any
}

// Key returns the identifier of the referenced building: the string itself, or the record's
// id, then its name.
func (r BuildingRef) Key() string {
	switch typed := r.Raw.(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		if id := strings.TrimSpace(cast.ToString(typed["id"])); id != "" {
			return id
		}
		return strings.TrimSpace(cast.ToString(typed["name"]))
	case nil:
		return ""
	default:
		return strings.TrimSpace(cast.ToString(typed))
	}
}

// Community is an organizational grouping with its authoritative building list.
type Community struct {
	ID          string
	DisplayName string
	Buildings   []BuildingRef
	CreatedAt   time.Time
}

// BuildingKeys normalizes the authoritative list to identifiers, dropping blank entries.
func (c Community) BuildingKeys() []string {
	keys := make([]string, 0, len(c.Buildings))
	for _, ref := range c.Buildings {
		if key := ref.Key(); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// FindCommunity locates a community by exact id or case-insensitive display name.
func FindCommunity(communities []Community, identifier string) (Community, bool) {
	wanted := strings.TrimSpace(identifier)
	for _, community := range communities {
		if community.ID == wanted {
			return community, true
		}
	}
	for _, community := range communities {
		if strings.EqualFold(community.DisplayName, wanted) {
			return community, true
		}
	}
	return Community{}, false
}

// CommunityClientConfig describes the dependencies of a CommunityClient.
type CommunityClientConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

// CommunityClient lists communities and the building catalog.
type CommunityClient struct {
	store  store.Store
	logger *zap.Logger
}

// NewCommunityClient constructs the client. A nil store yields one that fails fast.
func NewCommunityClient(cfg CommunityClientConfig) *CommunityClient {
	documents := cfg.Store
	if documents == nil {
		documents = store.Unconfigured()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommunityClient{store: documents, logger: logger}
}

// ListCommunities returns every community, most recently created first. Records without a
// creation time follow in key order.
func (c *CommunityClient) ListCommunities(ctx context.Context) ([]Community, error) {
	entries, err := c.store.ListCollection(ctx, collectionCommunities)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	communities := make([]Community, 0, len(entries))
	for _, entry := range entries {
		communities = append(communities, communityFromEntry(entry))
	}
	slices.SortStableFunc(communities, func(left, right Community) int {
		switch {
		case left.CreatedAt.IsZero() && right.CreatedAt.IsZero():
			return 0
		case left.CreatedAt.IsZero():
			return 1
		case right.CreatedAt.IsZero():
			return -1
		default:
			return right.CreatedAt.Compare(left.CreatedAt)
		}
	})
	return communities, nil
}

func communityFromEntry(entry store.Entry) Community {
	document := entry.Document
	displayName := strings.TrimSpace(cast.ToString(document["communityName"]))
	if displayName == "" {
		displayName = strings.TrimSpace(cast.ToString(document["name"]))
	}
	if displayName == "" {
		displayName = entry.Key
	}
	raw, _ := document["buildings"].([]any)
	refs := make([]BuildingRef, 0, len(raw))
	for _, item := range raw {
		refs = append(refs, BuildingRef{Raw: item})
	}
	return Community{
		ID:          entry.Key,
		DisplayName: displayName,
		Buildings:   refs,
		CreatedAt:   parseCreatedAt(document["createdAt"]),
	}
}

func parseCreatedAt(value any) time.Time {
	switch typed := value.(type) {
	case nil:
		return time.Time{}
	case map[string]any:
		return time.Unix(cast.ToInt64(typed["seconds"]), cast.ToInt64(typed["nanoseconds"])).UTC()
	default:
		parsed, err := cast.ToTimeE(typed)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	}
}

// CatalogBuilding is one entry of the registered building catalog.
type CatalogBuilding struct {
	ID   string
	Name string
}

// ListBuildings reads the building catalog. Admin resolution treats it as the full membership.
func (c *CommunityClient) ListBuildings(ctx context.Context) ([]CatalogBuilding, error) {
	entries, err := c.store.ListCollection(ctx, collectionCatalog)
	if err != nil {
		return nil, fmt.Errorf("list buildings: %w", err)
	}
	catalog := make([]CatalogBuilding, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(cast.ToString(entry.Document["name"]))
		if name == "" {
			name = entry.Key
		}
		catalog = append(catalog, CatalogBuilding{ID: entry.Key, Name: name})
	}
	return catalog, nil
}
