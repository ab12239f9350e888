package membership

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/store"
)

type staticCommunities struct {
	communities []directory.Community
	err         error
}

func (s staticCommunities) ListCommunities(context.Context) ([]directory.Community, error) {
	return s.communities, s.err
}

type staticCatalog struct {
	buildings []directory.CatalogBuilding
	err       error
}

func (s staticCatalog) ListBuildings(context.Context) ([]directory.CatalogBuilding, error) {
	return s.buildings, s.err
}

func community(id, name string, refs ...any) directory.Community {
	buildingRefs := make([]directory.BuildingRef, 0, len(refs))
	for _, ref := range refs {
		buildingRefs = append(buildingRefs, directory.BuildingRef{Raw: ref})
	}
	return directory.Community{ID: id, DisplayName: name, Buildings: buildingRefs}
}

func newTestResolver(t *testing.T, communities ...directory.Community) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{Communities: staticCommunities{communities: communities}})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	return resolver
}

func TestResolveAllReturnsFlattenedMembership(t *testing.T) {
	resolver := newTestResolver(t)
	user := directory.User{Email: "ops@example.com", Buildings: directory.CommunityMembership(map[string][]string{
		"north": {"TowerA", "TowerB"},
		"south": {"towera_BuildingDB", "TowerC"},
	})}

	for _, identifier := range []string{"All", "", "  "} {
		resolution, err := resolver.Resolve(context.Background(), user, identifier)
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if !resolution.IsAll() {
			t.Fatalf("expected unfiltered resolution for %q", identifier)
		}
		if !reflect.DeepEqual(resolution.Buildings, []string{"TowerA", "TowerB", "TowerC"}) {
			t.Fatalf("unexpected buildings for %q: %#v", identifier, resolution.Buildings)
		}
	}
}

func TestResolveMatchesSuffixedAuthoritativeMembers(t *testing.T) {
	resolver := newTestResolver(t, community("c1", "Campus", "A_BuildingDB", "B_BuildingDB"))
	user := directory.User{Email: "ops@example.com", Buildings: directory.FlatMembership("a", "c")}

	resolution, err := resolver.Resolve(context.Background(), user, "Campus")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.FallbackApplied {
		t.Fatalf("expected direct match, not fallback")
	}
	if !reflect.DeepEqual(resolution.Buildings, []string{"a"}) {
		t.Fatalf("unexpected buildings %#v", resolution.Buildings)
	}
	if !resolution.Contains("A_BuildingDB") || resolution.Contains("c") {
		t.Fatalf("expected A and not c in %#v", resolution.Buildings)
	}
}

func TestResolveUnknownCommunityIsEmpty(t *testing.T) {
	resolver := newTestResolver(t, community("c1", "Campus", "TowerA"))
	user := directory.User{Email: "ops@example.com", Buildings: directory.FlatMembership("TowerA", "TowerB")}

	resolution, err := resolver.Resolve(context.Background(), user, "NoSuchCommunity")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.CommunityFound || len(resolution.Buildings) != 0 {
		t.Fatalf("expected empty resolution, got %#v", resolution)
	}
}

func TestResolveFallsBackToAuthoritativeList(t *testing.T) {
	resolver := newTestResolver(t, community("c1", "Campus", "TowerX_BuildingDB", map[string]any{"name": "TowerY"}))
	user := directory.User{Email: "ops@example.com", Buildings: directory.FlatMembership("Elsewhere")}

	resolution, err := resolver.Resolve(context.Background(), user, "c1")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolution.FallbackApplied {
		t.Fatalf("expected fallback to be flagged")
	}
	if !reflect.DeepEqual(resolution.Buildings, []string{"TowerX", "TowerY"}) {
		t.Fatalf("unexpected fallback buildings %#v", resolution.Buildings)
	}

	empty := newTestResolver(t, community("c2", "Empty"))
	resolution, err = empty.Resolve(context.Background(), user, "Empty")
	if err != nil || resolution.FallbackApplied || len(resolution.Buildings) != 0 {
		t.Fatalf("expected no fallback for empty community, got %#v (%v)", resolution, err)
	}
}

func TestResolveEndToEndCommunityKeyedMembership(t *testing.T) {
	resolver := newTestResolver(t, community("north-campus-id", "North Campus", "TowerA_BuildingDB"))
	user := directory.User{
		Email:     "ops@example.com",
		Buildings: directory.ParseMembership(map[string]any{"north-campus-id": []any{"TowerA"}}),
	}

	first, err := resolver.Resolve(context.Background(), user, "North Campus")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !reflect.DeepEqual(first.Buildings, []string{"TowerA"}) {
		t.Fatalf("unexpected buildings %#v", first.Buildings)
	}
	second, err := resolver.Resolve(context.Background(), user, "North Campus")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected idempotent resolution, got %#v then %#v", first, second)
	}
}

func TestResolveAdminUsesCatalog(t *testing.T) {
	resolver, err := NewResolver(ResolverConfig{
		Communities: staticCommunities{communities: []directory.Community{community("c1", "Campus", "TowerB")}},
		Catalog:     staticCatalog{buildings: []directory.CatalogBuilding{{ID: "a", Name: "TowerA"}, {ID: "b", Name: "TowerB"}}},
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	admin := directory.User{Email: "admin@example.com", Role: directory.RoleAdmin, Buildings: directory.FlatMembership("Own")}

	all, err := resolver.Resolve(context.Background(), admin, AllCommunities)
	if err != nil || !reflect.DeepEqual(all.Buildings, []string{"TowerA", "TowerB"}) {
		t.Fatalf("unexpected admin buildings %#v (%v)", all.Buildings, err)
	}
	filtered, err := resolver.Resolve(context.Background(), admin, "Campus")
	if err != nil || !reflect.DeepEqual(filtered.Buildings, []string{"TowerB"}) {
		t.Fatalf("unexpected filtered admin buildings %#v (%v)", filtered.Buildings, err)
	}

	operator := directory.User{Email: "ops@example.com", Buildings: directory.FlatMembership("Own")}
	own, err := resolver.Resolve(context.Background(), operator, AllCommunities)
	if err != nil || !reflect.DeepEqual(own.Buildings, []string{"Own"}) {
		t.Fatalf("expected operator to ignore catalog, got %#v (%v)", own.Buildings, err)
	}
}

func TestResolvePropagatesDirectoryFailure(t *testing.T) {
	resolver, err := NewResolver(ResolverConfig{Communities: staticCommunities{err: store.ErrNotConfigured}})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	user := directory.User{Email: "ops@example.com", Buildings: directory.FlatMembership("TowerA")}
	if _, err := resolver.Resolve(context.Background(), user, "Campus"); !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewResolver(ResolverConfig{}); err == nil {
		t.Fatalf("expected missing community source to fail")
	}
}
