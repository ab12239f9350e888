package directory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/einen2021/vision365-web/internal/store"
)

func TestParseMembershipShapes(t *testing.T) {
	flat := ParseMembership([]any{"TowerA", " TowerB ", "TowerA", ""})
	if flat.Shape() != ShapeFlat {
		t.Fatalf("expected flat shape")
	}
	if got := flat.Flatten(); !reflect.DeepEqual(got, []string{"TowerA", "TowerB"}) {
		t.Fatalf("unexpected flat membership %#v", got)
	}
	if got := flat.ForCommunity("north"); got != nil {
		t.Fatalf("expected no community buildings for flat shape, got %#v", got)
	}

	keyed := ParseMembership(map[string]any{
		"south": []any{"TowerC"},
		"north": []any{"TowerA", "TowerB"},
	})
	if keyed.Shape() != ShapeByCommunity {
		t.Fatalf("expected community shape")
	}
	if got := keyed.Flatten(); !reflect.DeepEqual(got, []string{"TowerA", "TowerB", "TowerC"}) {
		t.Fatalf("unexpected flattened membership %#v", got)
	}
	if got := keyed.ForCommunity("south"); !reflect.DeepEqual(got, []string{"TowerC"}) {
		t.Fatalf("unexpected community buildings %#v", got)
	}

	legacy := ParseMembership(map[string]any{"TowerZ": true, "TowerY": true})
	if got := legacy.Flatten(); !reflect.DeepEqual(got, []string{"TowerY", "TowerZ"}) {
		t.Fatalf("unexpected legacy membership %#v", got)
	}
	if !ParseMembership(nil).IsEmpty() || !ParseMembership("garbage").IsEmpty() {
		t.Fatalf("expected malformed memberships to be empty")
	}
}

func TestMembershipFlattenIsDeterministic(t *testing.T) {
	membership := CommunityMembership(map[string][]string{"b": {"2"}, "a": {"1"}, "c": {"3", "1"}})
	first := membership.Flatten()
	for range 10 {
		if got := membership.Flatten(); !reflect.DeepEqual(got, first) {
			t.Fatalf("expected stable order, got %#v then %#v", first, got)
		}
	}
	if !reflect.DeepEqual(first, []string{"1", "2", "3"}) {
		t.Fatalf("unexpected order %#v", first)
	}
}

func TestIdentityClientLookupUser(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("UserDB", "u1", store.Document{
		"email":     "ops@example.com",
		"role":      "Admin",
		"buildings": map[string]any{"north-campus-id": []any{"TowerA"}},
	})
	memory.Seed("UserDB", "u2", store.Document{"email": "viewer@example.com", "role": "viewer"})
	client := NewIdentityClient(IdentityClientConfig{Store: memory})
	ctx := context.Background()

	user, err := client.LookupUser(ctx, " ops@example.com ")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !user.IsAdmin() || !reflect.DeepEqual(user.Buildings.ForCommunity("north-campus-id"), []string{"TowerA"}) {
		t.Fatalf("unexpected user %#v", user)
	}
	viewer, err := client.LookupUser(ctx, "viewer@example.com")
	if err != nil || viewer.Role != RoleOperator || !viewer.Buildings.IsEmpty() {
		t.Fatalf("unexpected viewer %#v (%v)", viewer, err)
	}
	if _, err := client.LookupUser(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := NewIdentityClient(IdentityClientConfig{}).LookupUser(ctx, "ops@example.com"); !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCommunityClientListAndFind(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("communities", "old", store.Document{"communityName": "Old Town", "createdAt": "2023-01-01T00:00:00Z"})
	memory.Seed("communities", "north-campus-id", store.Document{
		"communityName": "North Campus",
		"createdAt":     map[string]any{"seconds": float64(1700000000), "nanoseconds": float64(0)},
		"buildings": []any{
			"TowerA_BuildingDB",
			map[string]any{"id": "TowerB", "name": "Tower B"},
			map[string]any{"name": "TowerC"},
			map[string]any{},
		},
	})
	memory.Seed("communities", "aaa-undated", store.Document{"name": "Undated"})
	client := NewCommunityClient(CommunityClientConfig{Store: memory})

	communities, err := client.ListCommunities(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	ids := make([]string, 0, len(communities))
	for _, community := range communities {
		ids = append(ids, community.ID)
	}
	if !reflect.DeepEqual(ids, []string{"north-campus-id", "old", "aaa-undated"}) {
		t.Fatalf("unexpected order %#v", ids)
	}
	if communities[2].DisplayName != "Undated" {
		t.Fatalf("expected name fallback, got %q", communities[2].DisplayName)
	}

	north, ok := FindCommunity(communities, "north campus")
	if !ok || north.ID != "north-campus-id" {
		t.Fatalf("expected case-insensitive name match, got %#v", north)
	}
	if got := north.BuildingKeys(); !reflect.DeepEqual(got, []string{"TowerA_BuildingDB", "TowerB", "TowerC"}) {
		t.Fatalf("unexpected building keys %#v", got)
	}
	if _, ok := FindCommunity(communities, "old"); !ok {
		t.Fatalf("expected id match")
	}
	if _, ok := FindCommunity(communities, "NoSuchCommunity"); ok {
		t.Fatalf("expected no match")
	}
}

func TestCommunityClientListBuildings(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("buildings", "towera", store.Document{"name": "TowerA"})
	memory.Seed("buildings", "TowerB", store.Document{})
	client := NewCommunityClient(CommunityClientConfig{Store: memory})

	catalog, err := client.ListBuildings(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expected := []CatalogBuilding{{ID: "TowerB", Name: "TowerB"}, {ID: "towera", Name: "TowerA"}}
	if !reflect.DeepEqual(catalog, expected) {
		t.Fatalf("unexpected catalog %#v", catalog)
	}
}
