package directory

import (
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

// MembershipShape tags which stored shape a Membership was read from.
type MembershipShape int

const (
	// ShapeFlat is an ordered list of building identifiers.
	ShapeFlat MembershipShape = iota
	// ShapeByCommunity maps community identifiers to building lists.
	ShapeByCommunity
)

// Membership is the raw set of buildings a user is entitled to, as a tagged variant over the
// two stored shapes. The zero value is an empty flat membership.
type Membership struct {
	shape       MembershipShape
	flat        []string
	byCommunity map[string][]string
}

// FlatMembership builds a list-shaped membership.
func FlatMembership(buildingIDs ...string) Membership {
	return Membership{shape: ShapeFlat, flat: cleanList(buildingIDs)}
}

// CommunityMembership builds a community-keyed membership.
func CommunityMembership(byCommunity map[string][]string) Membership {
	out := make(map[string][]string, len(byCommunity))
	for communityID, buildingIDs := range byCommunity {
		out[communityID] = cleanList(buildingIDs)
	}
	return Membership{shape: ShapeByCommunity, byCommunity: out}
}

// ParseMembership reads the stored buildings field. Arrays are flat; objects holding arrays are
// community-keyed; any other object is a legacy flat membership over its keys.
func ParseMembership(raw any) Membership {
	switch typed := raw.(type) {
	case []any:
		return FlatMembership(stringList(typed)...)
	case []string:
		return FlatMembership(typed...)
	case map[string]any:
		if !holdsLists(typed) {
			return FlatMembership(slices.Sorted(maps.Keys(typed))...)
		}
		byCommunity := make(map[string][]string, len(typed))
		for communityID, value := range typed {
			switch list := value.(type) {
			case []any:
				byCommunity[communityID] = stringList(list)
			case string:
				byCommunity[communityID] = []string{list}
			}
		}
		return CommunityMembership(byCommunity)
	default:
		return FlatMembership()
	}
}

func holdsLists(values map[string]any) bool {
	for _, value := range values {
		if _, ok := value.([]any); ok {
			return true
		}
	}
	return false
}

func stringList(values []any) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if text, err := cast.ToStringE(value); err == nil {
			out = append(out, text)
		}
	}
	return out
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Shape reports the stored shape.
func (m Membership) Shape() MembershipShape {
	return m.shape
}

// Flatten returns every building identifier once, in stored order. Community-keyed memberships
// are visited in sorted community order.
func (m Membership) Flatten() []string {
	var all []string
	if m.shape == ShapeByCommunity {
		for _, communityID := range slices.Sorted(maps.Keys(m.byCommunity)) {
			all = append(all, m.byCommunity[communityID]...)
		}
	} else {
		all = m.flat
	}
	return unique(all)
}

// ForCommunity returns the buildings keyed under a community id. Flat memberships have none.
func (m Membership) ForCommunity(communityID string) []string {
	if m.shape != ShapeByCommunity {
		return nil
	}
	return slices.Clone(m.byCommunity[communityID])
}

// IsEmpty reports whether the membership names no building.
func (m Membership) IsEmpty() bool {
	return len(m.Flatten()) == 0
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
