package buildings

import (
	"strings"

	"golang.org/x/text/cases"
)

// Suffix marks an identifier as a building-scoped storage root.
const Suffix = "BuildingDB"

const keySeparators = "_- "

// Namespace derives the storage namespace for a building. Identifiers that already
// carry the suffix are returned unchanged.
func Namespace(buildingID string) string {
	trimmed := strings.TrimSpace(buildingID)
	if trimmed == "" {
		return ""
	}
	if hasSuffixFold(trimmed, Suffix) {
		return trimmed
	}
	return trimmed + Suffix
}

// DisplayName strips the storage suffix (and the separator before it) from an identifier.
func DisplayName(buildingID string) string {
	trimmed := strings.TrimSpace(buildingID)
	if !hasSuffixFold(trimmed, Suffix) {
		return trimmed
	}
	stripped := strings.TrimRight(trimmed[:len(trimmed)-len(Suffix)], keySeparators)
	if stripped == "" {
		return trimmed
	}
	return stripped
}

// NormalizeKey is the single definition of building identity: two identifiers denote the
// same building iff their normalized keys are equal.
func NormalizeKey(buildingID string) string {
	return strings.TrimSpace(cases.Fold().String(DisplayName(buildingID)))
}

// SameBuilding reports whether two identifiers denote the same building, either by raw
// equality or by normalized key.
func SameBuilding(left, right string) bool {
	if left == right {
		return true
	}
	normalized := NormalizeKey(left)
	return normalized != "" && normalized == NormalizeKey(right)
}

func hasSuffixFold(value, suffix string) bool {
	return len(value) >= len(suffix) && strings.EqualFold(value[len(value)-len(suffix):], suffix)
}
