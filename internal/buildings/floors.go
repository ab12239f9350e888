package buildings

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/store"
)

// CollectionFloorMaps roots the floor plans of every building, keyed by building name.
const CollectionFloorMaps = "FloorMaps"

// Floor is one floor plan of a building. Attributes carries the stored fields verbatim.
type Floor struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	FloorPlanName string         `json:"floorPlanName"`
	FloorName     string         `json:"floorName"`
	Attributes    store.Document `json:"attributes,omitempty"`
}

// FloorAsset is a device placed on a floor plan.
type FloorAsset struct {
	ID         string         `json:"id"`
	Attributes store.Document `json:"attributes,omitempty"`
}

// FloorMap is a floor plan image with the assets placed on it.
type FloorMap struct {
	ImageURL string       `json:"imageUrl"`
	Assets   []FloorAsset `json:"assets"`
}

// AssetActivity reports the activity level of one placed asset.
type AssetActivity struct {
	ID       string `json:"id"`
	Activity int    `json:"activity"`
}

func floorsNamespace(buildingName string) string {
	return fmt.Sprintf("%s/%s/floors", CollectionFloorMaps, buildingName)
}

func assetMappingsNamespace(buildingName, floor string) string {
	return fmt.Sprintf("%s/%s/assetMappings", floorsNamespace(buildingName), floor)
}

// floorMapNames lists the names a building's floor plans may be filed under: as given, with
// the storage suffix, then without it.
func floorMapNames(buildingID string) []string {
	name := strings.TrimSpace(buildingID)
	if name == "" {
		return nil
	}
	names := []string{name}
	for _, candidate := range []string{Namespace(name), DisplayName(name)} {
		if candidate != name {
			names = append(names, candidate)
		}
	}
	return names
}

// FloorMaps lists the floor plans of a building, trying each name it may be filed under and
// keeping the first that has any.
func (r *Reader) FloorMaps(ctx context.Context, buildingID string) ([]Floor, error) {
	names := floorMapNames(buildingID)
	if len(names) == 0 {
		return nil, ErrInvalidBuilding
	}
	var entries []store.Entry
	for _, name := range names {
		listed, err := r.store.ListCollection(ctx, floorsNamespace(name))
		if err != nil {
			return nil, fmt.Errorf("list floors of %s: %w", name, err)
		}
		if len(listed) > 0 {
			entries = listed
			break
		}
	}
	r.logger.Debug("floor maps listed",
		zap.String("building", buildingID),
		zap.Int("floors", len(entries)))

	floors := make([]Floor, 0, len(entries))
	for _, entry := range entries {
		floors = append(floors, Floor{
			ID:            entry.Key,
			Name:          entry.Key,
			FloorPlanName: stringOr(entry.Document["floorPlanName"], entry.Key),
			FloorName:     stringOr(entry.Document["floorName"], entry.Key),
			Attributes:    entry.Document,
		})
	}
	return floors, nil
}

// FloorMap reads one floor plan with its asset placements. ErrFloorNotFound is returned when
// no name of the building files the floor.
func (r *Reader) FloorMap(ctx context.Context, buildingID, floor string) (FloorMap, error) {
	name, document, err := r.locateFloor(ctx, buildingID, floor)
	if err != nil {
		return FloorMap{}, err
	}
	entries, err := r.store.ListCollection(ctx, assetMappingsNamespace(name, floor))
	if err != nil {
		return FloorMap{}, fmt.Errorf("list assets of %s/%s: %w", name, floor, err)
	}
	assets := make([]FloorAsset, 0, len(entries))
	for _, entry := range entries {
		assets = append(assets, FloorAsset{ID: entry.Key, Attributes: entry.Document})
	}
	return FloorMap{ImageURL: cast.ToString(document["imageUrl"]), Assets: assets}, nil
}

// FloorActivity reports the activity of every asset placed on a floor. Assets without a
// recorded level read as 0.
func (r *Reader) FloorActivity(ctx context.Context, buildingID, floor string) ([]AssetActivity, error) {
	name, _, err := r.locateFloor(ctx, buildingID, floor)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListCollection(ctx, assetMappingsNamespace(name, floor))
	if err != nil {
		return nil, fmt.Errorf("list assets of %s/%s: %w", name, floor, err)
	}
	activity := make([]AssetActivity, 0, len(entries))
	for _, entry := range entries {
		activity = append(activity, AssetActivity{ID: entry.Key, Activity: cast.ToInt(entry.Document["active"])})
	}
	return activity, nil
}

func (r *Reader) locateFloor(ctx context.Context, buildingID, floor string) (string, store.Document, error) {
	floor = strings.TrimSpace(floor)
	if floor == "" {
		return "", nil, ErrFloorNotFound
	}
	names := floorMapNames(buildingID)
	if len(names) == 0 {
		return "", nil, ErrInvalidBuilding
	}
	for _, name := range names {
		document, exists, err := readOptional(ctx, r.store, floorsNamespace(name), floor)
		if err != nil {
			return "", nil, err
		}
		if exists {
			return name, document, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s/%s", ErrFloorNotFound, buildingID, floor)
}

func stringOr(value any, fallback string) string {
	if text := cast.ToString(value); text != "" {
		return text
	}
	return fallback
}
