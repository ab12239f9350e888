package buildings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/einen2021/vision365-web/internal/store"
)

type rejectingStore struct {
	*store.MemoryStore
}

func (rejectingStore) WriteDocument(context.Context, string, string, store.Document, store.WriteMode) error {
	return errors.New("permission denied")
}

func newTestWriter(documents store.Store) *Writer {
	return NewWriter(WriterConfig{
		Store:       documents,
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		IDGenerator: func() string { return "generated-id" },
	})
}

func TestReaderDefaultsForMissingDocuments(t *testing.T) {
	reader := NewReader(ReaderConfig{Store: store.NewMemoryStore()})

	snapshot, err := reader.Snapshot(context.Background(), "TowerA")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.AlarmCounts != (AlarmCounts{}) || len(snapshot.Messages) != 0 || len(snapshot.Devices) != 0 || len(snapshot.Incidents) != 0 {
		t.Fatalf("expected default snapshot, got %#v", snapshot)
	}
	if len(snapshot.Actuators) != len(ActuatorControls) || snapshot.Actuators["SEF"] {
		t.Fatalf("expected every actuator defaulted to false, got %#v", snapshot.Actuators)
	}
}

func TestReaderUsesBuildingNamespace(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("TowerABuildingDB", DocumentAlarmDetails, store.Document{"totalFire": 2, "totalTrouble": 1})
	memory.Seed("TowerABuildingDB", DocumentMimic, store.Document{"7": "1"})
	memory.Seed("TowerABuildingDB", DocumentMimicMap, store.Document{"mimicDetails": []any{map[string]any{"name": "Pump", "pseudo": "7"}}})
	reader := NewReader(ReaderConfig{Store: memory})

	for _, id := range []string{"TowerA", "TowerABuildingDB"} {
		snapshot, err := reader.Snapshot(context.Background(), id)
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}
		if snapshot.AlarmCounts != (AlarmCounts{Fire: 2, Trouble: 1}) {
			t.Fatalf("unexpected counts for %q: %#v", id, snapshot.AlarmCounts)
		}
		if device := snapshot.Devices["7"]; !device.Active || device.Name != "Pump" {
			t.Fatalf("unexpected device for %q: %#v", id, device)
		}
	}
}

func TestReaderFailsFastWhenUnconfigured(t *testing.T) {
	reader := NewReader(ReaderConfig{})
	if _, err := reader.AlarmCounts(context.Background(), "TowerA"); !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := reader.Snapshot(context.Background(), "TowerA"); !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := reader.Snapshot(context.Background(), " "); !errors.Is(err, ErrInvalidBuilding) {
		t.Fatalf("expected ErrInvalidBuilding, got %v", err)
	}
}

func TestReaderMessagesPage(t *testing.T) {
	memory := store.NewMemoryStore()
	entries := make([]any, 0, 25)
	for index := range 25 {
		entries = append(entries, map[string]any{"time": index, "message": "m"})
	}
	memory.Seed("TowerABuildingDB", DocumentAlarmMessage, store.Document{"messages": entries})
	reader := NewReader(ReaderConfig{Store: memory})

	page, err := reader.MessagesPage(context.Background(), "TowerA", 3, 10)
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
	if page.TotalPages != 3 || page.Total != 25 || len(page.Messages) != 5 {
		t.Fatalf("unexpected page %#v", page)
	}
	if page.Messages[0].Time != 4 {
		t.Fatalf("expected newest-first ordering, got %#v", page.Messages)
	}
	empty, err := reader.MessagesPage(context.Background(), "Missing", 1, 10)
	if err != nil || empty.TotalPages != 1 || len(empty.Messages) != 0 {
		t.Fatalf("unexpected empty page %#v (%v)", empty, err)
	}
}

func TestReaderConstruction(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed(CollectionConstruction, "TowerA", store.Document{"constructionStatus": map[string]any{
		"fireAlarmInstall": float64(1),
		"pipeWork":         float64(0),
		"handover":         float64(2),
		"commissioning":    nil,
	}})
	reader := NewReader(ReaderConfig{Store: memory})

	steps, err := reader.Construction(context.Background(), "TowerA_BuildingDB")
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	expected := []ConstructionStep{
		{Key: "commissioning", Label: "commissioning", Status: ConstructionYetToStart},
		{Key: "fireAlarmInstall", Label: "fire Alarm Install", Status: ConstructionCompleted},
		{Key: "handover", Label: "handover", Status: ConstructionYetToStart},
		{Key: "pipeWork", Label: "pipe Work", Status: ConstructionOngoing},
	}
	if len(steps) != len(expected) {
		t.Fatalf("unexpected steps %#v", steps)
	}
	for index := range expected {
		if steps[index] != expected[index] {
			t.Fatalf("step %d = %#v, want %#v", index, steps[index], expected[index])
		}
	}
}

func TestWriterToggleNegatesStoredValue(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("TowerABuildingDB", DocumentSmokeActions, store.Document{"p550": true})
	writer := newTestWriter(memory)
	reader := NewReader(ReaderConfig{Store: memory})
	sef := FieldPath{Kind: KindActuators, Key: "SEF"}

	next, err := writer.Toggle(context.Background(), "TowerA", sef)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if next {
		t.Fatalf("expected toggle to write false")
	}
	actuators, err := reader.Actuators(context.Background(), "TowerA")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if actuators["SEF"] {
		t.Fatalf("expected SEF false after toggle, got %#v", actuators)
	}
}

func TestWriterWrapsRejections(t *testing.T) {
	writer := newTestWriter(rejectingStore{MemoryStore: store.NewMemoryStore()})
	err := writer.SetValue(context.Background(), "TowerA", FieldPath{Kind: KindActions, Key: "ack"}, true)
	if !errors.Is(err, store.ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	unconfigured := newTestWriter(nil)
	err = unconfigured.SetValue(context.Background(), "TowerA", FieldPath{Kind: KindActions, Key: "ack"}, true)
	if !errors.Is(err, store.ErrWriteRejected) || !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("expected rejected and not configured, got %v", err)
	}
}

func TestWriterCreateBuilding(t *testing.T) {
	memory := store.NewMemoryStore()
	writer := newTestWriter(memory)
	ctx := context.Background()

	if err := writer.CreateBuilding(ctx, "TowerC"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := writer.CreateBuilding(ctx, "TowerC_BuildingDB"); !errors.Is(err, ErrBuildingExists) {
		t.Fatalf("expected ErrBuildingExists, got %v", err)
	}
	details, err := NewReader(ReaderConfig{Store: memory}).Details(ctx, "TowerC")
	if err != nil || details.Name != "TowerC" || details.CommunityName != "Not Assigned" {
		t.Fatalf("unexpected details %#v (%v)", details, err)
	}
	catalog, err := memory.ListCollection(ctx, CollectionCatalog)
	if err != nil || len(catalog) != 1 || catalog[0].Key != "TowerC" {
		t.Fatalf("unexpected catalog %#v (%v)", catalog, err)
	}
	smoke, err := memory.ReadDocument(ctx, "TowerCBuildingDB", DocumentSmokeActions)
	if err != nil || smoke["SEF"] != true {
		t.Fatalf("unexpected smoke actions %#v (%v)", smoke, err)
	}
}

func TestWriterAddDeviceAndStatus(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("TowerABuildingDB", DocumentMimicMap, store.Document{"mimicDetails": []any{map[string]any{"name": "Pump", "pseudo": "1"}}})
	memory.Seed("TowerABuildingDB", DocumentMimic, store.Document{"1": "0"})
	writer := newTestWriter(memory)
	reader := NewReader(ReaderConfig{Store: memory})
	ctx := context.Background()

	pseudo, err := writer.AddDevice(ctx, "TowerA", "Valve")
	if err != nil {
		t.Fatalf("add device failed: %v", err)
	}
	devices, err := reader.Devices(ctx, "TowerA")
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if len(devices) != 2 || !devices[pseudo].Active || devices[pseudo].Name != "Valve" {
		t.Fatalf("unexpected devices %#v", devices)
	}

	if err := writer.SetDeviceStatus(ctx, "TowerA", pseudo, false); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	devices, _ = reader.Devices(ctx, "TowerA")
	if devices[pseudo].Active {
		t.Fatalf("expected device inactive")
	}
	if _, err := writer.AddDevice(ctx, "TowerA", " "); !errors.Is(err, store.ErrWriteRejected) {
		t.Fatalf("expected blank device name to be rejected, got %v", err)
	}
}

func TestWriterCreateIncident(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("TowerABuildingDB", DocumentIncidents, store.Document{"incidents": []any{map[string]any{"id": "old"}}})
	writer := newTestWriter(memory)
	ctx := context.Background()

	incident, err := writer.CreateIncident(ctx, "TowerA", map[string]any{"title": "Smoke on level 3", "status": "closed"})
	if err != nil {
		t.Fatalf("create incident failed: %v", err)
	}
	if incident.ID != "generated-id" || incident.Status != "open" || incident.CreatedAt != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected incident %#v", incident)
	}
	incidents, err := NewReader(ReaderConfig{Store: memory}).Incidents(ctx, "TowerA")
	if err != nil || len(incidents) != 2 || incidents[1].Attributes["title"] != "Smoke on level 3" {
		t.Fatalf("unexpected incidents %#v (%v)", incidents, err)
	}
}

func TestWriterSaveAlarmReasonUpserts(t *testing.T) {
	memory := store.NewMemoryStore()
	writer := newTestWriter(memory)
	reader := NewReader(ReaderConfig{Store: memory})
	ctx := context.Background()

	if _, err := writer.SaveAlarmReason(ctx, "TowerA", AlarmReason{MessageID: "m1", AlarmType: AlarmTypeFalse, Reason: "test"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := writer.SaveAlarmReason(ctx, "TowerA", AlarmReason{MessageID: "m1", AlarmType: AlarmTypeActual, FlaggedBy: "ops@example.com"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	reasons, err := reader.AlarmReasons(ctx, "TowerA")
	if err != nil || len(reasons) != 1 {
		t.Fatalf("unexpected reasons %#v (%v)", reasons, err)
	}
	reason, ok, err := reader.AlarmReason(ctx, "TowerA", "m1")
	if err != nil || !ok || reason.AlarmType != AlarmTypeActual || reason.FlaggedBy != "ops@example.com" {
		t.Fatalf("unexpected reason %#v (%v)", reason, err)
	}
	if _, err := writer.SaveAlarmReason(ctx, "TowerA", AlarmReason{MessageID: "m2", AlarmType: "Maybe"}); !errors.Is(err, ErrInvalidAlarmReason) {
		t.Fatalf("expected ErrInvalidAlarmReason, got %v", err)
	}
}

func TestReaderFloorMapsFallsBackAcrossNames(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("FloorMaps/TowerBuildingDB/floors", "Level1", store.Document{"floorPlanName": "L1 plan", "imageUrl": "https://maps.example.com/l1.png"})
	memory.Seed("FloorMaps/TowerBuildingDB/floors", "Level2", store.Document{})
	memory.Seed("FloorMaps/Annex/floors", "Ground", store.Document{"floorName": "Ground floor"})
	reader := NewReader(ReaderConfig{Store: memory})
	ctx := context.Background()

	floors, err := reader.FloorMaps(ctx, "Tower")
	if err != nil {
		t.Fatalf("floor maps failed: %v", err)
	}
	if len(floors) != 2 {
		t.Fatalf("expected 2 floors under the suffixed name, got %#v", floors)
	}
	if floors[0].ID != "Level1" || floors[0].FloorPlanName != "L1 plan" || floors[0].FloorName != "Level1" {
		t.Fatalf("unexpected first floor %#v", floors[0])
	}
	if floors[1].FloorPlanName != "Level2" || floors[1].Name != "Level2" {
		t.Fatalf("expected names to default to the floor id, got %#v", floors[1])
	}

	annex, err := reader.FloorMaps(ctx, "AnnexBuildingDB")
	if err != nil {
		t.Fatalf("floor maps failed: %v", err)
	}
	if len(annex) != 1 || annex[0].FloorName != "Ground floor" {
		t.Fatalf("expected the unsuffixed name to be tried, got %#v", annex)
	}

	none, err := reader.FloorMaps(ctx, "Depot")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no floors, got %#v (%v)", none, err)
	}
	if _, err := reader.FloorMaps(ctx, " "); !errors.Is(err, ErrInvalidBuilding) {
		t.Fatalf("expected ErrInvalidBuilding, got %v", err)
	}
}

func TestReaderFloorMapAndActivity(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Seed("FloorMaps/TowerBuildingDB/floors", "Level1", store.Document{"imageUrl": "https://maps.example.com/l1.png"})
	memory.Seed("FloorMaps/TowerBuildingDB/floors/Level1/assetMappings", "detector-1", store.Document{"active": float64(1), "x": float64(12)})
	memory.Seed("FloorMaps/TowerBuildingDB/floors/Level1/assetMappings", "detector-2", store.Document{"x": float64(40)})
	reader := NewReader(ReaderConfig{Store: memory})
	ctx := context.Background()

	floorMap, err := reader.FloorMap(ctx, "Tower", "Level1")
	if err != nil {
		t.Fatalf("floor map failed: %v", err)
	}
	if floorMap.ImageURL != "https://maps.example.com/l1.png" {
		t.Fatalf("unexpected image url %q", floorMap.ImageURL)
	}
	if len(floorMap.Assets) != 2 || floorMap.Assets[0].ID != "detector-1" || floorMap.Assets[1].Attributes["x"] != float64(40) {
		t.Fatalf("unexpected assets %#v", floorMap.Assets)
	}

	activity, err := reader.FloorActivity(ctx, "TowerBuildingDB", "Level1")
	if err != nil {
		t.Fatalf("floor activity failed: %v", err)
	}
	expected := []AssetActivity{{ID: "detector-1", Activity: 1}, {ID: "detector-2", Activity: 0}}
	if len(activity) != len(expected) || activity[0] != expected[0] || activity[1] != expected[1] {
		t.Fatalf("activity = %#v, want %#v", activity, expected)
	}

	if _, err := reader.FloorMap(ctx, "Tower", "Roof"); !errors.Is(err, ErrFloorNotFound) {
		t.Fatalf("expected ErrFloorNotFound, got %v", err)
	}
	if _, err := reader.FloorActivity(ctx, "Tower", " "); !errors.Is(err, ErrFloorNotFound) {
		t.Fatalf("expected ErrFloorNotFound for an empty floor, got %v", err)
	}
}
