package buildings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/einen2021/vision365-web/internal/store"
)

// ReaderConfig describes the dependencies of a Reader.
type ReaderConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

// Reader fetches building-scoped documents and normalizes them. Missing documents read as
// defaults; an unconfigured store fails every call with store.ErrNotConfigured.
type Reader struct {
	store  store.Store
	logger *zap.Logger
}

// NewReader constructs a Reader. A nil store yields one that fails fast.
func NewReader(cfg ReaderConfig) *Reader {
	documents := cfg.Store
	if documents == nil {
		documents = store.Unconfigured()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: documents, logger: logger}
}

// Document reads one raw building document. exists is false for missing documents.
func (r *Reader) Document(ctx context.Context, buildingID, key string) (store.Document, bool, error) {
	namespace := Namespace(buildingID)
	if namespace == "" {
		return nil, false, ErrInvalidBuilding
	}
	return readOptional(ctx, r.store, namespace, key)
}

func readOptional(ctx context.Context, documents store.Store, namespace, key string) (store.Document, bool, error) {
	document, err := documents.ReadDocument(ctx, namespace, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return document, true, nil
}

func (r *Reader) AlarmCounts(ctx context.Context, buildingID string) (AlarmCounts, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentAlarmDetails)
	if err != nil {
		return AlarmCounts{}, err
	}
	return NormalizeAlarmCounts(document), nil
}

func (r *Reader) Messages(ctx context.Context, buildingID string) ([]Message, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentAlarmMessage)
	if err != nil {
		return nil, err
	}
	return NormalizeMessages(document), nil
}

// MessagePage is one page of messages, newest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
	Total      int       `json:"total"`
}

// MessagesPage returns the requested 1-based page. Pages past the end are empty.
func (r *Reader) MessagesPage(ctx context.Context, buildingID string, page, limit int) (MessagePage, error) {
	messages, err := r.Messages(ctx, buildingID)
	if err != nil {
		return MessagePage{}, err
	}
	return paginate(messages, page, limit), nil
}

func paginate(messages []Message, page, limit int) MessagePage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	totalPages := max(1, (len(messages)+limit-1)/limit)
	start := min((page-1)*limit, len(messages))
	end := min(start+limit, len(messages))
	return MessagePage{
		Messages:   slices.Clone(messages[start:end]),
		Page:       page,
		TotalPages: totalPages,
		Total:      len(messages),
	}
}

// Devices joins the mimic status document with the mimicMap catalogue.
func (r *Reader) Devices(ctx context.Context, buildingID string) (map[string]Device, error) {
	var mimic, mimicMap store.Document
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		mimic, _, err = r.Document(groupContext, buildingID, DocumentMimic)
		return err
	})
	group.Go(func() (err error) {
		mimicMap, _, err = r.Document(groupContext, buildingID, DocumentMimicMap)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return NormalizeDevices(mimic, mimicMap), nil
}

func (r *Reader) Actuators(ctx context.Context, buildingID string) (map[string]bool, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentSmokeActions)
	if err != nil {
		return nil, err
	}
	return NormalizeActuators(document), nil
}

func (r *Reader) Actions(ctx context.Context, buildingID string) (map[string]bool, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentActions)
	if err != nil {
		return nil, err
	}
	return NormalizeActions(document), nil
}

func (r *Reader) Incidents(ctx context.Context, buildingID string) ([]Incident, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentIncidents)
	if err != nil {
		return nil, err
	}
	return NormalizeIncidents(document), nil
}

func (r *Reader) Details(ctx context.Context, buildingID string) (Details, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentBuildingDetails)
	if err != nil {
		return Details{}, err
	}
	return NormalizeDetails(buildingID, document), nil
}

// ReadKind reads the part of the snapshot selected by kind; other parts are left at defaults.
func (r *Reader) ReadKind(ctx context.Context, buildingID string, kind Kind) (Snapshot, error) {
	snapshot := EmptySnapshot()
	var err error
	switch kind {
	case KindAlarmCounts:
		snapshot.AlarmCounts, err = r.AlarmCounts(ctx, buildingID)
	case KindMessages:
		snapshot.Messages, err = r.Messages(ctx, buildingID)
	case KindDevices:
		snapshot.Devices, err = r.Devices(ctx, buildingID)
	case KindActuators:
		snapshot.Actuators, err = r.Actuators(ctx, buildingID)
	case KindActions:
		snapshot.Actions, err = r.Actions(ctx, buildingID)
	case KindIncidents:
		snapshot.Incidents, err = r.Incidents(ctx, buildingID)
	default:
		return Snapshot{}, fmt.Errorf("buildings: unknown kind %q", kind)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// Snapshot reads every part of a building concurrently.
func (r *Reader) Snapshot(ctx context.Context, buildingID string) (Snapshot, error) {
	if Namespace(buildingID) == "" {
		return Snapshot{}, ErrInvalidBuilding
	}
	kinds := Kinds()
	parts := make([]Snapshot, len(kinds))
	group, groupContext := errgroup.WithContext(ctx)
	for index, kind := range kinds {
		group.Go(func() error {
			part, err := r.ReadKind(groupContext, buildingID, kind)
			if err != nil {
				return err
			}
			parts[index] = part
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	snapshot := EmptySnapshot()
	for index, kind := range kinds {
		snapshot = snapshot.Merge(kind, parts[index])
	}
	return snapshot, nil
}

// ConstructionStatus is the progress of one construction step.
type ConstructionStatus string

const (
	ConstructionCompleted  ConstructionStatus = "completed"
	ConstructionOngoing    ConstructionStatus = "ongoing"
	ConstructionYetToStart ConstructionStatus = "yet-to-start"
)

// ConstructionStep is one labelled step of the construction checklist.
type ConstructionStep struct {
	Key    string             `json:"key"`
	Label  string             `json:"label"`
	Status ConstructionStatus `json:"status"`
}

// Construction reads the construction checklist kept per building name outside the building
// namespace. Steps are ordered by key.
func (r *Reader) Construction(ctx context.Context, buildingName string) ([]ConstructionStep, error) {
	name := strings.TrimSpace(buildingName)
	if name == "" {
		return nil, ErrInvalidBuilding
	}
	document, exists, err := readOptional(ctx, r.store, CollectionConstruction, name)
	if err != nil {
		return nil, err
	}
	if display := DisplayName(name); !exists && display != name {
		r.logger.Debug("construction details missing, retrying display name",
			zap.String("building", name),
			zap.String("display_name", display))
		document, _, err = readOptional(ctx, r.store, CollectionConstruction, display)
		if err != nil {
			return nil, err
		}
	}
	statuses, _ := document["constructionStatus"].(map[string]any)
	steps := make([]ConstructionStep, 0, len(statuses))
	for _, key := range slices.Sorted(maps.Keys(statuses)) {
		steps = append(steps, ConstructionStep{
			Key:    key,
			Label:  stepLabel(key),
			Status: constructionStatus(statuses[key]),
		})
	}
	return steps, nil
}

func constructionStatus(value any) ConstructionStatus {
	code, err := cast.ToIntE(value)
	switch {
	case value == nil || err != nil:
		return ConstructionYetToStart
	case code == 1:
		return ConstructionCompleted
	case code == 0:
		return ConstructionOngoing
	default:
		return ConstructionYetToStart
	}
}

var camelBoundary = regexp.MustCompile(`([A-Z])`)

func stepLabel(key string) string {
	return strings.TrimSpace(camelBoundary.ReplaceAllString(key, " $1"))
}
