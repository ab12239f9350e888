package buildings

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/store"
)

const (
	incidentStatusOpen = "open"
	devicePseudoSpace  = 1_000_000
	maxPseudoAttempts  = 64
)

// WriterConfig describes the dependencies of a Writer.
type WriterConfig struct {
	Store       store.Store
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

// Writer is the write path for building-scoped documents. Every failed write wraps
// store.ErrWriteRejected.
type Writer struct {
	store       store.Store
	clock       func() time.Time
	idGenerator func() string
	logger      *zap.Logger
}

// NewWriter constructs a Writer. A nil store yields one that fails fast.
func NewWriter(cfg WriterConfig) *Writer {
	documents := cfg.Store
	if documents == nil {
		documents = store.Unconfigured()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGenerator := cfg.IDGenerator
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: documents, clock: clock, idGenerator: idGenerator, logger: logger}
}

func (w *Writer) namespace(buildingID string) (string, error) {
	namespace := Namespace(buildingID)
	if namespace == "" {
		return "", fmt.Errorf("%w: %w", store.ErrWriteRejected, ErrInvalidBuilding)
	}
	return namespace, nil
}

func (w *Writer) write(ctx context.Context, namespace, key string, patch store.Document, mode store.WriteMode) error {
	err := w.store.WriteDocument(ctx, namespace, key, patch, mode)
	if err == nil {
		return nil
	}
	w.logger.Warn("building write rejected",
		zap.String("namespace", namespace),
		zap.String("document", key),
		zap.Error(err))
	if errors.Is(err, store.ErrWriteRejected) {
		return err
	}
	if errors.Is(err, store.ErrNotConfigured) {
		return fmt.Errorf("%w: %w", store.ErrWriteRejected, err)
	}
	return fmt.Errorf("%w: %v", store.ErrWriteRejected, err)
}

func (w *Writer) read(ctx context.Context, namespace, key string) (store.Document, bool, error) {
	document, exists, err := readOptional(ctx, w.store, namespace, key)
	if err != nil {
		if errors.Is(err, store.ErrNotConfigured) {
			return nil, false, fmt.Errorf("%w: %w", store.ErrWriteRejected, err)
		}
		return nil, false, fmt.Errorf("%w: %v", store.ErrWriteRejected, err)
	}
	return document, exists, nil
}

// WriteField merges a single field into a building document.
func (w *Writer) WriteField(ctx context.Context, buildingID, document, field string, value any) error {
	namespace, err := w.namespace(buildingID)
	if err != nil {
		return err
	}
	return w.write(ctx, namespace, document, store.Document{field: value}, store.WriteModeMerge)
}

// SetValue writes an absolute value to the field addressed by path.
func (w *Writer) SetValue(ctx context.Context, buildingID string, path FieldPath, value bool) error {
	return w.WriteField(ctx, buildingID, path.Document(), path.Key, path.Encode(value))
}

// Toggle reads the stored value of path and writes its negation. It returns the value written.
func (w *Writer) Toggle(ctx context.Context, buildingID string, path FieldPath) (bool, error) {
	namespace, err := w.namespace(buildingID)
	if err != nil {
		return false, err
	}
	document, _, err := w.read(ctx, namespace, path.Document())
	if err != nil {
		return false, err
	}
	next := !path.ReadValue(document)
	if err := w.write(ctx, namespace, path.Document(), store.Document{path.Key: path.Encode(next)}, store.WriteModeMerge); err != nil {
		return false, err
	}
	return next, nil
}

// CreateBuilding initialises every document of a new building and registers it in the catalog.
func (w *Writer) CreateBuilding(ctx context.Context, buildingName string) error {
	name := DisplayName(buildingName)
	namespace, err := w.namespace(name)
	if err != nil {
		return err
	}
	if _, exists, err := w.read(ctx, namespace, DocumentBuildingDetails); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrBuildingExists, name)
	}

	now := w.clock().UTC().Format(time.RFC3339)
	initial := []store.Entry{
		{Key: DocumentActions, Document: store.Document{
			"ack": false, "live": false, "ppm": false, "reset": false, "sAck": false, "silence": false, "tAck": false,
		}},
		{Key: DocumentAlarmMessage, Document: store.Document{"messages": []any{}}},
		{Key: DocumentAlarmDetails, Document: store.Document{"totalFire": 0, "totalSupervisory": 0, "totalTrouble": 0}},
		{Key: DocumentContactDetails, Document: store.Document{
			"contactName": "", "contactNo": []any{}, "contactPosition": "", "emailId": "",
		}},
		{Key: DocumentProjectDetails, Document: store.Document{"clientName": "", "contractorName": "", "projectName": ""}},
		{Key: DocumentMimic, Document: store.Document{}},
		{Key: DocumentMimicMap, Document: store.Document{"mimicDetails": []any{}}},
		{Key: DocumentSmokeActions, Document: store.Document{"SEF": true, "SPF": true, "LIFT": true, "FAN": true}},
		{Key: DocumentIncidents, Document: store.Document{"incidents": []any{}}},
		// buildingDetails last: its presence marks the building as created.
		{Key: DocumentBuildingDetails, Document: store.Document{
			"buildingName":  name,
			"operator":      "",
			"communityId":   nil,
			"communityName": "Not Assigned",
			"createdAt":     now,
			"updatedAt":     now,
		}},
	}
	for _, entry := range initial {
		if err := w.write(ctx, namespace, entry.Key, entry.Document, store.WriteModeReplace); err != nil {
			return err
		}
	}
	if err := w.write(ctx, CollectionCatalog, name, store.Document{"name": name, "createdAt": now}, store.WriteModeMerge); err != nil {
		return err
	}
	w.logger.Info("building created", zap.String("building", name))
	return nil
}

// AddDevice registers a new mimic point, active by default, and returns its pseudo id.
func (w *Writer) AddDevice(ctx context.Context, buildingID, deviceName string) (string, error) {
	name := strings.TrimSpace(deviceName)
	if name == "" {
		return "", fmt.Errorf("%w: device name is required", store.ErrWriteRejected)
	}
	namespace, err := w.namespace(buildingID)
	if err != nil {
		return "", err
	}
	mimic, _, err := w.read(ctx, namespace, DocumentMimic)
	if err != nil {
		return "", err
	}
	pseudo := ""
	for range maxPseudoAttempts {
		candidate := strconv.Itoa(rand.IntN(devicePseudoSpace))
		if _, taken := mimic[candidate]; !taken {
			pseudo = candidate
			break
		}
	}
	if pseudo == "" {
		return "", fmt.Errorf("%w: no free device id", store.ErrWriteRejected)
	}
	if err := w.write(ctx, namespace, DocumentMimic, store.Document{pseudo: EncodeDeviceStatus(true)}, store.WriteModeMerge); err != nil {
		return "", err
	}

	mimicMap, _, err := w.read(ctx, namespace, DocumentMimicMap)
	if err != nil {
		return "", err
	}
	details := append(slices.Clone(deviceEntries(mimicMap["mimicDetails"])), map[string]any{"name": name, "pseudo": pseudo})
	if err := w.write(ctx, namespace, DocumentMimicMap, store.Document{"mimicDetails": details}, store.WriteModeMerge); err != nil {
		return "", err
	}
	return pseudo, nil
}

// SetDeviceStatus writes the mimic state of one device.
func (w *Writer) SetDeviceStatus(ctx context.Context, buildingID, pseudo string, active bool) error {
	path := FieldPath{Kind: KindDevices, Key: strings.TrimSpace(pseudo)}
	if path.Key == "" {
		return fmt.Errorf("%w: %w", store.ErrWriteRejected, ErrInvalidFieldPath)
	}
	return w.SetValue(ctx, buildingID, path, active)
}

// CreateIncident appends an incident. The id defaults to a generated one and the status is open.
func (w *Writer) CreateIncident(ctx context.Context, buildingID string, attributes map[string]any) (Incident, error) {
	namespace, err := w.namespace(buildingID)
	if err != nil {
		return Incident{}, err
	}
	document, _, err := w.read(ctx, namespace, DocumentIncidents)
	if err != nil {
		return Incident{}, err
	}
	record := map[string]any(store.Document(attributes).Clone())
	if record == nil {
		record = map[string]any{}
	}
	id := strings.TrimSpace(cast.ToString(record["id"]))
	if id == "" {
		id = w.idGenerator()
	}
	record["id"] = id
	record["createdAt"] = w.clock().UTC().Format(time.RFC3339)
	record["status"] = incidentStatusOpen

	existing, _ := document["incidents"].([]any)
	incidents := append(append([]any{}, existing...), record)
	if err := w.write(ctx, namespace, DocumentIncidents, store.Document{"incidents": incidents}, store.WriteModeMerge); err != nil {
		return Incident{}, err
	}
	created := NormalizeIncidents(store.Document{"incidents": []any{record}})
	return created[0], nil
}
