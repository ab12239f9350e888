package buildings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/einen2021/vision365-web/internal/store"
)

// AlarmType classifies a flagged alarm message.
type AlarmType string

const (
	AlarmTypeFalse  AlarmType = "False Alarm"
	AlarmTypeActual AlarmType = "Actual Alarm"
)

const unknownFlagger = "unknown"

// AlarmReason records why an operator flagged an alarm message.
type AlarmReason struct {
	MessageID   string    `json:"messageId"`
	AlarmType   AlarmType `json:"alarmType"`
	Reason      string    `json:"reason"`
	MessageText string    `json:"messageText"`
	Timestamp   string    `json:"timestamp"`
	FlaggedAt   string    `json:"flaggedAt"`
	FlaggedBy   string    `json:"flaggedBy"`
}

func (r AlarmReason) record() map[string]any {
	return map[string]any{
		"messageId":   r.MessageID,
		"alarmType":   string(r.AlarmType),
		"reason":      r.Reason,
		"messageText": r.MessageText,
		"timestamp":   r.Timestamp,
		"flaggedAt":   r.FlaggedAt,
		"flaggedBy":   r.FlaggedBy,
	}
}

func alarmReasonFromRecord(record map[string]any) AlarmReason {
	return AlarmReason{
		MessageID:   cast.ToString(record["messageId"]),
		AlarmType:   AlarmType(cast.ToString(record["alarmType"])),
		Reason:      cast.ToString(record["reason"]),
		MessageText: cast.ToString(record["messageText"]),
		Timestamp:   cast.ToString(record["timestamp"]),
		FlaggedAt:   cast.ToString(record["flaggedAt"]),
		FlaggedBy:   cast.ToString(record["flaggedBy"]),
	}
}

func normalizeAlarmReasons(document store.Document) []AlarmReason {
	raw, _ := document["reasons"].([]any)
	reasons := make([]AlarmReason, 0, len(raw))
	for _, entry := range raw {
		if record, ok := entry.(map[string]any); ok {
			reasons = append(reasons, alarmReasonFromRecord(record))
		}
	}
	return reasons
}

// AlarmReasons lists every flagged message of a building.
func (r *Reader) AlarmReasons(ctx context.Context, buildingID string) ([]AlarmReason, error) {
	document, _, err := r.Document(ctx, buildingID, DocumentAlarmReasons)
	if err != nil {
		return nil, err
	}
	return normalizeAlarmReasons(document), nil
}

// AlarmReason returns the reason recorded for one message; ok is false when none exists.
func (r *Reader) AlarmReason(ctx context.Context, buildingID, messageID string) (AlarmReason, bool, error) {
	reasons, err := r.AlarmReasons(ctx, buildingID)
	if err != nil {
		return AlarmReason{}, false, err
	}
	for _, reason := range reasons {
		if reason.MessageID == messageID {
			return reason, true, nil
		}
	}
	return AlarmReason{}, false, nil
}

// SaveAlarmReason upserts a reason by message id and returns the stored form.
func (w *Writer) SaveAlarmReason(ctx context.Context, buildingID string, reason AlarmReason) (AlarmReason, error) {
	reason.MessageID = strings.TrimSpace(reason.MessageID)
	if reason.MessageID == "" || (reason.AlarmType != AlarmTypeFalse && reason.AlarmType != AlarmTypeActual) {
		return AlarmReason{}, fmt.Errorf("%w: %w", store.ErrWriteRejected, ErrInvalidAlarmReason)
	}
	namespace, err := w.namespace(buildingID)
	if err != nil {
		return AlarmReason{}, err
	}
	document, _, err := w.read(ctx, namespace, DocumentAlarmReasons)
	if err != nil {
		return AlarmReason{}, err
	}

	now := w.clock().UTC().Format(time.RFC3339)
	if reason.Timestamp == "" {
		reason.Timestamp = now
	}
	if reason.FlaggedBy == "" {
		reason.FlaggedBy = unknownFlagger
	}
	reason.FlaggedAt = now

	existing, _ := document["reasons"].([]any)
	records := make([]any, 0, len(existing)+1)
	replaced := false
	for _, entry := range existing {
		if record, ok := entry.(map[string]any); ok && cast.ToString(record["messageId"]) == reason.MessageID {
			records = append(records, reason.record())
			replaced = true
			continue
		}
		records = append(records, entry)
	}
	if !replaced {
		records = append(records, reason.record())
	}

	patch := store.Document{"reasons": records, "lastUpdated": now}
	if err := w.write(ctx, namespace, DocumentAlarmReasons, patch, store.WriteModeMerge); err != nil {
		return AlarmReason{}, err
	}
	return reason, nil
}
