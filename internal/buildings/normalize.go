package buildings

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/einen2021/vision365-web/internal/store"
)

// NormalizeAlarmCounts reads the totals from an alarmDetails document. Missing, negative or
// non-numeric totals read as zero.
func NormalizeAlarmCounts(document store.Document) AlarmCounts {
	return AlarmCounts{
		Fire:        nonNegative(document["totalFire"]),
		Trouble:     nonNegative(document["totalTrouble"]),
		Supervisory: nonNegative(document["totalSupervisory"]),
	}
}

func nonNegative(value any) int {
	count, err := cast.ToIntE(value)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// NormalizeMessages reads panel messages stored under alarmMessage or, failing that, messages.
// The result is ordered newest first.
func NormalizeMessages(document store.Document) []Message {
	var raw []any
	for _, field := range []string{"alarmMessage", "messages"} {
		if entries, ok := document[field].([]any); ok {
			raw = entries
			break
		}
	}
	messages := make([]Message, 0, len(raw))
	for _, entry := range raw {
		switch typed := entry.(type) {
		case map[string]any:
			text := typed["message"]
			if text == nil {
				text = typed["text"]
			}
			messages = append(messages, Message{Time: messageTime(typed["time"]), Text: cast.ToString(text)})
		case string:
			messages = append(messages, Message{Text: typed})
		}
	}
	slices.SortStableFunc(messages, func(left, right Message) int {
		switch {
		case left.Time > right.Time:
			return -1
		case left.Time < right.Time:
			return 1
		default:
			return 0
		}
	})
	return messages
}

// messageTime converts the stored time forms to epoch milliseconds.
func messageTime(value any) int64 {
	switch typed := value.(type) {
	case nil:
		return 0
	case map[string]any:
		seconds := cast.ToInt64(typed["seconds"])
		nanos := cast.ToInt64(typed["nanoseconds"])
		return seconds*1000 + nanos/int64(time.Millisecond)
	case string:
		trimmed := strings.TrimSpace(typed)
		if millis, err := cast.ToInt64E(trimmed); err == nil {
			return millis
		}
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed.UnixMilli()
		}
		return 0
	default:
		return cast.ToInt64(typed)
	}
}

// NormalizeActuators reads the smoke-control states. The long-form key wins when present.
func NormalizeActuators(document store.Document) map[string]bool {
	out := make(map[string]bool, len(ActuatorControls))
	for _, control := range ActuatorControls {
		out[control.ID] = flag(document, control.ID, control.ShortCode)
	}
	return out
}

// NormalizeActions reads the panel action toggles, accepting the legacy lowercase keys.
func NormalizeActions(document store.Document) map[string]bool {
	out := make(map[string]bool, len(ActionFields))
	for _, field := range ActionFields {
		out[field.Name] = flag(document, field.Name, field.Legacy)
	}
	return out
}

func flag(document store.Document, primary, fallback string) bool {
	if value, ok := document[primary]; ok {
		return cast.ToBool(value)
	}
	if fallback == "" {
		return false
	}
	return cast.ToBool(document[fallback])
}

// NormalizeDevices joins the mimicMap catalogue with the mimic status document.
func NormalizeDevices(mimic, mimicMap store.Document) map[string]Device {
	devices := map[string]Device{}
	for _, entry := range deviceEntries(mimicMap["mimicDetails"]) {
		var id, name string
		switch typed := entry.(type) {
		case map[string]any:
			id = strings.TrimSpace(cast.ToString(typed["pseudo"]))
			name = cast.ToString(typed["name"])
		case string:
			id = strings.TrimSpace(typed)
			name = typed
		}
		if id == "" {
			continue
		}
		if name == "" {
			name = id
		}
		devices[id] = Device{ID: id, Name: name, Active: deviceActive(mimic[id])}
	}
	return devices
}

func deviceEntries(details any) []any {
	switch typed := details.(type) {
	case []any:
		return typed
	case map[string]any:
		keys := slices.Sorted(maps.Keys(typed))
		entries := make([]any, 0, len(keys))
		for _, key := range keys {
			entries = append(entries, typed[key])
		}
		return entries
	default:
		return nil
	}
}

func deviceActive(value any) bool {
	return strings.TrimSpace(cast.ToString(value)) == "1"
}

// EncodeDeviceStatus is the stored mimic representation of a device state.
func EncodeDeviceStatus(active bool) string {
	if active {
		return "1"
	}
	return "0"
}

// NormalizeIncidents reads the incidents array.
func NormalizeIncidents(document store.Document) []Incident {
	raw, _ := document["incidents"].([]any)
	incidents := make([]Incident, 0, len(raw))
	for _, entry := range raw {
		record, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := cast.ToString(record["incidentId"])
		if id == "" {
			id = cast.ToString(record["id"])
		}
		incidents = append(incidents, Incident{
			ID:         id,
			Status:     cast.ToString(record["status"]),
			CreatedAt:  cast.ToString(record["createdAt"]),
			Attributes: map[string]any(store.Document(record).Clone()),
		})
	}
	return incidents
}

// NormalizeDetails reads the buildingDetails document.
func NormalizeDetails(buildingID string, document store.Document) Details {
	details := Details{
		Name:          cast.ToString(document["buildingName"]),
		CommunityID:   cast.ToString(document["communityId"]),
		CommunityName: cast.ToString(document["communityName"]),
		Operator:      cast.ToString(document["operator"]),
		Logo:          cast.ToString(document["logo"]),
	}
	if details.Name == "" {
		details.Name = cast.ToString(document["name"])
	}
	if details.Name == "" {
		details.Name = DisplayName(buildingID)
	}
	return details
}
