package buildings

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

// Document keys inside a building namespace.
const (
	DocumentAlarmDetails    = "alarmDetails"
	DocumentAlarmMessage    = "alarmMessage"
	DocumentMimic           = "mimic"
	DocumentMimicMap        = "mimicMap"
	DocumentSmokeActions    = "smokeActions"
	DocumentActions         = "actions"
	DocumentIncidents       = "incidents"
	DocumentBuildingDetails = "buildingDetails"
	DocumentContactDetails  = "contactDetails"
	DocumentProjectDetails  = "projectDetails"
	DocumentAlarmReasons    = "AlarmReasons"
)

// Collections outside any building namespace.
const (
	CollectionCatalog      = "buildings"
	CollectionConstruction = "constructionDetails"
)

var (
	// ErrInvalidBuilding indicates an empty building identifier.
	ErrInvalidBuilding = errors.New("buildings: invalid building id")
	// ErrBuildingExists indicates a building namespace is already initialised.
	ErrBuildingExists = errors.New("buildings: building already exists")
	// ErrInvalidFieldPath indicates a field path that does not address a writable field.
	ErrInvalidFieldPath = errors.New("buildings: invalid field path")
	// ErrInvalidAlarmReason indicates an alarm reason without message id or with an unknown type.
	ErrInvalidAlarmReason = errors.New("buildings: invalid alarm reason")
	// ErrFloorNotFound indicates a floor plan that no name of the building files.
	ErrFloorNotFound = errors.New("buildings: floor not found")
)

// Kind identifies one independently subscribed part of a building snapshot.
type Kind string

const (
	KindAlarmCounts Kind = "alarmCounts"
	KindMessages    Kind = "messages"
	KindDevices     Kind = "devices"
	KindActuators   Kind = "actuators"
	KindActions     Kind = "actions"
	KindIncidents   Kind = "incidents"
)

// Kinds lists every snapshot kind in presentation order.
func Kinds() []Kind {
	return []Kind{KindAlarmCounts, KindMessages, KindDevices, KindActuators, KindActions, KindIncidents}
}

// AlarmCounts holds the per-building alarm totals.
type AlarmCounts struct {
	Fire        int `json:"fire"`
	Trouble     int `json:"trouble"`
	Supervisory int `json:"supervisory"`
}

// Message is one panel message; Time is epoch milliseconds.
type Message struct {
	Time int64  `json:"time"`
	Text string `json:"text"`
}

// Device is a mimic panel point.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Incident is a recorded incident report. Attributes carries the stored record as-is.
type Incident struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	CreatedAt  string         `json:"createdAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Details is the buildingDetails document.
type Details struct {
	Name          string `json:"name"`
	CommunityID   string `json:"communityId,omitempty"`
	CommunityName string `json:"communityName,omitempty"`
	Operator      string `json:"operator,omitempty"`
	Logo          string `json:"logo,omitempty"`
}

// ActuatorControl maps a canonical smoke-control id to its legacy short code.
type ActuatorControl struct {
	ID        string
	ShortCode string
}

// ActuatorControls are the smoke-control actuators in panel order.
var ActuatorControls = []ActuatorControl{
	{ID: "SEF", ShortCode: "p550"},
	{ID: "SPF", ShortCode: "p551"},
	{ID: "LIFT", ShortCode: "p552"},
	{ID: "FAN", ShortCode: "p553"},
}

// ActionField maps a canonical action name to its legacy lowercase spelling.
type ActionField struct {
	Name   string
	Legacy string
}

// ActionFields are the panel action toggles.
var ActionFields = []ActionField{
	{Name: "ack"},
	{Name: "reset"},
	{Name: "sAck", Legacy: "sack"},
	{Name: "tAck", Legacy: "tack"},
	{Name: "silence"},
}

// CanonicalActuator resolves a control id, canonical or short code, case-insensitively.
func CanonicalActuator(id string) (string, bool) {
	trimmed := strings.TrimSpace(id)
	for _, control := range ActuatorControls {
		if strings.EqualFold(trimmed, control.ID) || strings.EqualFold(trimmed, control.ShortCode) {
			return control.ID, true
		}
	}
	return "", false
}

// CanonicalAction resolves an action name case-insensitively.
func CanonicalAction(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	for _, field := range ActionFields {
		if strings.EqualFold(trimmed, field.Name) || (field.Legacy != "" && strings.EqualFold(trimmed, field.Legacy)) {
			return field.Name, true
		}
	}
	return "", false
}

// Snapshot is the normalized state of one building.
type Snapshot struct {
	AlarmCounts AlarmCounts       `json:"alarmCounts"`
	Messages    []Message         `json:"messages"`
	Devices     map[string]Device `json:"devices"`
	Actuators   map[string]bool   `json:"actuators"`
	Actions     map[string]bool   `json:"actions"`
	Incidents   []Incident        `json:"incidents"`
}

// EmptySnapshot returns the default snapshot: zero counts and empty collections.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Messages:  []Message{},
		Devices:   map[string]Device{},
		Actuators: NormalizeActuators(nil),
		Actions:   NormalizeActions(nil),
		Incidents: []Incident{},
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		AlarmCounts: s.AlarmCounts,
		Messages:    slices.Clone(s.Messages),
		Devices:     maps.Clone(s.Devices),
		Actuators:   maps.Clone(s.Actuators),
		Actions:     maps.Clone(s.Actions),
		Incidents:   make([]Incident, len(s.Incidents)),
	}
	for index, incident := range s.Incidents {
		incident.Attributes = maps.Clone(incident.Attributes)
		out.Incidents[index] = incident
	}
	return out
}

// Merge replaces the part of s selected by kind with the same part of partial.
func (s Snapshot) Merge(kind Kind, partial Snapshot) Snapshot {
	out := s.Clone()
	switch kind {
	case KindAlarmCounts:
		out.AlarmCounts = partial.AlarmCounts
	case KindMessages:
		out.Messages = slices.Clone(partial.Messages)
	case KindDevices:
		out.Devices = maps.Clone(partial.Devices)
	case KindActuators:
		out.Actuators = maps.Clone(partial.Actuators)
	case KindActions:
		out.Actions = maps.Clone(partial.Actions)
	case KindIncidents:
		out.Incidents = partial.Clone().Incidents
	}
	return out
}

// SortedDevices lists devices ordered by name, then id.
func SortedDevices(devices map[string]Device) []Device {
	out := slices.Collect(maps.Values(devices))
	slices.SortFunc(out, func(left, right Device) int {
		if byName := strings.Compare(left.Name, right.Name); byName != 0 {
			return byName
		}
		return strings.Compare(left.ID, right.ID)
	})
	return out
}
