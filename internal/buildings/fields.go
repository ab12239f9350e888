package buildings

import (
	"fmt"
	"strings"

	"github.com/einen2021/vision365-web/internal/store"
)

const (
	fieldPrefixActuator = "actuator"
	fieldPrefixAction   = "action"
	fieldPrefixDevice   = "device"
)

// FieldPath addresses one writable boolean of a building snapshot, e.g. "actuator.SEF".
type FieldPath struct {
	Kind Kind
	Key  string
}

// ParseFieldPath validates and canonicalises a field path.
func ParseFieldPath(raw string) (FieldPath, error) {
	prefix, key, found := strings.Cut(strings.TrimSpace(raw), ".")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return FieldPath{}, fmt.Errorf("%w: %q", ErrInvalidFieldPath, raw)
	}
	switch strings.ToLower(prefix) {
	case fieldPrefixActuator:
		canonical, ok := CanonicalActuator(key)
		if !ok {
			return FieldPath{}, fmt.Errorf("%w: unknown actuator %q", ErrInvalidFieldPath, key)
		}
		return FieldPath{Kind: KindActuators, Key: canonical}, nil
	case fieldPrefixAction:
		canonical, ok := CanonicalAction(key)
		if !ok {
			return FieldPath{}, fmt.Errorf("%w: unknown action %q", ErrInvalidFieldPath, key)
		}
		return FieldPath{Kind: KindActions, Key: canonical}, nil
	case fieldPrefixDevice:
		return FieldPath{Kind: KindDevices, Key: key}, nil
	default:
		return FieldPath{}, fmt.Errorf("%w: %q", ErrInvalidFieldPath, raw)
	}
}

func (p FieldPath) String() string {
	switch p.Kind {
	case KindActuators:
		return fieldPrefixActuator + "." + p.Key
	case KindActions:
		return fieldPrefixAction + "." + p.Key
	case KindDevices:
		return fieldPrefixDevice + "." + p.Key
	default:
		return string(p.Kind) + "." + p.Key
	}
}

// Document is the building document holding the field.
func (p FieldPath) Document() string {
	switch p.Kind {
	case KindActuators:
		return DocumentSmokeActions
	case KindActions:
		return DocumentActions
	case KindDevices:
		return DocumentMimic
	default:
		return ""
	}
}

// Encode converts a field value to its stored representation.
func (p FieldPath) Encode(value bool) any {
	if p.Kind == KindDevices {
		return EncodeDeviceStatus(value)
	}
	return value
}

// Value reads the field from a snapshot. ok is false when the snapshot does not carry it.
func (s Snapshot) Value(path FieldPath) (value bool, ok bool) {
	switch path.Kind {
	case KindActuators:
		value, ok = s.Actuators[path.Key]
	case KindActions:
		value, ok = s.Actions[path.Key]
	case KindDevices:
		var device Device
		device, ok = s.Devices[path.Key]
		value = device.Active
	}
	return value, ok
}

// WithValue returns a copy of s with the field set. Unknown devices are left untouched.
func (s Snapshot) WithValue(path FieldPath, value bool) Snapshot {
	out := s.Clone()
	switch path.Kind {
	case KindActuators:
		if out.Actuators == nil {
			out.Actuators = map[string]bool{}
		}
		out.Actuators[path.Key] = value
	case KindActions:
		if out.Actions == nil {
			out.Actions = map[string]bool{}
		}
		out.Actions[path.Key] = value
	case KindDevices:
		if device, ok := out.Devices[path.Key]; ok {
			device.Active = value
			out.Devices[path.Key] = device
		}
	}
	return out
}

// ReadValue reads the stored field from its raw document, using the same tolerance as normalization.
func (p FieldPath) ReadValue(document store.Document) bool {
	switch p.Kind {
	case KindActuators:
		return NormalizeActuators(document)[p.Key]
	case KindActions:
		return NormalizeActions(document)[p.Key]
	case KindDevices:
		return deviceActive(document[p.Key])
	default:
		return false
	}
}
