// Package directory describes the live system the recorder belongs to: which
// entities are registered, their devices and integrations, and current state.
//
// Entries expose optional capabilities through small interfaces. Callers
// discover them with type assertions, so a directory backend only implements
// what it actually knows.
package directory

import "time"

// Entity is a registry entry.
type Entity interface {
	EntityID() string
	Platform() string
}

// HasDisabledFlag is implemented by entries that can be administratively disabled.
type HasDisabledFlag interface {
	// DisabledBy names who disabled the entry, or "" when it is enabled.
	DisabledBy() string
}

// HasDeviceRef is implemented by entries attached to a device.
type HasDeviceRef interface {
	DeviceID() string
}

// HasConfigRef is implemented by entries created by an integration config entry.
type HasConfigRef interface {
	ConfigEntryID() string
}

// Device is a device registry entry.
type Device interface {
	Name() string
	Disabled() bool
}

// ConfigEntry is an integration config entry.
type ConfigEntry interface {
	EntryID() string
	Title() string
	// State is the load state, e.g. LOADED, SETUP_ERROR, SETUP_RETRY, NOT_LOADED.
	State() string
}

// HasLiveValue is a current state from the live state machine.
type HasLiveValue interface {
	Value() string
	LastChanged() time.Time
}

// HasAttributes is implemented by live states that carry attributes.
type HasAttributes interface {
	Attribute(name string) (any, bool)
}

// EntityDirectory looks up registry entries.
type EntityDirectory interface {
	Entity(entityID string) (Entity, bool)
}

// DeviceDirectory looks up devices.
type DeviceDirectory interface {
	Device(deviceID string) (Device, bool)
}

// ConfigEntryDirectory lists every config entry.
type ConfigEntryDirectory interface {
	ConfigEntries() []ConfigEntry
}

// LiveStates looks up the current state of an entity.
type LiveStates interface {
	State(entityID string) (HasLiveValue, bool)
}

// Directory bundles all lookups.
type Directory interface {
	EntityDirectory
	DeviceDirectory
	ConfigEntryDirectory
	LiveStates
}

// Unavailable reports whether a live value means the entity has no usable state.
func Unavailable(v HasLiveValue) bool {
	if v == nil {
		return false
	}
	s := v.Value()
	return s == "unavailable" || s == "unknown"
}
