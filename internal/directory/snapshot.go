package directory

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type snapshotFile struct {
	Entities []struct {
		EntityID      string `yaml:"entity_id"`
		Platform      string `yaml:"platform"`
		DisabledBy    string `yaml:"disabled_by"`
		DeviceID      string `yaml:"device_id"`
		ConfigEntryID string `yaml:"config_entry_id"`
	} `yaml:"entities"`
	Devices []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"devices"`
	ConfigEntries []struct {
		EntryID string `yaml:"entry_id"`
		Title   string `yaml:"title"`
		State   string `yaml:"state"`
	} `yaml:"config_entries"`
	States []struct {
		EntityID    string         `yaml:"entity_id"`
		State       string         `yaml:"state"`
		LastChanged time.Time      `yaml:"last_changed"`
		Attributes  map[string]any `yaml:"attributes"`
	} `yaml:"states"`
}

type entityEntry struct {
	id, platform, disabledBy, deviceID, configEntryID string
}

func (e *entityEntry) EntityID() string      { return e.id }
func (e *entityEntry) Platform() string      { return e.platform }
func (e *entityEntry) DisabledBy() string    { return e.disabledBy }
func (e *entityEntry) DeviceID() string      { return e.deviceID }
func (e *entityEntry) ConfigEntryID() string { return e.configEntryID }

type deviceEntry struct {
	name     string
	disabled bool
}

func (d *deviceEntry) Name() string   { return d.name }
func (d *deviceEntry) Disabled() bool { return d.disabled }

type configEntry struct {
	id, title, state string
}

func (c *configEntry) EntryID() string { return c.id }
func (c *configEntry) Title() string   { return c.title }
func (c *configEntry) State() string   { return c.state }

type liveState struct {
	value       string
	lastChanged time.Time
	attributes  map[string]any
}

func (s *liveState) Value() string          { return s.value }
func (s *liveState) LastChanged() time.Time { return s.lastChanged }

func (s *liveState) Attribute(name string) (any, bool) {
	v, ok := s.attributes[name]
	return v, ok
}

// Snapshot is a Directory read from a YAML or JSON export of the live system.
type Snapshot struct {
	path string

	mu       sync.RWMutex
	entities map[string]*entityEntry
	devices  map[string]*deviceEntry
	configs  map[string]*configEntry
	states   map[string]*liveState
}

// LoadSnapshot reads the snapshot at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	s := &Snapshot{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// EmptySnapshot returns a Snapshot with no entries. Every entity then reads
// as deleted from the live system.
func EmptySnapshot() *Snapshot {
	s := &Snapshot{}
	s.apply(&snapshotFile{})
	return s
}

// ParseSnapshot decodes a snapshot document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s := &Snapshot{}
	s.apply(&f)
	return s, nil
}

// Reload re-reads the snapshot file. On error the previous contents are kept.
func (s *Snapshot) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	s.apply(&f)
	return nil
}

func (s *Snapshot) apply(f *snapshotFile) {
	entities := make(map[string]*entityEntry, len(f.Entities))
	for _, e := range f.Entities {
		entities[e.EntityID] = &entityEntry{
			id:            e.EntityID,
			platform:      e.Platform,
			disabledBy:    e.DisabledBy,
			deviceID:      e.DeviceID,
			configEntryID: e.ConfigEntryID,
		}
	}
	devices := make(map[string]*deviceEntry, len(f.Devices))
	for _, d := range f.Devices {
		devices[d.ID] = &deviceEntry{name: d.Name, disabled: d.Disabled}
	}
	configs := make(map[string]*configEntry, len(f.ConfigEntries))
	for _, c := range f.ConfigEntries {
		configs[c.EntryID] = &configEntry{id: c.EntryID, title: c.Title, state: c.State}
	}
	states := make(map[string]*liveState, len(f.States))
	for _, st := range f.States {
		states[st.EntityID] = &liveState{value: st.State, lastChanged: st.LastChanged, attributes: st.Attributes}
	}

	s.mu.Lock()
	s.entities, s.devices, s.configs, s.states = entities, devices, configs, states
	s.mu.Unlock()
}

// Entity implements EntityDirectory.
func (s *Snapshot) Entity(entityID string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, false
	}
	return e, true
}

// Device implements DeviceDirectory.
func (s *Snapshot) Device(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, false
	}
	return d, true
}

// ConfigEntries implements ConfigEntryDirectory, ordered by entry id.
func (s *Snapshot) ConfigEntries() []ConfigEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConfigEntry, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID() < out[j].EntryID() })
	return out
}

// State implements LiveStates.
func (s *Snapshot) State(entityID string) (HasLiveValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	if !ok {
		return nil, false
	}
	return st, true
}
