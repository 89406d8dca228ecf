package models

import "fmt"

// Registry status values.
const (
	RegistryEnabled       = "Enabled"
	RegistryDisabled      = "Disabled"
	RegistryNotInRegistry = "Not in Registry"
)

// Live state status values.
const (
	StateAvailable   = "Available"
	StateUnavailable = "Unavailable"
	StateNotPresent  = "Not Present"
)

// EnrichedRecord is an EntityRecord joined with live directory information.
type EnrichedRecord struct {
	EntityID string `json:"entity_id"`
	EntityRecord

	InEntityRegistry bool   `json:"in_entity_registry"`
	RegistryStatus   string `json:"registry_status"`
	InStateMachine   bool   `json:"in_state_machine"`
	StateStatus      string `json:"state_status"`

	Platform         string `json:"platform,omitempty"`
	DisabledBy       string `json:"disabled_by,omitempty"`
	DeviceName       string `json:"device_name,omitempty"`
	DeviceDisabled   bool   `json:"device_disabled"`
	ConfigEntryState string `json:"config_entry_state,omitempty"`
	ConfigEntryTitle string `json:"config_entry_title,omitempty"`

	AvailabilityReason          string `json:"availability_reason,omitempty"`
	UnavailableDurationSeconds  *int64 `json:"unavailable_duration_seconds"`
	StatisticsEligibilityReason string `json:"statistics_eligibility_reason,omitempty"`

	UpdateInterval        string `json:"update_interval,omitempty"`
	UpdateIntervalSeconds *int64 `json:"update_interval_seconds"`
	UpdateCount24h        *int64 `json:"update_count_24h"`

	Origin Origin `json:"origin,omitempty"`
}

// HasMetadataRow reports whether the entity owns a row in either metadata table.
func (e *EnrichedRecord) HasMetadataRow() bool {
	return e.InStatesMeta || e.InStatisticsMeta
}

// Summary aggregates an enriched entity list for the final stage.
type Summary struct {
	TotalEntities          int   `json:"total_entities"`
	InEntityRegistry       int   `json:"in_entity_registry"`
	RegistryEnabled        int   `json:"registry_enabled"`
	RegistryDisabled       int   `json:"registry_disabled"`
	InStateMachine         int   `json:"in_state_machine"`
	StateAvailable         int   `json:"state_available"`
	StateUnavailable       int   `json:"state_unavailable"`
	InStatesMeta           int   `json:"in_states_meta"`
	InStates               int   `json:"in_states"`
	InStatisticsMeta       int   `json:"in_statistics_meta"`
	InStatisticsShortTerm  int   `json:"in_statistics_short_term"`
	InStatisticsLongTerm   int   `json:"in_statistics_long_term"`
	OnlyInStates           int   `json:"only_in_states"`
	OnlyInStatistics       int   `json:"only_in_statistics"`
	InBothStatesAndStats   int   `json:"in_both_states_and_stats"`
	OrphanedStatesMeta     int   `json:"orphaned_states_meta"`
	OrphanedStatisticsMeta int   `json:"orphaned_statistics_meta"`
	DeletedFromRegistry    int   `json:"deleted_from_registry"`
	DeletedStorageBytes    int64 `json:"deleted_storage_bytes"`
	DisabledStorageBytes   int64 `json:"disabled_storage_bytes"`
}

// Summarize counts entities along every presence and status dimension.
func Summarize(totalEntities int, entities []EnrichedRecord, deletedBytes, disabledBytes int64) Summary {
	s := Summary{
		TotalEntities:        totalEntities,
		DeletedStorageBytes:  deletedBytes,
		DisabledStorageBytes: disabledBytes,
	}
	for i := range entities {
		e := &entities[i]
		if e.InEntityRegistry {
			s.InEntityRegistry++
		}
		switch e.RegistryStatus {
		case RegistryEnabled:
			s.RegistryEnabled++
		case RegistryDisabled:
			s.RegistryDisabled++
		}
		if e.InStateMachine {
			s.InStateMachine++
		}
		switch e.StateStatus {
		case StateAvailable:
			s.StateAvailable++
		case StateUnavailable:
			s.StateUnavailable++
		}
		if e.InStatesMeta {
			s.InStatesMeta++
		}
		if e.InStates {
			s.InStates++
		}
		if e.InStatisticsMeta {
			s.InStatisticsMeta++
		}
		if e.InStatisticsShortTerm {
			s.InStatisticsShortTerm++
		}
		if e.InStatisticsLongTerm {
			s.InStatisticsLongTerm++
		}
		if e.InStates && !e.InStatisticsMeta {
			s.OnlyInStates++
		}
		if e.InStatisticsMeta && !e.InStates {
			s.OnlyInStatistics++
		}
		if e.InStates && e.InStatisticsMeta {
			s.InBothStatesAndStats++
		}
		if e.InStatesMeta && !e.InStates {
			s.OrphanedStatesMeta++
		}
		if e.InStatisticsMeta && !e.InStatisticsShortTerm && !e.InStatisticsLongTerm {
			s.OrphanedStatisticsMeta++
		}
		if !e.InEntityRegistry && !e.InStateMachine {
			s.DeletedFromRegistry++
		}
	}
	return s
}

// FormatInterval renders an update interval as "5s", "2.50min" or "1.2h".
// Zero or negative intervals render as the empty string.
func FormatInterval(seconds int64) string {
	switch {
	case seconds <= 0:
		return ""
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		minutes := float64(seconds) / 60
		if minutes >= 10 {
			return fmt.Sprintf("%.1fmin", minutes)
		}
		return fmt.Sprintf("%.2fmin", minutes)
	default:
		hours := float64(seconds) / 3600
		if hours >= 10 {
			return fmt.Sprintf("%.1fh", hours)
		}
		return fmt.Sprintf("%.2fh", hours)
	}
}
