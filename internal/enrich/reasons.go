package enrich

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rsclarke/orphanfinder/internal/directory"
	"github.com/rsclarke/orphanfinder/internal/models"
)

// RegistryStatus classifies a registry entry. A nil entry is not registered.
func RegistryStatus(entry directory.Entity) string {
	if entry == nil {
		return models.RegistryNotInRegistry
	}
	if disabledBy(entry) != "" {
		return models.RegistryDisabled
	}
	return models.RegistryEnabled
}

// StateStatus classifies a live state. A nil state is not present.
func StateStatus(state directory.HasLiveValue) string {
	switch {
	case state == nil:
		return models.StateNotPresent
	case directory.Unavailable(state):
		return models.StateUnavailable
	default:
		return models.StateAvailable
	}
}

// UnavailableDuration returns how many whole seconds the entity has been
// unavailable, or nil when it has a usable state.
func UnavailableDuration(state directory.HasLiveValue, now time.Time) *int64 {
	if !directory.Unavailable(state) {
		return nil
	}
	d := int64(now.Sub(state.LastChanged()) / time.Second)
	return &d
}

var disabledReasons = map[string]string{
	"user":         "Manually disabled by user",
	"integration":  "Disabled by integration",
	"device":       "Disabled because parent device is disabled",
	"config_entry": "Disabled because integration config is disabled",
}

// AvailabilityReason explains why an entity is not reporting normally. The
// first matching cause wins; an entity with a normal value gets "".
// device and config may be nil when the entry has no such reference.
func AvailabilityReason(entry directory.Entity, device directory.Device, config directory.ConfigEntry, state directory.HasLiveValue, now time.Time) string {
	if entry != nil {
		if by := disabledBy(entry); by != "" {
			if reason, ok := disabledReasons[by]; ok {
				return reason
			}
			return "Disabled"
		}
	}

	if device != nil && device.Disabled() {
		return fmt.Sprintf("Parent device '%s' is disabled", device.Name())
	}

	if entry != nil && config != nil {
		platform := entry.Platform()
		if platform == "" {
			platform = "integration"
		}
		switch config.State() {
		case "SETUP_ERROR":
			return fmt.Sprintf("Integration failed to load (%s)", platform)
		case "SETUP_RETRY":
			return fmt.Sprintf("Integration retrying setup (%s)", platform)
		case "NOT_LOADED":
			return fmt.Sprintf("Integration not loaded (%s)", platform)
		}
	}

	if directory.Unavailable(state) {
		return unavailableReason(now.Sub(state.LastChanged()))
	}

	if state == nil {
		if entry != nil {
			return "Registered but never loaded - integration may have issues"
		}
		return "Entity has been deleted - no longer exists in the live system"
	}

	return ""
}

func unavailableReason(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs < 120:
		return fmt.Sprintf("Recently unavailable (%ds) - may still be loading", secs)
	case secs < 3600:
		return fmt.Sprintf("Unavailable for %d minutes - device likely offline or unreachable", secs/60)
	case secs < 86400:
		return fmt.Sprintf("Offline for %d hours - device unplugged or unreachable", secs/3600)
	}
	days := secs / 86400
	unit := "day"
	if days > 1 {
		unit = "days"
	}
	return fmt.Sprintf("Offline for %d %s - device unplugged or unreachable", days, unit)
}

var incompatibleDomains = map[string]string{
	"binary_sensor":  "Binary sensors cannot have statistics - they represent on/off states, not numeric measurements",
	"switch":         "Switches cannot have statistics - they are control devices, not sensors",
	"light":          "Lights cannot have statistics - they are control devices, not sensors",
	"input_boolean":  "Input booleans cannot have statistics - they represent on/off states, not numeric measurements",
	"button":         "Buttons cannot have statistics - they are trigger-only entities",
	"scene":          "Scenes cannot have statistics - they are trigger-only entities",
	"script":         "Scripts cannot have statistics - they are automation entities, not sensors",
	"automation":     "Automations cannot have statistics - they are automation entities, not sensors",
	"person":         "Person entities cannot have statistics - they track location/presence, not numeric values",
	"device_tracker": "Device trackers cannot have statistics - they track location/presence, not numeric values",
	"zone":           "Zones cannot have statistics - they are location entities, not sensors",
}

// StatisticsEligibility explains why an entity that has no rollup metadata
// is not producing statistics.
func StatisticsEligibility(entityID string, entry directory.Entity, state directory.HasLiveValue) string {
	if entry == nil {
		return "Entity has been deleted from the live system"
	}
	if disabledBy(entry) != "" {
		return "Entity is disabled - statistics are not recorded for disabled entities"
	}
	if state == nil {
		return "Entity has no state - it may not be loaded or never provided a state"
	}
	if directory.Unavailable(state) {
		return "Entity is currently unavailable - statistics require valid state values"
	}

	domain, _, _ := strings.Cut(entityID, ".")
	if reason, ok := incompatibleDomains[domain]; ok {
		return reason
	}

	if _, err := strconv.ParseFloat(strings.TrimSpace(state.Value()), 64); err != nil {
		return fmt.Sprintf("State value '%s' is not numeric - statistics only work with numeric values", state.Value())
	}

	if !hasAttribute(state, "state_class") {
		return "Missing 'state_class' attribute - entities need state_class (measurement, total, or total_increasing) to be recorded in statistics"
	}
	if !hasAttribute(state, "unit_of_measurement") {
		return "Missing 'unit_of_measurement' attribute - statistics require a unit of measurement"
	}

	return "Entity appears eligible for statistics - it may take time to appear, or check recorder configuration"
}

// DetermineOrigin classifies which table families back the record.
func DetermineOrigin(r *models.EntityRecord) models.Origin {
	switch {
	case r.InStatesMeta && r.InStatisticsMeta:
		return models.OriginStatesStatistics
	case r.InStatesMeta:
		return models.OriginStates
	case r.InStatisticsLongTerm && r.InStatisticsShortTerm:
		return models.OriginBoth
	case r.InStatisticsLongTerm:
		return models.OriginLongTerm
	default:
		return models.OriginShortTerm
	}
}

func disabledBy(entry directory.Entity) string {
	if d, ok := entry.(directory.HasDisabledFlag); ok {
		return d.DisabledBy()
	}
	return ""
}

func hasAttribute(state directory.HasLiveValue, name string) bool {
	attrs, ok := state.(directory.HasAttributes)
	if !ok {
		return false
	}
	v, ok := attrs.Attribute(name)
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && s == "" {
		return false
	}
	return true
}
