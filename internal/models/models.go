// Package models defines the per-entity records accumulated by a scan.
package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Origin classifies which table family backs an entity's stored data.
type Origin string

// Origin values.
const (
	OriginStates           Origin = "States"
	OriginShortTerm        Origin = "Short-term"
	OriginLongTerm         Origin = "Long-term"
	OriginBoth             Origin = "Both"
	OriginStatesStatistics Origin = "States+Statistics"
)

// ErrInvalidOrigin is returned by ParseOrigin for unknown values.
var ErrInvalidOrigin = errors.New("invalid origin")

// ParseOrigin validates s against the five accepted origin values.
func ParseOrigin(s string) (Origin, error) {
	switch o := Origin(s); o {
	case OriginStates, OriginShortTerm, OriginLongTerm, OriginBoth, OriginStatesStatistics:
		return o, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidOrigin, s)
}

// IncludesStates reports whether the origin covers the states family.
func (o Origin) IncludesStates() bool {
	return o == OriginStates || o == OriginStatesStatistics
}

// IncludesStatistics reports whether the origin covers the statistics family.
func (o Origin) IncludesStatistics() bool {
	return o == OriginShortTerm || o == OriginLongTerm || o == OriginBoth || o == OriginStatesStatistics
}

// IncludesLongTerm reports whether the origin covers the long-term statistics grain.
func (o Origin) IncludesLongTerm() bool {
	return o == OriginLongTerm || o == OriginBoth || o == OriginStatesStatistics
}

// IncludesShortTerm reports whether the origin covers the short-term statistics grain.
func (o Origin) IncludesShortTerm() bool {
	return o == OriginShortTerm || o == OriginBoth || o == OriginStatesStatistics
}

// Frequency describes how often an entity wrote to the states table over the last 24 hours.
type Frequency struct {
	IntervalSeconds int64  `json:"interval_seconds"`
	Count24h        int64  `json:"update_count_24h"`
	IntervalText    string `json:"interval_text"`
}

// EntityRecord is the accumulated view of one entity across the five source tables.
type EntityRecord struct {
	InStatesMeta          bool       `json:"in_states_meta"`
	InStates              bool       `json:"in_states"`
	InStatisticsMeta      bool       `json:"in_statistics_meta"`
	InStatisticsShortTerm bool       `json:"in_statistics_short_term"`
	InStatisticsLongTerm  bool       `json:"in_statistics_long_term"`
	StatesCount           int64      `json:"states_count"`
	StatsShortCount       int64      `json:"stats_short_count"`
	StatsLongCount        int64      `json:"stats_long_count"`
	LastStateUpdate       *time.Time `json:"last_state_update"`
	LastStatsUpdate       *time.Time `json:"last_stats_update"`
	MetadataID            *int64     `json:"metadata_id"`
	UpdateFrequency       *Frequency `json:"update_frequency,omitempty"`
}

// MergeStatsUpdate keeps the most recent statistics update seen across both grains.
func (r *EntityRecord) MergeStatsUpdate(t *time.Time) {
	if t == nil {
		return
	}
	if r.LastStatsUpdate == nil || t.After(*r.LastStatsUpdate) {
		ts := *t
		r.LastStatsUpdate = &ts
	}
}

// EntityMap holds one EntityRecord per entity id. Records are created with
// zero values on first access through Get.
type EntityMap struct {
	records map[string]*EntityRecord
}

// NewEntityMap returns an empty map.
func NewEntityMap() *EntityMap {
	return &EntityMap{records: make(map[string]*EntityRecord)}
}

// Get returns the record for id, creating a default record if none exists.
func (m *EntityMap) Get(id string) *EntityRecord {
	r, ok := m.records[id]
	if !ok {
		r = &EntityRecord{}
		m.records[id] = r
	}
	return r
}

// Lookup returns the record for id without creating one.
func (m *EntityMap) Lookup(id string) (*EntityRecord, bool) {
	r, ok := m.records[id]
	return r, ok
}

// Len returns the number of entities referenced so far.
func (m *EntityMap) Len() int {
	return len(m.records)
}

// IDs returns all entity ids in sorted order.
func (m *EntityMap) IDs() []string {
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns how many records satisfy pred.
func (m *EntityMap) Count(pred func(*EntityRecord) bool) int {
	n := 0
	for _, r := range m.records {
		if pred(r) {
			n++
		}
	}
	return n
}
