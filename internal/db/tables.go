package db

import (
	"errors"
	"fmt"
)

// Recorder tables read by the scanner, estimator and script builder.
const (
	TableStates              = "states"
	TableStatesMeta          = "states_meta"
	TableStatistics          = "statistics"
	TableStatisticsShortTerm = "statistics_short_term"
	TableStatisticsMeta      = "statistics_meta"
)

// ErrInvalidTable is returned when a table name is not on the allow-list.
var ErrInvalidTable = errors.New("invalid table name")

var allowedTables = map[string]struct{}{
	TableStates:              {},
	TableStatesMeta:          {},
	TableStatistics:          {},
	TableStatisticsShortTerm: {},
	TableStatisticsMeta:      {},
}

// ValidateTable checks name against the fixed allow-list. Table identifiers
// cannot be bound as query parameters, so every interpolated name must pass
// through here first.
func ValidateTable(name string) error {
	if _, ok := allowedTables[name]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}
