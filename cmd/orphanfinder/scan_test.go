package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rsclarke/orphanfinder/internal/models"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "%d", tt.in)
	}
}

func TestOrphans(t *testing.T) {
	all := []models.EnrichedRecord{
		{EntityID: "sensor.live", EntityRecord: models.EntityRecord{InStatesMeta: true}, InEntityRegistry: true, InStateMachine: true, RegistryStatus: models.RegistryEnabled},
		{EntityID: "sensor.gone", EntityRecord: models.EntityRecord{InStatisticsMeta: true}},
		{EntityID: "sensor.off", EntityRecord: models.EntityRecord{InStatesMeta: true}, InEntityRegistry: true, RegistryStatus: models.RegistryDisabled},
		{EntityID: "sensor.ghost"},
	}

	var ids []string
	for _, e := range orphans(all) {
		ids = append(ids, e.EntityID)
	}
	assert.Equal(t, []string{"sensor.gone", "sensor.off"}, ids)
}
