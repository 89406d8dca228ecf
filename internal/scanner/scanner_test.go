package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/dbtest"
)

var now = time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)

func TestScanPrimaryIndex(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.a")
	rec.AddStatesMeta(2, "sensor.b")

	ids, err := ScanPrimaryIndex(context.Background(), rec.Open())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"sensor.a": {}, "sensor.b": {}}, ids)
}

func TestScanPrimarySeriesCountsAndLastUpdate(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.a")
	rec.AddStatesMeta(2, "sensor.idle")
	rec.AddState(1, "1", now.Add(-72*time.Hour))
	rec.AddState(1, "2", now.Add(-time.Hour))
	rec.AddState(1, "3", now.Add(-30*time.Minute))

	stats, freqs, err := ScanPrimarySeries(context.Background(), rec.Open(), now)
	require.NoError(t, err)

	require.Contains(t, stats, "sensor.a")
	assert.Equal(t, int64(3), stats["sensor.a"].Count)
	require.NotNil(t, stats["sensor.a"].LastUpdate)
	assert.WithinDuration(t, now.Add(-30*time.Minute), *stats["sensor.a"].LastUpdate, time.Millisecond)
	assert.NotContains(t, stats, "sensor.idle", "entities without rows are not reported")

	require.Contains(t, freqs, "sensor.a")
	assert.Equal(t, int64(2), freqs["sensor.a"].Count24h)
	assert.Equal(t, int64(43200), freqs["sensor.a"].IntervalSeconds)
	assert.Equal(t, "12.0h", freqs["sensor.a"].IntervalText)
}

func TestFrequencyIgnoresSpacing(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.burst")
	rec.AddStatesMeta(2, "sensor.steady")
	for i := 0; i < 10; i++ {
		// ten writes within one minute
		rec.AddState(1, "1", now.Add(-time.Hour).Add(time.Duration(i)*time.Second))
		// ten writes spread over the day
		rec.AddState(2, "1", now.Add(-time.Duration(i*2)*time.Hour-time.Minute))
	}

	_, freqs, err := ScanPrimarySeries(context.Background(), rec.Open(), now)
	require.NoError(t, err)

	for _, id := range []string{"sensor.burst", "sensor.steady"} {
		require.Contains(t, freqs, id)
		assert.Equal(t, int64(8640), freqs[id].IntervalSeconds, id)
		assert.Equal(t, int64(10), freqs[id].Count24h, id)
		assert.Equal(t, "2.40h", freqs[id].IntervalText, id)
	}
}

func TestFrequencyRequiresTwoRecentUpdates(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.once")
	rec.AddState(1, "1", now.Add(-time.Hour))
	rec.AddState(1, "1", now.Add(-48*time.Hour))

	_, freqs, err := ScanPrimarySeries(context.Background(), rec.Open(), now)
	require.NoError(t, err)
	assert.Empty(t, freqs)
}

func TestScanRollupIndex(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatisticsMeta(7, "sensor.energy")
	rec.AddStatisticsMeta(9, "sensor.power")

	ids, err := ScanRollupIndex(context.Background(), rec.Open())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sensor.energy": 7, "sensor.power": 9}, ids)
}

func TestScanRollupGrains(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatisticsMeta(1, "sensor.energy")
	rec.AddStatisticsMeta(2, "sensor.power")
	rec.AddShortTermStatistic(1, now.Add(-10*time.Minute))
	rec.AddShortTermStatistic(1, now.Add(-5*time.Minute))
	rec.AddStatistic(1, now.Add(-2*time.Hour))
	rec.AddStatistic(2, now.Add(-3*time.Hour))
	store := rec.Open()

	fine, err := ScanRollupFine(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, fine, 1)
	assert.Equal(t, int64(2), fine["sensor.energy"].Count)
	require.NotNil(t, fine["sensor.energy"].LastUpdate)
	assert.WithinDuration(t, now.Add(-5*time.Minute), *fine["sensor.energy"].LastUpdate, time.Millisecond)

	coarse, err := ScanRollupCoarse(context.Background(), store)
	require.NoError(t, err)
	assert.Len(t, coarse, 2)
	assert.Equal(t, int64(1), coarse["sensor.power"].Count)
}

func TestScanRollupFineMissingTable(t *testing.T) {
	rec := dbtest.New(t, dbtest.WithoutShortTerm())
	rec.AddStatisticsMeta(1, "sensor.energy")

	fine, err := ScanRollupFine(context.Background(), rec.Open(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, fine)
	assert.Empty(t, fine)
}

func TestScanRollupFinePropagatesOtherErrors(t *testing.T) {
	rec := dbtest.New(t)
	store := rec.Open()
	require.NoError(t, store.Close())

	_, err := ScanRollupFine(context.Background(), store, zap.NewNop())
	assert.Error(t, err)

	_, err = ScanRollupCoarse(context.Background(), store)
	assert.Error(t, err)
}

func TestHourlyMessageCounts(t *testing.T) {
	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.a")
	rec.AddStatesMeta(2, "sensor.other")
	hourStart := now.Truncate(time.Hour) // 12:00

	rec.AddState(1, "1", hourStart.Add(-50*time.Minute))           // 11:10, newest bucket
	rec.AddState(1, "1", hourStart.Add(-10*time.Minute))           // 11:50, newest bucket
	rec.AddState(1, "1", hourStart.Add(-115*time.Minute))          // 10:05
	rec.AddState(1, "1", hourStart.Add(10*time.Minute))            // current hour, excluded
	rec.AddState(1, "1", hourStart.Add(-24*time.Hour-time.Minute)) // before window
	rec.AddState(2, "1", hourStart.Add(-30*time.Minute))

	h, err := HourlyMessageCounts(context.Background(), rec.Open(), zap.NewNop(), "sensor.a", 24, now)
	require.NoError(t, err)

	require.Len(t, h.Counts, 24)
	assert.Equal(t, 24, h.TimeRangeHours)
	assert.Equal(t, int64(3), h.TotalMessages)
	assert.Equal(t, int64(2), h.Counts[23])
	assert.Equal(t, int64(1), h.Counts[22])
	assert.Zero(t, h.Counts[0])
}

func TestHourlyMessageCountsRejectsRange(t *testing.T) {
	rec := dbtest.New(t)
	_, err := HourlyMessageCounts(context.Background(), rec.Open(), nil, "sensor.a", 12, now)
	assert.Error(t, err)

	for _, hours := range []int{24, 48, 168} {
		assert.True(t, ValidHistogramRange(hours))
	}
}
