package history

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"geotrack/internal/domain"
)

func series(start time.Time, step time.Duration, n int) []*domain.Position {
	out := make([]*domain.Position, n)
	for i := range out {
		out[i] = &domain.Position{
			ID:         int64(i + 1),
			DeviceTime: start.Add(time.Duration(i) * step),
		}
	}
	return out
}

func TestSampleShortSpanReturnsAll(t *testing.T) {
	is := is.New(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(2 * 24 * time.Hour)
	positions := series(from, time.Minute, 1000)

	got := Sample(positions, from, to)
	is.Equal(len(got), 1000)
}

func TestSampleThinsLongSpan(t *testing.T) {
	is := is.New(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(10 * 24 * time.Hour)
	// One point per minute for ten days.
	positions := series(from, time.Minute, 10*24*60)

	got := Sample(positions, from, to)

	// Five-minute buckets over ten days, bounded near 500 points per day.
	is.True(len(got) <= 10*500)
	is.True(len(got) < len(positions))

	// First and last available points survive sampling.
	is.Equal(got[0], positions[0])
	is.Equal(got[len(got)-1], positions[len(positions)-1])

	// Ascending order is preserved.
	for i := 1; i < len(got); i++ {
		is.True(got[i].DeviceTime.After(got[i-1].DeviceTime))
	}
}

func TestSampleKeepsFirstPerBucket(t *testing.T) {
	is := is.New(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(4 * 24 * time.Hour)

	// Three points inside the first five-minute bucket, one in the next.
	positions := []*domain.Position{
		{ID: 1, DeviceTime: from},
		{ID: 2, DeviceTime: from.Add(1 * time.Minute)},
		{ID: 3, DeviceTime: from.Add(4 * time.Minute)},
		{ID: 4, DeviceTime: from.Add(6 * time.Minute)},
	}
	got := Sample(positions, from, to)
	is.Equal(len(got), 2)
	is.Equal(got[0].ID, int64(1))
	is.Equal(got[1].ID, int64(4))
}

func TestSampleEmpty(t *testing.T) {
	is := is.New(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got := Sample(nil, from, from.Add(10*24*time.Hour))
	is.Equal(len(got), 0)
}

func TestComputeStatistics(t *testing.T) {
	is := is.New(t)
	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// Equator run: one degree of longitude per hop is about 111.2 km.
	positions := []*domain.Position{
		{DeviceTime: start, Latitude: 0, Longitude: 0, Speed: 0},
		{DeviceTime: start.Add(10 * time.Minute), Latitude: 0, Longitude: 1, Speed: 60},
		{DeviceTime: start.Add(20 * time.Minute), Latitude: 0, Longitude: 2, Speed: 80},
		{DeviceTime: start.Add(30 * time.Minute), Latitude: 0, Longitude: 2, Speed: 0},
	}
	stats := Compute(positions)

	is.Equal(stats.TotalPoints, 4)
	is.Equal(stats.MaxSpeed, float64(80))
	is.Equal(stats.AvgSpeed, float64(35)) // (0+60+80+0)/4
	is.True(stats.TotalDistance > 222 && stats.TotalDistance < 223)

	// Two moving hops, one stopped hop, classified by the later point.
	is.Equal(stats.MovingTime, int64(20))
	is.Equal(stats.StoppedTime, int64(10))
	is.Equal(stats.TotalTime, int64(30))
}

func TestComputeSinglePoint(t *testing.T) {
	is := is.New(t)
	stats := Compute([]*domain.Position{{Speed: 50}})
	is.Equal(stats.TotalPoints, 1)
	is.Equal(stats.AvgSpeed, float64(50))
	is.Equal(stats.TotalDistance, float64(0))
	is.Equal(stats.TotalTime, int64(0))
}

func TestComputeEmpty(t *testing.T) {
	is := is.New(t)
	stats := Compute(nil)
	is.Equal(stats.TotalPoints, 0)
	is.Equal(stats.AvgSpeed, float64(0))
}

func TestStopSpeedBoundary(t *testing.T) {
	is := is.New(t)
	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	// Exactly 1 km/h is stopped; just above is moving.
	positions := []*domain.Position{
		{DeviceTime: start, Speed: 0},
		{DeviceTime: start.Add(time.Minute), Speed: 1},
		{DeviceTime: start.Add(2 * time.Minute), Speed: 1.1},
	}
	stats := Compute(positions)
	is.Equal(stats.StoppedTime, int64(1))
	is.Equal(stats.MovingTime, int64(1))
}
