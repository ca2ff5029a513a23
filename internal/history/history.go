// Package history thins dense position series for large query ranges and
// derives trip statistics over the returned set.
package history

import (
	"time"

	"geotrack/internal/domain"
	"geotrack/internal/geo"
)

const (
	// sampleThreshold is the span above which history queries are sampled
	// instead of returned in full.
	sampleThreshold = 3 * 24 * time.Hour

	minBucketMinutes = 5
	dayMs            = int64(24 * time.Hour / time.Millisecond)

	// movingSpeed is the speed above which a point counts as moving, km/h.
	movingSpeed = 1.0
)

// Sample thins positions for spans over three days using fixed time buckets,
// keeping the first position per bucket. The bucket width grows with the span
// so the result stays near 500 points per day. The chronologically last point
// in range is always included. Positions must be ordered by device time
// ascending.
func Sample(positions []*domain.Position, from, to time.Time) []*domain.Position {
	span := to.Sub(from)
	if span <= sampleThreshold || len(positions) == 0 {
		return positions
	}

	spanMs := span.Milliseconds()
	bucketMinutes := spanMs / (dayMs * 500)
	if bucketMinutes < minBucketMinutes {
		bucketMinutes = minBucketMinutes
	}
	bucket := time.Duration(bucketMinutes) * time.Minute

	sampled := make([]*domain.Position, 0, len(positions))
	var lastBucket int64 = -1
	for _, p := range positions {
		b := p.DeviceTime.Sub(from) / bucket
		if int64(b) == lastBucket {
			continue
		}
		lastBucket = int64(b)
		sampled = append(sampled, p)
	}

	// Keeping the first point per bucket can drop the final point of the
	// range; the last available sample is always reported.
	last := positions[len(positions)-1]
	if sampled[len(sampled)-1] != last {
		sampled = append(sampled, last)
	}
	return sampled
}

// Statistics summarizes a trip over a returned point set.
type Statistics struct {
	TotalPoints   int     `json:"totalPoints"`
	TotalDistance float64 `json:"totalDistance"` // km
	MaxSpeed      float64 `json:"maxSpeed"`      // km/h
	AvgSpeed      float64 `json:"avgSpeed"`      // km/h, per-point mean
	MovingTime    int64   `json:"movingTime"`    // whole minutes
	StoppedTime   int64   `json:"stoppedTime"`   // whole minutes
	TotalTime     int64   `json:"totalTime"`     // whole minutes
}

// Compute derives trip statistics over the point set, which must be ordered
// by device time ascending. The elapsed time of each consecutive pair is
// attributed to moving or stopped by the later point's speed. Times are
// floored to whole minutes after summing, not per gap.
func Compute(positions []*domain.Position) *Statistics {
	stats := &Statistics{TotalPoints: len(positions)}
	if len(positions) == 0 {
		return stats
	}

	var speedSum, meters float64
	var moving, stopped time.Duration
	for i, p := range positions {
		speedSum += p.Speed
		if p.Speed > stats.MaxSpeed {
			stats.MaxSpeed = p.Speed
		}
		if i == 0 {
			continue
		}
		prev := positions[i-1]
		meters += geo.Distance(
			prev.Latitude, prev.Longitude,
			p.Latitude, p.Longitude,
		)
		gap := p.DeviceTime.Sub(prev.DeviceTime)
		if p.Speed > movingSpeed {
			moving += gap
		} else {
			stopped += gap
		}
	}
	stats.TotalDistance = meters / 1000
	stats.AvgSpeed = speedSum / float64(len(positions))
	stats.MovingTime = int64(moving.Minutes())
	stats.StoppedTime = int64(stopped.Minutes())
	stats.TotalTime = int64((moving + stopped).Minutes())
	return stats
}
