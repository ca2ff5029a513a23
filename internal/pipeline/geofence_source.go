package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/domain"
	"geotrack/internal/geofence"
)

// CachedGeofences memoizes the active geofence set so that per-position
// evaluation does not hit the database. Staleness up to the refresh interval
// is acceptable for fence edits. Rows that fail geometry or schedule
// validation are dropped at load time with a warning; one bad fence must not
// poison evaluation for the rest.
type CachedGeofences struct {
	log     zerolog.Logger
	source  GeofenceSource
	refresh time.Duration
	now     func() time.Time

	mu        sync.Mutex
	cached    []*domain.Geofence
	fetchedAt time.Time
}

func NewCachedGeofences(log zerolog.Logger, source GeofenceSource, refresh time.Duration) *CachedGeofences {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &CachedGeofences{
		log:     log.With().Str("component", "geofences").Logger(),
		source:  source,
		refresh: refresh,
		now:     time.Now,
	}
}

func (c *CachedGeofences) Geofences(ctx context.Context) ([]*domain.Geofence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.refresh {
		return c.cached, nil
	}

	gfs, err := c.source.Geofences(ctx)
	if err != nil {
		// Serve the stale set during an outage if we have one.
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	valid := gfs[:0]
	for _, g := range gfs {
		if err := geofence.Validate(g); err != nil {
			c.log.Warn().Err(err).Int64("geofenceId", g.ID).Str("name", g.Name).
				Msg("invalid geofence skipped")
			continue
		}
		valid = append(valid, g)
	}

	c.cached = valid
	c.fetchedAt = c.now()
	return valid, nil
}
