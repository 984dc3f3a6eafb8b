package geo

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache keeps geocoded locations in SQLite so a restart does not query
// Nominatim again. Entries older than maxAge are treated as missing; a zero
// maxAge keeps them forever.
type Cache struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache on db.
func NewCache(db *sql.DB, maxAge time.Duration) *Cache {
	return &Cache{db: db, maxAge: maxAge, now: time.Now}
}

// cacheKey folds case and surrounding space so "Ottawa" and " ottawa" share an entry.
func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Get returns the location stored for query.
func (c *Cache) Get(query string) (Location, bool) {
	var (
		loc     Location
		created int64
	)
	err := c.db.QueryRow(`
		SELECT display_name, latitude, longitude, timezone, created_at
		FROM geocache
		WHERE query = ?
	`, cacheKey(query)).Scan(&loc.Name, &loc.Latitude, &loc.Longitude, &loc.Timezone, &created)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Location{}, false
	case err != nil:
		log.Warn().Err(err).Str("query", query).Msg("Failed to read geocache")
		return Location{}, false
	}

	if age := c.now().Sub(time.Unix(created, 0)); c.maxAge > 0 && age > c.maxAge {
		log.Debug().Str("query", query).Dur("age", age).Msg("Geocache entry expired")
		return Location{}, false
	}
	if err := loc.Validate(); err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Ignoring invalid geocache entry")
		return Location{}, false
	}

	log.Debug().Str("query", query).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Msg("Geocache hit")
	return loc, true
}

// Put stores loc for query, replacing any previous entry.
func (c *Cache) Put(query string, loc Location) error {
	_, err := c.db.Exec(`
		INSERT INTO geocache (query, display_name, latitude, longitude, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET
			display_name = excluded.display_name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			timezone = excluded.timezone,
			created_at = excluded.created_at
	`, cacheKey(query), loc.Name, loc.Latitude, loc.Longitude, loc.Timezone, c.now().Unix())
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Failed to write geocache")
		return err
	}

	log.Info().Str("query", query).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Msg("Geocache stored")
	return nil
}
