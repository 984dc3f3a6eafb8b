package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultGeocoderURL is the Nominatim search endpoint
const DefaultGeocoderURL = "https://nominatim.openstreetmap.org/search"

// Location is an observer position on Earth
type Location struct {
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Validate checks that coordinates are inside their geographic ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %.4f outside [-90, 90]", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %.4f outside [-180, 180]", l.Longitude)
	}
	return nil
}

// Locator resolves a location name to coordinates.
// Priority: pre-configured > in-memory cache > persistent cache > geocode
type Locator struct {
	mu    sync.RWMutex
	known map[string]Location

	fixed      *Location
	persistent *Cache

	client      *http.Client
	endpoint    string
	httpTimeout time.Duration
}

// LocatorOption configures a Locator
type LocatorOption func(*Locator)

// WithFixedLocation makes the locator return loc without geocoding
func WithFixedLocation(loc Location) LocatorOption {
	return func(l *Locator) { l.fixed = &loc }
}

// WithCache enables the persistent SQLite geocache
func WithCache(c *Cache) LocatorOption {
	return func(l *Locator) { l.persistent = c }
}

// WithEndpoint overrides the geocoder URL
func WithEndpoint(endpoint string) LocatorOption {
	return func(l *Locator) { l.endpoint = endpoint }
}

// WithHTTPTimeout bounds each geocoding request
func WithHTTPTimeout(d time.Duration) LocatorOption {
	return func(l *Locator) { l.httpTimeout = d }
}

// NewLocator creates a locator
func NewLocator(opts ...LocatorOption) *Locator {
	l := &Locator{
		known:       make(map[string]Location),
		client:      &http.Client{},
		endpoint:    DefaultGeocoderURL,
		httpTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fixed != nil {
		log.Info().
			Str("name", l.fixed.Name).
			Float64("lat", l.fixed.Latitude).
			Float64("lon", l.fixed.Longitude).
			Msg("Locator initialized with pre-configured coordinates")
	}
	return l
}

// Resolve returns coordinates for name
func (l *Locator) Resolve(ctx context.Context, name string) (Location, error) {
	if l.fixed != nil {
		return *l.fixed, nil
	}

	l.mu.RLock()
	cached, ok := l.known[name]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if l.persistent != nil {
		if loc, found := l.persistent.Get(name); found {
			l.remember(name, loc)
			return loc, nil
		}
	}

	loc, err := l.geocode(ctx, name)
	if err != nil {
		return Location{}, err
	}
	l.remember(name, loc)

	if l.persistent != nil {
		// Failure is logged by the cache; the lookup itself succeeded
		_ = l.persistent.Put(name, loc)
	}
	return loc, nil
}

func (l *Locator) remember(name string, loc Location) {
	l.mu.Lock()
	l.known[name] = loc
	l.mu.Unlock()
}

// geocode performs a Nominatim search bounded by httpTimeout
func (l *Locator) geocode(ctx context.Context, name string) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, l.httpTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", name)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Location{}, err
	}
	req.Header.Set("User-Agent", "shiftd/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geocoding failed with status %d", resp.StatusCode)
	}

	var results []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Location{}, fmt.Errorf("decode geocoding response: %w", err)
	}
	if len(results) == 0 {
		return Location{}, fmt.Errorf("location not found: %s", name)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Location{}, fmt.Errorf("bad latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Location{}, fmt.Errorf("bad longitude %q: %w", results[0].Lon, err)
	}

	loc := Location{Name: results[0].DisplayName, Latitude: lat, Longitude: lon}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}

	log.Info().
		Str("query", name).
		Str("resolved", loc.Name).
		Float64("lat", lat).
		Float64("lon", lon).
		Msg("Location geocoded via Nominatim")

	return loc, nil
}
