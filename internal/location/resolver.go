// Package location resolves where a reading was taken: per-entity
// overrides first, then coordinates the hub reports on the entity,
// then the configured default. Country and subdivision codes come from
// reverse geocoding when they are not configured explicitly.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
)

// Source records which rule produced a Record.
type Source string

// Record sources.
const (
	SourceOverride   Source = "override"
	SourceAttributes Source = "attributes"
	SourceDefault    Source = "default"
)

// Record is a resolved location.
type Record struct {
	Latitude        float64
	Longitude       float64
	Altitude        float64
	CountryCode     string
	SubdivisionCode string
	DeploymentType  config.DeploymentType
	Source          Source
}

// IsNull reports whether the coordinates are exactly (0, 0), which is
// how an unconfigured location shows up.
func (r Record) IsNull() bool {
	return r.Latitude == 0 && r.Longitude == 0
}

// Options tunes the geocoding cache.
type Options struct {
	Timeout   time.Duration // per lookup; 0 means 2s
	CacheTTL  time.Duration // 0 means 24h
	CacheSize int           // 0 means unbounded
	Precision int           // decimal places of the cache key; 0 means 3
}

// Resolver resolves entity locations. It owns its geocoding cache and
// is safe for concurrent use.
type Resolver struct {
	cfg       config.LocationConfig
	geocoder  Geocoder
	cache     *ttlcache.Cache
	timeout   time.Duration
	precision int
	logger    *slog.Logger
}

// NewResolver creates a resolver. A nil geocoder disables reverse
// geocoding, so the configured default codes are always used.
func NewResolver(cfg config.LocationConfig, geocoder Geocoder, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Precision <= 0 {
		opts.Precision = 3
	}

	cache := ttlcache.NewCache()
	_ = cache.SetTTL(opts.CacheTTL)
	if opts.CacheSize > 0 {
		cache.SetCacheSizeLimit(opts.CacheSize)
	}

	return &Resolver{
		cfg:       cfg,
		geocoder:  geocoder,
		cache:     cache,
		timeout:   opts.Timeout,
		precision: opts.Precision,
		logger:    logger,
	}
}

// Close stops the cache's expiry goroutine.
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// Override returns the configured override for an entity.
func (r *Resolver) Override(entityID string) (config.LocationOverride, bool) {
	o, ok := r.cfg.Overrides[entityID]
	return o, ok
}

// Resolve returns the location for an entity. It never fails: geocoding
// problems fall back to the configured default codes.
func (r *Resolver) Resolve(ctx context.Context, entityID string, st *homeassistant.State) Record {
	def := r.cfg.Default

	if o, ok := r.cfg.Overrides[entityID]; ok && o.Latitude != nil && o.Longitude != nil {
		rec := Record{
			Latitude:       *o.Latitude,
			Longitude:      *o.Longitude,
			Altitude:       def.Altitude,
			DeploymentType: def.DeploymentType,
			Source:         SourceOverride,
		}
		if o.Altitude != nil {
			rec.Altitude = *o.Altitude
		}
		if o.DeploymentType != "" {
			rec.DeploymentType = o.DeploymentType
		}
		if o.CountryCode != "" && o.SubdivisionCode != "" {
			rec.CountryCode, rec.SubdivisionCode = o.CountryCode, o.SubdivisionCode
		} else {
			rec.CountryCode, rec.SubdivisionCode = r.place(ctx, rec.Latitude, rec.Longitude)
		}
		return rec
	}

	if st.HasAttr(homeassistant.AttrLatitude) && st.HasAttr(homeassistant.AttrLongitude) {
		lat, latOK := st.FloatAttr(homeassistant.AttrLatitude)
		lon, lonOK := st.FloatAttr(homeassistant.AttrLongitude)
		if latOK && lonOK {
			rec := Record{
				Latitude:       lat,
				Longitude:      lon,
				Altitude:       def.Altitude,
				DeploymentType: def.DeploymentType,
				Source:         SourceAttributes,
			}
			if alt, ok := st.FloatAttr(homeassistant.AttrAltitude); ok {
				rec.Altitude = alt
			}
			rec.CountryCode, rec.SubdivisionCode = r.place(ctx, lat, lon)
			return rec
		}
		r.logger.Debug("ignoring unparseable entity coordinates", "entity_id", entityID)
	}

	return Record{
		Latitude:        def.Latitude,
		Longitude:       def.Longitude,
		Altitude:        def.Altitude,
		CountryCode:     def.CountryCode,
		SubdivisionCode: def.SubdivisionCode,
		DeploymentType:  def.DeploymentType,
		Source:          SourceDefault,
	}
}

// cachedPlace is stored in the cache. found is false for coordinates
// the geocoder had no answer for, so those are not retried either.
type cachedPlace struct {
	place Place
	found bool
}

// place returns the country and subdivision for a coordinate, falling
// back to the configured defaults.
func (r *Resolver) place(ctx context.Context, lat, lon float64) (country, subdivision string) {
	def := r.cfg.Default
	if r.geocoder == nil {
		return def.CountryCode, def.SubdivisionCode
	}

	key := r.cacheKey(lat, lon)
	if v, err := r.cache.Get(key); err == nil {
		if cp := v.(cachedPlace); cp.found {
			return cp.place.CountryCode, cp.place.SubdivisionCode
		}
		return def.CountryCode, def.SubdivisionCode
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.geocoder.Reverse(lookupCtx, lat, lon)
	switch {
	case err == nil && p.CountryCode != "":
		if p.SubdivisionCode == "" && p.CountryCode == def.CountryCode {
			p.SubdivisionCode = def.SubdivisionCode
		}
		_ = r.cache.Set(key, cachedPlace{place: p, found: true})
		return p.CountryCode, p.SubdivisionCode
	case err == nil, errors.Is(err, ErrNoResult):
		_ = r.cache.Set(key, cachedPlace{})
	default:
		// Transient failures are not cached so the next reading retries.
		r.logger.Warn("reverse geocoding failed, using default codes",
			"latitude", lat, "longitude", lon, "error", err)
	}
	return def.CountryCode, def.SubdivisionCode
}

func (r *Resolver) cacheKey(lat, lon float64) string {
	scale := math.Pow10(r.precision)
	return fmt.Sprintf("%.*f,%.*f", r.precision, math.Round(lat*scale)/scale, r.precision, math.Round(lon*scale)/scale)
}
