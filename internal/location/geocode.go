package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/httpkit"
)

// ErrNoResult is returned by a Geocoder when the coordinates resolve to
// no country (open ocean, or a provider with no data).
var ErrNoResult = errors.New("no geocoding result")

// Place is the administrative area containing a coordinate. Codes are
// lower case: ISO 3166-1 alpha-2 country and the ISO 3166-2 suffix for
// the subdivision ("nz", "wgn").
type Place struct {
	CountryCode     string
	SubdivisionCode string
}

// Geocoder resolves coordinates to a Place.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (Place, error)
}

// Nominatim reverse-geocodes against an OpenStreetMap Nominatim server.
type Nominatim struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNominatim creates a Nominatim geocoder. timeout bounds each HTTP
// request in addition to any deadline on the caller's context.
func NewNominatim(baseURL string, timeout time.Duration, logger *slog.Logger) *Nominatim {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithLogger(logger)),
		logger:     logger,
	}
}

type nominatimResponse struct {
	Error   string            `json:"error"`
	Address map[string]string `json:"address"`
}

// ISO 3166-2 keys in preference order. lvl4 is the first-level
// subdivision in most countries.
var subdivisionKeys = []string{"ISO3166-2-lvl4", "ISO3166-2-lvl3", "ISO3166-2-lvl5", "ISO3166-2-lvl6"}

// Reverse implements Geocoder.
func (n *Nominatim) Reverse(ctx context.Context, lat, lon float64) (Place, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "10")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return Place{}, fmt.Errorf("reverse geocode: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Place{}, fmt.Errorf("decode reverse geocode: %w", err)
	}
	if body.Error != "" || body.Address["country_code"] == "" {
		return Place{}, ErrNoResult
	}

	place := Place{CountryCode: strings.ToLower(body.Address["country_code"])}
	for _, k := range subdivisionKeys {
		if code := body.Address[k]; code != "" {
			place.SubdivisionCode = subdivisionSuffix(code)
			break
		}
	}
	return place, nil
}

// subdivisionSuffix turns "NZ-WGN" into "wgn".
func subdivisionSuffix(code string) string {
	if _, suffix, ok := strings.Cut(code, "-"); ok {
		code = suffix
	}
	return strings.ToLower(code)
}
