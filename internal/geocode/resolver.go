// Package geocode resolves picked coordinates into addresses.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"routeconsole/internal/metrics"
	"routeconsole/internal/model"
)

// Source records which path produced an address.
type Source string

const (
	SourceGeocoded Source = "geocoded"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Resolution describes how a point was resolved.
type Resolution struct {
	Source Source `json:"source"`
	Reason string `json:"reason,omitempty"`
}

// ErrGeocodingFailed is returned by a Reverser when no address is available.
type ErrGeocodingFailed struct {
	Lat, Lng float64
	Reason   string
}

func (e *ErrGeocodingFailed) Error() string {
	return fmt.Sprintf("reverse geocoding failed for %.6f,%.6f - %s", e.Lat, e.Lng, e.Reason)
}

// Reverser turns a coordinate into an address.
type Reverser interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// Config tunes the Nominatim client. Cache lifetime belongs to the Resolver.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	RPS       float64
}

type nominatimReverser struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type nominatimReverse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// NewNominatim builds a rate limited Nominatim reverse geocoder.
func NewNominatim(cfg Config) Reverser {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://nominatim.openstreetmap.org"
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "RouteConsole/1.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	return &nominatimReverser{
		baseURL:    base,
		userAgent:  ua,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (g *nominatimReverser) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: err.Error()}
	}
	q := url.Values{
		"format": {"jsonv2"},
		"lat":    {fmt.Sprintf("%.6f", lat)},
		"lon":    {fmt.Sprintf("%.6f", lng)},
	}
	queryURL := g.baseURL + "/reverse?" + q.Encode()
	log.Printf("[GEOCODE] Request: lat=%.6f lng=%.6f", lat, lng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	var out nominatimReverse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: err.Error()}
	}
	if out.Error != "" {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: out.Error}
	}
	if strings.TrimSpace(out.DisplayName) == "" {
		return "", &ErrGeocodingFailed{Lat: lat, Lng: lng, Reason: "no address"}
	}
	return out.DisplayName, nil
}

// Resolver picks an address for a coordinate: cache, then reverse
// geocoding, then the formatted coordinate. It never fails.
type Resolver struct {
	reverser Reverser
	cache    Cache
	ttl      time.Duration
}

// NewResolver wires a reverser and optional cache.
func NewResolver(r Reverser, c Cache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{reverser: r, cache: c, ttl: ttl}
}

// Resolve returns p with its address filled in and the path taken.
func (r *Resolver) Resolve(ctx context.Context, lat, lng float64) (model.GeoPoint, Resolution) {
	p := model.GeoPoint{Lat: lat, Lng: lng}
	res := r.resolve(ctx, &p)
	metrics.GeocodeResolutions.WithLabelValues(string(res.Source)).Inc()
	if res.Source == SourceFallback {
		log.Printf("[GEOCODE] fallback: lat=%.6f lng=%.6f reason=%s", lat, lng, res.Reason)
	}
	return p, res
}

func (r *Resolver) resolve(ctx context.Context, p *model.GeoPoint) Resolution {
	key := cacheKey(p.Lat, p.Lng)
	if r.cache != nil {
		if addr, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			p.Address = addr
			return Resolution{Source: SourceCache}
		} else if err != nil {
			log.Printf("[GEOCODE] cache read failed: key=%s err=%v", key, err)
		}
	}
	if r.reverser == nil {
		p.Address = p.FallbackAddress()
		return Resolution{Source: SourceFallback, Reason: "geocoding disabled"}
	}
	addr, err := r.reverser.Reverse(ctx, p.Lat, p.Lng)
	if err != nil {
		p.Address = p.FallbackAddress()
		return Resolution{Source: SourceFallback, Reason: err.Error()}
	}
	p.Address = addr
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, addr, r.ttl); err != nil {
			log.Printf("[GEOCODE] cache write failed: key=%s err=%v", key, err)
		}
	}
	return Resolution{Source: SourceGeocoded}
}

// cacheKey rounds to ~11m so nearby clicks share an entry.
func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("geocode:%.4f,%.4f", lat, lng)
}
