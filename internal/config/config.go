// Package config loads service settings from an optional .env file, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"routeconsole/internal/model"
	"routeconsole/internal/transform"
)

type Upstream struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
}

type Config struct {
	Port         string `yaml:"port"`
	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	AuthSecret   string `yaml:"auth_secret"`
	AuthJWKSURL  string `yaml:"auth_jwks_url"`
	AuthOrgClaim string `yaml:"auth_org_claim"`

	Optimizer Upstream `yaml:"optimizer"`
	Backend   Upstream `yaml:"backend"`
	Geocoder  struct {
		Upstream `yaml:",inline"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"geocoder"`

	// Webhook receives route.saved and route.assigned events when URL is set.
	Webhook struct {
		URL         string `yaml:"url"`
		Secret      string `yaml:"secret"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"webhook"`

	Thresholds   transform.Thresholds  `yaml:"congestion_thresholds"`
	Policy       model.Policy          `yaml:"default_policy"`
	Schedule     model.ScheduleOffsets `yaml:"schedule_offsets"`
	SessionLimit int                   `yaml:"session_list_limit"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	var c Config
	c.Port = "8080"
	c.Optimizer.Timeout = 30 * time.Second
	c.Backend.Timeout = 15 * time.Second
	c.Geocoder.URL = "https://nominatim.openstreetmap.org"
	c.Geocoder.Timeout = 5 * time.Second
	c.Geocoder.RPS = 1
	c.Geocoder.CacheTTL = 24 * time.Hour
	c.Thresholds = transform.DefaultThresholds
	c.Policy = model.Policy{IncludeTraffic: true, TravelMode: "car", RouteType: "fastest"}
	c.Schedule = model.DefaultScheduleOffsets
	c.SessionLimit = 50
	c.Webhook.MaxAttempts = 10
	return c
}

// Load reads .env, then the YAML file at path (missing files are skipped),
// then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[CONFIG] .env not loaded: %v", err)
	}
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.AuthSecret, "AUTH_HMAC_SECRET")
	setString(&c.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&c.AuthOrgClaim, "AUTH_ORG_CLAIM")
	setString(&c.Optimizer.URL, "OPTIMIZER_URL")
	setString(&c.Optimizer.Token, "OPTIMIZER_API_KEY")
	setString(&c.Backend.URL, "BACKEND_URL")
	setString(&c.Backend.Token, "BACKEND_TOKEN")
	setString(&c.Geocoder.URL, "GEOCODER_URL")
	setString(&c.Webhook.URL, "WEBHOOK_URL")
	setString(&c.Webhook.Secret, "WEBHOOK_SECRET")
	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&c.Optimizer.Timeout, "OPTIMIZER_TIMEOUT"},
		{&c.Backend.Timeout, "BACKEND_TIMEOUT"},
		{&c.Geocoder.CacheTTL, "GEOCODE_CACHE_TTL"},
	} {
		if v := os.Getenv(d.key); v != "" {
			p, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = p
		}
	}
	for _, f := range []struct {
		dst *float64
		key string
	}{
		{&c.Optimizer.RPS, "OPTIMIZER_RPS"},
		{&c.Geocoder.RPS, "GEOCODER_RPS"},
	} {
		if v := os.Getenv(f.key); v != "" {
			p, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = p
		}
	}
	for _, i := range []struct {
		dst *int
		key string
	}{
		{&c.Webhook.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS"},
		{&c.SessionLimit, "SESSION_LIST_LIMIT"},
	} {
		if v := os.Getenv(i.key); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = p
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the thresholds, the schedule offsets and the upstream URLs.
func (c Config) Validate() error {
	var errs []error
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("congestion_thresholds: %w", err))
	}
	if c.Schedule.Start < 0 || c.Schedule.End <= c.Schedule.Start {
		errs = append(errs, fmt.Errorf("schedule_offsets: end %s must come after start %s", c.Schedule.End, c.Schedule.Start))
	}
	for _, u := range []struct{ name, v string }{
		{"optimizer url (OPTIMIZER_URL)", c.Optimizer.URL},
		{"backend url (BACKEND_URL)", c.Backend.URL},
	} {
		if u.v == "" {
			errs = append(errs, fmt.Errorf("%s is required", u.name))
			continue
		}
		if p, err := url.Parse(u.v); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", u.name, u.v))
		}
	}
	if c.Webhook.URL != "" {
		if p, err := url.Parse(c.Webhook.URL); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("webhook url (WEBHOOK_URL) %q is not an absolute URL", c.Webhook.URL))
		}
	}
	if c.Policy.MaxOrdersPerTrip < 0 || c.Policy.MaxReturnDistanceKm < 0 {
		errs = append(errs, errors.New("default_policy: limits cannot be negative"))
	}
	return errors.Join(errs...)
}
