package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"

	"routeconsole/internal/auth"
	"routeconsole/internal/backend"
	"routeconsole/internal/config"
	"routeconsole/internal/geocode"
	"routeconsole/internal/metrics"
	"routeconsole/internal/optimizer"
	"routeconsole/internal/store"
	"routeconsole/internal/transform"
	"routeconsole/internal/webhooks"
	"routeconsole/internal/workflow"
)

type Server struct {
	Sessions *workflow.Manager
	Store    store.Store
	Broker   EventBroker

	cfg      config.Config
	validate *validator.Validate
	verifier *auth.Verifier
	closers  []func() error
}

// NewServer wires the upstream clients, the session store and the event
// broker from cfg. Without DATABASE_URL sessions live in memory; without
// REDIS_URL events and geocodes stay in process.
func NewServer(cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, validate: newValidator()}
	s.verifier = auth.New(auth.Config{HMACSecret: cfg.AuthSecret, JWKSURL: cfg.AuthJWKSURL, OrgClaim: cfg.AuthOrgClaim})

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s.Store = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		s.Store = pg
		s.closers = append(s.closers, pg.Close)
	}

	var cache geocode.Cache = geocode.NewMemoryCache()
	if cfg.RedisURL != "" {
		ropt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(ropt)
		s.Broker = NewRedisBroker(rdb)
		cache = geocode.NewRedisCache(rdb)
		s.closers = append(s.closers, rdb.Close)
	} else {
		s.Broker = NewBroker()
	}

	var rev geocode.Reverser
	if u := cfg.Geocoder.URL; u != "" && u != "off" {
		rev = geocode.NewNominatim(geocode.Config{
			BaseURL: u,
			Timeout: cfg.Geocoder.Timeout,
			RPS:     cfg.Geocoder.RPS,
		})
	}

	opt := optimizer.New(optimizer.Config{
		BaseURL: cfg.Optimizer.URL,
		APIKey:  cfg.Optimizer.Token,
		Timeout: cfg.Optimizer.Timeout,
		RPS:     cfg.Optimizer.RPS,
	})
	be := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	})

	sink := sinks{brokerSink{broker: s.Broker}}
	if cfg.Webhook.URL != "" {
		n := webhooks.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.MaxAttempts)
		n.Start()
		sink = append(sink, n)
		s.closers = append(s.closers, func() error { n.Stop(); return nil })
	}

	s.Sessions = workflow.NewManager(workflow.Options{
		Machine: workflow.Machine{Transformer: transform.New(cfg.Thresholds), Offsets: cfg.Schedule},
		Services: workflow.Services{
			Optimizer: opt,
			Persister: be,
			Assigner:  be,
			Orders:    be,
			Roster:    be,
		},
		Sink:          sink,
		Store:         s.Store,
		Resolver:      geocode.NewResolver(rev, cache, cfg.Geocoder.CacheTTL),
		DefaultPolicy: cfg.Policy,
	})
	metrics.RegisterDefault()
	return s, nil
}

// Routes returns the console API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("/v1/sessions", s.SessionsHandler)
	mux.HandleFunc("/v1/sessions/ws", s.SessionsWSHandler)
	mux.HandleFunc("/v1/sessions/", s.SessionByIDHandler) // includes /advance, /back, /events/stream

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/debug", s.DebugJSON)

	// Docs
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	return mux
}

// Close ends every session and releases the store and Redis connections.
// Session snapshots are kept for the next start.
func (s *Server) Close() error {
	s.Sessions.Shutdown()
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Printf("[ERROR] shutdown: %v", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
