package api

import (
	"context"
	"net/http"
	"time"

	"routeconsole/internal/buildinfo"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DebugJSON reports build info and which integrations are configured.
// Secrets are reported by presence only.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                  c.Port,
			"OPTIMIZER_URL":         c.Optimizer.URL,
			"OPTIMIZER_TIMEOUT":     c.Optimizer.Timeout.String(),
			"OPTIMIZER_RPS":         c.Optimizer.RPS,
			"BACKEND_URL":           c.Backend.URL,
			"BACKEND_TIMEOUT":       c.Backend.Timeout.String(),
			"GEOCODER_URL":          c.Geocoder.URL,
			"GEOCODE_CACHE_TTL":     c.Geocoder.CacheTTL.String(),
			"CONGESTION_THRESHOLDS": c.Thresholds,
			"WEBHOOK_URL":           c.Webhook.URL,
			"HAS_DATABASE_URL":      c.DatabaseURL != "",
			"HAS_REDIS_URL":         c.RedisURL != "",
			"HAS_AUTH_SECRET":       c.AuthSecret != "",
			"AUTH_JWKS_URL":         c.AuthJWKSURL,
			"HAS_OPTIMIZER_API_KEY": c.Optimizer.Token != "",
			"HAS_BACKEND_TOKEN":     c.Backend.Token != "",
			"HAS_WEBHOOK_SECRET":    c.Webhook.Secret != "",
		},
	})
}
