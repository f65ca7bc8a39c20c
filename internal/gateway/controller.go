package gateway

import (
	"fmt"
	"log/slog"

	"github.com/playlistgate/playlistgate/internal/admission"
	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/redis"
)

// NewController builds the admission backend named by cfg. client is only
// used, and required, for the redis backend.
func NewController(cfg *config.Config, client redis.Client, limits admission.LimitFunc, metrics *observability.Metrics, logger *slog.Logger) (admission.Controller, error) {
	window := config.MustParseDuration(cfg.Admission.Window, admission.DefaultWindow)

	switch cfg.Admission.Backend {
	case config.AdmissionBackendMemory, "":
		return admission.NewMemoryController(window, limits), nil
	case config.AdmissionBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("admission backend redis requires a redis client")
		}
		return admission.NewRedisController(client, admission.RedisOptions{
			Window:        window,
			Limits:        limits,
			FailurePolicy: cfg.Admission.FailurePolicy,
			KeyPrefix:     cfg.Admission.KeyPrefix,
			Metrics:       metrics,
			Logger:        logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown admission backend %q", cfg.Admission.Backend)
}
