// Package share stores playlist snapshots under random ids so they can be
// reopened from a link until they expire.
package share

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
)

// SnapshotSchema and SnapshotVersion identify the only accepted snapshot
// format.
const (
	SnapshotSchema  = "playlist_snapshot"
	SnapshotVersion = 1
)

var (
	ErrSnapshotRequired = errors.New("snapshot is required")
	ErrSnapshotTooLarge = errors.New("snapshot too large")
	ErrInvalidSnapshot  = errors.New("invalid snapshot schema/version")
	ErrInvalidTTL       = errors.New("ttl_seconds must be a number")
	ErrCorrupt          = errors.New("invalid stored JSON")
)

// Options are the share limits. Zero values take the defaults used by
// OptionsFromConfig.
type Options struct {
	DefaultTTL       time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
	MaxSnapshotBytes int64
	CacheTTL         time.Duration
	Now              func() time.Time
}

func OptionsFromConfig(cfg config.ShareConfig) Options {
	return Options{
		DefaultTTL:       config.MustParseDuration(cfg.DefaultTTL, 24*time.Hour),
		MinTTL:           config.MustParseDuration(cfg.MinTTL, time.Minute),
		MaxTTL:           config.MustParseDuration(cfg.MaxTTL, 7*24*time.Hour),
		MaxSnapshotBytes: cfg.MaxSnapshotBytes,
		CacheTTL:         config.MustParseDuration(cfg.CacheTTL, 5*time.Minute),
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 24 * time.Hour
	}
	if o.MinTTL <= 0 {
		o.MinTTL = time.Minute
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = 7 * 24 * time.Hour
	}
	if o.MaxSnapshotBytes <= 0 {
		o.MaxSnapshotBytes = 1 << 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CreateRequest is the POST /api/share body.
type CreateRequest struct {
	Snapshot   json.RawMessage `json:"snapshot"`
	TTLSeconds json.RawMessage `json:"ttl_seconds,omitempty"`
}

// Created is the POST /api/share response.
type Created struct {
	ShareID   string `json:"share_id"`
	ExpiresAt string `json:"expires_at"`
}

// Service validates, stores and reads snapshots. Reads go through a local
// cache bounded by each record's remaining lifetime, and concurrent reads
// of the same id share one store lookup.
type Service struct {
	store   Store
	opts    Options
	cache   *ristretto.Cache[string, []byte]
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a Service. metrics may be nil.
func NewService(store Store, opts Options, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{store: store, opts: opts, metrics: metrics, logger: logger}
	if opts.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: 100_000,
			MaxCost:     64 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("share: cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Create validates req, stores the compacted snapshot and returns its id.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	snap, err := s.checkSnapshot(req.Snapshot)
	if err != nil {
		s.count("create", "invalid")
		return Created{}, err
	}
	ttl, err := s.ttl(req.TTLSeconds)
	if err != nil {
		s.count("create", "invalid")
		return Created{}, err
	}

	id := uuid.NewString()
	if err := s.store.Put(ctx, id, snap, ttl); err != nil {
		s.count("create", "error")
		return Created{}, err
	}
	s.count("create", "ok")

	return Created{
		ShareID:   id,
		ExpiresAt: s.opts.Now().Add(ttl).UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) checkSnapshot(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrSnapshotRequired
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, ErrInvalidSnapshot
	}
	if int64(buf.Len()) > s.opts.MaxSnapshotBytes {
		return nil, fmt.Errorf("%w (max %d bytes)", ErrSnapshotTooLarge, s.opts.MaxSnapshotBytes)
	}

	var head struct {
		Schema  *string  `json:"schema"`
		Version *float64 `json:"version"`
	}
	if err := json.Unmarshal(buf.Bytes(), &head); err != nil {
		return nil, ErrInvalidSnapshot
	}
	if head.Schema == nil || *head.Schema != SnapshotSchema || head.Version == nil || *head.Version != SnapshotVersion {
		return nil, ErrInvalidSnapshot
	}
	return buf.Bytes(), nil
}

// ttl clamps the requested lifetime to [MinTTL, MaxTTL] in whole seconds.
func (s *Service) ttl(raw json.RawMessage) (time.Duration, error) {
	secs := s.opts.DefaultTTL.Seconds()
	if t := bytes.TrimSpace(raw); len(t) > 0 && !bytes.Equal(t, []byte("null")) {
		if err := json.Unmarshal(t, &secs); err != nil || math.IsNaN(secs) {
			return 0, ErrInvalidTTL
		}
	}
	secs = math.Min(math.Max(secs, s.opts.MinTTL.Seconds()), s.opts.MaxTTL.Seconds())
	return time.Duration(math.Floor(secs)) * time.Second, nil
}

// Get returns the stored snapshot for id. Ids that are not UUIDs are
// reported as ErrNotFound without touching the store.
func (s *Service) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if _, err := uuid.Parse(id); err != nil {
		s.count("get", "not_found")
		return nil, ErrNotFound
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			s.count("get", "cache_hit")
			return v, nil
		}
	}

	// The lookup is shared, so it runs detached from any one caller's
	// cancellation; each caller still stops waiting when its ctx ends.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(id, func() (any, error) {
		data, ttl, err := s.store.Get(detached, id)
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, ErrCorrupt
		}
		if s.cache != nil {
			if ttl = min(ttl, s.opts.CacheTTL); ttl > 0 {
				s.cache.SetWithTTL(id, data, int64(len(data)), ttl)
			}
		}
		return data, nil
	})

	var v any
	var err error
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		s.count("get", "canceled")
		return nil, ctx.Err()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		s.count("get", "not_found")
		return nil, err
	case errors.Is(err, ErrCorrupt):
		s.count("get", "corrupt")
		s.logger.Error("stored share is not valid JSON", "share_id", id)
		return nil, err
	case err != nil:
		s.count("get", "error")
		return nil, err
	}
	s.count("get", "ok")
	return v.([]byte), nil
}

// Close releases the local cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Service) count(op, result string) {
	if s.metrics != nil {
		s.metrics.IncShare(op, result)
	}
}
