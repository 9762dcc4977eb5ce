package modelcache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
)

// Catalog is the slice of the generation client the cache refreshes from.
type Catalog interface {
	ListModels(ctx context.Context) ([]backend.ModelEntry, error)
}

// Cache resolves model and VAE descriptors from an in-memory TTL cache,
// refreshed from the backend catalog by a background task. Lookups never hit
// the backend directly except to fill a cold cache.
type Cache struct {
	catalog Catalog
	store   *gocache.Cache
	logger  zerolog.Logger
}

func New(catalog Catalog, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		catalog: catalog,
		store:   gocache.New(ttl, 2*ttl),
		logger:  logger,
	}
}

func modelKey(key string) string { return "model:" + key }
func vaeKey(modelKey string) string {
	return "vae:" + modelKey
}

// Refresh pulls the backend catalog and replaces cached entries.
func (c *Cache) Refresh(ctx context.Context) error {
	entries, err := c.catalog.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("refresh model catalog: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		info := &domain.ModelInfo{
			Key:       entry.Key,
			Filename:  entry.Filename,
			Hash:      entry.Hash,
			RefreshAt: now,
		}
		c.store.SetDefault(modelKey(entry.Key), info)
		if entry.DefaultVae != nil {
			c.store.SetDefault(vaeKey(entry.Key), &domain.VaeInfo{
				Key:      entry.DefaultVae.Key,
				Filename: entry.DefaultVae.Filename,
				Hash:     entry.DefaultVae.Hash,
			})
		}
	}
	c.logger.Info().Int("models", len(entries)).Msg("modelcache: catalog refreshed")
	return nil
}

// GetModel resolves a model by key, filling a cold cache on demand.
func (c *Cache) GetModel(ctx context.Context, key string) (*domain.ModelInfo, error) {
	if v, ok := c.store.Get(modelKey(key)); ok {
		return v.(*domain.ModelInfo), nil
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	if v, ok := c.store.Get(modelKey(key)); ok {
		return v.(*domain.ModelInfo), nil
	}
	return nil, fmt.Errorf("model %q: %w", key, domain.ErrNotFound)
}

// GetDefaultVae resolves the default VAE for a model.
func (c *Cache) GetDefaultVae(ctx context.Context, modelKeyName string) (*domain.VaeInfo, error) {
	if v, ok := c.store.Get(vaeKey(modelKeyName)); ok {
		return v.(*domain.VaeInfo), nil
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	if v, ok := c.store.Get(vaeKey(modelKeyName)); ok {
		return v.(*domain.VaeInfo), nil
	}
	return nil, fmt.Errorf("default vae for model %q: %w", modelKeyName, domain.ErrNotFound)
}

// RunRefreshLoop refreshes the catalog periodically until ctx is cancelled.
func (c *Cache) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("modelcache: refresh failed")
			}
		}
	}
}

var _ domain.ModelCache = (*Cache)(nil)
