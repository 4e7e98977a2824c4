package db

import (
	"context"
	"fmt"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.uber.org/zap"
)

// CachedProductRepository serves catalog reads from Redis. Stock moves under
// reservations, so anything that changes it must call Invalidate.
type CachedProductRepository struct {
	repo  *ProductRepository
	cache *cache.RedisCache
	log   *zap.Logger
}

func NewCachedProductRepository(repo *ProductRepository, cache *cache.RedisCache, log *zap.Logger) *CachedProductRepository {
	return &CachedProductRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// Cache key helpers
func ProductKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

func AllProductsKey() string {
	return "products:all"
}

// GetAll returns all products (with caching)
func (r *CachedProductRepository) GetAll(ctx context.Context) ([]models.Product, error) {
	cacheKey := AllProductsKey()

	var products []models.Product
	err := r.cache.Get(ctx, cacheKey, &products)
	if err == nil {
		r.log.Debug("Cache HIT", zap.String("key", cacheKey))
		return products, nil
	}
	if !cache.IsMiss(err) {
		r.log.Warn("Cache error", zap.String("key", cacheKey), zap.Error(err))
	}

	r.log.Debug("Cache MISS, fetching from DB", zap.String("key", cacheKey))
	products, err = r.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, cacheKey, products); err != nil {
		r.log.Warn("Failed to cache products", zap.Error(err))
	}

	return products, nil
}

// GetByID returns a single product (with caching)
func (r *CachedProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	cacheKey := ProductKey(id)

	var product models.Product
	err := r.cache.Get(ctx, cacheKey, &product)
	if err == nil {
		r.log.Debug("Cache HIT", zap.String("key", cacheKey))
		return &product, nil
	}
	if !cache.IsMiss(err) {
		r.log.Warn("Cache error", zap.String("key", cacheKey), zap.Error(err))
	}

	r.log.Debug("Cache MISS, fetching from DB", zap.String("key", cacheKey))
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, cacheKey, p); err != nil {
		r.log.Warn("Failed to cache product", zap.Int64("product_id", id), zap.Error(err))
	}

	return p, nil
}

// GetFresh bypasses the cache.
func (r *CachedProductRepository) GetFresh(ctx context.Context, id int64) (*models.Product, error) {
	return r.repo.GetByID(ctx, id)
}

// Create inserts a new product and invalidates cache
func (r *CachedProductRepository) Create(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	product, err := r.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	r.Invalidate(ctx)
	return product, nil
}

// Delete removes a product and invalidates cache
func (r *CachedProductRepository) Delete(ctx context.Context, id int64) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.Invalidate(ctx, id)
	return nil
}

// Invalidate drops the listed products and the full listing. Failures are
// logged; entries expire on their own TTL anyway.
func (r *CachedProductRepository) Invalidate(ctx context.Context, ids ...int64) {
	keys := []string{AllProductsKey()}
	for _, id := range ids {
		keys = append(keys, ProductKey(id))
	}

	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.Warn("Failed to invalidate cache", zap.Strings("keys", keys), zap.Error(err))
		return
	}
	r.log.Debug("Cache invalidated", zap.Strings("keys", keys))
}
