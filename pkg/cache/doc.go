// Package cache provides an optional Redis-backed payload cache for
// successful fetches. A repeated target with identical modifiers is served
// from cache instead of spending upstream credits and an admission slot.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager with a fixed TTL
//	manager := cache.NewManager(redisClient, 10*time.Minute)
//
//	// Create cache key
//	key := cache.Key{
//		Target:      "https://shop.example.com/item/42",
//		Render:      true,
//		CountryCode: "de",
//	}
//
//	// Get from cache
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from upstream
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - scrape_cache_hits_total - Cache hits
//   - scrape_cache_misses_total - Cache misses
//   - scrape_cache_errors_total{operation} - Cache operation errors
package cache
