package mirror

import (
	"context"
	"log"
	"time"
)

const recencyWindow = 48 * time.Hour

// StartRecencySweep refreshes recently posted items on a short interval so
// edits and deletions on fresh content federate quickly.
func StartRecencySweep(ctx context.Context, cache *Cache, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.Sweep(ctx, recencyWindow)
			}
		}
	}()
	log.Printf("Mirror: Started recency sweep with interval %s", interval)
}

// StartFullSweep revisits the entire cache once per interval, catching
// stale edits and takedowns on old content.
func StartFullSweep(ctx context.Context, cache *Cache, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.Sweep(ctx, 0)
			}
		}
	}()
	log.Printf("Mirror: Started full sweep with interval %s", interval)
}

// StartProfileRefresh keeps the local actor document in sync with the
// upstream account profile.
func StartProfileRefresh(ctx context.Context, cache *Cache, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cache.RefreshOwnerProfile(ctx); err != nil {
					log.Printf("Mirror: Profile refresh failed: %v", err)
				}
			}
		}
	}()
	log.Printf("Mirror: Started profile refresh with interval %s", interval)
}
