package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/metrics"
)

// ErrNotFound is the not-found arm of the cache result: the item is neither
// cached nor available upstream. Callers branch on it; a nil error means a
// servable post.
var ErrNotFound = errors.New("post not found")

// ErrSourceGone is returned by Source implementations when upstream reports
// the item removed, forbidden or visibility-restricted. Any other fetch
// error is treated as transient.
var ErrSourceGone = errors.New("post gone upstream")

// SourcePost is the upstream snapshot of one item.
type SourcePost struct {
	Id           int64
	Kind         domain.PostKind
	Title        string
	Description  string
	Tags         string
	Rating       string
	Visibility   string
	MediaURL     string
	ThumbnailURL string
	PostedAt     time.Time
}

// OwnerProfile is the upstream profile of the mirrored account.
type OwnerProfile struct {
	Username    string
	DisplayName string
	Summary     string
	AvatarURL   string
}

// Source is the upstream platform client.
type Source interface {
	FetchPost(ctx context.Context, id int64) (*SourcePost, error)
	FetchOwnerProfile(ctx context.Context) (*OwnerProfile, error)
}

// Announcer turns observed cache changes into outbound federation
// activities.
type Announcer interface {
	PostChanged(ctx context.Context, post *domain.CachedPost, isNew bool) error
	PostRemoved(ctx context.Context, post *domain.CachedPost, interactions []domain.Interaction) error
}

// Cache serves mirrored posts, transparently refreshing stale items from
// upstream and emitting federation side effects on every observed change.
type Cache struct {
	DB        *db.DB
	Source    Source
	Announcer Announcer
	Policy    FreshnessPolicy

	// BackfillAge suppresses announcements for newly discovered items whose
	// upstream timestamp is already old; old content must not spam
	// followers on first discovery.
	BackfillAge time.Duration

	Now func() time.Time
}

func NewCache(database *db.DB, source Source, announcer Announcer) *Cache {
	return &Cache{
		DB:          database,
		Source:      source,
		Announcer:   announcer,
		Policy:      DefaultFreshnessPolicy(),
		BackfillAge: 12 * time.Hour,
		Now:         time.Now,
	}
}

// Lookup returns the cached row without consulting upstream.
func (c *Cache) Lookup(id int64) (*domain.CachedPost, error) {
	err, post := c.DB.ReadPostById(id)
	if err != nil || post == nil {
		return nil, ErrNotFound
	}
	return post, nil
}

// GetOrRefresh serves the cached item, refreshing from upstream first when
// the freshness policy says it is stale.
func (c *Cache) GetOrRefresh(ctx context.Context, id int64) (*domain.CachedPost, error) {
	var prior *domain.CachedPost
	if err, cached := c.DB.ReadPostById(id); err == nil && cached != nil {
		prior = cached
		if !c.Policy.NeedsRefresh(prior.PostedAt, prior.LastRefreshAttemptedAt, prior.LastRefreshSucceededAt, c.Now()) {
			return prior, nil
		}
	}
	return c.refresh(ctx, id, prior)
}

// ForceRefresh hits upstream regardless of the freshness tier the item
// falls into.
func (c *Cache) ForceRefresh(ctx context.Context, id int64) (*domain.CachedPost, error) {
	var prior *domain.CachedPost
	if err, cached := c.DB.ReadPostById(id); err == nil && cached != nil {
		prior = cached
	}
	return c.refresh(ctx, id, prior)
}

func (c *Cache) refresh(ctx context.Context, id int64, prior *domain.CachedPost) (*domain.CachedPost, error) {
	if prior != nil {
		// Claim the refresh attempt before the upstream call, so concurrent
		// callers inside the cooldown window short-circuit in GetOrRefresh
		// instead of issuing duplicate upstream calls. Cooperative, not
		// transactional.
		attemptAt := c.Now()
		if err := c.DB.UpdatePostRefreshAttempt(id, attemptAt); err != nil {
			log.Printf("Cache: Failed to stamp refresh attempt for %d: %v", id, err)
		}
		prior.LastRefreshAttemptedAt = attemptAt
	}

	fetched, fetchErr := c.Source.FetchPost(ctx, id)
	if fetchErr != nil {
		if errors.Is(fetchErr, ErrSourceGone) {
			metrics.RefreshesTotal.WithLabelValues("gone").Inc()
			if prior != nil {
				c.removePost(ctx, prior)
			}
			return nil, ErrNotFound
		}

		// Transient upstream failure: serve last known good, never let an
		// upstream outage look like mirror breakage
		metrics.RefreshesTotal.WithLabelValues("transient").Inc()
		if prior != nil {
			return prior, nil
		}
		return nil, fmt.Errorf("%w (upstream unavailable: %v)", ErrNotFound, fetchErr)
	}

	now := c.Now()
	snapshot := materialize(fetched)

	if prior == nil {
		snapshot.FirstCachedAt = now
		snapshot.LastRefreshAttemptedAt = now
		snapshot.LastRefreshSucceededAt = now
		if err := c.DB.CreatePost(snapshot); err != nil {
			return nil, fmt.Errorf("failed to cache post %d: %w", id, err)
		}
		metrics.RefreshesTotal.WithLabelValues("ok").Inc()

		if now.Sub(snapshot.PostedAt) > c.BackfillAge {
			log.Printf("Cache: Post %d is backfill (posted %s), suppressing announcement", id, snapshot.PostedAt)
			return snapshot, nil
		}

		if err := c.Announcer.PostChanged(ctx, snapshot, true); err != nil {
			log.Printf("Cache: Failed to announce new post %d: %v", id, err)
		}
		return snapshot, nil
	}

	snapshot.FirstCachedAt = prior.FirstCachedAt
	snapshot.LastRefreshAttemptedAt = prior.LastRefreshAttemptedAt

	changed := !snapshot.ContentEquals(prior)
	if changed {
		if err := c.DB.UpdatePostContent(snapshot); err != nil {
			return nil, fmt.Errorf("failed to update post %d: %w", id, err)
		}
		if err := c.Announcer.PostChanged(ctx, snapshot, false); err != nil {
			log.Printf("Cache: Failed to announce update of post %d: %v", id, err)
		}
		metrics.RefreshesTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.RefreshesTotal.WithLabelValues("unchanged").Inc()
	}

	if err := c.DB.UpdatePostRefreshSucceeded(id, now); err != nil {
		log.Printf("Cache: Failed to stamp refresh success for %d: %v", id, err)
	}
	snapshot.LastRefreshSucceededAt = now

	return snapshot, nil
}

// removePost deletes a post upstream reported gone, cascading to its
// interactions and their owner notifications.
func (c *Cache) removePost(ctx context.Context, post *domain.CachedPost) {
	var interactions []domain.Interaction
	if err, rows := c.DB.ReadInteractionsByPostId(post.Id); err == nil && rows != nil {
		interactions = *rows
	}

	if err := c.Announcer.PostRemoved(ctx, post, interactions); err != nil {
		log.Printf("Cache: Failed to announce removal of post %d: %v", post.Id, err)
	}

	for _, interaction := range interactions {
		if err := c.DB.DeleteInteraction(interaction.Id); err != nil {
			log.Printf("Cache: Failed to delete interaction %s: %v", interaction.Id, err)
		}
	}
	if err := c.DB.DeletePost(post.Id); err != nil {
		log.Printf("Cache: Failed to delete post %d: %v", post.Id, err)
	}

	log.Printf("Cache: Removed post %d and %d interactions", post.Id, len(interactions))
}

// Sweep walks cached posts and refreshes the stale ones. A maxAge of zero
// sweeps everything; the recency sweep passes a short window so old content
// is only revisited by the daily run.
func (c *Cache) Sweep(ctx context.Context, maxAge time.Duration) {
	err, posts := c.DB.ReadAllPosts()
	if err != nil || posts == nil {
		log.Printf("Cache: Sweep failed to list posts: %v", err)
		return
	}

	for _, post := range *posts {
		if ctx.Err() != nil {
			return
		}
		if maxAge > 0 && c.Now().Sub(post.PostedAt) > maxAge {
			continue
		}
		if _, err := c.GetOrRefresh(ctx, post.Id); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("Cache: Sweep refresh of %d failed: %v", post.Id, err)
		}
	}
}

// RefreshOwnerProfile re-fetches the mirrored account's upstream profile
// and updates the local actor document fields.
func (c *Cache) RefreshOwnerProfile(ctx context.Context) error {
	profile, err := c.Source.FetchOwnerProfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch owner profile: %w", err)
	}
	return c.DB.UpdateInstanceProfile(profile.DisplayName, profile.Summary, profile.AvatarURL)
}

func materialize(fetched *SourcePost) *domain.CachedPost {
	return &domain.CachedPost{
		Id:           fetched.Id,
		Kind:         fetched.Kind,
		Title:        fetched.Title,
		Description:  fetched.Description,
		Tags:         fetched.Tags,
		Rating:       fetched.Rating,
		Visibility:   fetched.Visibility,
		MediaURL:     fetched.MediaURL,
		ThumbnailURL: fetched.ThumbnailURL,
		PostedAt:     fetched.PostedAt,
	}
}
