package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/mirror"
	"github.com/halbroth/gallipub/util"
)

const maxResponseBytes = 1 << 20

// Client talks to the upstream gallery API the mirror was configured for.
// All calls go through a shared rate limiter so sweeps never hammer the
// platform.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	apiKey  string
}

func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		http:    util.NewSafeHTTPClient(15 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type postPayload struct {
	Id           int64  `json:"id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Tags         string `json:"tags"`
	Rating       string `json:"rating"`
	Visibility   string `json:"visibility"`
	MediaURL     string `json:"media_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	PostedAt     string `json:"posted_at"`
}

type profilePayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Summary     string `json:"summary"`
	AvatarURL   string `json:"avatar_url"`
}

// FetchPost retrieves one post snapshot. Upstream 404 and 403 both mean the
// item is no longer servable and map to mirror.ErrSourceGone; anything else
// is transient.
func (c *Client) FetchPost(ctx context.Context, id int64) (*mirror.SourcePost, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/api/posts/%d", c.baseURL, id))
	if err != nil {
		return nil, err
	}

	var payload postPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode upstream post %d: %w", id, err)
	}

	postedAt, err := time.Parse(time.RFC3339, payload.PostedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse posted_at of upstream post %d: %w", id, err)
	}

	// Restricted visibility is a takedown from the mirror's point of view
	if payload.Visibility != "" && payload.Visibility != "public" {
		return nil, mirror.ErrSourceGone
	}

	return &mirror.SourcePost{
		Id:           payload.Id,
		Kind:         parseKind(payload.Kind),
		Title:        payload.Title,
		Description:  payload.Description,
		Tags:         payload.Tags,
		Rating:       payload.Rating,
		Visibility:   payload.Visibility,
		MediaURL:     payload.MediaURL,
		ThumbnailURL: payload.ThumbnailURL,
		PostedAt:     postedAt,
	}, nil
}

// FetchOwnerProfile retrieves the mirrored account's profile.
func (c *Client) FetchOwnerProfile(ctx context.Context) (*mirror.OwnerProfile, error) {
	body, err := c.get(ctx, c.baseURL+"/api/profile")
	if err != nil {
		return nil, err
	}

	var payload profilePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode upstream profile: %w", err)
	}

	return &mirror.OwnerProfile{
		Username:    payload.Username,
		DisplayName: payload.DisplayName,
		Summary:     payload.Summary,
		AvatarURL:   payload.AvatarURL,
	}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", util.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, mirror.ErrSourceGone
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("upstream returned status %d for %s", resp.StatusCode, url)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func parseKind(kind string) domain.PostKind {
	if kind == string(domain.KindJournal) {
		return domain.KindJournal
	}
	return domain.KindSubmission
}
