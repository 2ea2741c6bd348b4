package web

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/mirror"
	"github.com/halbroth/gallipub/util"
)

// GetPostObject serves a mirrored post as an ActivityPub Note. The lookup
// goes through the cache, so a request for an uncached or stale id triggers
// an upstream refresh before rendering.
func GetPostObject(ctx context.Context, postId int64, cache *mirror.Cache, conf *util.AppConfig) (error, string) {
	post, err := cache.GetOrRefresh(ctx, postId)
	if err != nil {
		return err, "{}"
	}

	jsonBytes, err := json.Marshal(renderPost(post, conf))
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

func renderPost(post *domain.CachedPost, conf *util.AppConfig) map[string]any {
	postURI := conf.PostURI(post.Id)
	obj := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           postURI,
		"type":         "Note",
		"attributedTo": conf.ActorURI(),
		"name":         post.Title,
		"content":      post.Description,
		"published":    post.PostedAt.Format(time.RFC3339),
		"url":          postURI,
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			fmt.Sprintf("%s/followers", conf.ActorURI()),
		},
	}
	if post.MediaURL != "" {
		obj["attachment"] = []map[string]any{{
			"type": "Document",
			"url":  post.MediaURL,
		}}
	}
	if post.Rating != "" && post.Rating != "general" {
		obj["sensitive"] = true
		obj["summary"] = post.Title
	}
	return obj
}
