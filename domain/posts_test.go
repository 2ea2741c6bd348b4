package domain

import (
	"testing"
	"time"
)

func samplePost() *CachedPost {
	return &CachedPost{
		Id:          42,
		Kind:        KindSubmission,
		Title:       "Sketch",
		Description: "pencil sketch",
		Tags:        "pencil sketch wip",
		Rating:      "general",
		Visibility:  "public",
		MediaURL:    "https://files.example.com/sketch.png",
		PostedAt:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestContentEqualsIgnoresBookkeeping(t *testing.T) {
	a := samplePost()
	b := samplePost()

	// Cache bookkeeping differs, content does not
	b.FirstCachedAt = time.Now()
	b.LastRefreshAttemptedAt = time.Now()
	b.LastRefreshSucceededAt = time.Now()

	if !a.ContentEquals(b) {
		t.Error("Bookkeeping fields must not affect content equality")
	}
}

func TestContentEqualsDetectsChanges(t *testing.T) {
	fields := map[string]func(*CachedPost){
		"title":       func(p *CachedPost) { p.Title = "Sketch v2" },
		"description": func(p *CachedPost) { p.Description = "now colored" },
		"tags":        func(p *CachedPost) { p.Tags = "color" },
		"rating":      func(p *CachedPost) { p.Rating = "mature" },
		"media":       func(p *CachedPost) { p.MediaURL = "https://files.example.com/v2.png" },
		"posted_at":   func(p *CachedPost) { p.PostedAt = p.PostedAt.Add(time.Minute) },
	}

	for name, mutate := range fields {
		a := samplePost()
		b := samplePost()
		mutate(b)
		if a.ContentEquals(b) {
			t.Errorf("Change in %s should break content equality", name)
		}
	}
}

func TestDeliveryInboxPrefersShared(t *testing.T) {
	f := &Follower{
		InboxURI:       "https://remote.example/users/fan/inbox",
		SharedInboxURI: "https://remote.example/inbox",
	}
	if f.DeliveryInbox() != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", f.DeliveryInbox())
	}

	f.SharedInboxURI = ""
	if f.DeliveryInbox() != "https://remote.example/users/fan/inbox" {
		t.Errorf("Expected personal inbox fallback, got %s", f.DeliveryInbox())
	}
}
