package db

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/halbroth/gallipub/domain"
)

func setupTestDB(t *testing.T) *DB {
	database, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testPost(id int64) *domain.CachedPost {
	now := time.Now()
	return &domain.CachedPost{
		Id:                     id,
		Kind:                   domain.KindSubmission,
		Title:                  "Sketch",
		Description:            "pencil sketch",
		Rating:                 "general",
		Visibility:             "public",
		MediaURL:               "https://files.example.com/sketch.png",
		PostedAt:               now,
		FirstCachedAt:          now,
		LastRefreshAttemptedAt: now,
		LastRefreshSucceededAt: now,
	}
}

func TestInstanceLifecycle(t *testing.T) {
	database := setupTestDB(t)

	inst := &domain.Instance{
		Username:      "artist",
		WebPublicKey:  "pub",
		WebPrivateKey: "priv",
		CreatedAt:     time.Now(),
	}
	if err := database.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	err, read := database.ReadInstance()
	if err != nil || read == nil {
		t.Fatalf("ReadInstance failed: %v", err)
	}
	if read.Username != "artist" {
		t.Errorf("Unexpected username %q", read.Username)
	}

	if err := database.UpdateInstanceProfile("The Artist", "I draw", "https://a.example/avatar.png"); err != nil {
		t.Fatalf("UpdateInstanceProfile failed: %v", err)
	}
	err, read = database.ReadInstance()
	if err != nil || read.DisplayName != "The Artist" || read.Summary != "I draw" {
		t.Errorf("Profile update not persisted: %+v", read)
	}
}

func TestPostLifecycle(t *testing.T) {
	database := setupTestDB(t)

	post := testPost(42)
	if err := database.CreatePost(post); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	err, read := database.ReadPostById(42)
	if err != nil || read == nil {
		t.Fatalf("ReadPostById failed: %v", err)
	}
	if read.Title != "Sketch" || read.Kind != domain.KindSubmission {
		t.Errorf("Unexpected post %+v", read)
	}

	read.Description = "now colored"
	if err := database.UpdatePostContent(read); err != nil {
		t.Fatalf("UpdatePostContent failed: %v", err)
	}
	err, read = database.ReadPostById(42)
	if err != nil || read.Description != "now colored" {
		t.Errorf("Content update not persisted: %+v", read)
	}

	at := time.Now().Add(time.Minute)
	if err := database.UpdatePostRefreshAttempt(42, at); err != nil {
		t.Fatalf("UpdatePostRefreshAttempt failed: %v", err)
	}
	if err := database.UpdatePostRefreshSucceeded(42, at); err != nil {
		t.Fatalf("UpdatePostRefreshSucceeded failed: %v", err)
	}

	if err := database.DeletePost(42); err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}
	if err, read := database.ReadPostById(42); err == nil && read != nil {
		t.Error("Deleted post should not be readable")
	}
}

func TestInteractionUniqueness(t *testing.T) {
	database := setupTestDB(t)
	if err := database.CreatePost(testPost(42)); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	interaction := &domain.Interaction{
		Id:          uuid.New(),
		PostId:      42,
		Kind:        domain.InteractionBoost,
		ActorURI:    "https://remote.example/users/fan",
		ActivityURI: "https://remote.example/boosts/1",
		CreatedAt:   time.Now(),
	}
	if err := database.CreateInteraction(interaction); err != nil {
		t.Fatalf("CreateInteraction failed: %v", err)
	}

	dup := *interaction
	dup.Id = uuid.New()
	if err := database.CreateInteraction(&dup); err == nil {
		t.Error("Duplicate (kind, activity_uri) should violate the unique constraint")
	}

	err, read := database.ReadInteractionByURI(domain.InteractionBoost, "https://remote.example/boosts/1")
	if err != nil || read == nil {
		t.Fatalf("ReadInteractionByURI failed: %v", err)
	}

	err, byActor := database.ReadInteractionByActor(42, domain.InteractionBoost, "https://remote.example/users/fan")
	if err != nil || byActor == nil {
		t.Fatalf("ReadInteractionByActor failed: %v", err)
	}

	if err := database.DeleteInteraction(interaction.Id); err != nil {
		t.Fatalf("DeleteInteraction failed: %v", err)
	}
}

func TestFollowerUpsert(t *testing.T) {
	database := setupTestDB(t)

	follower := &domain.Follower{
		ActorURI:  "https://remote.example/users/fan",
		InboxURI:  "https://remote.example/users/fan/inbox",
		FollowURI: "https://remote.example/follows/1",
		CreatedAt: time.Now(),
	}
	if err := database.UpsertFollower(follower); err != nil {
		t.Fatalf("UpsertFollower failed: %v", err)
	}

	// Re-follow with a fresh follow URI replaces, not duplicates
	follower.FollowURI = "https://remote.example/follows/2"
	if err := database.UpsertFollower(follower); err != nil {
		t.Fatalf("Second UpsertFollower failed: %v", err)
	}

	err, count := database.CountFollowers()
	if err != nil || count != 1 {
		t.Errorf("Expected one follower, got %d", count)
	}

	err, read := database.ReadFollowerByFollowURI("https://remote.example/follows/2")
	if err != nil || read == nil {
		t.Fatalf("ReadFollowerByFollowURI failed: %v", err)
	}

	if err := database.DeleteFollowerByFollowURI("https://remote.example/follows/2"); err != nil {
		t.Fatalf("DeleteFollowerByFollowURI failed: %v", err)
	}
	err, count = database.CountFollowers()
	if err != nil || count != 0 {
		t.Errorf("Expected zero followers after delete, got %d", count)
	}
}

func TestKnownInboxUpsert(t *testing.T) {
	database := setupTestDB(t)

	now := time.Now()
	if err := database.UpsertKnownInbox("https://remote.example/inbox", now); err != nil {
		t.Fatalf("UpsertKnownInbox failed: %v", err)
	}
	if err := database.UpsertKnownInbox("https://remote.example/inbox", now.Add(time.Hour)); err != nil {
		t.Fatalf("Second UpsertKnownInbox failed: %v", err)
	}

	err, inboxes := database.ReadKnownInboxes()
	if err != nil || len(inboxes) != 1 {
		t.Errorf("Expected one known inbox, got %v", inboxes)
	}
}

func TestDeliveryQueueBatchExclusion(t *testing.T) {
	database := setupTestDB(t)

	now := time.Now()
	for i, inbox := range []string{
		"https://a.example/inbox",
		"https://b.example/inbox",
		"https://a.example/inbox",
	} {
		item := &domain.OutboundActivity{
			Id:           uuid.New(),
			InboxURI:     inbox,
			ActivityJSON: `{}`,
			DelayUntil:   now,
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := database.EnqueueDelivery(item); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
	}

	err, all := database.ReadDeliveryBatch(10, nil)
	if err != nil || all == nil || len(*all) != 3 {
		t.Fatalf("Expected 3 queued items, got %v", all)
	}

	// Oldest first
	if (*all)[0].InboxURI != "https://a.example/inbox" {
		t.Errorf("Expected oldest item first, got %s", (*all)[0].InboxURI)
	}

	err, filtered := database.ReadDeliveryBatch(10, []string{"https://a.example/inbox"})
	if err != nil || filtered == nil || len(*filtered) != 1 {
		t.Fatalf("Expected 1 item after exclusion, got %v", filtered)
	}
	if (*filtered)[0].InboxURI != "https://b.example/inbox" {
		t.Errorf("Exclusion returned wrong item: %s", (*filtered)[0].InboxURI)
	}

	until := now.Add(4 * time.Hour)
	if err := database.UpdateDeliveryDelay((*filtered)[0].Id, until); err != nil {
		t.Fatalf("UpdateDeliveryDelay failed: %v", err)
	}
	if err := database.DeleteDelivery((*filtered)[0].Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}

	err, rest := database.ReadDeliveryBatch(10, nil)
	if err != nil || rest == nil || len(*rest) != 2 {
		t.Errorf("Expected 2 items after delete, got %v", rest)
	}
}

func TestMentionLifecycle(t *testing.T) {
	database := setupTestDB(t)

	mention := &domain.Mention{
		Id:        uuid.New(),
		ObjectURI: "https://remote.example/notes/1",
		ActorURI:  "https://remote.example/users/fan",
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	if err := database.CreateMention(mention); err != nil {
		t.Fatalf("CreateMention failed: %v", err)
	}

	err, read := database.ReadMention(mention.ObjectURI, mention.ActorURI)
	if err != nil || read == nil || read.Content != "hello" {
		t.Fatalf("ReadMention failed: %v", err)
	}

	err, byObject := database.ReadMentionByObjectURI(mention.ObjectURI)
	if err != nil || byObject == nil {
		t.Fatalf("ReadMentionByObjectURI failed: %v", err)
	}

	if err := database.DeleteMention(mention.Id); err != nil {
		t.Fatalf("DeleteMention failed: %v", err)
	}
	if err, gone := database.ReadMentionByObjectURI(mention.ObjectURI); err == nil && gone != nil {
		t.Error("Deleted mention should not be readable")
	}
}

func TestRemoteActorUpsert(t *testing.T) {
	database := setupTestDB(t)

	actor := &domain.RemoteActor{
		ActorURI:      "https://remote.example/users/fan",
		DisplayName:   "Fan",
		InboxURI:      "https://remote.example/users/fan/inbox",
		KeyId:         "https://remote.example/users/fan#main-key",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	if err := database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	actor.DisplayName = "Superfan"
	if err := database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("Second UpsertRemoteActor failed: %v", err)
	}

	err, read := database.ReadRemoteActorByURI(actor.ActorURI)
	if err != nil || read == nil || read.DisplayName != "Superfan" {
		t.Errorf("Upsert did not replace the profile: %+v", read)
	}
}
