package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/util"
)

const activityStreamsNS = "https://www.w3.org/ns/activitystreams"

// Outbox builds outgoing activities and fans them out into the delivery
// queue. It never talks to the network itself; the delivery worker does.
type Outbox struct {
	DB        *db.DB
	Conf      *util.AppConfig
	Directory *Directory
	Now       func() time.Time
}

func NewOutbox(database *db.DB, conf *util.AppConfig, directory *Directory) *Outbox {
	return &Outbox{DB: database, Conf: conf, Directory: directory, Now: time.Now}
}

func (o *Outbox) actorURI() string {
	return o.Conf.ActorURI()
}

func (o *Outbox) newActivityId() string {
	return fmt.Sprintf("https://%s/activities/%s", o.Conf.Conf.SslDomain, uuid.New().String())
}

// MintNoteURI allocates the IRI for a locally minted notification note.
func (o *Outbox) MintNoteURI() string {
	return fmt.Sprintf("https://%s/notes/%s", o.Conf.Conf.SslDomain, uuid.New().String())
}

// buildPostObject renders a cached post as an ActivityStreams object.
func (o *Outbox) buildPostObject(post *domain.CachedPost) map[string]any {
	postURI := o.Conf.PostURI(post.Id)
	obj := map[string]any{
		"id":           postURI,
		"type":         "Note",
		"attributedTo": o.actorURI(),
		"name":         post.Title,
		"content":      post.Description,
		"published":    post.PostedAt.Format(time.RFC3339),
		"url":          postURI,
		"to": []string{
			activityStreamsNS + "#Public",
		},
		"cc": []string{
			fmt.Sprintf("%s/followers", o.actorURI()),
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

func (o *Outbox) buildPostActivity(activityType string, post *domain.CachedPost) map[string]any {
	return map[string]any{
		"@context":  activityStreamsNS,
		"id":        o.newActivityId(),
		"type":      activityType,
		"actor":     o.actorURI(),
		"published": o.Now().UTC().Format(time.RFC3339),
		"to": []string{
			activityStreamsNS + "#Public",
		},
		"object": o.buildPostObject(post),
	}
}

func (o *Outbox) buildDeletePost(postURI string) map[string]any {
	return map[string]any{
		"@context": activityStreamsNS,
		"id":       o.newActivityId(),
		"type":     "Delete",
		"actor":    o.actorURI(),
		"object": map[string]any{
			"id":   postURI,
			"type": "Tombstone",
		},
	}
}

// Enqueue serializes one activity and queues one delivery per inbox.
func (o *Outbox) Enqueue(activity map[string]any, inboxes []string) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	now := o.Now()
	for _, inbox := range inboxes {
		item := &domain.OutboundActivity{
			Id:           uuid.New(),
			InboxURI:     inbox,
			ActivityJSON: string(payload),
			DelayUntil:   now,
			CreatedAt:    now,
		}
		if err := o.DB.EnqueueDelivery(item); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inbox, err)
		}
	}
	return nil
}

// FollowerInboxes returns the distinct delivery inboxes of all followers,
// grouped by shared inbox: one POST through a shared inbox reaches every
// follower on that server.
func (o *Outbox) FollowerInboxes() []string {
	err, followers := o.DB.ReadFollowers()
	if err != nil || followers == nil {
		log.Printf("Outbox: Failed to read followers: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var inboxes []string
	for _, follower := range *followers {
		inbox := follower.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

// BroadcastInboxes widens the follower set with every known inbox, unless
// the instance is configured for followers-only delivery.
func (o *Outbox) BroadcastInboxes() []string {
	inboxes := o.FollowerInboxes()
	if o.Conf.Conf.FollowersOnly {
		return inboxes
	}

	seen := make(map[string]bool, len(inboxes))
	for _, inbox := range inboxes {
		seen[inbox] = true
	}

	err, known := o.DB.ReadKnownInboxes()
	if err != nil {
		log.Printf("Outbox: Failed to read known inboxes: %v", err)
		return inboxes
	}
	for _, inbox := range known {
		if !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes
}

// PostChanged announces a new or updated post. New items are a subscriber
// benefit and go to followers only; edits go to the wider known-inbox
// audience.
func (o *Outbox) PostChanged(ctx context.Context, post *domain.CachedPost, isNew bool) error {
	var activity map[string]any
	var inboxes []string
	if isNew {
		activity = o.buildPostActivity("Create", post)
		inboxes = o.FollowerInboxes()
	} else {
		activity = o.buildPostActivity("Update", post)
		inboxes = o.BroadcastInboxes()
	}

	if len(inboxes) == 0 {
		return nil
	}
	log.Printf("Outbox: Queued %s for post %d to %d inboxes", activity["type"], post.Id, len(inboxes))
	return o.Enqueue(activity, inboxes)
}

// PostRemoved broadcasts a Delete for a removed post and retracts the owner
// notification of every interaction that hung off it.
func (o *Outbox) PostRemoved(ctx context.Context, post *domain.CachedPost, interactions []domain.Interaction) error {
	inboxes := o.BroadcastInboxes()
	if len(inboxes) > 0 {
		if err := o.Enqueue(o.buildDeletePost(o.Conf.PostURI(post.Id)), inboxes); err != nil {
			return err
		}
	}

	for _, interaction := range interactions {
		if interaction.NotifyURI == "" {
			continue
		}
		if err := o.RetractNotification(ctx, interaction.NotifyURI); err != nil {
			log.Printf("Outbox: Failed to retract notification %s: %v", interaction.NotifyURI, err)
		}
	}
	return nil
}

// SendAccept queues the Accept reply to a Follow.
func (o *Outbox) SendAccept(follower *domain.RemoteActor, followURI string) error {
	accept := map[string]any{
		"@context": activityStreamsNS,
		"id":       o.newActivityId(),
		"type":     "Accept",
		"actor":    o.actorURI(),
		"object": map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": o.actorURI(),
		},
	}
	return o.Enqueue(accept, []string{follower.InboxURI})
}

// NotifyAdmin queues a private note to the owner's own fediverse inbox. The
// note IRI is minted by the caller and stored alongside the triggering
// record so the notification can be retracted later.
func (o *Outbox) NotifyAdmin(ctx context.Context, noteURI string, content string) error {
	adminActor := o.Conf.Conf.AdminActor
	if adminActor == "" {
		return nil
	}

	actor, err := o.Directory.GetOrFetch(ctx, adminActor)
	if err != nil {
		return fmt.Errorf("failed to resolve admin actor: %w", err)
	}

	create := map[string]any{
		"@context": activityStreamsNS,
		"id":       o.newActivityId(),
		"type":     "Create",
		"actor":    o.actorURI(),
		"to":       []string{adminActor},
		"object": map[string]any{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": o.actorURI(),
			"content":      content,
			"published":    o.Now().UTC().Format(time.RFC3339),
			"to":           []string{adminActor},
		},
	}
	return o.Enqueue(create, []string{actor.InboxURI})
}

// RetractNotification queues the Delete for a previously sent owner
// notification.
func (o *Outbox) RetractNotification(ctx context.Context, noteURI string) error {
	adminActor := o.Conf.Conf.AdminActor
	if adminActor == "" {
		return nil
	}

	actor, err := o.Directory.GetOrFetch(ctx, adminActor)
	if err != nil {
		return fmt.Errorf("failed to resolve admin actor: %w", err)
	}

	activity := map[string]any{
		"@context": activityStreamsNS,
		"id":       o.newActivityId(),
		"type":     "Delete",
		"actor":    o.actorURI(),
		"to":       []string{adminActor},
		"object": map[string]any{
			"id":   noteURI,
			"type": "Tombstone",
		},
	}
	return o.Enqueue(activity, []string{actor.InboxURI})
}
