package activitypub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/metrics"
	"github.com/halbroth/gallipub/util"
)

// Inbox processes activities POSTed by remote servers. Every activity is
// signature-gated before any side effect; handlers are idempotent so
// redelivered activities are harmless.
type Inbox struct {
	DB        *db.DB
	Conf      *util.AppConfig
	Directory *Directory
	Outbox    *Outbox
	Sanitizer *bluemonday.Policy
	Now       func() time.Time
}

func NewInbox(database *db.DB, conf *util.AppConfig, directory *Directory, outbox *Outbox) *Inbox {
	return &Inbox{
		DB:        database,
		Conf:      conf,
		Directory: directory,
		Outbox:    outbox,
		Sanitizer: bluemonday.UGCPolicy(),
		Now:       time.Now,
	}
}

// Handle verifies and dispatches one inbound activity, returning the HTTP
// status the caller should respond with.
func (in *Inbox) Handle(ctx context.Context, req *http.Request, body []byte) int {
	activity, err := ParseObject(body)
	if err != nil {
		return http.StatusBadRequest
	}

	actorURI := activity.ActorIRI()
	if actorURI == "" {
		return http.StatusBadRequest
	}

	actor, err := in.Directory.GetOrFetch(ctx, actorURI)
	if err != nil {
		log.Printf("Inbox: Failed to resolve actor %s: %v", actorURI, err)
		if errors.Is(err, ErrMalformedActor) {
			return http.StatusUnauthorized
		}
		// A transport failure fetching the key is not a signature verdict;
		// the sender should retry
		return http.StatusBadGateway
	}

	publicKey, err := util.ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		log.Printf("Inbox: Unusable public key for %s: %v", actorURI, err)
		return http.StatusUnauthorized
	}

	if result := VerifyRequest(req, actor.KeyId, publicKey); result != SigVerified {
		log.Printf("Inbox: Signature %s for %s", result, actorURI)
		return http.StatusForbidden
	}

	// Every authenticated contact teaches us a deliverable inbox,
	// regardless of what the activity turns out to be
	in.recordInbox(actor)

	activityType := activity.Type()
	metrics.InboundActivitiesTotal.WithLabelValues(activityType).Inc()

	switch activityType {
	case "Follow":
		return in.handleFollow(activity, actor)
	case "Undo":
		return in.handleUndo(ctx, activity, actor)
	case "Like":
		return in.handleLike(ctx, activity, actor)
	case "Announce":
		return in.handleAnnounce(ctx, activity, actor)
	case "Create", "Update":
		return in.handleCreate(ctx, activity, actor)
	case "Delete":
		return in.handleDelete(ctx, activity, actor)
	default:
		// Unknown types are acknowledged and dropped
		return http.StatusAccepted
	}
}

func (in *Inbox) recordInbox(actor *domain.RemoteActor) {
	inbox := actor.SharedInboxURI
	if inbox == "" {
		inbox = actor.InboxURI
	}
	if inbox == "" {
		return
	}
	if err := in.DB.UpsertKnownInbox(inbox, in.Now()); err != nil {
		log.Printf("Inbox: Failed to record inbox %s: %v", inbox, err)
	}
}

func (in *Inbox) handleFollow(activity Object, actor *domain.RemoteActor) int {
	if activity.IRI("object") != in.Conf.ActorURI() {
		return http.StatusAccepted
	}
	followURI := activity.Id()
	if followURI == "" {
		return http.StatusBadRequest
	}

	follower := &domain.Follower{
		ActorURI:       actor.ActorURI,
		InboxURI:       actor.InboxURI,
		SharedInboxURI: actor.SharedInboxURI,
		FollowURI:      followURI,
		CreatedAt:      in.Now(),
	}
	if err := in.DB.UpsertFollower(follower); err != nil {
		log.Printf("Inbox: Failed to store follower %s: %v", actor.ActorURI, err)
		return http.StatusInternalServerError
	}

	if err := in.Outbox.SendAccept(actor, followURI); err != nil {
		log.Printf("Inbox: Failed to queue Accept for %s: %v", actor.ActorURI, err)
	}
	log.Printf("Inbox: New follower %s", actor.ActorURI)
	return http.StatusAccepted
}

func (in *Inbox) handleUndo(ctx context.Context, activity Object, actor *domain.RemoteActor) int {
	inner := activity.Child("object")
	if inner == nil {
		// Undo of a bare IRI: we cannot tell what is being undone
		return http.StatusAccepted
	}

	switch inner.Type() {
	case "Follow":
		followURI := inner.Id()
		if followURI == "" {
			return http.StatusAccepted
		}
		err, follower := in.DB.ReadFollowerByFollowURI(followURI)
		if err != nil || follower == nil || follower.ActorURI != actor.ActorURI {
			return http.StatusAccepted
		}
		if err := in.DB.DeleteFollowerByFollowURI(followURI); err != nil {
			log.Printf("Inbox: Failed to remove follower for %s: %v", followURI, err)
			return http.StatusInternalServerError
		}
		log.Printf("Inbox: Unfollow %s", followURI)
	case "Like":
		in.retractInteraction(ctx, domain.InteractionLike, inner.Id(), actor.ActorURI)
	case "Announce":
		in.retractInteraction(ctx, domain.InteractionBoost, inner.Id(), actor.ActorURI)
	}
	return http.StatusAccepted
}

// retractInteraction removes a stored interaction and takes its owner
// notification down with it. Only the actor who produced the interaction
// may retract it; anyone else naming the IRI is ignored.
func (in *Inbox) retractInteraction(ctx context.Context, kind domain.InteractionKind, activityURI string, actorURI string) {
	if activityURI == "" {
		return
	}
	err, interaction := in.DB.ReadInteractionByURI(kind, activityURI)
	if err != nil || interaction == nil {
		return
	}
	if interaction.ActorURI != actorURI {
		log.Printf("Inbox: Ignoring retraction of %s by %s", activityURI, actorURI)
		return
	}
	if err := in.DB.DeleteInteraction(interaction.Id); err != nil {
		log.Printf("Inbox: Failed to delete %s %s: %v", kind, activityURI, err)
		return
	}
	if interaction.NotifyURI != "" {
		if err := in.Outbox.RetractNotification(ctx, interaction.NotifyURI); err != nil {
			log.Printf("Inbox: Failed to retract notification for %s: %v", activityURI, err)
		}
	}
	log.Printf("Inbox: Retracted %s %s", kind, activityURI)
}

func (in *Inbox) handleLike(ctx context.Context, activity Object, actor *domain.RemoteActor) int {
	postId, ok := in.localPostId(activity.IRI("object"))
	if !ok {
		return http.StatusAccepted
	}
	err, post := in.DB.ReadPostById(postId)
	if err != nil || post == nil {
		return http.StatusAccepted
	}

	// One like per actor per post: a re-like replaces the previous one
	if err, existing := in.DB.ReadInteractionByActor(postId, domain.InteractionLike, actor.ActorURI); err == nil && existing != nil {
		if err := in.DB.DeleteInteraction(existing.Id); err != nil {
			log.Printf("Inbox: Failed to replace like by %s: %v", actor.ActorURI, err)
			return http.StatusInternalServerError
		}
		if existing.NotifyURI != "" {
			if err := in.Outbox.RetractNotification(ctx, existing.NotifyURI); err != nil {
				log.Printf("Inbox: Failed to retract replaced like notification: %v", err)
			}
		}
	}

	noteURI := in.Outbox.MintNoteURI()
	interaction := &domain.Interaction{
		Id:          uuid.New(),
		PostId:      postId,
		Kind:        domain.InteractionLike,
		ActorURI:    actor.ActorURI,
		ActivityURI: activity.Id(),
		NotifyURI:   noteURI,
		CreatedAt:   in.Now(),
	}
	if err := in.DB.CreateInteraction(interaction); err != nil {
		log.Printf("Inbox: Failed to store like by %s: %v", actor.ActorURI, err)
		return http.StatusInternalServerError
	}

	in.notify(ctx, noteURI, fmt.Sprintf("%s liked \"%s\"", actorLabel(actor), util.NormalizeInput(post.Title)))
	return http.StatusAccepted
}

func (in *Inbox) handleAnnounce(ctx context.Context, activity Object, actor *domain.RemoteActor) int {
	postId, ok := in.localPostId(activity.IRI("object"))
	if !ok {
		return http.StatusAccepted
	}
	err, post := in.DB.ReadPostById(postId)
	if err != nil || post == nil {
		return http.StatusAccepted
	}

	// Boosts dedupe on the activity IRI: redelivery is a no-op
	if err, existing := in.DB.ReadInteractionByURI(domain.InteractionBoost, activity.Id()); err == nil && existing != nil {
		return http.StatusAccepted
	}

	noteURI := in.Outbox.MintNoteURI()
	interaction := &domain.Interaction{
		Id:          uuid.New(),
		PostId:      postId,
		Kind:        domain.InteractionBoost,
		ActorURI:    actor.ActorURI,
		ActivityURI: activity.Id(),
		NotifyURI:   noteURI,
		CreatedAt:   in.Now(),
	}
	if err := in.DB.CreateInteraction(interaction); err != nil {
		log.Printf("Inbox: Failed to store boost by %s: %v", actor.ActorURI, err)
		return http.StatusInternalServerError
	}

	in.notify(ctx, noteURI, fmt.Sprintf("%s boosted \"%s\"", actorLabel(actor), util.NormalizeInput(post.Title)))
	return http.StatusAccepted
}

func (in *Inbox) handleCreate(ctx context.Context, activity Object, actor *domain.RemoteActor) int {
	object := activity.Child("object")
	if object == nil {
		return http.StatusAccepted
	}

	if postId, ok := in.localPostId(object.IRI("inReplyTo")); ok {
		return in.handleReply(ctx, object, actor, postId)
	}

	for _, addressee := range object.Addressees() {
		if addressee == in.Conf.ActorURI() {
			return in.handleMention(ctx, object, actor)
		}
	}
	return http.StatusAccepted
}

func (in *Inbox) handleReply(ctx context.Context, object Object, actor *domain.RemoteActor, postId int64) int {
	err, post := in.DB.ReadPostById(postId)
	if err != nil || post == nil {
		return http.StatusAccepted
	}
	objectURI := object.Id()
	if objectURI == "" {
		return http.StatusBadRequest
	}

	// Replies dedupe on the object IRI: an edited reply replaces its content
	if err, existing := in.DB.ReadInteractionByURI(domain.InteractionReply, objectURI); err == nil && existing != nil {
		if err := in.DB.DeleteInteraction(existing.Id); err != nil {
			log.Printf("Inbox: Failed to replace reply %s: %v", objectURI, err)
			return http.StatusInternalServerError
		}
		if existing.NotifyURI != "" {
			if err := in.Outbox.RetractNotification(ctx, existing.NotifyURI); err != nil {
				log.Printf("Inbox: Failed to retract replaced reply notification: %v", err)
			}
		}
	}

	content := in.Sanitizer.Sanitize(object.Str("content"))
	noteURI := in.Outbox.MintNoteURI()
	interaction := &domain.Interaction{
		Id:          uuid.New(),
		PostId:      postId,
		Kind:        domain.InteractionReply,
		ActorURI:    actor.ActorURI,
		ActivityURI: objectURI,
		Content:     content,
		NotifyURI:   noteURI,
		CreatedAt:   in.Now(),
	}
	if err := in.DB.CreateInteraction(interaction); err != nil {
		log.Printf("Inbox: Failed to store reply %s: %v", objectURI, err)
		return http.StatusInternalServerError
	}

	in.notify(ctx, noteURI, fmt.Sprintf("%s replied to \"%s\": %s", actorLabel(actor), util.NormalizeInput(post.Title), content))
	return http.StatusAccepted
}

func (in *Inbox) handleMention(ctx context.Context, object Object, actor *domain.RemoteActor) int {
	objectURI := object.Id()
	if objectURI == "" {
		return http.StatusBadRequest
	}

	content := in.Sanitizer.Sanitize(object.Str("content"))

	if err, existing := in.DB.ReadMention(objectURI, actor.ActorURI); err == nil && existing != nil {
		if err := in.DB.DeleteMention(existing.Id); err != nil {
			log.Printf("Inbox: Failed to replace mention %s: %v", objectURI, err)
			return http.StatusInternalServerError
		}
		if existing.NotifyURI != "" {
			if err := in.Outbox.RetractNotification(ctx, existing.NotifyURI); err != nil {
				log.Printf("Inbox: Failed to retract replaced mention notification: %v", err)
			}
		}
	}

	noteURI := in.Outbox.MintNoteURI()
	mention := &domain.Mention{
		Id:        uuid.New(),
		ObjectURI: objectURI,
		ActorURI:  actor.ActorURI,
		Content:   content,
		NotifyURI: noteURI,
		CreatedAt: in.Now(),
	}
	if err := in.DB.CreateMention(mention); err != nil {
		log.Printf("Inbox: Failed to store mention %s: %v", objectURI, err)
		return http.StatusInternalServerError
	}

	in.notify(ctx, noteURI, fmt.Sprintf("%s mentioned you: %s", actorLabel(actor), content))
	return http.StatusAccepted
}

func (in *Inbox) handleDelete(ctx context.Context, activity Object, actor *domain.RemoteActor) int {
	objectURI := activity.IRI("object")
	if objectURI == "" {
		return http.StatusAccepted
	}

	in.retractInteraction(ctx, domain.InteractionReply, objectURI, actor.ActorURI)

	if err, mention := in.DB.ReadMentionByObjectURI(objectURI); err == nil && mention != nil {
		if mention.ActorURI != actor.ActorURI {
			return http.StatusAccepted
		}
		if err := in.DB.DeleteMention(mention.Id); err != nil {
			log.Printf("Inbox: Failed to delete mention %s: %v", objectURI, err)
			return http.StatusInternalServerError
		}
		if mention.NotifyURI != "" {
			if err := in.Outbox.RetractNotification(ctx, mention.NotifyURI); err != nil {
				log.Printf("Inbox: Failed to retract mention notification: %v", err)
			}
		}
		log.Printf("Inbox: Deleted mention %s", objectURI)
	}
	return http.StatusAccepted
}

func (in *Inbox) notify(ctx context.Context, noteURI string, content string) {
	if err := in.Outbox.NotifyAdmin(ctx, noteURI, content); err != nil {
		log.Printf("Inbox: Failed to queue owner notification: %v", err)
	}
}

// localPostId parses the post id out of a local post IRI, rejecting
// anything that does not point at this instance.
func (in *Inbox) localPostId(uri string) (int64, bool) {
	prefix := in.Conf.BaseURL() + "/posts/"
	if !strings.HasPrefix(uri, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(uri, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func actorLabel(actor *domain.RemoteActor) string {
	if actor.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", actor.DisplayName, actor.ActorURI)
	}
	return actor.ActorURI
}
