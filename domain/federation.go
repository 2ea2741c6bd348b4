package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follower is a remote actor subscribed to updates. FollowURI tracks the
// most recent Follow activity so a later Undo can be matched.
type Follower struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	FollowURI      string
	CreatedAt      time.Time
}

// DeliveryInbox returns the inbox this follower should be addressed
// through, preferring the shared inbox when one is known.
func (f *Follower) DeliveryInbox() string {
	if f.SharedInboxURI != "" {
		return f.SharedInboxURI
	}
	return f.InboxURI
}

// OutboundActivity is one queued delivery. Duplicate deliveries to the same
// inbox are tolerated; consumers dedupe on the activity IRI.
type OutboundActivity struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string
	DelayUntil   time.Time
	CreatedAt    time.Time
}

// Mention is a remote post that references the local actor without replying
// to a mirrored item.
type Mention struct {
	Id        uuid.UUID
	ObjectURI string
	ActorURI  string
	Content   string
	NotifyURI string
	CreatedAt time.Time
}

// RemoteActor is a cached federated identity.
type RemoteActor struct {
	ActorURI       string
	DisplayName    string
	InboxURI       string
	SharedInboxURI string
	KeyId          string
	PublicKeyPem   string
	LastFetchedAt  time.Time
}

// Instance holds the single local actor: the mirrored account's identity
// and signing keypair.
type Instance struct {
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}
