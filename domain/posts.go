package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostKind string

const (
	KindSubmission PostKind = "submission"
	KindJournal    PostKind = "journal"
)

// CachedPost is one mirrored upstream item, identified by the upstream
// numeric id.
type CachedPost struct {
	Id           int64
	Kind         PostKind
	Title        string
	Description  string
	Tags         string
	Rating       string
	Visibility   string
	MediaURL     string
	ThumbnailURL string
	PostedAt     time.Time

	FirstCachedAt          time.Time
	LastRefreshAttemptedAt time.Time
	LastRefreshSucceededAt time.Time
}

// ContentEquals reports whether two snapshots carry the same upstream
// content. Bookkeeping timestamps are not part of the comparison.
func (p *CachedPost) ContentEquals(o *CachedPost) bool {
	if o == nil {
		return false
	}
	return p.Kind == o.Kind &&
		p.Title == o.Title &&
		p.Description == o.Description &&
		p.Tags == o.Tags &&
		p.Rating == o.Rating &&
		p.Visibility == o.Visibility &&
		p.MediaURL == o.MediaURL &&
		p.ThumbnailURL == o.ThumbnailURL &&
		p.PostedAt.Equal(o.PostedAt)
}

func (p *CachedPost) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tKind: %s \n\tTitle: %s \n\tPostedAt: %s)", p.Id, p.Kind, p.Title, p.PostedAt)
}

type InteractionKind string

const (
	InteractionLike  InteractionKind = "like"
	InteractionBoost InteractionKind = "boost"
	InteractionReply InteractionKind = "reply"
)

// Interaction is a remote reaction attached to a cached post. ActivityURI is
// the originating activity IRI for likes and boosts, and the remote object
// IRI for replies. NotifyURI is the note minted for the owner notification,
// kept so the notification can be retracted later.
type Interaction struct {
	Id          uuid.UUID
	PostId      int64
	Kind        InteractionKind
	ActorURI    string
	ActivityURI string
	Content     string
	NotifyURI   string
	CreatedAt   time.Time
}
