package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/util"
)

// ErrMalformedActor marks an actor document that parsed but lacks the
// fields federation needs (inbox, public key). Distinct from fetch errors
// so callers can tell broken peers from unreachable ones.
var ErrMalformedActor = errors.New("actor document missing required fields")

// Resolver dereferences actor IRIs. Outgoing fetches are signed with the
// local key because well-behaved servers require authenticated fetches.
type Resolver struct {
	client *http.Client
	signer Signer
}

func NewResolver(client *http.Client, signer Signer) *Resolver {
	return &Resolver{client: client, signer: signer}
}

// FetchActor dereferences an actor IRI and extracts the identity fields
// from its (possibly compacted) JSON-LD document.
func (r *Resolver) FetchActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, nil, r.signer); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("actor fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	doc, err := ParseObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActor, err)
	}

	actor := &domain.RemoteActor{
		ActorURI:      doc.Id(),
		DisplayName:   doc.Str("name"),
		InboxURI:      doc.IRI("inbox"),
		LastFetchedAt: time.Now(),
	}
	if actor.DisplayName == "" {
		actor.DisplayName = doc.Str("preferredUsername")
	}
	if endpoints := doc.Child("endpoints"); endpoints != nil {
		actor.SharedInboxURI = endpoints.IRI("sharedInbox")
	}
	if publicKey := doc.Child("publicKey"); publicKey != nil {
		actor.KeyId = publicKey.Id()
		actor.PublicKeyPem = publicKey.Str("publicKeyPem")
	}

	if actor.ActorURI == "" || actor.InboxURI == "" || actor.PublicKeyPem == "" {
		return nil, ErrMalformedActor
	}

	return actor, nil
}

// Directory layers a database cache over the resolver.
type Directory struct {
	DB       *db.DB
	Resolver *Resolver
	Now      func() time.Time
}

const actorCacheMaxAge = 24 * time.Hour

func NewDirectory(database *db.DB, resolver *Resolver) *Directory {
	return &Directory{DB: database, Resolver: resolver, Now: time.Now}
}

// GetOrFetch returns the cached actor when fresh enough, fetching and
// re-caching otherwise.
func (d *Directory) GetOrFetch(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	err, cached := d.DB.ReadRemoteActorByURI(actorURI)
	if err == nil && cached != nil {
		if d.Now().Sub(cached.LastFetchedAt) < actorCacheMaxAge {
			return cached, nil
		}
	}

	actor, fetchErr := d.Resolver.FetchActor(ctx, actorURI)
	if fetchErr != nil {
		// A stale cached copy beats refusing to identify the actor at all
		if cached != nil {
			return cached, nil
		}
		return nil, fetchErr
	}

	if err := d.DB.UpsertRemoteActor(actor); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}

	return actor, nil
}
