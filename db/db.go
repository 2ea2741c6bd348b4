package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halbroth/gallipub/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// NewDB opens (creating if needed) the sqlite database at path and runs the
// schema migrations. The handle is passed explicitly into every component
// that needs it.
func NewDB(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty
		// in-memory database
		handle.SetMaxOpenConns(1)
	} else {
		handle.SetMaxOpenConns(25)
		handle.SetMaxIdleConns(25)
		handle.SetConnMaxLifetime(5 * time.Minute)
	}

	handle.Exec("PRAGMA journal_mode = WAL")
	handle.Exec("PRAGMA synchronous = NORMAL")
	handle.Exec("PRAGMA cache_size = -64000")
	handle.Exec("PRAGMA temp_store = MEMORY")
	handle.Exec("PRAGMA busy_timeout = 5000")
	handle.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: handle}
	if err := db.RunMigrations(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// Instance

const (
	sqlInsertInstance        = `INSERT INTO instance(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at) VALUES (1, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectInstance        = `SELECT username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at FROM instance WHERE id = 1`
	sqlUpdateInstanceProfile = `UPDATE instance SET display_name = ?, summary = ?, avatar_url = ? WHERE id = 1`
)

func (db *DB) CreateInstance(inst *domain.Instance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInstance, inst.Username, inst.DisplayName, inst.Summary,
			inst.AvatarURL, inst.WebPublicKey, inst.WebPrivateKey, inst.CreatedAt)
		return err
	})
}

func (db *DB) ReadInstance() (error, *domain.Instance) {
	inst := &domain.Instance{}
	err := db.db.QueryRow(sqlSelectInstance).Scan(&inst.Username, &inst.DisplayName,
		&inst.Summary, &inst.AvatarURL, &inst.WebPublicKey, &inst.WebPrivateKey, &inst.CreatedAt)
	if err != nil {
		return err, nil
	}
	return nil, inst
}

func (db *DB) UpdateInstanceProfile(displayName, summary, avatarURL string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInstanceProfile, displayName, summary, avatarURL)
		return err
	})
}

// Posts

const (
	sqlInsertPost = `INSERT INTO posts(id, kind, title, description, tags, rating, visibility, media_url, thumbnail_url, posted_at, first_cached_at, last_refresh_attempted_at, last_refresh_succeeded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdatePostContent = `UPDATE posts SET kind = ?, title = ?, description = ?, tags = ?, rating = ?, visibility = ?, media_url = ?, thumbnail_url = ?, posted_at = ? WHERE id = ?`
	sqlUpdatePostAttempt = `UPDATE posts SET last_refresh_attempted_at = ? WHERE id = ?`
	sqlUpdatePostSuccess = `UPDATE posts SET last_refresh_succeeded_at = ? WHERE id = ?`
	sqlSelectPostColumns = `SELECT id, kind, title, description, tags, rating, visibility, media_url, thumbnail_url, posted_at, first_cached_at, last_refresh_attempted_at, last_refresh_succeeded_at FROM posts`
	sqlSelectPostById    = sqlSelectPostColumns + ` WHERE id = ?`
	sqlSelectAllPosts    = sqlSelectPostColumns + ` ORDER BY posted_at DESC`
	sqlDeletePost        = `DELETE FROM posts WHERE id = ?`
)

func (db *DB) CreatePost(p *domain.CachedPost) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost, p.Id, string(p.Kind), p.Title, p.Description, p.Tags,
			p.Rating, p.Visibility, p.MediaURL, p.ThumbnailURL, p.PostedAt,
			p.FirstCachedAt, p.LastRefreshAttemptedAt, p.LastRefreshSucceededAt)
		return err
	})
}

func (db *DB) UpdatePostContent(p *domain.CachedPost) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostContent, string(p.Kind), p.Title, p.Description, p.Tags,
			p.Rating, p.Visibility, p.MediaURL, p.ThumbnailURL, p.PostedAt, p.Id)
		return err
	})
}

func (db *DB) UpdatePostRefreshAttempt(id int64, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostAttempt, at, id)
		return err
	})
}

func (db *DB) UpdatePostRefreshSucceeded(id int64, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostSuccess, at, id)
		return err
	})
}

func scanPost(row interface{ Scan(...any) error }) (*domain.CachedPost, error) {
	p := &domain.CachedPost{}
	var kind string
	err := row.Scan(&p.Id, &kind, &p.Title, &p.Description, &p.Tags, &p.Rating, &p.Visibility,
		&p.MediaURL, &p.ThumbnailURL, &p.PostedAt, &p.FirstCachedAt,
		&p.LastRefreshAttemptedAt, &p.LastRefreshSucceededAt)
	if err != nil {
		return nil, err
	}
	p.Kind = domain.PostKind(kind)
	return p, nil
}

func (db *DB) ReadPostById(id int64) (error, *domain.CachedPost) {
	p, err := scanPost(db.db.QueryRow(sqlSelectPostById, id))
	if err != nil {
		return err, nil
	}
	return nil, p
}

func (db *DB) ReadAllPosts() (error, *[]domain.CachedPost) {
	rows, err := db.db.Query(sqlSelectAllPosts)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.CachedPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return err, nil
		}
		posts = append(posts, *p)
	}
	return rows.Err(), &posts
}

func (db *DB) DeletePost(id int64) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeletePost, id)
		return err
	})
}

// Interactions

const (
	sqlInsertInteraction = `INSERT INTO interactions(id, post_id, kind, actor_uri, activity_uri, content, notify_uri, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectInteractionColumns = `SELECT id, post_id, kind, actor_uri, activity_uri, content, notify_uri, created_at FROM interactions`
	sqlSelectInteractionByURI   = sqlSelectInteractionColumns + ` WHERE kind = ? AND activity_uri = ?`
	sqlSelectInteractionByActor = sqlSelectInteractionColumns + ` WHERE post_id = ? AND kind = ? AND actor_uri = ?`
	sqlSelectInteractionsByPost = sqlSelectInteractionColumns + ` WHERE post_id = ? ORDER BY created_at ASC`
	sqlDeleteInteraction        = `DELETE FROM interactions WHERE id = ?`
)

func (db *DB) CreateInteraction(i *domain.Interaction) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInteraction, i.Id.String(), i.PostId, string(i.Kind),
			i.ActorURI, i.ActivityURI, i.Content, i.NotifyURI, i.CreatedAt)
		return err
	})
}

func scanInteraction(row interface{ Scan(...any) error }) (*domain.Interaction, error) {
	i := &domain.Interaction{}
	var id, kind string
	err := row.Scan(&id, &i.PostId, &kind, &i.ActorURI, &i.ActivityURI, &i.Content, &i.NotifyURI, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	i.Id = parsed
	i.Kind = domain.InteractionKind(kind)
	return i, nil
}

func (db *DB) ReadInteractionByURI(kind domain.InteractionKind, activityURI string) (error, *domain.Interaction) {
	i, err := scanInteraction(db.db.QueryRow(sqlSelectInteractionByURI, string(kind), activityURI))
	if err != nil {
		return err, nil
	}
	return nil, i
}

func (db *DB) ReadInteractionByActor(postId int64, kind domain.InteractionKind, actorURI string) (error, *domain.Interaction) {
	i, err := scanInteraction(db.db.QueryRow(sqlSelectInteractionByActor, postId, string(kind), actorURI))
	if err != nil {
		return err, nil
	}
	return nil, i
}

func (db *DB) ReadInteractionsByPostId(postId int64) (error, *[]domain.Interaction) {
	rows, err := db.db.Query(sqlSelectInteractionsByPost, postId)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var interactions []domain.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return err, nil
		}
		interactions = append(interactions, *i)
	}
	return rows.Err(), &interactions
}

func (db *DB) DeleteInteraction(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteInteraction, id.String())
		return err
	})
}

// Followers

const (
	sqlUpsertFollower = `INSERT INTO followers(actor_uri, inbox_uri, shared_inbox_uri, follow_uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri, follow_uri = excluded.follow_uri`
	sqlSelectFollowerColumns   = `SELECT actor_uri, inbox_uri, shared_inbox_uri, follow_uri, created_at FROM followers`
	sqlSelectFollowers         = sqlSelectFollowerColumns + ` ORDER BY created_at ASC`
	sqlSelectFollowerByFollow  = sqlSelectFollowerColumns + ` WHERE follow_uri = ?`
	sqlDeleteFollowerByFollow  = `DELETE FROM followers WHERE follow_uri = ?`
	sqlSelectFollowersCountSQL = `SELECT COUNT(*) FROM followers`
)

// UpsertFollower keeps at most one row per actor IRI; a re-follow replaces
// the stored Follow IRI in place.
func (db *DB) UpsertFollower(f *domain.Follower) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower, f.ActorURI, f.InboxURI, f.SharedInboxURI, f.FollowURI, f.CreatedAt)
		return err
	})
}

func scanFollower(row interface{ Scan(...any) error }) (*domain.Follower, error) {
	f := &domain.Follower{}
	err := row.Scan(&f.ActorURI, &f.InboxURI, &f.SharedInboxURI, &f.FollowURI, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (db *DB) ReadFollowers() (error, *[]domain.Follower) {
	rows, err := db.db.Query(sqlSelectFollowers)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return err, nil
		}
		followers = append(followers, *f)
	}
	return rows.Err(), &followers
}

func (db *DB) ReadFollowerByFollowURI(uri string) (error, *domain.Follower) {
	f, err := scanFollower(db.db.QueryRow(sqlSelectFollowerByFollow, uri))
	if err != nil {
		return err, nil
	}
	return nil, f
}

func (db *DB) DeleteFollowerByFollowURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowerByFollow, uri)
		return err
	})
}

func (db *DB) CountFollowers() (error, int) {
	var count int
	err := db.db.QueryRow(sqlSelectFollowersCountSQL).Scan(&count)
	return err, count
}

// Known inboxes

const (
	sqlUpsertKnownInbox  = `INSERT INTO known_inboxes(inbox_uri, created_at) VALUES (?, ?) ON CONFLICT(inbox_uri) DO NOTHING`
	sqlSelectKnownInboxes = `SELECT inbox_uri FROM known_inboxes ORDER BY created_at ASC`
)

func (db *DB) UpsertKnownInbox(inboxURI string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertKnownInbox, inboxURI, at)
		return err
	})
}

func (db *DB) ReadKnownInboxes() (error, []string) {
	rows, err := db.db.Query(sqlSelectKnownInboxes)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, nil
		}
		inboxes = append(inboxes, uri)
	}
	return rows.Err(), inboxes
}

// Delivery queue

const (
	sqlEnqueueDelivery       = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, delay_until, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectDeliveryColumns = `SELECT id, inbox_uri, activity_json, delay_until, created_at FROM delivery_queue`
	sqlUpdateDeliveryDelay   = `UPDATE delivery_queue SET delay_until = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.OutboundActivity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlEnqueueDelivery, item.Id.String(), item.InboxURI,
			item.ActivityJSON, item.DelayUntil, item.CreatedAt)
		return err
	})
}

// ReadDeliveryBatch returns up to limit queued deliveries in enqueue order,
// skipping destinations the caller already marked bad in this drain pass.
func (db *DB) ReadDeliveryBatch(limit int, excluded []string) (error, *[]domain.OutboundActivity) {
	query := sqlSelectDeliveryColumns
	args := make([]any, 0, len(excluded)+1)
	if len(excluded) > 0 {
		query += ` WHERE inbox_uri NOT IN (?` + strings.Repeat(",?", len(excluded)-1) + `)`
		for _, uri := range excluded {
			args = append(args, uri)
		}
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.OutboundActivity
	for rows.Next() {
		var item domain.OutboundActivity
		var id string
		if err := rows.Scan(&id, &item.InboxURI, &item.ActivityJSON, &item.DelayUntil, &item.CreatedAt); err != nil {
			return err, nil
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err, nil
		}
		item.Id = parsed
		items = append(items, item)
	}
	return rows.Err(), &items
}

func (db *DB) UpdateDeliveryDelay(id uuid.UUID, until time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryDelay, until, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// Mentions

const (
	sqlInsertMention          = `INSERT INTO mentions(id, object_uri, actor_uri, content, notify_uri, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectMentionColumns   = `SELECT id, object_uri, actor_uri, content, notify_uri, created_at FROM mentions`
	sqlSelectMention          = sqlSelectMentionColumns + ` WHERE object_uri = ? AND actor_uri = ?`
	sqlSelectMentionByObject  = sqlSelectMentionColumns + ` WHERE object_uri = ?`
	sqlDeleteMention          = `DELETE FROM mentions WHERE id = ?`
)

func (db *DB) CreateMention(m *domain.Mention) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertMention, m.Id.String(), m.ObjectURI, m.ActorURI, m.Content, m.NotifyURI, m.CreatedAt)
		return err
	})
}

func scanMention(row interface{ Scan(...any) error }) (*domain.Mention, error) {
	m := &domain.Mention{}
	var id string
	err := row.Scan(&id, &m.ObjectURI, &m.ActorURI, &m.Content, &m.NotifyURI, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	m.Id = parsed
	return m, nil
}

func (db *DB) ReadMention(objectURI, actorURI string) (error, *domain.Mention) {
	m, err := scanMention(db.db.QueryRow(sqlSelectMention, objectURI, actorURI))
	if err != nil {
		return err, nil
	}
	return nil, m
}

func (db *DB) ReadMentionByObjectURI(objectURI string) (error, *domain.Mention) {
	m, err := scanMention(db.db.QueryRow(sqlSelectMentionByObject, objectURI))
	if err != nil {
		return err, nil
	}
	return nil, m
}

func (db *DB) DeleteMention(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteMention, id.String())
		return err
	})
}

// Remote actors

const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(actor_uri, display_name, inbox_uri, shared_inbox_uri, key_id, public_key_pem, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET display_name = excluded.display_name, inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri, key_id = excluded.key_id, public_key_pem = excluded.public_key_pem, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActorByURI = `SELECT actor_uri, display_name, inbox_uri, shared_inbox_uri, key_id, public_key_pem, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
)

func (db *DB) UpsertRemoteActor(a *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor, a.ActorURI, a.DisplayName, a.InboxURI,
			a.SharedInboxURI, a.KeyId, a.PublicKeyPem, a.LastFetchedAt)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(uri string) (error, *domain.RemoteActor) {
	a := &domain.RemoteActor{}
	err := db.db.QueryRow(sqlSelectRemoteActorByURI, uri).Scan(&a.ActorURI, &a.DisplayName,
		&a.InboxURI, &a.SharedInboxURI, &a.KeyId, &a.PublicKeyPem, &a.LastFetchedAt)
	if err != nil {
		return err, nil
	}
	return nil, a
}
