package db

import (
	"database/sql"
	"log"
)

const (
	// Local actor: single row with the mirrored account's identity and keys
	sqlCreateInstanceTable = `CREATE TABLE IF NOT EXISTS instance (
		id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		username TEXT NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Mirrored upstream items, keyed by the upstream numeric id
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id INTEGER NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT,
		description TEXT,
		tags TEXT,
		rating TEXT,
		visibility TEXT,
		media_url TEXT,
		thumbnail_url TEXT,
		posted_at TIMESTAMP NOT NULL,
		first_cached_at TIMESTAMP NOT NULL,
		last_refresh_attempted_at TIMESTAMP NOT NULL,
		last_refresh_succeeded_at TIMESTAMP NOT NULL
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_posted_at ON posts(posted_at DESC);
	`

	// Remote reactions on mirrored posts. A like/boost/reply activity IRI is
	// recorded once per kind.
	sqlCreateInteractionsTable = `CREATE TABLE IF NOT EXISTS interactions (
		id TEXT NOT NULL PRIMARY KEY,
		post_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		content TEXT,
		notify_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, activity_uri)
	)`

	sqlCreateInteractionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_interactions_post_id ON interactions(post_id);
		CREATE INDEX IF NOT EXISTS idx_interactions_actor ON interactions(post_id, kind, actor_uri);
	`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		follow_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_follow_uri ON followers(follow_uri);
	`

	// Inboxes observed from any interaction, used for broadcast fan-out.
	// Never expired here; cleanup is an external concern.
	sqlCreateKnownInboxesTable = `CREATE TABLE IF NOT EXISTS known_inboxes (
		inbox_uri TEXT NOT NULL PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		delay_until TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_created_at ON delivery_queue(created_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_inbox ON delivery_queue(inbox_uri);
	`

	// Remote posts that mention the local actor without replying to a
	// mirrored item
	sqlCreateMentionsTable = `CREATE TABLE IF NOT EXISTS mentions (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		content TEXT,
		notify_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(object_uri, actor_uri)
	)`

	// Directory cache of fetched remote actors
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		display_name TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		key_id TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP NOT NULL
	)`
)

// RunMigrations creates all tables and indices.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"instance", sqlCreateInstanceTable},
			{"posts", sqlCreatePostsTable},
			{"interactions", sqlCreateInteractionsTable},
			{"followers", sqlCreateFollowersTable},
			{"known_inboxes", sqlCreateKnownInboxesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"mentions", sqlCreateMentionsTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.ddl, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreatePostsIndices,
			sqlCreateInteractionsIndices,
			sqlCreateFollowersIndices,
			sqlCreateDeliveryQueueIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
