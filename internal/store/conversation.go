package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (cid, name, peer, last_modified, length, unread, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			name = excluded.name,
			peer = excluded.peer,
			last_modified = excluded.last_modified,
			length = excluded.length,
			unread = excluded.unread,
			updated_at = excluded.updated_at`,
		c.CID, c.Name, c.Peer, c.LastModified, c.Length, c.Unread, now)
	return err
}

// ListConversations returns conversations sorted by last modification
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT cid, name, peer, last_modified, length, unread
		FROM conversations
		ORDER BY last_modified DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.CID, &c.Name, &c.Peer, &c.LastModified, &c.Length, &c.Unread); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if unknown.
func (db *DB) GetConversation(cid string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT cid, name, peer, last_modified, length, unread
		FROM conversations
		WHERE cid = ?`, cid).
		Scan(&c.CID, &c.Name, &c.Peer, &c.LastModified, &c.Length, &c.Unread)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and its archived messages.
func (db *DB) DeleteConversation(cid string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE cid = ?`, cid); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
