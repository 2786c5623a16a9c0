package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on cid + msg_id).
// A nil body never overwrites an archived one; partial updates carry only
// the fields the server pushed.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (cid, msg_id, body, is_mine, status, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid, msg_id) DO UPDATE SET
			body = COALESCE(excluded.body, body),
			is_mine = excluded.is_mine,
			status = excluded.status,
			last_modified = excluded.last_modified`,
		m.CID, m.MsgID, m.Body, m.IsMine, m.Status, m.LastModified, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by message id, newest first. beforeID <= 0 starts from the newest.
func (db *DB) ListMessages(cid string, beforeID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int(^uint(0) >> 1) // max int
	}
	rows, err := db.Query(`
		SELECT id, cid, msg_id, body, is_mine, status, last_modified
		FROM messages
		WHERE cid = ? AND msg_id < ?
		ORDER BY msg_id DESC
		LIMIT ?`, cid, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.CID, &m.MsgID, &m.Body, &m.IsMine, &m.Status, &m.LastModified); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a single archived message.
func (db *DB) DeleteMessage(cid string, msgID int) error {
	_, err := db.Exec(`DELETE FROM messages WHERE cid = ? AND msg_id = ?`, cid, msgID)
	return err
}
