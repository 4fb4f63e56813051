package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/anchor/internal/archive"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "anchor.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		// dedup_key is the message's canonical identity: the archive
		// stanza id when the server assigned one, otherwise the
		// sender-scoped client id.
		`CREATE TABLE IF NOT EXISTS messages (
			dedup_key TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			stanza_id TEXT,
			target TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			delayed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(target, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stanza_id ON messages(stanza_id)`,

		`CREATE TABLE IF NOT EXISTS mam_sync (
			target TEXT PRIMARY KEY,
			oldest_fetched_id TEXT,
			history_complete INTEGER DEFAULT 0,
			last_synced INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			jid TEXT PRIMARY KEY,
			name TEXT,
			archived INTEGER DEFAULT 0,
			unread INTEGER DEFAULT 0,
			last_active INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			jid TEXT PRIMARY KEY,
			name TEXT,
			nick TEXT NOT NULL,
			autojoin INTEGER DEFAULT 1,
			last_active INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveMessage stores a single message, ignoring duplicates.
func (d *DB) SaveMessage(msg archive.Message) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (dedup_key, client_id, stanza_id, target, sender, body, timestamp, outgoing, delayed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.DedupKey(), msg.ID, msg.StanzaID, msg.Target, msg.From, msg.Body, msg.Timestamp.UnixMilli(), msg.Outgoing, msg.Delayed)
	return err
}

// SaveMessages stores a batch of messages in one transaction, ignoring
// duplicates.
func (d *DB) SaveMessages(msgs []archive.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (dedup_key, client_id, stanza_id, target, sender, body, timestamp, outgoing, delayed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range msgs {
		_, err := stmt.Exec(msg.DedupKey(), msg.ID, msg.StanzaID, msg.Target, msg.From, msg.Body, msg.Timestamp.UnixMilli(), msg.Outgoing, msg.Delayed)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetMessages returns the latest messages for a target in ascending
// timestamp order, at most limit of them.
func (d *DB) GetMessages(target string, limit int) ([]archive.Message, error) {
	rows, err := d.db.Query(`
		SELECT client_id, stanza_id, target, sender, body, timestamp, outgoing, delayed
		FROM messages
		WHERE target = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// NewestMessage returns the most recent stored message for a target.
func (d *DB) NewestMessage(target string) (archive.Message, bool, error) {
	row := d.db.QueryRow(`
		SELECT client_id, stanza_id, target, sender, body, timestamp, outgoing, delayed
		FROM messages
		WHERE target = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, target)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return archive.Message{}, false, nil
	}
	if err != nil {
		return archive.Message{}, false, err
	}
	return msg, true, nil
}

// DeleteMessages removes all stored messages for a target.
func (d *DB) DeleteMessages(target string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE target = ?", target)
	return err
}

// DeleteOldMessages removes messages older than the given number of
// days and returns how many were removed.
func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (archive.Message, error) {
	var msg archive.Message
	var ts int64
	var stanzaID sql.NullString

	err := row.Scan(&msg.ID, &stanzaID, &msg.Target, &msg.From, &msg.Body, &ts, &msg.Outgoing, &msg.Delayed)
	if err != nil {
		return archive.Message{}, err
	}

	msg.Timestamp = time.UnixMilli(ts).UTC()
	if stanzaID.Valid {
		msg.StanzaID = stanzaID.String
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]archive.Message, error) {
	var messages []archive.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetSyncCursor returns the persisted archive paging cursor for a
// target: the oldest fetched stanza id and whether history is complete.
func (d *DB) GetSyncCursor(target string) (string, bool, bool, error) {
	var oldest sql.NullString
	var complete bool
	err := d.db.QueryRow(`
		SELECT oldest_fetched_id, history_complete
		FROM mam_sync
		WHERE target = ?
	`, target).Scan(&oldest, &complete)
	if err == sql.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, err
	}
	return oldest.String, complete, true, nil
}

// SaveSyncCursor stores the archive paging cursor for a target,
// stamping the sync time.
func (d *DB) SaveSyncCursor(target, oldestID string, complete bool) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO mam_sync (target, oldest_fetched_id, history_complete, last_synced)
		VALUES (?, ?, ?, ?)
	`, target, oldestID, complete, time.Now().Unix())
	return err
}

// DeleteSyncCursor drops a target's paging cursor.
func (d *DB) DeleteSyncCursor(target string) error {
	_, err := d.db.Exec("DELETE FROM mam_sync WHERE target = ?", target)
	return err
}

// ConversationEntry is a persisted conversation list entry.
type ConversationEntry struct {
	JID      string
	Name     string
	Archived bool
	Unread   int
}

func (d *DB) SaveConversation(entry ConversationEntry) error {
	_, err := d.db.Exec(`
		INSERT INTO conversations (jid, name, archived, unread, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name, archived = excluded.archived, unread = excluded.unread, last_active = excluded.last_active
	`, entry.JID, entry.Name, entry.Archived, entry.Unread, time.Now().Unix())
	return err
}

func (d *DB) GetConversations() ([]ConversationEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, archived, unread
		FROM conversations
		ORDER BY last_active DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var entry ConversationEntry
		var name sql.NullString
		if err := rows.Scan(&entry.JID, &name, &entry.Archived, &entry.Unread); err != nil {
			return nil, err
		}
		if name.Valid {
			entry.Name = name.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (d *DB) DeleteConversation(jid string) error {
	_, err := d.db.Exec("DELETE FROM conversations WHERE jid = ?", jid)
	return err
}

// RoomEntry is a persisted room bookmark.
type RoomEntry struct {
	JID      string
	Name     string
	Nick     string
	Autojoin bool
}

func (d *DB) SaveRoom(entry RoomEntry) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (jid, name, nick, autojoin, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name, nick = excluded.nick, autojoin = excluded.autojoin, last_active = excluded.last_active
	`, entry.JID, entry.Name, entry.Nick, entry.Autojoin, time.Now().Unix())
	return err
}

func (d *DB) GetRooms() ([]RoomEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, nick, autojoin
		FROM rooms
		ORDER BY jid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RoomEntry
	for rows.Next() {
		var entry RoomEntry
		var name sql.NullString
		if err := rows.Scan(&entry.JID, &name, &entry.Nick, &entry.Autojoin); err != nil {
			return nil, err
		}
		if name.Valid {
			entry.Name = name.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (d *DB) DeleteRoom(jid string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE jid = ?", jid)
	return err
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) DeleteAppState(key string) error {
	_, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
