package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/taskrouter/internal/model"
)

// SQLiteStore implements TaskRepository and PresenceStore on one SQLite
// database. Tasks are stored as JSON documents next to indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("task store: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("task store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("task store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			state           TEXT NOT NULL,
			document        TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);

		CREATE TABLE IF NOT EXISTS agent_presence (
			agent_id   TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			document   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("task store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(task *model.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task store: marshal %s: %w", task.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, conversation_id, state, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id=excluded.conversation_id, state=excluded.state,
			document=excluded.document, updated_at=excluded.updated_at
	`, task.ID, task.ConversationID, string(task.State), string(doc),
		task.CreatedAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("task store: save %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Find(taskID string) (*model.Task, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM tasks WHERE id = ?`, taskID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task store: find %s: %w", taskID, err)
	}
	return decodeTask(doc)
}

func (s *SQLiteStore) DeleteByID(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("task store: delete %s: %w", taskID, err)
	}
	return nil
}

// UpdateActiveMedias replaces the media list of a stored task.
func (s *SQLiteStore) UpdateActiveMedias(taskID string, medias []*model.TaskMedia) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("task store: begin: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRow(`SELECT document FROM tasks WHERE id = ?`, taskID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("task store: load %s: %w", taskID, err)
	}
	task, err := decodeTask(doc)
	if err != nil {
		return err
	}
	task.Medias = medias
	updated, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task store: marshal %s: %w", taskID, err)
	}
	if _, err := tx.Exec(`UPDATE tasks SET document = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC().Format(time.RFC3339Nano), taskID); err != nil {
		return fmt.Errorf("task store: update medias %s: %w", taskID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FindByConversation(conversationID string) ([]*model.Task, error) {
	return s.query(`SELECT document FROM tasks WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
}

func (s *SQLiteStore) List() ([]*model.Task, error) {
	return s.query(`SELECT document FROM tasks ORDER BY created_at, id`)
}

func (s *SQLiteStore) query(q string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("task store: query: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("task store: scan: %w", err)
		}
		t, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTask(doc string) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("task store: decode: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) SavePresence(p model.Presence) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence store: marshal %s: %w", p.AgentID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_presence (agent_id, state, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			state=excluded.state, document=excluded.document, updated_at=excluded.updated_at
	`, p.AgentID, string(p.State), string(doc), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("presence store: save %s: %w", p.AgentID, err)
	}
	return nil
}

func (s *SQLiteStore) Presence(agentID string) (model.Presence, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM agent_presence WHERE agent_id = ?`, agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Presence{}, fmt.Errorf("presence %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return model.Presence{}, fmt.Errorf("presence store: get %s: %w", agentID, err)
	}
	var p model.Presence
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return model.Presence{}, fmt.Errorf("presence store: decode: %w", err)
	}
	return p, nil
}
