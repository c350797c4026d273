// Copyright 2025 The Teal Agents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    items_json TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_updated TIMESTAMP NOT NULL
)`

	createTasksSessionIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`

	// task_requests is the secondary request-id index. Rows are derived
	// from items_json and rewritten whenever the task changes.
	createTaskRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS task_requests (
    request_id VARCHAR(255) NOT NULL,
    task_id VARCHAR(255) NOT NULL,
    PRIMARY KEY (request_id, task_id)
)`
)

// SQLitePersistence is a SQLite-backed Persistence implementation.
type SQLitePersistence struct {
	db *sql.DB
}

// NewSQLitePersistence opens (or creates) the database file and ensures
// the schema.
func NewSQLitePersistence(path string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" errors under concurrent turns.
	db.SetMaxOpenConns(1)

	p := &SQLitePersistence{db: db}
	if err := p.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersistence) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createTasksTableSQL, createTasksSessionIndexSQL, createTaskRequestsTableSQL} {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}

// Create atomically inserts a fresh task and its request index rows.
func (p *SQLitePersistence) Create(ctx context.Context, t *Task) error {
	itemsJSON, err := json.Marshal(t.Items)
	if err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (task_id, session_id, user_id, items_json, status, created_at, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.SessionID, t.UserID, string(itemsJSON), string(t.Status), t.CreatedAt, t.LastUpdated)
	if err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}

	if err := insertRequestRows(ctx, tx, t); err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}
	return nil
}

// Load returns the task or (nil, nil) when absent. A corrupted record is
// deleted and surfaced as LoadError.
func (p *SQLitePersistence) Load(ctx context.Context, taskID string) (*Task, error) {
	t, err := p.load(ctx, taskID)
	if err != nil {
		return nil, &LoadError{TaskID: taskID, Err: err}
	}
	return t, nil
}

func (p *SQLitePersistence) load(ctx context.Context, taskID string) (*Task, error) {
	var (
		t         Task
		itemsJSON string
		status    string
	)
	err := p.db.QueryRowContext(ctx, `
SELECT task_id, session_id, user_id, items_json, status, created_at, last_updated
FROM tasks WHERE task_id = ?`, taskID).Scan(
		&t.TaskID, &t.SessionID, &t.UserID, &itemsJSON, &status, &t.CreatedAt, &t.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	if err := json.Unmarshal([]byte(itemsJSON), &t.Items); err != nil {
		_ = p.deleteRow(ctx, taskID)
		return nil, fmt.Errorf("corrupted record deleted: %w", err)
	}
	return &t, nil
}

// Update replaces the record, rewriting the request index rows derived
// from the prior state before the new ones are written.
func (p *SQLitePersistence) Update(ctx context.Context, t *Task) error {
	itemsJSON, err := json.Marshal(t.Items)
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET session_id = ?, user_id = ?, items_json = ?, status = ?, last_updated = ?
WHERE task_id = ?`,
		t.SessionID, t.UserID, string(itemsJSON), string(t.Status), t.LastUpdated, t.TaskID)
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if affected == 0 {
		return &UpdateError{TaskID: t.TaskID, Err: errNotFound}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_requests WHERE task_id = ?`, t.TaskID); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if err := insertRequestRows(ctx, tx, t); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	return nil
}

// Delete removes the record and its index rows.
func (p *SQLitePersistence) Delete(ctx context.Context, taskID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	if affected == 0 {
		return &DeleteError{TaskID: taskID, Err: errNotFound}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_requests WHERE task_id = ?`, taskID); err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	return nil
}

// LoadByRequestID returns the task containing the request id. When several
// tasks claim the same id the smallest task id wins.
func (p *SQLitePersistence) LoadByRequestID(ctx context.Context, requestID string) (*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT task_id FROM task_requests WHERE request_id = ? ORDER BY task_id`, requestID)
	if err != nil {
		return nil, &LoadError{TaskID: requestID, Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &LoadError{TaskID: requestID, Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{TaskID: requestID, Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 1 {
		slog.Warn("Multiple tasks claim the same request id; picking deterministically",
			"request_id", requestID, "task_ids", ids, "chosen", ids[0])
	}
	return p.Load(ctx, ids[0])
}

func (p *SQLitePersistence) deleteRow(ctx context.Context, taskID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM task_requests WHERE task_id = ?`, taskID)
	return err
}

func insertRequestRows(ctx context.Context, tx *sql.Tx, t *Task) error {
	for _, reqID := range t.RequestIDs() {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO task_requests (request_id, task_id) VALUES (?, ?)`, reqID, t.TaskID); err != nil {
			return err
		}
	}
	return nil
}

var _ Persistence = (*SQLitePersistence)(nil)
