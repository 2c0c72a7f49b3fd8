// Copyright 2025 Atelier Labs
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

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierlabs/atelier/pkg/workflow"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLService implements Service using a SQL database. Concurrency is
// handled by database-level locking (transactions), not Go mutexes.
type SQLService struct {
	db      *sql.DB
	dialect string
}

// sessionRow maps to the sessions table.
type sessionRow struct {
	UserID         string
	ID             string
	Phase          string
	StateJSON      string
	IterationsJSON string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    user_id VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    phase VARCHAR(32) NOT NULL,
    state_json TEXT,
    iterations_json TEXT,
    created_at TIMESTAMP NOT NULL,
    last_active_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, id)
)`

const createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_active_at)`

// NewSQLService creates a new SQL-backed session service.
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLService{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	for _, stmt := range []string{createSessionsSchemaSQL, createSessionsIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLService) Close() error {
	return s.db.Close()
}

func (s *SQLService) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *SQLService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	sess, err := s.getSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	return &GetResponse{Session: sess}, nil
}

func (s *SQLService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	if err := req.State.Validate(); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	state := make(map[workflow.StateKey]any, len(req.State))
	for k, v := range req.State {
		state[k] = v
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	query := s.rebind(`INSERT INTO sessions
        (user_id, id, phase, state_json, iterations_json, created_at, last_active_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		req.UserID, sessionID, string(workflow.PhasePlanning),
		string(stateJSON), "[]", now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess := &memorySession{
		id:           sessionID,
		userID:       req.UserID,
		phase:        workflow.PhasePlanning,
		state:        state,
		createdAt:    now,
		lastActiveAt: now,
	}
	return &CreateResponse{Session: sess}, nil
}

func (s *SQLService) ApplyDelta(ctx context.Context, req *ApplyDeltaRequest) (*ApplyDeltaResponse, error) {
	if err := req.Delta.Validate(); err != nil {
		return nil, err
	}

	// Read-merge-write inside a transaction so concurrent writers on
	// other sessions never interleave with this one.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	row, err := s.getSessionRowTx(ctx, tx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	sess, err := rowToSession(row)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Delta {
		sess.state[k] = v
	}
	if req.Phase != "" {
		sess.phase = req.Phase
	}
	if req.ResetIterations {
		sess.iterations = nil
	}
	sess.iterations = append(sess.iterations, req.Iterations...)
	sess.lastActiveAt = time.Now()

	stateJSON, err := json.Marshal(sess.state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	iterationsJSON, err := json.Marshal(sess.iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal iterations: %w", err)
	}

	query := s.rebind(`UPDATE sessions
        SET phase = ?, state_json = ?, iterations_json = ?, last_active_at = ?
        WHERE user_id = ? AND id = ?`)
	if _, err := tx.ExecContext(ctx, query,
		string(sess.phase), string(stateJSON), string(iterationsJSON),
		sess.lastActiveAt, req.UserID, req.SessionID); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &ApplyDeltaResponse{Session: sess}, nil
}

func (s *SQLService) Clear(ctx context.Context, req *ClearRequest) error {
	query := s.rebind(`DELETE FROM sessions WHERE user_id = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, query, req.UserID, req.SessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *SQLService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	page, size := normalizePage(req.Page, req.PageSize)

	var total int
	countQuery := s.rebind(`SELECT COUNT(*) FROM sessions WHERE user_id = ?`)
	if err := s.db.QueryRowContext(ctx, countQuery, req.UserID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := s.rebind(`SELECT user_id, id, phase, state_json, iterations_json, created_at, last_active_at
        FROM sessions WHERE user_id = ?
        ORDER BY last_active_at DESC
        LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, req.UserID, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.UserID, &row.ID, &row.Phase, &row.StateJSON,
			&row.IterationsJSON, &row.CreatedAt, &row.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess, err := rowToSession(&row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return &ListResponse{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		PageSize: size,
	}, nil
}

func (s *SQLService) getSession(ctx context.Context, userID, sessionID string) (*memorySession, error) {
	query := s.rebind(`SELECT user_id, id, phase, state_json, iterations_json, created_at, last_active_at
        FROM sessions WHERE user_id = ? AND id = ?`)

	var row sessionRow
	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&row.UserID, &row.ID, &row.Phase, &row.StateJSON,
		&row.IterationsJSON, &row.CreatedAt, &row.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return rowToSession(&row)
}

func (s *SQLService) getSessionRowTx(ctx context.Context, tx *sql.Tx, userID, sessionID string) (*sessionRow, error) {
	query := s.rebind(`SELECT user_id, id, phase, state_json, iterations_json, created_at, last_active_at
        FROM sessions WHERE user_id = ? AND id = ?`)

	var row sessionRow
	err := tx.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&row.UserID, &row.ID, &row.Phase, &row.StateJSON,
		&row.IterationsJSON, &row.CreatedAt, &row.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &row, nil
}

func rowToSession(row *sessionRow) (*memorySession, error) {
	state := make(map[workflow.StateKey]any)
	if row.StateJSON != "" {
		if err := json.Unmarshal([]byte(row.StateJSON), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	var iterations []workflow.IterationRecord
	if row.IterationsJSON != "" {
		if err := json.Unmarshal([]byte(row.IterationsJSON), &iterations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal iterations: %w", err)
		}
	}

	return &memorySession{
		id:           row.ID,
		userID:       row.UserID,
		phase:        workflow.Phase(row.Phase),
		state:        state,
		iterations:   iterations,
		createdAt:    row.CreatedAt,
		lastActiveAt: row.LastActiveAt,
	}, nil
}

var _ Service = (*SQLService)(nil)
