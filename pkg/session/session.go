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

// Package session provides session management for Atelier.
//
// A session carries the persisted identity and workflow state for one
// user's ongoing generation work. Each session has:
//   - A unique identifier scoped to a user
//   - The current workflow phase
//   - State (a closed, schema-validated key set, see workflow.StateKey)
//   - The iteration history of the most recent run
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

// Session is a read snapshot of one user's workflow session. The
// orchestrator holds only a borrowed reference for the duration of one
// run; all mutation goes through the Service.
type Session interface {
	// ID returns the unique session identifier.
	ID() string

	// UserID returns the owning user.
	UserID() string

	// Phase returns the workflow phase recorded at the last delta.
	Phase() workflow.Phase

	// State returns the session state. Callers must not mutate the
	// returned map.
	State() map[workflow.StateKey]any

	// Iterations returns the retry history of the most recent run.
	Iterations() []workflow.IterationRecord

	// CreatedAt returns when the session was created.
	CreatedAt() time.Time

	// LastActiveAt returns when the session last changed.
	LastActiveAt() time.Time
}

// Service manages session lifecycle and persistence.
type Service interface {
	// Get retrieves an existing session. Returns ErrSessionNotFound
	// when the id is unknown.
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)

	// Create creates a new session, allocating an id when none is given.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// ApplyDelta merges a schema-validated delta into session state
	// with last-write-wins per key, optionally advancing the phase and
	// appending iteration records. Re-applying an identical delta is a
	// no-op.
	ApplyDelta(ctx context.Context, req *ApplyDeltaRequest) (*ApplyDeltaResponse, error)

	// Clear removes a session entirely. Clearing an absent session is
	// not an error.
	Clear(ctx context.Context, req *ClearRequest) error

	// List returns a user's sessions, most recently active first.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
}

// GetRequest contains parameters for retrieving a session.
type GetRequest struct {
	UserID    string
	SessionID string
}

// GetResponse contains the retrieved session.
type GetResponse struct {
	Session Session
}

// CreateRequest contains parameters for creating a session.
type CreateRequest struct {
	UserID    string
	SessionID string // Optional - generated if empty
	State     workflow.Delta
}

// CreateResponse contains the created session.
type CreateResponse struct {
	Session Session
}

// ApplyDeltaRequest contains one atomic state update.
type ApplyDeltaRequest struct {
	UserID    string
	SessionID string
	Delta     workflow.Delta

	// Phase, when non-empty, records the phase the delta belongs to.
	Phase workflow.Phase

	// Iterations are appended to the session's iteration history.
	Iterations []workflow.IterationRecord

	// ResetIterations clears prior history before appending. Set at the
	// start of a run: iteration records are per-run, not cumulative.
	ResetIterations bool
}

// ApplyDeltaResponse contains the session after the merge.
type ApplyDeltaResponse struct {
	Session Session
}

// ClearRequest identifies the session to remove.
type ClearRequest struct {
	UserID    string
	SessionID string
}

// ListRequest contains pagination parameters for listing sessions.
type ListRequest struct {
	UserID   string
	Page     int // 1-indexed; defaults to 1
	PageSize int // defaults to 10
}

// ListResponse contains one page of a user's sessions.
type ListResponse struct {
	Sessions []Session
	Total    int
	Page     int
	PageSize int
}

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// GetOrCreate retrieves the session when an id is supplied and creates
// a fresh one otherwise. A supplied-but-unknown id is an error: callers
// referencing a session they never created (or already cleared) get
// ErrSessionNotFound rather than a silent replacement. The boolean
// reports whether a new session was allocated.
func GetOrCreate(ctx context.Context, svc Service, userID, sessionID string) (Session, bool, error) {
	if sessionID != "" {
		resp, err := svc.Get(ctx, &GetRequest{UserID: userID, SessionID: sessionID})
		if err != nil {
			return nil, false, err
		}
		return resp.Session, false, nil
	}

	resp, err := svc.Create(ctx, &CreateRequest{UserID: userID})
	if err != nil {
		return nil, false, err
	}
	return resp.Session, true, nil
}

// memorySession is an in-memory Session implementation.
type memorySession struct {
	id           string
	userID       string
	phase        workflow.Phase
	state        map[workflow.StateKey]any
	iterations   []workflow.IterationRecord
	createdAt    time.Time
	lastActiveAt time.Time
}

func (s *memorySession) ID() string            { return s.id }
func (s *memorySession) UserID() string        { return s.userID }
func (s *memorySession) Phase() workflow.Phase { return s.phase }
func (s *memorySession) State() map[workflow.StateKey]any {
	return s.state
}
func (s *memorySession) Iterations() []workflow.IterationRecord {
	return s.iterations
}
func (s *memorySession) CreatedAt() time.Time    { return s.createdAt }
func (s *memorySession) LastActiveAt() time.Time { return s.lastActiveAt }

// snapshot returns a copy safe to hand out while the service keeps
// mutating its own instance.
func (s *memorySession) snapshot() *memorySession {
	state := make(map[workflow.StateKey]any, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	iterations := make([]workflow.IterationRecord, len(s.iterations))
	copy(iterations, s.iterations)
	return &memorySession{
		id:           s.id,
		userID:       s.userID,
		phase:        s.phase,
		state:        state,
		iterations:   iterations,
		createdAt:    s.createdAt,
		lastActiveAt: s.lastActiveAt,
	}
}

// InMemoryService returns an in-memory session service. Useful for
// testing and development.
func InMemoryService() Service {
	return &inMemoryService{
		sessions: make(map[string]*memorySession),
	}
}

type inMemoryService struct {
	sessions map[string]*memorySession
	mu       sync.RWMutex
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

func (s *inMemoryService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey(req.UserID, req.SessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &GetResponse{Session: sess.snapshot()}, nil
}

func (s *inMemoryService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	if err := req.State.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	state := make(map[workflow.StateKey]any, len(req.State))
	for k, v := range req.State {
		state[k] = v
	}

	sess := &memorySession{
		id:           sessionID,
		userID:       req.UserID,
		phase:        workflow.PhasePlanning,
		state:        state,
		createdAt:    now,
		lastActiveAt: now,
	}
	s.sessions[sessionKey(req.UserID, sessionID)] = sess

	return &CreateResponse{Session: sess.snapshot()}, nil
}

func (s *inMemoryService) ApplyDelta(ctx context.Context, req *ApplyDeltaRequest) (*ApplyDeltaResponse, error) {
	if err := req.Delta.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(req.UserID, req.SessionID)]
	if !ok {
		return nil, ErrSessionNotFound
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

	return &ApplyDeltaResponse{Session: sess.snapshot()}, nil
}

func (s *inMemoryService) Clear(ctx context.Context, req *ClearRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionKey(req.UserID, req.SessionID))
	return nil
}

func (s *inMemoryService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*memorySession
	for _, sess := range s.sessions {
		if sess.userID == req.UserID {
			all = append(all, sess)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastActiveAt.After(all[j].lastActiveAt)
	})

	page, size := normalizePage(req.Page, req.PageSize)
	start := (page - 1) * size
	end := start + size
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	sessions := make([]Session, 0, end-start)
	for _, sess := range all[start:end] {
		sessions = append(sessions, sess.snapshot())
	}

	return &ListResponse{
		Sessions: sessions,
		Total:    len(all),
		Page:     page,
		PageSize: size,
	}, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	return page, size
}

var (
	_ Session = (*memorySession)(nil)
	_ Service = (*inMemoryService)(nil)
)
