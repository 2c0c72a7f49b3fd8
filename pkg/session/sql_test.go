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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

func newSQLiteService(t *testing.T) *SQLService {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)

	svc, err := NewSQLService(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSQLServiceRoundTrip(t *testing.T) {
	svc := newSQLiteService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: id,
		Delta:     workflow.Delta{workflow.StateKeyPlan: "a plan"},
		Phase:     workflow.PhaseGenerating,
		Iterations: []workflow.IterationRecord{
			{Attempt: 1, IssuesBefore: 2, IssuesAfter: 0, FixedCount: 2},
		},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseGenerating, got.Session.Phase())
	assert.Equal(t, "a plan", got.Session.State()[workflow.StateKeyPlan])
	require.Len(t, got.Session.Iterations(), 1)
	assert.Equal(t, 2, got.Session.Iterations()[0].FixedCount)
}

func TestSQLServiceUnknownSession(t *testing.T) {
	svc := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: "missing"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: "missing",
		Delta:     workflow.Delta{},
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLServiceClearAndList(t *testing.T) {
	svc := newSQLiteService(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := svc.Create(ctx, &CreateRequest{UserID: "user1", SessionID: id})
		require.NoError(t, err)
	}

	resp, err := svc.List(ctx, &ListRequest{UserID: "user1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Sessions, 2)

	require.NoError(t, svc.Clear(ctx, &ClearRequest{UserID: "user1", SessionID: "s2"}))
	require.NoError(t, svc.Clear(ctx, &ClearRequest{UserID: "user1", SessionID: "s2"}))

	resp, err = svc.List(ctx, &ListRequest{UserID: "user1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
}
