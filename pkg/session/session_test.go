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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

func TestCreateAndGet(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	require.NotEmpty(t, created.Session.ID())
	assert.Equal(t, "user1", created.Session.UserID())
	assert.Equal(t, workflow.PhasePlanning, created.Session.Phase())

	got, err := svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: created.Session.ID()})
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID(), got.Session.ID())
}

func TestGetUnknownSession(t *testing.T) {
	svc := InMemoryService()

	_, err := svc.Get(context.Background(), &GetRequest{UserID: "user1", SessionID: "nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsAreScopedToUser(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "alice", SessionID: "shared-id"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, &GetRequest{UserID: "bob", SessionID: created.Session.ID()})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestApplyDelta(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	resp, err := svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: id,
		Delta:     workflow.Delta{workflow.StateKeyPlan: "build a todo app"},
		Phase:     workflow.PhaseGenerating,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseGenerating, resp.Session.Phase())
	assert.Equal(t, "build a todo app", resp.Session.State()[workflow.StateKeyPlan])
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)

	req := &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: created.Session.ID(),
		Delta:     workflow.Delta{workflow.StateKeyIterationCount: 1},
		Phase:     workflow.PhaseReviewing,
	}

	first, err := svc.ApplyDelta(ctx, req)
	require.NoError(t, err)
	second, err := svc.ApplyDelta(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Session.Phase(), second.Session.Phase())
	assert.Equal(t, first.Session.State()[workflow.StateKeyIterationCount],
		second.Session.State()[workflow.StateKeyIterationCount])
}

func TestApplyDeltaRejectsUndeclaredKeys(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: created.Session.ID(),
		Delta:     workflow.Delta{workflow.StateKey("bogus"): 1},
	})
	assert.ErrorIs(t, err, workflow.ErrUndeclaredStateKey)
}

func TestApplyDeltaLastWriteWins(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	for i := 1; i <= 3; i++ {
		_, err := svc.ApplyDelta(ctx, &ApplyDeltaRequest{
			UserID:    "user1",
			SessionID: id,
			Delta:     workflow.Delta{workflow.StateKeyIterationCount: i},
		})
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Session.State()[workflow.StateKeyIterationCount])
}

func TestIterationHistory(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:     "user1",
		SessionID:  id,
		Delta:      workflow.Delta{},
		Iterations: []workflow.IterationRecord{{Attempt: 1, IssuesBefore: 4, IssuesAfter: 1, FixedCount: 3}},
	})
	require.NoError(t, err)

	// A fresh run resets the history before appending.
	resp, err := svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:          "user1",
		SessionID:       id,
		Delta:           workflow.Delta{},
		ResetIterations: true,
		Iterations:      []workflow.IterationRecord{{Attempt: 1, IssuesBefore: 2, IssuesAfter: 0, FixedCount: 2}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Session.Iterations(), 1)
	assert.Equal(t, 2, resp.Session.Iterations()[0].IssuesBefore)
}

func TestClearIsIdempotent(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	require.NoError(t, svc.Clear(ctx, &ClearRequest{UserID: "user1", SessionID: id}))
	require.NoError(t, svc.Clear(ctx, &ClearRequest{UserID: "user1", SessionID: id}))

	_, err = svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: id})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClearedSessionIDIsNotReusable(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()
	require.NoError(t, svc.Clear(ctx, &ClearRequest{UserID: "user1", SessionID: id}))

	// Referencing the cleared id is an error, not a silent re-create.
	_, _, err = GetOrCreate(ctx, svc, "user1", id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetOrCreate(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	sess, created, err := GetOrCreate(ctx, svc, "user1", "")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, sess.ID())

	same, created, err := GetOrCreate(ctx, svc, "user1", sess.ID())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sess.ID(), same.ID())
}

func TestListPagination(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Create(ctx, &CreateRequest{
			UserID:    "user1",
			SessionID: fmt.Sprintf("session-%02d", i),
		})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, &CreateRequest{UserID: "someone-else"})
	require.NoError(t, err)

	page1, err := svc.List(ctx, &ListRequest{UserID: "user1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, page1.Total)
	assert.Len(t, page1.Sessions, 10)

	page3, err := svc.List(ctx, &ListRequest{UserID: "user1", Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page3.Sessions, 5)

	beyond, err := svc.List(ctx, &ListRequest{UserID: "user1", Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Sessions)
	assert.Equal(t, 25, beyond.Total)
}

func TestListDefaultsAndOrdering(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := svc.Create(ctx, &CreateRequest{UserID: "user1", SessionID: id})
		require.NoError(t, err)
	}

	// Touch "a" so it becomes the most recently active.
	_, err := svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: "a",
		Delta:     workflow.Delta{workflow.StateKeyPlan: "touched"},
	})
	require.NoError(t, err)

	resp, err := svc.List(ctx, &ListRequest{UserID: "user1"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 10, resp.PageSize)
	require.Len(t, resp.Sessions, 3)
	assert.Equal(t, "a", resp.Sessions[0].ID())
}

func TestSnapshotsAreIsolated(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateRequest{UserID: "user1"})
	require.NoError(t, err)
	id := created.Session.ID()

	before, err := svc.Get(ctx, &GetRequest{UserID: "user1", SessionID: id})
	require.NoError(t, err)

	_, err = svc.ApplyDelta(ctx, &ApplyDeltaRequest{
		UserID:    "user1",
		SessionID: id,
		Delta:     workflow.Delta{workflow.StateKeyPlan: "new plan"},
	})
	require.NoError(t, err)

	// The earlier snapshot does not observe the later write.
	_, ok := before.Session.State()[workflow.StateKeyPlan]
	assert.False(t, ok)
}
