// Package queuetest holds the behaviour every queue.Store must share.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/queue"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) queue.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingTask(id string, to domain.Role, offset time.Duration) *domain.Task {
	return &domain.Task{
		ID:          id,
		Prompt:      "prompt " + id,
		FromMachine: domain.RoleLinux,
		ToMachine:   to,
		Status:      domain.StatusPending,
		CreatedAt:   base.Add(offset),
	}
}

// Run exercises newStore against the shared store contract.
func Run(t *testing.T, newStore Factory) {
	open := func(t *testing.T) queue.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		task := pendingTask("rt000001", domain.RoleWindows, 0)
		task.Context = json.RawMessage(`{"path":"C:\\repo","lines":[1,2]}`)
		require.NoError(t, s.Create(ctx, task))

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Prompt, got.Prompt)
		assert.Equal(t, domain.RoleLinux, got.FromMachine)
		assert.Equal(t, domain.RoleWindows, got.ToMachine)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.JSONEq(t, string(task.Context), string(got.Context))
		assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("NilContextStaysNil", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("nilctx01", domain.RoleLinux, 0)))
		got, err := s.Get(ctx, "nilctx01")
		require.NoError(t, err)
		assert.Nil(t, got.Context)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "nope0000")
		var nf *domain.TaskNotFoundError
		require.ErrorAs(t, err, &nf)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("dup00001", domain.RoleLinux, 0)))
		err := s.Create(ctx, pendingTask("dup00001", domain.RoleLinux, time.Second))
		var dup *domain.DuplicateTaskError
		require.ErrorAs(t, err, &dup)
	})

	t.Run("ListPendingOrderAndFilter", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("late0001", domain.RoleWindows, 3*time.Second)))
		require.NoError(t, s.Create(ctx, pendingTask("early001", domain.RoleWindows, time.Second)))
		require.NoError(t, s.Create(ctx, pendingTask("linux001", domain.RoleLinux, 2*time.Second)))
		require.NoError(t, s.Create(ctx, pendingTask("done0001", domain.RoleWindows, 0)))
		_, err := s.Complete(ctx, "done0001", nil, nil, base.Add(time.Minute))
		require.NoError(t, err)

		pending, err := s.ListPending(ctx, domain.RoleWindows)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "early001", pending[0].ID)
		assert.Equal(t, "late0001", pending[1].ID)
	})

	t.Run("CompleteOnce", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("once0001", domain.RoleLinux, 0)))

		result, failure := "ok", "warning"
		at := base.Add(time.Minute)
		done, err := s.Complete(ctx, "once0001", &result, &failure, at)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, done.Status)
		require.NotNil(t, done.Result)
		assert.Equal(t, "ok", *done.Result)
		require.NotNil(t, done.Error)
		assert.Equal(t, "warning", *done.Error)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, at.Equal(*done.CompletedAt))

		other := "again"
		_, err = s.Complete(ctx, "once0001", &other, nil, at.Add(time.Minute))
		var already *domain.TaskAlreadyCompletedError
		require.ErrorAs(t, err, &already)

		got, err := s.Get(ctx, "once0001")
		require.NoError(t, err)
		assert.Equal(t, "ok", *got.Result)
		assert.True(t, at.Equal(*got.CompletedAt))
	})

	t.Run("CompleteUnknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Complete(context.Background(), "ghost001", nil, nil, base)
		var nf *domain.TaskNotFoundError
		require.ErrorAs(t, err, &nf)
	})

	t.Run("CompleteNeverBeforeCreated", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("skew0001", domain.RoleLinux, time.Hour)))
		done, err := s.Complete(ctx, "skew0001", nil, nil, base)
		require.NoError(t, err)
		assert.False(t, done.CompletedAt.Before(done.CreatedAt))
	})

	t.Run("ConcurrentCompleteSingleWinner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("race0001", domain.RoleLinux, 0)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := fmt.Sprint(i)
				if _, err := s.Complete(ctx, "race0001", &r, nil, base.Add(time.Minute)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ListAllNewestFirst", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingTask("old00001", domain.RoleLinux, 0)))
		require.NoError(t, s.Create(ctx, pendingTask("new00001", domain.RoleWindows, time.Minute)))

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "new00001", all[0].ID)
		assert.Equal(t, "old00001", all[1].ID)
	})

	t.Run("Ping", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}
