package remote_test

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/remote"
	"github.com/sakif/repsync/internal/remote/remotetest"
)

func newTestClient(t *testing.T) (*remote.Client, *remotetest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	api := remotetest.New(logger)
	t.Cleanup(api.Close)
	return remote.New(api.URL(), remote.WithLogger(logger)), api
}

func TestClient_ListBareArray(t *testing.T) {
	client, api := newTestClient(t)
	api.Seed(model.EntityExercises,
		model.Record{model.FieldID: "e1", "name": "squat"},
		model.Record{model.FieldID: "e2", "name": "bench"},
	)

	recs, err := client.List(context.Background(), "/exercises")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "e1", recs[0].ID())
}

func TestClient_CreateUnwrapsEnvelope(t *testing.T) {
	client, api := newTestClient(t)

	// The create response arrives wrapped in {data: ...}; the client hands
	// back the bare record with the server-assigned id.
	rec, err := client.Create(context.Background(), "/exercises", model.Record{"name": "squat"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())
	assert.Equal(t, "squat", rec["name"])

	require.Len(t, api.Records(model.EntityExercises), 1)
}

func TestClient_UpdateAndDelete(t *testing.T) {
	client, api := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, "/exercises", model.Record{"name": "squat"})
	require.NoError(t, err)

	updated, err := client.Update(ctx, "/exercises", created.ID(), model.Record{"name": "front squat"})
	require.NoError(t, err)
	assert.Equal(t, created.ID(), updated.ID())
	assert.Equal(t, "front squat", updated["name"])

	require.NoError(t, client.Delete(ctx, "/exercises", created.ID()))
	assert.Empty(t, api.Records(model.EntityExercises))
}

func TestClient_SingletonSchedule(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	// The schedule is addressed without an id segment and lazily created.
	sched, err := client.GetPath(ctx, "/schedule")
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID())

	updated, err := client.UpdatePath(ctx, "/schedule", model.Record{"monday": "push"})
	require.NoError(t, err)
	assert.Equal(t, "push", updated["monday"])
}

func TestClient_ErrorClassification(t *testing.T) {
	client, api := newTestClient(t)
	ctx := context.Background()

	t.Run("missing record is not found", func(t *testing.T) {
		_, err := client.Get(ctx, "/exercises", "nope")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("4xx rejection is a validation failure", func(t *testing.T) {
		api.RejectNext(1, http.StatusBadRequest, "name is required")
		_, err := client.Create(ctx, "/exercises", model.Record{})
		assert.ErrorIs(t, err, apperror.ErrValidation)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("409 is a conflict", func(t *testing.T) {
		api.RejectNext(1, http.StatusConflict, "duplicate")
		_, err := client.Create(ctx, "/exercises", model.Record{"name": "x"})
		assert.ErrorIs(t, err, apperror.ErrConflict)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		api.FailNext(1)
		_, err := client.List(ctx, "/exercises")
		assert.ErrorIs(t, err, apperror.ErrTransient)
		assert.True(t, apperror.Retryable(err))
	})
}

func TestClient_UnreachableServerIsTransient(t *testing.T) {
	client, api := newTestClient(t)
	api.Close()

	_, err := client.List(context.Background(), "/exercises")
	assert.ErrorIs(t, err, apperror.ErrTransient)
}
