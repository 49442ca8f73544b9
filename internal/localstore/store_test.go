package localstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/repsync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestStore creates a throwaway in-memory store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func exercisesDesc() model.Descriptor {
	for _, desc := range model.Entities() {
		if desc.Type == model.EntityExercises {
			return desc
		}
	}
	panic("exercises descriptor missing")
}

func TestStore_LazyInit(t *testing.T) {
	store := newTestStore(t)

	// No explicit migration step: the first operation creates the schema.
	n, err := store.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_ConcurrentFirstUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Several goroutines racing to be the first user must all see a fully
	// migrated schema.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Queue().Len(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repsync.db")

	store, err := Open(path, testLogger())
	require.NoError(t, err)
	rec := model.Record{model.FieldID: "abc", model.FieldUser: "u1", "name": "bench press"}
	require.NoError(t, store.Table(exercisesDesc()).Put(ctx, rec))
	require.NoError(t, store.Close())

	// Reopening runs the idempotent migration again and finds the data.
	store, err = Open(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Table(exercisesDesc()).Get(ctx, "u1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "bench press", got["name"])
}
