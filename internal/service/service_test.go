package service_test

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/localstore"
	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/remote"
	"github.com/sakif/repsync/internal/remote/remotetest"
	"github.com/sakif/repsync/internal/service"
	"github.com/sakif/repsync/internal/syncer"
)

const testUser = "u1"

// harness wires a registry to a fake API and an in-memory store, with a
// switchable connectivity flag.
type harness struct {
	api    *remotetest.Server
	store  *localstore.Store
	reg    *service.Registry
	online atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	h := &harness{}
	h.online.Store(true)

	h.api = remotetest.New(logger)
	t.Cleanup(h.api.Close)

	var err error
	h.store, err = localstore.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })

	h.reg, err = service.NewRegistry(service.Config{
		Store:  h.store,
		Remote: remote.New(h.api.URL(), remote.WithLogger(logger)),
		Online: h.online.Load,
		UserID: testUser,
		Logger: logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) goOffline() { h.online.Store(false) }
func (h *harness) goOnline()  { h.online.Store(true) }

// requestCount counts recorded API requests matching a "METHOD /path" prefix.
func (h *harness) requestCount(prefix string) int {
	n := 0
	for _, req := range h.api.Requests() {
		if strings.HasPrefix(req, prefix) {
			n++
		}
	}
	return n
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.store.Queue().Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestFetchAll_RefreshesLocalStoreAndServesOffline(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises,
		model.Record{model.FieldID: "e1", "name": "squat"},
		model.Record{model.FieldID: "e2", "name": "bench"},
	)

	got := svc.FetchAll(ctx)
	require.Len(t, got, 2)

	// Connectivity gone: the same data is served from the durable store.
	h.goOffline()
	got = svc.FetchAll(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID())
}

func TestFetchAll_ServesMemoryCacheWithinTTL(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})

	first := svc.FetchAll(ctx)
	second := svc.FetchAll(ctx)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.requestCount("GET /exercises"))
}

func TestFetchAll_WorkoutsUseFullListEndpoint(t *testing.T) {
	h := newHarness(t)
	h.api.Seed(model.EntityWorkouts, model.Record{model.FieldID: "w1"})

	got := h.reg.Workouts().FetchAll(context.Background())
	require.Len(t, got, 1)
	// The paginated collection GET is never used for a full fetch.
	assert.Equal(t, 1, h.requestCount("GET /workouts/all"))
	assert.Equal(t, 0, h.requestCount("GET /workouts "))
}

func TestFetchAll_SingletonScheduleWrapsDocument(t *testing.T) {
	h := newHarness(t)

	got := h.reg.Schedules().FetchAll(context.Background())
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID())
}

func TestFetchAll_FiltersQueuedDeletes(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises,
		model.Record{model.FieldID: "e1", "name": "squat"},
		model.Record{model.FieldID: "e2", "name": "bench"},
	)
	svc.FetchAll(ctx)

	// Delete while offline: the server still has the record, but it must
	// not resurface from the next online fetch.
	h.goOffline()
	require.NoError(t, svc.Delete(ctx, "e1"))

	h.goOnline()
	got := svc.FetchAll(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID())
}

func TestFetchAll_KeepsUnsyncedCreations(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.goOffline()
	created, err := svc.Add(ctx, model.Record{"name": "kettlebell swing"})
	require.NoError(t, err)

	h.goOnline()
	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})

	// The refresh replaces the local table with the server set, but the
	// still-unsynced creation survives.
	got := svc.FetchAll(ctx)
	require.Len(t, got, 2)
	ids := []string{got[0].ID(), got[1].ID()}
	assert.Contains(t, ids, "e1")
	assert.Contains(t, ids, created.ID())
}

func TestFetchAll_FailureFallsBackToLocal(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})
	require.Len(t, svc.FetchAll(ctx), 1)

	// Invalidate the memory cache so the next call really hits the network.
	_, err := svc.Add(ctx, model.Record{"name": "bench"})
	require.NoError(t, err)
	svc.Wait()

	h.api.FailNext(1)
	got := svc.FetchAll(ctx)
	assert.Len(t, got, 2) // served from the durable store
}

func TestGetByID(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	t.Run("empty id is a validation failure", func(t *testing.T) {
		_, err := svc.GetByID(ctx, "")
		assert.ErrorIs(t, err, apperror.ErrValidation)
	})

	t.Run("missing record is not found", func(t *testing.T) {
		_, err := svc.GetByID(ctx, "nope")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("remote hit refreshes the local copy", func(t *testing.T) {
		h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})
		got, err := svc.GetByID(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "squat", got["name"])

		local, err := h.store.Table(descFor(model.EntityExercises)).Get(ctx, testUser, "e1")
		require.NoError(t, err)
		assert.Equal(t, "squat", local["name"])
	})

	t.Run("transport failure degrades to the local copy", func(t *testing.T) {
		h.api.FailNext(1)
		got, err := svc.GetByID(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "squat", got["name"])
	})

	t.Run("local ids never hit the server", func(t *testing.T) {
		before := h.requestCount("GET")
		_, err := svc.GetByID(ctx, "offline_999")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
		assert.Equal(t, before, h.requestCount("GET"))
	})
}

func TestAdd_OfflineQueuesCreate(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.goOffline()
	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)

	// The caller immediately sees a pending local record.
	assert.True(t, model.IsOfflineID(created.ID()))
	assert.True(t, created.Pending())
	assert.Equal(t, testUser, created.User())

	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.ActionAdd, ops[0].Action)
	assert.Equal(t, created.ID(), ops[0].OfflineID)
	// The queued payload carries no client-side bookkeeping fields.
	assert.NotContains(t, ops[0].Payload, model.FieldID)
	assert.NotContains(t, ops[0].Payload, model.FieldOffline)

	assert.Empty(t, h.api.Requests())
}

func TestAdd_OnlineConfirmsInBackground(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	assert.True(t, model.IsTempID(created.ID()))

	svc.Wait()

	// The temp copy was swapped for the confirmed server record.
	recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, model.IsLocalID(recs[0].ID()))
	assert.False(t, recs[0].Pending())

	serverID, ok, err := h.store.IDMap().Resolve(ctx, testUser, created.ID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, recs[0].ID(), serverID)

	assert.Equal(t, 0, h.queueLen(t))
}

func TestAdd_OnlineFailureQueuesRetry(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.FailNext(1)
	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	svc.Wait()

	// The create lands in the queue for the sync processor; the optimistic
	// record stays visible.
	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.ActionAdd, ops[0].Action)
	assert.Equal(t, created.ID(), ops[0].OfflineID)
	assert.Empty(t, h.api.Records(model.EntityExercises))
}

func TestUpdate_CollapsesIntoPendingAdd(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.goOffline()
	created, err := svc.Add(ctx, model.Record{"name": "squat", "sets": 3})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID(), model.Record{"sets": 5})
	require.NoError(t, err)
	assert.EqualValues(t, 5, updated["sets"])
	assert.Equal(t, "squat", updated["name"])

	// Still exactly one queued job - the create, now carrying the edit.
	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.ActionAdd, ops[0].Action)
	assert.EqualValues(t, 5, ops[0].Payload["sets"])
}

func TestUpdate_OfflineQueuesUpdate(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})
	svc.FetchAll(ctx)

	h.goOffline()
	updated, err := svc.Update(ctx, "e1", model.Record{"name": "front squat"})
	require.NoError(t, err)
	assert.True(t, updated.Pending())

	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.ActionUpdate, ops[0].Action)
	assert.Equal(t, "/exercises/e1", ops[0].Endpoint)
}

func TestUpdate_OnlineConfirmsInBackground(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})
	svc.FetchAll(ctx)

	_, err := svc.Update(ctx, "e1", model.Record{"name": "front squat"})
	require.NoError(t, err)
	svc.Wait()

	recs := h.api.Records(model.EntityExercises)
	require.Len(t, recs, 1)
	assert.Equal(t, "front squat", recs[0]["name"])
	assert.Equal(t, 0, h.queueLen(t))
}

func TestUpdate_ScheduleCollapsesByKey(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Schedules()
	ctx := context.Background()

	h.goOffline()
	_, err := svc.Update(ctx, "sched1", model.Record{"monday": "push"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "sched1", model.Record{"monday": "pull"})
	require.NoError(t, err)

	// Drag-reordering fires an update per event; only the last state is
	// queued.
	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "/schedule", ops[0].Endpoint)
	assert.Equal(t, "pull", ops[0].Payload["monday"])
}

func TestDelete_OfflineRecordNeverTouchesServer(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.goOffline()
	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	require.Equal(t, 1, h.queueLen(t))

	require.NoError(t, svc.Delete(ctx, created.ID()))

	// Create and delete annihilate: nothing queued, nothing sent, nothing
	// left locally.
	assert.Equal(t, 0, h.queueLen(t))
	assert.Empty(t, h.api.Requests())
	recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDelete_DuringCreate_DeleteWinsRace(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	// Hold the create in flight so the delete lands first.
	release := h.api.BlockNext(http.MethodPost)

	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	require.True(t, model.IsTempID(created.ID()))

	require.NoError(t, svc.Delete(ctx, created.ID()))

	release()
	svc.Wait()

	// The create still reached the server, so a compensating delete must
	// have followed - exactly one.
	assert.Empty(t, h.api.Records(model.EntityExercises))
	assert.Equal(t, 1, h.requestCount("DELETE /exercises/"))

	recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, h.queueLen(t))
}

func TestDelete_DuringCreate_CreateWinsRace(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	svc.Wait() // create fully confirmed, mapping recorded

	// The UI still holds the temp id; deleting through it must reach the
	// real record.
	require.NoError(t, svc.Delete(ctx, created.ID()))
	svc.Wait()

	assert.Empty(t, h.api.Records(model.EntityExercises))
	assert.Equal(t, 1, h.requestCount("DELETE /exercises/"))

	recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The mapping was consumed by the delete.
	_, ok, err := h.store.IDMap().Resolve(ctx, testUser, created.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_CancelsQueuedRetryAfterFailedCreate(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	// The create fails in the background and falls back into the queue.
	h.api.FailNext(1)
	created, err := svc.Add(ctx, model.Record{"name": "squat"})
	require.NoError(t, err)
	svc.Wait()
	require.Equal(t, 1, h.queueLen(t))

	// Deleting the temp record must cancel the queued retry too.
	require.NoError(t, svc.Delete(ctx, created.ID()))
	assert.Equal(t, 0, h.queueLen(t))

	// A later drain finds nothing to replay and nothing reappears.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	proc := syncer.New(h.store, remote.New(h.api.URL(), remote.WithLogger(logger)),
		func() bool { return true }, testUser, logger)
	res, err := proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.Result{}, res)

	assert.Empty(t, h.api.Records(model.EntityExercises))
	recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDelete_RacingCreateConfirmationLeavesNoGhost(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	// Delete races the background confirmation; regardless of which side
	// wins, no copy of the record may survive anywhere.
	for i := 0; i < 20; i++ {
		created, err := svc.Add(ctx, model.Record{"name": "squat"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var delErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			delErr = svc.Delete(ctx, created.ID())
		}()
		wg.Wait()
		require.NoError(t, delErr)
		svc.Wait()

		recs, err := h.store.Table(descFor(model.EntityExercises)).List(ctx, testUser)
		require.NoError(t, err)
		assert.Empty(t, recs, "iteration %d", i)
		assert.Empty(t, h.api.Records(model.EntityExercises), "iteration %d", i)
		assert.Equal(t, 0, h.queueLen(t), "iteration %d", i)
	}
}

func TestDelete_ServerRecordOfflineQueues(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	h.api.Seed(model.EntityExercises, model.Record{model.FieldID: "e1", "name": "squat"})
	svc.FetchAll(ctx)

	h.goOffline()
	require.NoError(t, svc.Delete(ctx, "e1"))

	ops, err := h.store.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.ActionDelete, ops[0].Action)
	assert.Equal(t, "/exercises/e1", ops[0].Endpoint)
}

func TestDelete_GuestRecordIsLocalOnly(t *testing.T) {
	h := newHarness(t)
	svc := h.reg.Exercises()
	ctx := context.Background()

	table := h.store.Table(descFor(model.EntityExercises))
	require.NoError(t, table.Put(ctx, model.Record{
		model.FieldID: "guest_1", model.FieldUser: testUser, "name": "squat",
	}))

	require.NoError(t, svc.Delete(ctx, "guest_1"))
	assert.Equal(t, 0, h.queueLen(t))
	assert.Empty(t, h.api.Requests())
}

func TestNotifier_FiresOnMutation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	api := remotetest.New(logger)
	t.Cleanup(api.Close)
	store, err := localstore.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var notifications atomic.Int64
	online := func() bool { return false }
	reg, err := service.NewRegistry(service.Config{
		Store:  store,
		Remote: remote.New(api.URL(), remote.WithLogger(logger)),
		Online: online,
		UserID: testUser,
		Logger: logger,
		Notifier: service.NotifierFunc(func(et model.EntityType) {
			if et == model.EntityExercises {
				notifications.Add(1)
			}
		}),
	})
	require.NoError(t, err)

	_, err = reg.Exercises().Add(context.Background(), model.Record{"name": "squat"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), notifications.Load())
}

func descFor(t model.EntityType) model.Descriptor {
	for _, desc := range model.Entities() {
		if desc.Type == t {
			return desc
		}
	}
	panic("unknown entity type " + string(t))
}
