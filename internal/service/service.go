// Package service implements the Data Service - the façade every domain
// action goes through. It hides the online/offline branching from callers:
// reads fall back to the durable local cache, writes land locally first
// (optimistic UI) and reach the server either in the background or through
// the sync queue once connectivity returns.
//
// Error policy (one sentence version): reads never fail past this boundary,
// writes fail only when not even queueing worked.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/localstore"
	"github.com/sakif/repsync/internal/memcache"
	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/remote"
)

// DataService is the single choke point for one entity type. Construct it
// through a Registry; all instances of an application share the reconciler,
// the cache, and the local store.
type DataService struct {
	desc   model.Descriptor
	userID string

	table  *localstore.Table
	queue  *localstore.Queue
	idmap  *localstore.IDMap
	remote *remote.Client

	// online is polled at each decision point; it is a snapshot, not a
	// subscription.
	online func() bool

	recon    *reconciler
	cache    *memcache.Cache
	cacheTTL time.Duration
	notifier Notifier
	logger   *slog.Logger

	bg *background
}

// FetchAll returns the full collection for the current user.
//
// Online, it refreshes the local cache from the server: the entity table is
// cleared and repopulated with the fetched set, except that (a) records
// still carrying an offline_ id survive the clear - an in-flight creation
// must never be silently dropped - and (b) fetched records with a queued
// delete are filtered out, so a just-deleted-but-not-yet-synced record does
// not reappear. Offline, or when the fetch fails, it returns the cached
// contents. It never returns an error: the worst case is an empty slice.
func (s *DataService) FetchAll(ctx context.Context) []model.Record {
	if !s.online() {
		s.logger.Debug("offline: reading from local store", slog.String("table", s.desc.Table))
		return s.cachedAll(ctx)
	}

	cacheKey := s.cacheKey("all")
	if cached, ok := s.cache.Get(cacheKey); ok {
		if recs, ok := cached.([]model.Record); ok {
			return recs
		}
	}

	fetched, err := s.fetchRemoteAll(ctx)
	if err != nil {
		s.logger.Warn("remote fetch failed, falling back to local store",
			slog.String("table", s.desc.Table),
			slog.String("error", err.Error()),
		)
		return s.cachedAll(ctx)
	}

	result := s.reconcileFetch(ctx, fetched)
	s.cache.Set(cacheKey, result, s.cacheTTL)
	return result
}

func (s *DataService) fetchRemoteAll(ctx context.Context) ([]model.Record, error) {
	if s.desc.Singleton {
		rec, err := s.remote.GetPath(ctx, s.desc.Endpoint)
		if err != nil {
			return nil, err
		}
		return []model.Record{rec}, nil
	}
	return s.remote.List(ctx, s.desc.ListEndpoint())
}

// reconcileFetch replaces the local table contents with the fetched set,
// applying the two survival rules described on FetchAll. Local-store
// trouble here is logged, not returned - the fetched data is still the best
// answer we have.
func (s *DataService) reconcileFetch(ctx context.Context, fetched []model.Record) []model.Record {
	pendingOffline, err := s.table.ListIDPrefix(ctx, s.userID, model.OfflinePrefix)
	if err != nil {
		s.logger.Error("listing pending offline records", slog.String("error", err.Error()))
	}

	deleteTargets, err := s.queue.DeleteTargets(ctx, s.desc.Endpoint)
	if err != nil {
		s.logger.Error("listing queued delete targets", slog.String("error", err.Error()))
	}

	kept := make([]model.Record, 0, len(fetched))
	for _, rec := range fetched {
		if deleteTargets[rec.ID()] {
			continue
		}
		if rec.User() == "" {
			rec[model.FieldUser] = s.userID
		}
		kept = append(kept, rec)
	}

	if err := s.table.Clear(ctx, s.userID); err != nil {
		s.logger.Error("clearing entity table", slog.String("error", err.Error()))
	}
	if err := s.table.BulkPut(ctx, kept); err != nil {
		s.logger.Error("caching fetched records", slog.String("error", err.Error()))
	}
	if err := s.table.BulkPut(ctx, pendingOffline); err != nil {
		s.logger.Error("restoring pending offline records", slog.String("error", err.Error()))
	}

	return append(kept, pendingOffline...)
}

// cachedAll reads the local table, degrading to an empty slice on failure -
// a broken cache must not block the UI.
func (s *DataService) cachedAll(ctx context.Context) []model.Record {
	recs, err := s.table.List(ctx, s.userID)
	if err != nil {
		s.logger.Error("local store read failed, returning empty collection",
			slog.String("table", s.desc.Table),
			slog.String("error", err.Error()),
		)
		return []model.Record{}
	}
	return recs
}

// GetByID mirrors FetchAll at single-record granularity. A successful
// remote read refreshes the local copy. Transport failures degrade to the
// cache; only a genuinely absent record yields apperror.ErrNotFound.
func (s *DataService) GetByID(ctx context.Context, id string) (model.Record, error) {
	if id == "" {
		return nil, apperror.ValidationFailed(model.FieldID, "record id is required")
	}

	// Local ids cannot exist remotely; don't bother the server.
	if !s.online() || model.IsLocalID(id) {
		return s.localGet(ctx, id)
	}

	rec, err := s.remote.Get(ctx, s.desc.Endpoint, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound(s.desc.Table, id)
		}
		s.logger.Warn("remote get failed, falling back to local store",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return s.localGet(ctx, id)
	}

	if rec.User() == "" {
		rec[model.FieldUser] = s.userID
	}
	if err := s.table.Put(ctx, rec); err != nil {
		s.logger.Error("caching fetched record", slog.String("error", err.Error()))
	}
	return rec, nil
}

func (s *DataService) localGet(ctx context.Context, id string) (model.Record, error) {
	rec, err := s.table.Get(ctx, s.userID, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		// Storage failure on a read path: degrade to not-found rather
		// than surfacing an internal error.
		s.logger.Error("local store get failed", slog.String("error", err.Error()))
		return nil, apperror.NotFound(s.desc.Table, id)
	}
	return rec, nil
}

// Add creates a record. The caller always gets a locally visible record
// back immediately; network trouble is never its problem.
//
// Offline: the record gets an offline_ id, lands in the local table, and an
// add operation referencing it is queued.
//
// Online: the record gets a temp_ id as a placeholder for the round-trip,
// and the POST fires in the background. On response the temp copy is
// swapped for the server record and the temp->real mapping is recorded -
// unless the record was deleted in the meantime, in which case a
// compensating server delete is issued instead (see finalizeAdd).
func (s *DataService) Add(ctx context.Context, data model.Record) (model.Record, error) {
	now := time.Now()
	payload := payloadOf(data)

	if !s.online() {
		rec := data.Clone()
		rec.Stamp(model.NewOfflineID(now), s.userID, now)
		if err := s.table.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("add %s: %w", s.desc.Table, err)
		}
		op := &model.Operation{
			Action:    model.ActionAdd,
			Endpoint:  s.desc.Endpoint,
			Payload:   payload,
			OfflineID: rec.ID(),
		}
		if err := s.queue.Enqueue(ctx, op); err != nil {
			return nil, fmt.Errorf("add %s: %w", s.desc.Table, err)
		}
		s.logger.Debug("offline: queued add", slog.String("offlineId", rec.ID()))
		s.changed()
		return rec, nil
	}

	rec := data.Clone()
	rec.Stamp(model.NewTempID(now), s.userID, now)
	if err := s.table.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("add %s: %w", s.desc.Table, err)
	}
	s.changed()

	s.bg.spawn(ctx, func(ctx context.Context) {
		s.finalizeAdd(ctx, rec.ID(), payload)
	})
	return rec, nil
}

// finalizeAdd resolves a background create. Three outcomes:
//
//  1. POST failed -> the payload is re-queued as a pending add so the sync
//     processor retries it later. If the record was deleted while the POST
//     was in flight, there is nothing to retry.
//  2. POST succeeded and the temp id is marked pending-delete -> the user
//     deleted the record before the server confirmed it existed. The only
//     correct move is a compensating delete of the real id; the record is
//     never finalized locally.
//  3. POST succeeded, no pending delete -> swap the temp copy for the server
//     record and write the temp->real mapping.
func (s *DataService) finalizeAdd(ctx context.Context, tempID string, payload model.Record) {
	saved, err := s.remote.Create(ctx, s.desc.Endpoint, payload)
	if err != nil {
		abandoned := false
		// The re-queue happens inside the critical section: a concurrent
		// delete either finds the queued job (and excises it) or marks the
		// id pending before this check runs - never neither.
		qErr := s.recon.decide(func(pending map[string]bool) error {
			if pending[tempID] {
				delete(pending, tempID)
				abandoned = true
				return nil
			}
			return s.queue.Enqueue(ctx, &model.Operation{
				Action:    model.ActionAdd,
				Endpoint:  s.desc.Endpoint,
				Payload:   payload,
				OfflineID: tempID,
			})
		})
		if abandoned {
			// Deleted before it ever existed remotely; drop it.
			return
		}
		if qErr != nil {
			s.logger.Error("could not queue failed create", slog.String("error", qErr.Error()))
			return
		}
		s.logger.Warn("background create failed, queued for retry",
			slog.String("tempId", tempID),
			slog.String("error", err.Error()),
		)
		return
	}

	realID := saved.ID()
	var deleted bool
	_ = s.recon.decide(func(pending map[string]bool) error {
		if pending[tempID] {
			delete(pending, tempID)
			deleted = true
			return nil
		}
		if err := s.idmap.Put(ctx, model.IDMapping{
			OfflineID: tempID,
			UserID:    s.userID,
			Type:      s.desc.Type,
			ServerID:  realID,
		}); err != nil {
			return err
		}
		// Swap the local copy under the same lock. A delete that resolves
		// the mapping the moment it is written removes the real-id row;
		// a swap running outside the lock could re-insert it afterward.
		if err := s.table.Delete(ctx, tempID); err != nil {
			s.logger.Error("removing temp record", slog.String("error", err.Error()))
		}
		if saved.User() == "" {
			saved[model.FieldUser] = s.userID
		}
		if err := s.table.Put(ctx, saved); err != nil {
			s.logger.Error("persisting confirmed record", slog.String("error", err.Error()))
		}
		return nil
	})

	if deleted {
		// The delete arrived before this response.
		s.logger.Info("temp record deleted during create, issuing compensating delete",
			slog.String("tempId", tempID),
			slog.String("serverId", realID),
		)
		if err := s.table.Delete(ctx, tempID); err != nil {
			s.logger.Error("removing temp record", slog.String("error", err.Error()))
		}
		s.deleteRemote(ctx, realID)
		return
	}

	s.logger.Debug("create confirmed",
		slog.String("tempId", tempID),
		slog.String("serverId", realID),
	)
	s.changed()
}

// Update modifies a record. Like Add, the caller gets the optimistic result
// immediately.
//
// For a record that does not exist server-side yet (temp_/offline_ id) the
// change is local-only, and if a pending add operation for it is queued,
// that operation's payload is mutated in place - several edits to an
// unsynced record collapse into the one create.
func (s *DataService) Update(ctx context.Context, id string, data model.Record) (model.Record, error) {
	if id == "" {
		return nil, apperror.ValidationFailed(model.FieldID, "record id is required")
	}
	now := time.Now()

	existing, err := s.table.Get(ctx, s.userID, id)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
	}

	var merged model.Record
	if existing != nil {
		merged = existing.Merge(data)
	} else {
		merged = data.Clone()
		merged.SetID(id)
		merged[model.FieldUser] = s.userID
	}
	merged.Touch(now)

	if model.IsLocalID(id) {
		if existing == nil {
			return nil, apperror.NotFound(s.desc.Table, id)
		}
		if err := s.table.Put(ctx, merged); err != nil {
			return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
		}
		collapsed, err := s.queue.UpdateAddPayload(ctx, id, payloadOf(merged))
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
		}
		if collapsed {
			s.logger.Debug("collapsed edit into pending add", slog.String("offlineId", id))
		}
		s.changed()
		return merged, nil
	}

	if !s.online() {
		merged[model.FieldOffline] = true
		if err := s.table.Put(ctx, merged); err != nil {
			return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
		}
		if err := s.queue.Enqueue(ctx, s.updateOp(id, payloadOf(merged))); err != nil {
			return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
		}
		s.logger.Debug("offline: queued update", slog.String("id", id))
		s.changed()
		return merged, nil
	}

	if err := s.table.Put(ctx, merged); err != nil {
		return nil, fmt.Errorf("update %s: %w", s.desc.Table, err)
	}
	s.changed()

	payload := payloadOf(merged)
	s.bg.spawn(ctx, func(ctx context.Context) {
		s.finalizeUpdate(ctx, id, payload)
	})
	return merged, nil
}

func (s *DataService) updateOp(id string, payload model.Record) *model.Operation {
	op := &model.Operation{
		Action:  model.ActionUpdate,
		Payload: payload,
	}
	if s.desc.Singleton {
		// The schedule is one document per user, PUT without an id
		// segment; its queued updates collapse under the fixed key.
		op.Endpoint = s.desc.Endpoint
		op.SingletonKey = s.desc.CollapseKey
	} else {
		op.Endpoint = s.desc.Endpoint + "/" + id
	}
	return op
}

func (s *DataService) finalizeUpdate(ctx context.Context, id string, payload model.Record) {
	var saved model.Record
	var err error
	if s.desc.Singleton {
		saved, err = s.remote.UpdatePath(ctx, s.desc.Endpoint, payload)
	} else {
		saved, err = s.remote.Update(ctx, s.desc.Endpoint, id, payload)
	}
	if err != nil {
		// Queue for retry regardless of class; the sync processor drops
		// validation failures at replay time.
		s.logger.Warn("background update failed, queueing for retry",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		if qErr := s.queue.Enqueue(ctx, s.updateOp(id, payload)); qErr != nil {
			s.logger.Error("could not queue failed update", slog.String("error", qErr.Error()))
		}
		return
	}

	if saved.User() == "" {
		saved[model.FieldUser] = s.userID
	}
	if err := s.table.Put(ctx, saved); err != nil {
		s.logger.Error("persisting updated record", slog.String("error", err.Error()))
	}
	s.changed()
}

// Delete removes a record. The local copy disappears immediately in every
// branch; what happens remotely depends on the id namespace:
//
//   - offline_ id: the record only ever existed locally. The queued add is
//     excised and no network call is made.
//   - temp_ id: the create is in flight or has fallen back into the
//     queue. A queued retry is excised; a resolved mapping deletes the
//     real record (now, or via the queue when offline); otherwise the id
//     is marked pending-delete and finalizeAdd issues the compensating
//     delete.
//   - server id: delete in the background, falling back to the queue.
func (s *DataService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperror.ValidationFailed(model.FieldID, "record id is required")
	}

	if err := s.table.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", s.desc.Table, err)
	}
	s.changed()

	switch {
	case model.IsOfflineID(id):
		removed, err := s.queue.RemoveAdd(ctx, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", s.desc.Table, err)
		}
		if removed {
			s.logger.Debug("excised queued add for deleted offline record",
				slog.String("offlineId", id))
		}
		return nil

	case model.IsTempID(id):
		var realID string
		var excised bool
		err := s.recon.decide(func(pending map[string]bool) error {
			// A failed background create falls back into the queue with
			// this temp id attached; excising the job there cancels the
			// record outright.
			removed, err := s.queue.RemoveAdd(ctx, id)
			if err != nil {
				return err
			}
			if removed {
				excised = true
				return nil
			}
			mapped, ok, err := s.idmap.Resolve(ctx, s.userID, id)
			if err != nil {
				return err
			}
			if !ok {
				// The create has not resolved yet; leave the marker
				// for finalizeAdd.
				pending[id] = true
				return nil
			}
			realID = mapped
			return s.idmap.Delete(ctx, s.userID, id)
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", s.desc.Table, err)
		}
		if excised {
			s.logger.Debug("excised queued retry for deleted temp record",
				slog.String("tempId", id))
			return nil
		}
		if realID == "" {
			s.logger.Debug("marked temp record for pending delete", slog.String("tempId", id))
			return nil
		}
		// The create already resolved, so the local copy was swapped to the
		// real id; remove that row as well, then delete the real record.
		if err := s.table.Delete(ctx, realID); err != nil {
			s.logger.Error("removing confirmed record", slog.String("error", err.Error()))
		}
		if !s.online() {
			return s.queueDelete(ctx, realID)
		}
		s.bg.spawn(ctx, func(ctx context.Context) {
			s.deleteRemote(ctx, realID)
		})
		return nil

	case model.IsGuestID(id):
		// Guest records never exist remotely.
		return nil

	default:
		if !s.online() {
			s.logger.Debug("offline: queued delete", slog.String("id", id))
			return s.queueDelete(ctx, id)
		}
		s.bg.spawn(ctx, func(ctx context.Context) {
			s.deleteRemote(ctx, id)
		})
		return nil
	}
}

func (s *DataService) queueDelete(ctx context.Context, id string) error {
	op := &model.Operation{
		Action:   model.ActionDelete,
		Endpoint: s.desc.Endpoint + "/" + id,
	}
	if err := s.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("delete %s: %w", s.desc.Table, err)
	}
	return nil
}

// deleteRemote issues a server delete, best-effort. A 404 means the record
// is already gone - converged, done. Anything else is re-queued.
func (s *DataService) deleteRemote(ctx context.Context, id string) {
	err := s.remote.Delete(ctx, s.desc.Endpoint, id)
	if err == nil || errors.Is(err, apperror.ErrNotFound) {
		return
	}
	s.logger.Warn("background delete failed, queueing for retry",
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
	if qErr := s.queueDelete(ctx, id); qErr != nil {
		s.logger.Error("could not queue failed delete", slog.String("error", qErr.Error()))
	}
}

// Wait blocks until every background operation spawned by this service has
// resolved. Callers that need a settled state (shutdown, tests) use it.
func (s *DataService) Wait() {
	s.bg.wait()
}

func (s *DataService) changed() {
	s.cache.InvalidatePrefix(s.cacheKey(""))
	s.notifier.DataChanged(s.desc.Type)
}

func (s *DataService) cacheKey(suffix string) string {
	return string(s.desc.Type) + ":" + s.userID + ":" + suffix
}

// payloadOf strips the client-side bookkeeping fields from a record,
// leaving the payload the server should see.
func payloadOf(rec model.Record) model.Record {
	payload := rec.Clone()
	delete(payload, model.FieldID)
	delete(payload, model.FieldOffline)
	delete(payload, model.FieldUser)
	return payload
}
