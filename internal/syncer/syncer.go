// Package syncer drains the durable operation queue against the remote API
// once connectivity is available.
//
// Replay is strictly FIFO and one job at a time: an add must complete - and
// its temp->real id mapping must be recorded - before a later update or
// delete referencing the same temporary id can be redirected to the real
// one. Causal order is the whole point of the queue.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/localstore"
	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/remote"
)

// Notifier mirrors the data-changed observer the services use; the
// processor announces entity types whose local rows it touched during
// replay.
type Notifier interface {
	DataChanged(t model.EntityType)
}

type nopNotifier struct{}

func (nopNotifier) DataChanged(model.EntityType) {}

// Result summarizes one drain pass.
type Result struct {
	Replayed  int // jobs successfully replayed and removed
	Dropped   int // jobs removed without success (validation or retry budget)
	Remaining int // jobs still queued when the pass ended
}

// Processor replays queued operations. Construct with New.
type Processor struct {
	queue  *localstore.Queue
	idmap  *localstore.IDMap
	remote *remote.Client
	online func() bool
	userID string

	// tables maps a collection endpoint to its local table so a replayed
	// add can swap the offline record for the confirmed one.
	tables    map[string]*localstore.Table
	endpoints map[string]model.EntityType

	notifier Notifier
	logger   *slog.Logger
}

// New builds a Processor over the same store and client the services use.
func New(store *localstore.Store, rc *remote.Client, online func() bool, userID string, logger *slog.Logger) *Processor {
	p := &Processor{
		queue:     store.Queue(),
		idmap:     store.IDMap(),
		remote:    rc,
		online:    online,
		userID:    userID,
		tables:    make(map[string]*localstore.Table),
		endpoints: make(map[string]model.EntityType),
		notifier:  nopNotifier{},
		logger:    logger.With(slog.String("component", "syncer")),
	}
	for _, desc := range model.Entities() {
		p.tables[desc.Endpoint] = store.Table(desc)
		p.endpoints[desc.Endpoint] = desc.Type
	}
	return p
}

// SetNotifier registers the change observer.
func (p *Processor) SetNotifier(n Notifier) {
	if n != nil {
		p.notifier = n
	}
}

// Drain replays queued operations in FIFO order until the queue is empty,
// connectivity drops, or a transient failure suggests it has.
//
// Failure policy (per job): a transient failure bumps the retry counter and
// leaves the job at the head - unless the counter exceeds its budget, in
// which case the job is dropped with a warning. A validation-class failure
// is dropped immediately; replaying an unacceptable payload can never
// succeed.
func (p *Processor) Drain(ctx context.Context) (Result, error) {
	var res Result

	for {
		if ctx.Err() != nil {
			break
		}
		if !p.online() {
			break
		}

		op, err := p.queue.Head(ctx)
		if err != nil {
			return res, fmt.Errorf("syncer: reading queue head: %w", err)
		}
		if op == nil {
			break
		}

		err = p.replay(ctx, op)
		if err == nil {
			if err := p.queue.Remove(ctx, op.ID); err != nil {
				return res, fmt.Errorf("syncer: removing replayed job: %w", err)
			}
			res.Replayed++
			continue
		}

		if !apperror.Retryable(err) {
			// Surfaced to the user via the log; the payload is
			// unacceptable and retrying cannot fix it.
			p.logger.Warn("dropping unreplayable job",
				slog.Int64("job", op.ID),
				slog.String("action", string(op.Action)),
				slog.String("endpoint", op.Endpoint),
				slog.String("error", err.Error()),
			)
			if err := p.queue.Remove(ctx, op.ID); err != nil {
				return res, fmt.Errorf("syncer: removing dropped job: %w", err)
			}
			res.Dropped++
			continue
		}

		retries, rErr := p.queue.IncrementRetry(ctx, op.ID)
		if rErr != nil {
			return res, fmt.Errorf("syncer: recording retry: %w", rErr)
		}
		if retries > op.MaxRetries {
			p.logger.Warn("retry budget exhausted, dropping job",
				slog.Int64("job", op.ID),
				slog.String("endpoint", op.Endpoint),
				slog.Int("retries", retries),
			)
			if err := p.queue.Remove(ctx, op.ID); err != nil {
				return res, fmt.Errorf("syncer: removing exhausted job: %w", err)
			}
			res.Dropped++
			continue
		}

		// Transient failure with budget left: the job stays at the head
		// and this pass ends - connectivity has presumably gone again.
		p.logger.Debug("transient failure, leaving job at head",
			slog.Int64("job", op.ID),
			slog.String("error", err.Error()),
		)
		break
	}

	remaining, err := p.queue.Len(ctx)
	if err != nil {
		return res, fmt.Errorf("syncer: counting remaining jobs: %w", err)
	}
	res.Remaining = remaining
	return res, nil
}

// Run drains on a fixed interval until ctx is cancelled. Suitable for a
// long-lived process; a CLI calls Drain directly.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Error("drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Processor) replay(ctx context.Context, op *model.Operation) error {
	switch op.Action {
	case model.ActionAdd:
		return p.replayAdd(ctx, op)
	case model.ActionUpdate:
		return p.replayUpdate(ctx, op)
	case model.ActionDelete:
		return p.replayDelete(ctx, op)
	default:
		return apperror.ValidationFailed("action", fmt.Sprintf("unknown queued action %q", op.Action))
	}
}

// replayAdd creates the record remotely and reconciles the local offline
// copy: the offline id now maps to the server id, and the cached record is
// swapped for the confirmed one.
func (p *Processor) replayAdd(ctx context.Context, op *model.Operation) error {
	saved, err := p.remote.Create(ctx, op.Endpoint, op.Payload)
	if err != nil {
		return err
	}

	if op.OfflineID != "" {
		if err := p.idmap.Put(ctx, model.IDMapping{
			OfflineID: op.OfflineID,
			UserID:    p.userID,
			Type:      p.endpoints[op.Endpoint],
			ServerID:  saved.ID(),
		}); err != nil {
			return err
		}

		if table := p.tables[op.Endpoint]; table != nil {
			if err := table.Delete(ctx, op.OfflineID); err != nil {
				p.logger.Error("removing offline record after replay",
					slog.String("offlineId", op.OfflineID),
					slog.String("error", err.Error()),
				)
			}
			if saved.User() == "" {
				saved[model.FieldUser] = p.userID
			}
			if err := table.Put(ctx, saved); err != nil {
				p.logger.Error("caching confirmed record after replay",
					slog.String("error", err.Error()),
				)
			}
			p.notifier.DataChanged(p.endpoints[op.Endpoint])
		}
	}

	p.logger.Info("replayed add",
		slog.String("endpoint", op.Endpoint),
		slog.String("offlineId", op.OfflineID),
		slog.String("serverId", saved.ID()),
	)
	return nil
}

func (p *Processor) replayUpdate(ctx context.Context, op *model.Operation) error {
	// Singleton endpoints (the schedule) are PUT without an id segment.
	if _, ok := p.tables[op.Endpoint]; ok {
		saved, err := p.remote.UpdatePath(ctx, op.Endpoint, op.Payload)
		if err != nil {
			return err
		}
		p.cacheReplayed(ctx, op.Endpoint, saved)
		p.logger.Info("replayed update", slog.String("endpoint", op.Endpoint))
		return nil
	}

	base, id := splitEndpoint(op.Endpoint)
	id, err := p.resolveID(ctx, id)
	if err != nil {
		return err
	}

	saved, err := p.remote.Update(ctx, base, id, op.Payload)
	if err != nil {
		return err
	}
	p.cacheReplayed(ctx, base, saved)
	p.logger.Info("replayed update", slog.String("endpoint", base), slog.String("id", id))
	return nil
}

func (p *Processor) replayDelete(ctx context.Context, op *model.Operation) error {
	base, id := splitEndpoint(op.Endpoint)

	if model.IsLocalID(id) {
		serverID, ok, err := p.idmap.Resolve(ctx, p.userID, id)
		if err != nil {
			return err
		}
		if !ok {
			// No mapping means the record never reached the server;
			// there is nothing to delete remotely.
			p.logger.Debug("skipping delete of never-created record", slog.String("id", id))
			return nil
		}
		if err := p.remote.Delete(ctx, base, serverID); err != nil &&
			!errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		// The dependent delete resolved; the mapping has no further use.
		if err := p.idmap.Delete(ctx, p.userID, id); err != nil {
			return err
		}
		p.dropLocal(ctx, base, serverID)
		p.logger.Info("replayed delete", slog.String("endpoint", base), slog.String("id", serverID))
		return nil
	}

	// A 404 means the record is already gone - that is convergence, not
	// failure.
	if err := p.remote.Delete(ctx, base, id); err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	p.dropLocal(ctx, base, id)
	p.logger.Info("replayed delete", slog.String("endpoint", base), slog.String("id", id))
	return nil
}

// dropLocal removes the cached row for a replayed delete. An earlier add in
// the same drain may have cached the confirmed record; the delete behind it
// must not leave that row around.
func (p *Processor) dropLocal(ctx context.Context, endpoint, id string) {
	table := p.tables[endpoint]
	if table == nil {
		return
	}
	if err := table.Delete(ctx, id); err != nil {
		p.logger.Error("removing deleted record locally", slog.String("error", err.Error()))
		return
	}
	p.notifier.DataChanged(p.endpoints[endpoint])
}

// resolveID redirects a temporary id through the reconciliation map. An
// unmapped temporary id on a non-add job is unreplayable: its add either
// has not run (impossible under FIFO) or was dropped.
func (p *Processor) resolveID(ctx context.Context, id string) (string, error) {
	if !model.IsLocalID(id) {
		return id, nil
	}
	serverID, ok, err := p.idmap.Resolve(ctx, p.userID, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperror.ValidationFailed("id",
			fmt.Sprintf("no server id recorded for %s", id))
	}
	return serverID, nil
}

func (p *Processor) cacheReplayed(ctx context.Context, endpoint string, saved model.Record) {
	table := p.tables[endpoint]
	if table == nil || saved.ID() == "" {
		return
	}
	if saved.User() == "" {
		saved[model.FieldUser] = p.userID
	}
	if err := table.Put(ctx, saved); err != nil {
		p.logger.Error("caching replayed record", slog.String("error", err.Error()))
	}
	p.notifier.DataChanged(p.endpoints[endpoint])
}

// splitEndpoint separates "/templates/abc" into ("/templates", "abc").
func splitEndpoint(endpoint string) (base, id string) {
	idx := strings.LastIndex(endpoint, "/")
	if idx <= 0 {
		return endpoint, ""
	}
	return endpoint[:idx], endpoint[idx+1:]
}
