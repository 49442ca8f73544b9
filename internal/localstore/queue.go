package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/repsync/internal/model"
)

// Queue is the accessor for the sync_queue table: the ordered, durable list
// of mutations awaiting transmission to the server. Replay order is the
// auto-increment id, i.e. strict insertion order.
type Queue struct {
	store *Store
}

// Enqueue appends op to the queue and fills in its bookkeeping fields
// (queue id, client op id, timestamp, retry budget).
//
// If op.SingletonKey is set the enqueue is an upsert: an existing job with
// the same key is replaced in place (keeping its queue position), because
// for collapse-keyed resources only the final state matters.
func (q *Queue) Enqueue(ctx context.Context, op *model.Operation) error {
	if err := q.store.init(ctx); err != nil {
		return err
	}

	if op.ClientOpID == "" {
		op.ClientOpID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = model.DefaultMaxRetries
	}

	var payload any
	if op.Payload != nil {
		doc, err := op.Payload.MarshalDoc()
		if err != nil {
			return err
		}
		payload = string(doc)
	}

	var singleton any
	if op.SingletonKey != "" {
		singleton = op.SingletonKey
	}

	res, err := q.store.conn.ExecContext(ctx, `
		INSERT INTO sync_queue
			(client_op_id, action, endpoint, payload, offline_id, singleton_key,
			 retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton_key) DO UPDATE SET
			client_op_id = excluded.client_op_id,
			action       = excluded.action,
			endpoint     = excluded.endpoint,
			payload      = excluded.payload,
			retry_count  = 0,
			created_at   = excluded.created_at`,
		op.ClientOpID, string(op.Action), op.Endpoint, payload, nullable(op.OfflineID),
		singleton, op.RetryCount, op.MaxRetries, op.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("localstore: enqueuing %s %s: %w", op.Action, op.Endpoint, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		op.ID = id
	}
	return nil
}

// Head returns the oldest queued operation, or nil if the queue is empty.
func (q *Queue) Head(ctx context.Context) (*model.Operation, error) {
	ops, err := q.scan(ctx, `ORDER BY id LIMIT 1`)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return &ops[0], nil
}

// All returns every queued operation in replay order.
func (q *Queue) All(ctx context.Context) ([]model.Operation, error) {
	return q.scan(ctx, `ORDER BY id`)
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := q.store.init(ctx); err != nil {
		return 0, err
	}
	var n int
	err := q.store.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("localstore: counting queue: %w", err)
	}
	return n, nil
}

// Remove deletes the operation with the given queue id.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if err := q.store.init(ctx); err != nil {
		return err
	}
	_, err := q.store.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("localstore: removing queue job %d: %w", id, err)
	}
	return nil
}

// RemoveAdd excises the pending add job linked to offlineID. Used when a
// record that only ever existed locally is deleted: the create need never
// reach the server at all. Reports whether a job was removed.
//
// OfflineID equality is the only match criterion - the time-proximity
// heuristic some variants of this logic used is not implemented.
func (q *Queue) RemoveAdd(ctx context.Context, offlineID string) (bool, error) {
	if err := q.store.init(ctx); err != nil {
		return false, err
	}
	res, err := q.store.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE action = ? AND offline_id = ?`,
		string(model.ActionAdd), offlineID)
	if err != nil {
		return false, fmt.Errorf("localstore: removing add job for %s: %w", offlineID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateAddPayload mutates the payload of the pending add job linked to
// offlineID in place. A local edit to a record that does not exist
// server-side yet collapses into the queued create instead of producing a
// second job. Reports whether a job was found.
func (q *Queue) UpdateAddPayload(ctx context.Context, offlineID string, payload model.Record) (bool, error) {
	if err := q.store.init(ctx); err != nil {
		return false, err
	}
	doc, err := payload.MarshalDoc()
	if err != nil {
		return false, err
	}
	res, err := q.store.conn.ExecContext(ctx,
		`UPDATE sync_queue SET payload = ? WHERE action = ? AND offline_id = ?`,
		string(doc), string(model.ActionAdd), offlineID)
	if err != nil {
		return false, fmt.Errorf("localstore: updating add payload for %s: %w", offlineID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IncrementRetry bumps the retry counter of the job with the given queue id
// and returns the new count.
func (q *Queue) IncrementRetry(ctx context.Context, id int64) (int, error) {
	if err := q.store.init(ctx); err != nil {
		return 0, err
	}
	var n int
	err := q.store.conn.QueryRowContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?
		 RETURNING retry_count`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("localstore: incrementing retry for job %d: %w", id, err)
	}
	return n, nil
}

// DeleteTargets returns the set of record ids that have a queued delete
// under the given collection endpoint. fetchAll consults this so a record
// deleted locally but not yet synced does not reappear from a server fetch.
func (q *Queue) DeleteTargets(ctx context.Context, endpoint string) (map[string]bool, error) {
	if err := q.store.init(ctx); err != nil {
		return nil, err
	}
	rows, err := q.store.conn.QueryContext(ctx,
		`SELECT endpoint FROM sync_queue WHERE action = ? AND endpoint LIKE ? ESCAPE '\'`,
		string(model.ActionDelete), escapeLike(endpoint)+"/%")
	if err != nil {
		return nil, fmt.Errorf("localstore: listing delete targets for %s: %w", endpoint, err)
	}
	defer rows.Close()

	targets := make(map[string]bool)
	for rows.Next() {
		var ep string
		if err := rows.Scan(&ep); err != nil {
			return nil, fmt.Errorf("localstore: scanning delete target: %w", err)
		}
		if id := strings.TrimPrefix(ep, endpoint+"/"); id != "" && id != ep {
			targets[id] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating delete targets: %w", err)
	}
	return targets, nil
}

func (q *Queue) scan(ctx context.Context, tail string) ([]model.Operation, error) {
	if err := q.store.init(ctx); err != nil {
		return nil, err
	}
	rows, err := q.store.conn.QueryContext(ctx, `
		SELECT id, client_op_id, action, endpoint, payload, offline_id,
		       singleton_key, retry_count, max_retries, created_at
		FROM sync_queue `+tail)
	if err != nil {
		return nil, fmt.Errorf("localstore: reading queue: %w", err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var (
			op        model.Operation
			action    string
			payload   sql.NullString
			offline   sql.NullString
			singleton sql.NullString
			createdAt string
		)
		err := rows.Scan(&op.ID, &op.ClientOpID, &action, &op.Endpoint, &payload,
			&offline, &singleton, &op.RetryCount, &op.MaxRetries, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("localstore: scanning queue row: %w", err)
		}
		op.Action = model.Action(action)
		op.OfflineID = offline.String
		op.SingletonKey = singleton.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &op.Payload); err != nil {
				return nil, fmt.Errorf("localstore: decoding payload of job %d: %w", op.ID, err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.Timestamp = ts
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating queue rows: %w", err)
	}
	return ops, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
