package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/model"
)

// Table is the accessor for one entity table. It is bound to its table name
// at construction (via Store.Table and a model.Descriptor), so there is no
// string-keyed table lookup anywhere in calling code.
//
// Records are scoped by user: reads filter on the user id, writes persist
// the user id stamped on the record. Switching accounts therefore never
// surfaces another user's cached rows.
type Table struct {
	store *Store
	name  string
}

// Get fetches a single record by id for the given user.
// Returns apperror.ErrNotFound if no such row exists.
func (t *Table) Get(ctx context.Context, userID, id string) (model.Record, error) {
	if err := t.store.init(ctx); err != nil {
		return nil, err
	}

	var doc string
	err := t.store.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = ? AND user_id = ?`, t.name),
		id, userID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound(t.name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: getting %s/%s: %w", t.name, id, err)
	}

	return model.UnmarshalDoc([]byte(doc))
}

// Put upserts a record keyed by its identity field. Repeated puts with the
// same id converge to a single row, which is what makes the optimistic
// mutation paths idempotent.
func (t *Table) Put(ctx context.Context, rec model.Record) error {
	if err := t.store.init(ctx); err != nil {
		return err
	}
	if rec.ID() == "" {
		return apperror.ValidationFailed(model.FieldID, "record is missing its identity field")
	}

	doc, err := rec.MarshalDoc()
	if err != nil {
		return err
	}
	_, err = t.store.conn.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, user_id, doc) VALUES (?, ?, ?)`, t.name),
		rec.ID(), rec.User(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("localstore: putting %s/%s: %w", t.name, rec.ID(), err)
	}
	return nil
}

// BulkPut upserts a batch of records in one transaction.
func (t *Table) BulkPut(ctx context.Context, recs []model.Record) error {
	if err := t.store.init(ctx); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: beginning bulk put on %s: %w", t.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, user_id, doc) VALUES (?, ?, ?)`, t.name))
	if err != nil {
		return fmt.Errorf("localstore: preparing bulk put on %s: %w", t.name, err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if rec.ID() == "" {
			return apperror.ValidationFailed(model.FieldID, "record is missing its identity field")
		}
		doc, err := rec.MarshalDoc()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID(), rec.User(), string(doc)); err != nil {
			return fmt.Errorf("localstore: bulk putting %s/%s: %w", t.name, rec.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: committing bulk put on %s: %w", t.name, err)
	}
	return nil
}

// Delete removes a record by id. Deleting a missing record is not an error -
// delete converges on "row absent" either way.
func (t *Table) Delete(ctx context.Context, id string) error {
	if err := t.store.init(ctx); err != nil {
		return err
	}
	_, err := t.store.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.name), id)
	if err != nil {
		return fmt.Errorf("localstore: deleting %s/%s: %w", t.name, id, err)
	}
	return nil
}

// Clear removes every cached record belonging to userID.
func (t *Table) Clear(ctx context.Context, userID string) error {
	if err := t.store.init(ctx); err != nil {
		return err
	}
	_, err := t.store.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, t.name), userID)
	if err != nil {
		return fmt.Errorf("localstore: clearing %s: %w", t.name, err)
	}
	return nil
}

// List returns every record cached for userID, oldest insertion first.
func (t *Table) List(ctx context.Context, userID string) ([]model.Record, error) {
	return t.list(ctx, userID, "")
}

// ListIDPrefix returns userID's records whose id starts with prefix - the
// range query used to find offline_ records still awaiting confirmation.
func (t *Table) ListIDPrefix(ctx context.Context, userID, prefix string) ([]model.Record, error) {
	return t.list(ctx, userID, prefix)
}

func (t *Table) list(ctx context.Context, userID, idPrefix string) ([]model.Record, error) {
	if err := t.store.init(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE user_id = ?`, t.name)
	args := []any{userID}
	if idPrefix != "" {
		query += ` AND id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(idPrefix)+"%")
	}
	query += ` ORDER BY rowid`

	rows, err := t.store.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing %s: %w", t.name, err)
	}
	defer rows.Close()

	recs := make([]model.Record, 0, 16)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("localstore: scanning %s row: %w", t.name, err)
		}
		rec, err := model.UnmarshalDoc([]byte(doc))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating %s rows: %w", t.name, err)
	}
	return recs, nil
}

// escapeLike escapes LIKE metacharacters so id prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
