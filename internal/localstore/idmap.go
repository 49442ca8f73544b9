package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sakif/repsync/internal/model"
)

// IDMap is the accessor for the id_map table: the reconciliation record of
// which server id corresponds to a client-generated temp_/offline_ id.
//
// A mapping is written the instant a background add succeeds and consulted
// whenever a later operation addresses a record that might still carry its
// temporary id. It is removed once consumed by a dependent delete.
type IDMap struct {
	store *Store
}

// Put records offlineID -> mapping.ServerID. Re-putting the same offline id
// overwrites the previous mapping.
func (m *IDMap) Put(ctx context.Context, mapping model.IDMapping) error {
	if err := m.store.init(ctx); err != nil {
		return err
	}
	_, err := m.store.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO id_map (offline_id, user_id, entity, server_id)
		VALUES (?, ?, ?, ?)`,
		mapping.OfflineID, mapping.UserID, string(mapping.Type), mapping.ServerID)
	if err != nil {
		return fmt.Errorf("localstore: mapping %s: %w", mapping.OfflineID, err)
	}
	return nil
}

// Resolve returns the server id recorded for offlineID, and whether a
// mapping exists.
func (m *IDMap) Resolve(ctx context.Context, userID, offlineID string) (string, bool, error) {
	if err := m.store.init(ctx); err != nil {
		return "", false, err
	}
	var serverID string
	err := m.store.conn.QueryRowContext(ctx,
		`SELECT server_id FROM id_map WHERE offline_id = ? AND user_id = ?`,
		offlineID, userID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: resolving %s: %w", offlineID, err)
	}
	return serverID, true, nil
}

// Delete removes the mapping for offlineID. Deleting a missing mapping is
// not an error.
func (m *IDMap) Delete(ctx context.Context, userID, offlineID string) error {
	if err := m.store.init(ctx); err != nil {
		return err
	}
	_, err := m.store.conn.ExecContext(ctx,
		`DELETE FROM id_map WHERE offline_id = ? AND user_id = ?`, offlineID, userID)
	if err != nil {
		return fmt.Errorf("localstore: deleting mapping %s: %w", offlineID, err)
	}
	return nil
}
