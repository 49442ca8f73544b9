package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known document fields. The server stores records in MongoDB, so the
// identity field is "_id" and the owner field is "user".
const (
	FieldID        = "_id"
	FieldUser      = "user"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"

	// FieldOffline marks an optimistic local copy that has not been
	// confirmed by the server. It is stripped when the real record arrives.
	FieldOffline = "isOffline"
)

// Record is an opaque domain document. Apart from the identity field the
// engine never interprets its contents - it routes, caches, and reconciles
// whole documents.
type Record map[string]any

// ID returns the record's identity field, or "" if unset.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// SetID stamps the identity field.
func (r Record) SetID(id string) {
	r[FieldID] = id
}

// User returns the owning user id, or "" if unset.
func (r Record) User() string {
	u, _ := r[FieldUser].(string)
	return u
}

// Pending reports whether the record is an unconfirmed optimistic copy.
func (r Record) Pending() bool {
	p, _ := r[FieldOffline].(bool)
	return p
}

// Clone returns a shallow copy. Mutating the clone's top-level fields does
// not affect the original; nested values are shared.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Stamp applies the bookkeeping fields for an optimistic local write: the
// identity, the owning user, creation/update timestamps, and the pending
// marker. Existing createdAt values are preserved so repeated stamps (an
// update after an add) keep the original creation time.
func (r Record) Stamp(id, userID string, now time.Time) {
	r[FieldID] = id
	r[FieldUser] = userID
	ts := now.UTC().Format(time.RFC3339)
	if _, ok := r[FieldCreatedAt]; !ok {
		r[FieldCreatedAt] = ts
	}
	r[FieldUpdatedAt] = ts
	r[FieldOffline] = true
}

// Touch refreshes the update timestamp.
func (r Record) Touch(now time.Time) {
	r[FieldUpdatedAt] = now.UTC().Format(time.RFC3339)
}

// Merge overlays the fields of other onto a clone of r and returns it.
// The identity field of r wins - a payload must not rename a record.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	for k, v := range other {
		if k == FieldID {
			continue
		}
		out[k] = v
	}
	return out
}

// MarshalDoc serializes the record to its canonical JSON document form.
func (r Record) MarshalDoc() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("model: marshaling record %s: %w", r.ID(), err)
	}
	return data, nil
}

// UnmarshalDoc parses a JSON document into a Record.
func UnmarshalDoc(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("model: unmarshaling record: %w", err)
	}
	return r, nil
}
