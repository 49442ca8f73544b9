package model

import "time"

// Action is the kind of mutation a queued operation replays.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// DefaultMaxRetries bounds how often a queued operation is replayed after
// transient failures before it is dropped with a warning. The original
// retried forever; a permanently failing payload would wedge the queue.
const DefaultMaxRetries = 5

// Operation is one pending mutation awaiting transmission to the server.
// Ordering is insertion order (FIFO by auto-increment ID).
type Operation struct {
	// ID is the auto-increment queue key, assigned on enqueue.
	ID int64 `json:"id"`

	// ClientOpID is a stable client-generated identity for the operation.
	// It survives re-enqueues, so a job that falls back into the queue after
	// a failed background attempt is recognizably the same operation.
	ClientOpID string `json:"clientOpId"`

	Action   Action `json:"action"`
	Endpoint string `json:"endpoint"`

	// Payload carries the request body for add/update operations.
	Payload Record `json:"payload,omitempty"`

	// OfflineID links an add job back to the optimistic local record it
	// confirms. It is the authoritative key for later cancellation or
	// payload collapse.
	OfflineID string `json:"offlineId,omitempty"`

	// SingletonKey, when set, makes the job upsert-by-key instead of
	// append: a later enqueue with the same key replaces this job.
	SingletonKey string `json:"singletonKey,omitempty"`

	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	Timestamp  time.Time `json:"timestamp"`
}

// IDMapping records that the server assigned ServerID to a record the client
// knew by OfflineID (a temp_ or offline_ identifier). It is written the
// moment a background add succeeds and consulted whenever a later operation
// addresses a record that might still carry its temporary id.
type IDMapping struct {
	OfflineID string     `json:"offlineId"`
	UserID    string     `json:"userId"`
	Type      EntityType `json:"type"`
	ServerID  string     `json:"serverId"`
}
