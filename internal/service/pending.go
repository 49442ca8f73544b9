package service

import "sync"

// reconciler is the synchronization point for the delete-during-create race.
//
// The original kept a module-global "pending deletes" set and relied on the
// JS event loop for atomicity; here the set is an injected, application-
// scoped object, and its mutex is held across the two decision points that
// must not interleave:
//
//   - the create-finalize step: "has this temp id been deleted while the
//     POST was in flight?" - if not, the id mapping is written;
//   - the delete step: "does a mapping for this temp id exist yet?" - if
//     not, the pending-delete marker is set.
//
// Holding the lock across check-and-act means exactly one side observes the
// other, in either ordering, so exactly one compensating server delete is
// issued and both orderings converge on "record gone everywhere".
type reconciler struct {
	mu      sync.Mutex
	pending map[string]bool
}

func newReconciler() *reconciler {
	return &reconciler{pending: make(map[string]bool)}
}

// decide runs fn under the reconciliation lock. fn gets the marker set and
// may consult the id map or other state that participates in the race.
func (r *reconciler) decide(fn func(pending map[string]bool) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.pending)
}
