package service

import "github.com/sakif/repsync/internal/model"

// Notifier receives change notifications whenever local data for an entity
// type is mutated (optimistically or by a background confirmation). It
// replaces the original's ad hoc window-broadcast "data changed" events with
// an explicit, typed observer contract: UI stores subscribe by implementing
// it and re-reading through FetchAll.
type Notifier interface {
	DataChanged(t model.EntityType)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) DataChanged(model.EntityType) {}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(t model.EntityType)

func (f NotifierFunc) DataChanged(t model.EntityType) { f(t) }
