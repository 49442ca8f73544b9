// Package model defines the data structures shared across the sync engine:
// entity descriptors, the opaque Record document, identifier namespaces,
// and the queued Operation shape.
//
// There is deliberately no per-entity struct here. The engine treats every
// domain record (exercise, template, schedule, workout, body metric) as an
// opaque JSON document with a mandatory identity field - the server owns the
// schema, the client only needs to route, cache, and reconcile.
package model

// EntityType names one of the synchronized domain collections.
type EntityType string

const (
	EntityExercises   EntityType = "exercises"
	EntityTemplates   EntityType = "templates"
	EntitySchedules   EntityType = "schedules"
	EntityWorkouts    EntityType = "workouts"
	EntityBodyMetrics EntityType = "bodyMetrics"
)

// ScheduleCollapseKey is the fixed synthetic key under which queued schedule
// updates collapse. Reordering the weekly schedule fires an update per drag
// event; only the final state matters, so all of them share one queue slot.
const ScheduleCollapseKey = "singleton_schedule_update"

// Descriptor describes how one entity type maps onto the remote API and the
// local store. Each DataService is constructed from exactly one Descriptor,
// so table routing is resolved once, up front - never by string lookup at the
// call site.
type Descriptor struct {
	Type EntityType

	// Table is the local store table name backing this entity.
	Table string

	// Endpoint is the remote collection path, e.g. "/templates".
	Endpoint string

	// ListPath overrides Endpoint for full-collection fetches. The workouts
	// collection GET is paginated server-side; the full list lives at
	// "/workouts/all".
	ListPath string

	// Singleton marks a one-document-per-user resource addressed without an
	// id segment (the weekly schedule: GET/PUT "/schedule").
	Singleton bool

	// CollapseKey, when set, collapses queued update operations for this
	// entity into a single job keyed by it.
	CollapseKey string
}

// ListEndpoint returns the path used for full-collection fetches.
func (d Descriptor) ListEndpoint() string {
	if d.ListPath != "" {
		return d.ListPath
	}
	return d.Endpoint
}

// Entities returns the descriptors for every synchronized entity type.
func Entities() []Descriptor {
	return []Descriptor{
		{Type: EntityExercises, Table: "exercises", Endpoint: "/exercises"},
		{Type: EntityTemplates, Table: "templates", Endpoint: "/templates"},
		{
			Type:        EntitySchedules,
			Table:       "schedules",
			Endpoint:    "/schedule",
			Singleton:   true,
			CollapseKey: ScheduleCollapseKey,
		},
		{Type: EntityWorkouts, Table: "workouts", Endpoint: "/workouts", ListPath: "/workouts/all"},
		{Type: EntityBodyMetrics, Table: "bodyMetrics", Endpoint: "/body-metrics"},
	}
}
