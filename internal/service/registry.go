package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/repsync/internal/localstore"
	"github.com/sakif/repsync/internal/memcache"
	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/remote"
)

// Config carries the dependencies shared by every DataService.
type Config struct {
	Store  *localstore.Store
	Remote *remote.Client

	// Online is the connectivity probe, polled at each decision point.
	Online func() bool

	// UserID scopes every read and write; switching accounts means
	// building a new Registry.
	UserID string

	Logger   *slog.Logger
	Notifier Notifier

	// CacheTTL bounds how long a FetchAll result is served from memory
	// before hitting the network again. Zero means memcache.DefaultTTL.
	CacheTTL time.Duration
}

// Registry builds and holds the DataService for each entity type. All
// services share one reconciler (temp ids are globally unique, and the
// delete-during-create decision must be serialized), one memory cache, and
// one background tracker.
type Registry struct {
	services map[model.EntityType]*DataService
	bg       *background
}

// NewRegistry validates cfg and constructs the per-entity services.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("service: Config.Store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("service: Config.Remote is required")
	}
	if cfg.Online == nil {
		return nil, fmt.Errorf("service: Config.Online is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("service: Config.UserID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}

	r := &Registry{
		services: make(map[model.EntityType]*DataService),
		bg:       &background{},
	}
	recon := newReconciler()
	cache := memcache.New()

	for _, desc := range model.Entities() {
		r.services[desc.Type] = &DataService{
			desc:     desc,
			userID:   cfg.UserID,
			table:    cfg.Store.Table(desc),
			queue:    cfg.Store.Queue(),
			idmap:    cfg.Store.IDMap(),
			remote:   cfg.Remote,
			online:   cfg.Online,
			recon:    recon,
			cache:    cache,
			cacheTTL: cfg.CacheTTL,
			notifier: cfg.Notifier,
			logger: cfg.Logger.With(
				slog.String("component", "dataservice"),
				slog.String("entity", string(desc.Type)),
			),
			bg: r.bg,
		}
	}
	return r, nil
}

// ForType returns the service for one entity type.
func (r *Registry) ForType(t model.EntityType) (*DataService, bool) {
	svc, ok := r.services[t]
	return svc, ok
}

// Exercises returns the exercises service.
func (r *Registry) Exercises() *DataService { return r.services[model.EntityExercises] }

// Templates returns the templates service.
func (r *Registry) Templates() *DataService { return r.services[model.EntityTemplates] }

// Schedules returns the schedules service.
func (r *Registry) Schedules() *DataService { return r.services[model.EntitySchedules] }

// Workouts returns the workouts service.
func (r *Registry) Workouts() *DataService { return r.services[model.EntityWorkouts] }

// BodyMetrics returns the body metrics service.
func (r *Registry) BodyMetrics() *DataService { return r.services[model.EntityBodyMetrics] }

// Wait joins every background operation spawned by any service.
func (r *Registry) Wait() {
	r.bg.wait()
}
