package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sakif/repsync/internal/localstore"
	"github.com/sakif/repsync/internal/remote"
	"github.com/sakif/repsync/internal/service"
	"github.com/sakif/repsync/internal/syncer"
)

// config is the on-disk configuration, read from --config (default
// ~/.repsync.yaml). Flags override file values.
type config struct {
	ServerURL string        `yaml:"server_url"`
	Token     string        `yaml:"token"`
	DBPath    string        `yaml:"db_path"`
	UserID    string        `yaml:"user_id"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Verbose   bool          `yaml:"verbose"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repsync.yaml"
	}
	return filepath.Join(home, ".repsync.yaml")
}

func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// app holds everything a subcommand needs. Built once per invocation by
// setup, torn down by close.
type app struct {
	cfg      config
	logger   *slog.Logger
	store    *localstore.Store
	registry *service.Registry
	syncer   *syncer.Processor
	online   func() bool
}

func (a *app) close() {
	a.registry.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing local store", slog.String("error", err.Error()))
	}
}

func setup(cfg config) (*app, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required (set it in the config file or with --server)")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "repsync.db")
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	store, err := localstore.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	rc := remote.New(cfg.ServerURL,
		remote.WithToken(cfg.Token),
		remote.WithLogger(logger),
	)

	online := probe(cfg.ServerURL)

	registry, err := service.NewRegistry(service.Config{
		Store:    store,
		Remote:   rc,
		Online:   online,
		UserID:   cfg.UserID,
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		syncer:   syncer.New(store, rc, online, cfg.UserID, logger),
		online:   online,
	}, nil
}

// probe returns a connectivity check: a cheap request to the server with a
// short timeout. This stands in for the browser's navigator.onLine signal.
func probe(serverURL string) func() bool {
	client := &http.Client{Timeout: 3 * time.Second}
	return func() bool {
		resp, err := client.Head(serverURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		userID     string
		dbPath     string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "repsync",
		Short:         "Offline-first fitness data sync client",
		Long:          "repsync keeps a local, offline-capable copy of workout data and replays queued changes to the server when connectivity returns.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (overrides config)")
	root.PersistentFlags().StringVar(&userID, "user", "", "user id (overrides config)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "local database path (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// mergedConfig applies flag overrides on top of the config file.
	mergedConfig := func() (config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if userID != "" {
			cfg.UserID = userID
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if verbose {
			cfg.Verbose = true
		}
		return cfg, nil
	}

	root.AddCommand(
		newSyncCmd(mergedConfig),
		newStatusCmd(mergedConfig),
		newListCmd(mergedConfig),
		newAddCmd(mergedConfig),
		newDeleteCmd(mergedConfig),
	)
	return root
}
