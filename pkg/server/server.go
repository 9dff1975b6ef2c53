// Package server provides the public entry point for initializing the
// avagate gateway.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/api"
	"github.com/avagate/gateway/internal/api/handlers"
	"github.com/avagate/gateway/internal/api/middleware"
	"github.com/avagate/gateway/internal/config"
	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/retention"
	"github.com/avagate/gateway/internal/sessions"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/supervisor"
	"github.com/avagate/gateway/internal/telemetry"

	"net/http"
)

// Server holds the initialized gateway.
type Server struct {
	Handler http.Handler

	Store      store.Store
	Supervisor *supervisor.Supervisor
	Sessions   *sessions.Service

	RetentionJanitor *retention.Janitor

	Config *config.Config
	Port   int

	retentionCancel context.CancelFunc
	ShutdownFunc    func(context.Context) error
}

// New initializes all gateway components and returns a ready Server,
// loading configuration from config.toml (or writing defaults if missing).
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "data.db"
	}
	dataStore, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("store initialized")

	seedDevicesFromConfig(ctx, dataStore, cfg)

	sup := supervisor.New(dataStore)
	sessSvc := sessions.New(dataStore, cfg.Auth.Username, cfg.Auth.Password)

	maxLogEntries := cfg.Database.MaxLogEntries
	if maxLogEntries <= 0 {
		maxLogEntries = 1_000_000
	}
	cleanupInterval := time.Duration(cfg.Database.CleanupIntervalHours) * time.Hour
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}
	janitor := retention.NewJanitor(dataStore, cleanupInterval, maxLogEntries)
	retCtx, retCancel := context.WithCancel(context.Background())
	go janitor.Start(retCtx)
	log.Info().Dur("interval", cleanupInterval).Int("max_entries", maxLogEntries).Msg("retention janitor started")

	catalogDir := "catalogs"
	h := handlers.New(dataStore, sessSvc, sup, catalogDir, "", cfg.Auth.Username, cfg.Auth.Password)
	auth := middleware.NewAuth(sessSvc)
	router := api.NewRouter(cfg, h, auth)

	resumeEnabledDevices(ctx, dataStore, sup)

	return &Server{
		Handler:          router,
		Store:            dataStore,
		Supervisor:       sup,
		Sessions:         sessSvc,
		RetentionJanitor: janitor,
		Config:           cfg,
		Port:             cfg.Server.Port,
		retentionCancel:  retCancel,
		ShutdownFunc:     shutdown,
	}, nil
}

// seedDevicesFromConfig applies config.toml's device list only when the
// store is empty — it is a one-time seed, not a sync source (SPEC_FULL.md
// §5 open question decision). Later edits happen through the REST API.
func seedDevicesFromConfig(ctx context.Context, st store.Store, cfg *config.Config) {
	existing, err := st.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list devices for seeding check")
		return
	}
	if len(existing) > 0 {
		return
	}

	for _, dc := range cfg.Devices {
		device := &models.DeviceInstance{
			ID:                dc.ID,
			Name:              dc.Name,
			Enabled:           dc.Enabled,
			Protocol:          dc.Protocol,
			PollingIntervalMs: dc.PollingIntervalMs,
			TimeoutMs:         dc.TimeoutMs,
			RetryCount:        dc.RetryCount,
		}
		if err := st.UpsertDevice(ctx, device); err != nil {
			log.Warn().Err(err).Str("device", dc.ID).Msg("failed to seed device from config")
			continue
		}
		for _, tc := range dc.Tags {
			tag := &models.DeviceTag{
				DeviceID:          dc.ID,
				Name:              tc.Name,
				Address:           tc.Address,
				DataType:          tc.DataType,
				ScalingMultiplier: tc.Multiplier,
				ScalingOffset:     tc.Offset,
				Unit:              tc.Unit,
				Description:       tc.Description,
			}
			if err := st.UpsertDeviceTag(ctx, tag); err != nil {
				log.Warn().Err(err).Str("device", dc.ID).Str("tag", tc.Name).Msg("failed to seed tag from config")
			}
		}
	}
	log.Info().Int("count", len(cfg.Devices)).Msg("devices seeded from config.toml")
}

// resumeEnabledDevices starts polling for every device already marked
// enabled in the store, so a restart resumes acquisition without an
// operator having to click start again.
func resumeEnabledDevices(ctx context.Context, st store.Store, sup *supervisor.Supervisor) {
	devices, err := st.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list devices for resume")
		return
	}
	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		if err := sup.Start(ctx, d.ID); err != nil {
			log.Warn().Err(err).Str("device", d.ID).Msg("failed to resume device on startup")
		}
	}
}

// Shutdown stops all background goroutines and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Supervisor.StopAll(ctx)
	if s.retentionCancel != nil {
		s.retentionCancel()
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing store")
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
