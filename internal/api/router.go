package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/avagate/gateway/internal/api/handlers"
	"github.com/avagate/gateway/internal/api/middleware"
	"github.com/avagate/gateway/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router mounting the gateway's REST surface.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.Auth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(auth.Handler)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/api/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/verify-session", h.VerifySession)

		r.Route("/devices-enhanced", func(r chi.Router) {
			r.Get("/", h.ListDevices)
			r.Post("/", h.CreateDevice)
			r.Get("/unsynced", h.ListUnsyncedDevices)
			r.Get("/by-group/{groupId}", h.ListDevicesByGroup)
			r.Get("/{id}", h.GetDevice)
			r.Put("/{id}", h.UpdateDevice)
			r.Delete("/{id}", h.DeleteDevice)
			r.Post("/{id}/start", h.StartDevice)
			r.Post("/{id}/stop", h.StopDevice)
		})

		r.Route("/device-models", func(r chi.Router) {
			r.Get("/", h.ListDeviceModels)
			r.Post("/", h.CreateDeviceModel)
			r.Get("/{id}", h.GetOrDeleteDeviceModel)
			r.Post("/{id}", h.GetOrDeleteDeviceModel)
			r.Get("/{id}/tags", h.ListDeviceModelTags)
		})

		r.Route("/schedule-groups", func(r chi.Router) {
			r.Get("/", h.ListScheduleGroups)
			r.Post("/", h.CreateScheduleGroup)
			r.Get("/{id}", h.GetScheduleGroup)
			r.Put("/{id}", h.UpdateScheduleGroup)
			r.Delete("/{id}", h.DeleteScheduleGroup)
		})

		r.Route("/modbus-tcp-tag-registers", func(r chi.Router) {
			r.Get("/", h.ListTagRegisters)
			r.Post("/upload-csv", h.UploadTagRegistersCSV)
		})

		r.Get("/logs", h.ListLogs)
		r.Get("/logs/{device_id}", h.ListLogsForDevice)

		r.Get("/status", h.ListStatus)

		r.Route("/plant-config", func(r chi.Router) {
			r.Get("/", h.GetPlantConfig)
			r.Put("/", h.UpdatePlantConfig)
		})

		r.Post("/sync-thingsboard", h.SyncUpstream)
		r.Post("/generate-device-catalog", h.GenerateDeviceCatalog)

		r.Route("/files/catalogs", func(r chi.Router) {
			r.Get("/", h.ListCatalogFiles)
			r.Get("/{name}", h.DownloadCatalogFile)
			r.Delete("/{name}", h.DownloadCatalogFile)
		})
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("AVAGATE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
