// Package handlers implements the gateway's REST surface (spec.md §6):
// device/tag/schedule/catalog CRUD, log queries, device status, plant
// configuration, CSV catalog intake/export, and upstream topology sync.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/api/middleware"
	"github.com/avagate/gateway/internal/csvcatalog"
	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/sessions"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/supervisor"
	"github.com/avagate/gateway/internal/topology"
	"github.com/avagate/gateway/internal/upstream"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Sessions   *sessions.Service
	Supervisor *supervisor.Supervisor

	// CatalogDir is where generated device-catalog CSV files are written
	// and served from (spec.md §6 GET/DELETE /api/files/catalogs*).
	CatalogDir string

	// UpstreamBaseURL/Username/Password build an upstream.Client on demand
	// for sync-thingsboard; there is no long-lived upstream session since
	// sync runs are infrequent operator-triggered actions.
	UpstreamBaseURL string
	UpstreamUser    string
	UpstreamPass    string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, sessSvc *sessions.Service, sup *supervisor.Supervisor, catalogDir, upstreamBaseURL, upstreamUser, upstreamPass string) *Handlers {
	return &Handlers{
		Store:           s,
		Sessions:        sessSvc,
		Supervisor:      sup,
		CatalogDir:      catalogDir,
		UpstreamBaseURL: upstreamBaseURL,
		UpstreamUser:    upstreamUser,
		UpstreamPass:    upstreamPass,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Auth ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.Sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": sess.Token, "username": sess.Username})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		_ = h.Sessions.Logout(r.Context(), token)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handlers) VerifySession(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.Identity(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no active session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"username": username, "status": "valid"})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// ══════════════════════════════════════════════════════════════
// ── Devices ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Store.ListDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.DeviceInstance{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (h *Handlers) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var device models.DeviceInstance
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if device.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := h.Store.UpsertDevice(r.Context(), &device); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, device)
}

func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := h.Store.GetDevice(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (h *Handlers) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var device models.DeviceInstance
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	device.ID = id
	if err := h.Store.UpsertDevice(r.Context(), &device); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Supervisor.Stop(r.Context(), id)
	if err := h.Store.DeleteDevice(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) StartDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Supervisor.Start(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) StopDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Supervisor.Stop(r.Context(), id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) ListUnsyncedDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Store.ListUnsyncedDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.DeviceInstance{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (h *Handlers) ListDevicesByGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupId")
	devices, err := h.Store.ListDevicesByGroup(r.Context(), groupID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.DeviceInstance{}
	}
	respondJSON(w, http.StatusOK, devices)
}

// ══════════════════════════════════════════════════════════════
// ── Device Models ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListDeviceModels(w http.ResponseWriter, r *http.Request) {
	deviceModels, err := h.Store.ListDeviceModels(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deviceModels == nil {
		deviceModels = []models.DeviceModel{}
	}
	respondJSON(w, http.StatusOK, deviceModels)
}

// CreateDeviceModel accepts either a plain JSON body or a multipart form
// with an optional "csv" file part carrying the model's tag registers
// (spec.md §6 POST /api/device-models).
func (h *Handlers) CreateDeviceModel(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	var model models.DeviceModel

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		model.ID = r.FormValue("id")
		model.Name = r.FormValue("name")
		model.Manufacturer = r.FormValue("manufacturer")
		model.Protocol = models.ProtocolFamily(r.FormValue("protocol"))
		model.Description = r.FormValue("description")

		if file, _, err := r.FormFile("csv"); err == nil {
			defer file.Close()
			rows, parseErr := csvcatalog.Parse(file, csvcatalog.Override{DeviceModelName: model.Name, Manufacturer: model.Manufacturer})
			if parseErr != nil {
				respondError(w, http.StatusBadRequest, parseErr.Error())
				return
			}
			if err := h.Store.BulkUpsertTagRegisters(r.Context(), rows); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Info().Str("model", model.Name).Str("summary", csvcatalog.Summary(rows)).Msg("device model CSV ingested")
		}
	} else if err := json.NewDecoder(r.Body).Decode(&model); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if model.ID == "" || model.Name == "" {
		respondError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if err := h.Store.UpsertDeviceModel(r.Context(), &model); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, model)
}

// GetOrDeleteDeviceModel serves GET (fetch) and POST (delete) on the same
// path, matching spec.md §6's "POST deletes" convention for this route.
func (h *Handlers) GetOrDeleteDeviceModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.Method == http.MethodPost {
		if err := h.Store.DeleteDeviceModel(r.Context(), id); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	model, err := h.Store.GetDeviceModel(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, model)
}

func (h *Handlers) ListDeviceModelTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tags, err := h.Store.ListTagTemplates(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tags == nil {
		tags = []models.TagTemplate{}
	}
	respondJSON(w, http.StatusOK, tags)
}

// ══════════════════════════════════════════════════════════════
// ── Schedule Groups ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListScheduleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.ListScheduleGroups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (h *Handlers) CreateScheduleGroup(w http.ResponseWriter, r *http.Request) {
	var group models.ScheduleGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if group.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := h.Store.UpsertScheduleGroup(r.Context(), &group); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, group)
}

func (h *Handlers) GetScheduleGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	group, err := h.Store.GetScheduleGroup(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, group)
}

func (h *Handlers) UpdateScheduleGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var group models.ScheduleGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	group.ID = id
	if err := h.Store.UpsertScheduleGroup(r.Context(), &group); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, group)
}

func (h *Handlers) DeleteScheduleGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteScheduleGroup(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Modbus TCP Tag Register Catalog ─────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListTagRegisters(w http.ResponseWriter, r *http.Request) {
	filter := store.RegisterFilter{
		ModelID:     r.URL.Query().Get("model_id"),
		DeviceBrand: r.URL.Query().Get("device_brand"),
		DeviceModel: r.URL.Query().Get("device_model"),
	}
	rows, err := h.Store.ListTagRegisters(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []models.ModbusTcpTagRegister{}
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handlers) UploadTagRegistersCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	override := csvcatalog.Override{
		DeviceModelName: r.FormValue("device_model_name"),
		Manufacturer:    r.FormValue("manufacturer"),
	}
	rows, err := csvcatalog.Parse(file, override)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Store.BulkUpsertTagRegisters(r.Context(), rows); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summary := csvcatalog.Summary(rows)
	log.Info().Str("summary", summary).Msg("modbus tcp tag register CSV ingested")
	respondJSON(w, http.StatusOK, map[string]any{"inserted": len(rows), "summary": summary})
}

// ══════════════════════════════════════════════════════════════
// ── Logs ──────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	filter := parseLogFilter(r)
	logs, err := h.Store.ListLogs(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (h *Handlers) ListLogsForDevice(w http.ResponseWriter, r *http.Request) {
	filter := parseLogFilter(r)
	filter.DeviceID = chi.URLParam(r, "device_id")
	logs, err := h.Store.ListLogs(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func parseLogFilter(r *http.Request) models.LogFilter {
	filter := models.LogFilter{DeviceID: r.URL.Query().Get("device_id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	return filter
}

// ══════════════════════════════════════════════════════════════
// ── Status ────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.Store.ListDeviceStatuses(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if statuses == nil {
		statuses = []models.DeviceStatus{}
	}
	respondJSON(w, http.StatusOK, statuses)
}

// ══════════════════════════════════════════════════════════════
// ── Plant Config ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetPlantConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetPlantConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpdatePlantConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.PlantConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Store.UpsertPlantConfig(r.Context(), &cfg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ══════════════════════════════════════════════════════════════
// ── Upstream Sync & Catalog Export ──────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) SyncUpstream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityGroupID string `json:"entity_group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityGroupID == "" {
		respondError(w, http.StatusBadRequest, "entity_group_id is required")
		return
	}

	client, err := h.loggedInUpstreamClient(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	syncer := topology.NewSyncer(h.Store, client)
	report, err := syncer.Sync(r.Context(), req.EntityGroupID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().UTC()
	if cfg, cfgErr := h.Store.GetPlantConfig(r.Context()); cfgErr == nil {
		cfg.LastSyncTime = &now
		cfg.UpstreamGroupID = req.EntityGroupID
		_ = h.Store.UpsertPlantConfig(r.Context(), cfg)
	}

	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) GenerateDeviceCatalog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityGroupID string `json:"entity_group_id"`
		OutputDir     string `json:"output_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityGroupID == "" {
		respondError(w, http.StatusBadRequest, "entity_group_id is required")
		return
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = h.CatalogDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("create output dir: %v", err))
		return
	}

	plantName := "Unconfigured Plant"
	if cfg, err := h.Store.GetPlantConfig(r.Context()); err == nil && cfg.PlantName != "" {
		plantName = cfg.PlantName
	}

	filename := fmt.Sprintf("%s-device-catalog.csv", csvcatalog.SanitizeFilename(req.EntityGroupID))
	outputPath := filepath.Join(outputDir, filename)

	f, err := os.Create(outputPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("create catalog file: %v", err))
		return
	}
	defer f.Close()

	count, err := csvcatalog.Export(r.Context(), h.Store, req.EntityGroupID, plantName, f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"path": outputPath, "rows": count})
}

// loggedInUpstreamClient builds and authenticates a fresh upstream.Client.
// Sync runs are infrequent operator actions, so a short-lived client per
// request is simpler than holding a long-lived upstream session alive.
func (h *Handlers) loggedInUpstreamClient(ctx context.Context) (*upstream.Client, error) {
	if h.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("upstream base URL not configured")
	}
	client := upstream.New(h.UpstreamBaseURL)
	if err := client.Login(ctx, h.UpstreamUser, h.UpstreamPass); err != nil {
		return nil, err
	}
	return client, nil
}

// ══════════════════════════════════════════════════════════════
// ── Catalog Files ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListCatalogFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.CatalogDir)
	if err != nil {
		if os.IsNotExist(err) {
			respondJSON(w, http.StatusOK, []string{})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, names)
}

func (h *Handlers) DownloadCatalogFile(w http.ResponseWriter, r *http.Request) {
	name, err := safeCatalogName(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := filepath.Join(h.CatalogDir, name)

	if r.Method == http.MethodDelete {
		if err := os.Remove(path); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

// safeCatalogName rejects any name that isn't a bare, path-traversal-free
// CSV filename (spec.md §6: "CSV only, no path traversal").
func safeCatalogName(name string) (string, error) {
	if name == "" || !strings.HasSuffix(name, ".csv") {
		return "", fmt.Errorf("only .csv files are served")
	}
	if filepath.Base(name) != name || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid filename")
	}
	return name, nil
}

// ══════════════════════════════════════════════════════════════
// ── Misc ──────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
