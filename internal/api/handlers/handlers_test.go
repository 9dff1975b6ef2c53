package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avagate/gateway/internal/api/middleware"
	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/sessions"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/supervisor"
)

func newTestHandlers(t *testing.T) (*Handlers, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	sessSvc := sessions.New(st, "admin", "admin")
	sup := supervisor.New(st)
	return New(st, sessSvc, sup, t.TempDir(), "", "admin", "admin"), ctx
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h, _ := newTestHandlers(t)

	body := strings.NewReader(`{"username":"admin","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/login", body)
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginSucceedsAndVerifies(t *testing.T) {
	h, _ := newTestHandlers(t)

	body := strings.NewReader(`{"username":"admin","password":"admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/login", body)
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	verifyReq := httptest.NewRequest(http.MethodGet, "/api/verify-session", nil)
	verifyReq.Header.Set("Authorization", "Bearer "+resp.Token)
	verifyRec := httptest.NewRecorder()
	middleware.NewAuth(h.Sessions).Handler(http.HandlerFunc(h.VerifySession)).ServeHTTP(verifyRec, verifyReq)
	assert.Equal(t, http.StatusOK, verifyRec.Code)
}

func TestCreateAndListDevices(t *testing.T) {
	h, ctx := newTestHandlers(t)

	device := models.DeviceInstance{
		ID:   "dev-1",
		Name: "Test Inverter",
		Protocol: models.ProtocolConfig{
			Type: models.ProtocolModbusTCP,
			Host: "127.0.0.1",
			Port: 502,
		},
	}
	payload, err := json.Marshal(device)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/devices-enhanced", strings.NewReader(string(payload)))
	rec := httptest.NewRecorder()
	h.CreateDevice(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	devices, err := h.Store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
}

func TestGetPlantConfig(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/plant-config", nil)
	rec := httptest.NewRecorder()
	h.GetPlantConfig(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSafeCatalogNameRejectsTraversal(t *testing.T) {
	_, err := safeCatalogName("../../etc/passwd.csv")
	assert.Error(t, err)

	_, err = safeCatalogName("plant-one.csv")
	assert.NoError(t, err)

	_, err = safeCatalogName("not-a-csv.txt")
	assert.Error(t, err)
}
