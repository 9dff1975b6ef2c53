package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.False(t, c.Authenticated())
	require.NoError(t, c.Login(context.Background(), "admin", "admin"))
	assert.True(t, c.Authenticated())
}

func TestCreateDeviceConflictReturnsAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Login(context.Background(), "admin", "admin"))

	_, err := c.CreateDevice(context.Background(), "group-1", Device{Name: "dev"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateDeviceSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
			return
		}
		json.NewEncoder(w).Encode(Device{ID: "upstream-1", Name: "dev"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Login(context.Background(), "admin", "admin"))

	created, err := c.CreateDevice(context.Background(), "group-1", Device{Name: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "upstream-1", created.ID)
}

func TestListGroupDevicesPaginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
			return
		}
		calls++
		if r.URL.Query().Get("page") == "0" {
			json.NewEncoder(w).Encode(GroupDevicesPage{Devices: []Device{{ID: "d1"}}, HasNext: true})
			return
		}
		json.NewEncoder(w).Encode(GroupDevicesPage{Devices: []Device{{ID: "d2"}}, HasNext: false})
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Login(context.Background(), "admin", "admin"))

	devices, err := c.ListGroupDevices(context.Background(), "group-1")
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, 2, calls)
}
