// Package upstream is a thin REST client for the plant's upstream IoT
// platform (spec.md §4.G, §6 POST /api/sync-thingsboard). It speaks the
// entity-group/device/attribute surface of the platform's REST API,
// grounded on original_source's ThingsBoardClient: login, create device
// under an entity group, push server-scope attributes, and list the
// devices already registered in a group.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Device is an upstream device record, keyed by opaque platform ID.
type Device struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// GroupDevicesPage is one page of an entity group's device listing.
type GroupDevicesPage struct {
	Devices    []Device `json:"data"`
	TotalPages int      `json:"totalPages"`
	HasNext    bool     `json:"hasNext"`
}

// Client talks to the upstream platform over HTTP, holding a bearer
// token obtained via Login. Not safe for concurrent Login calls; reads
// and writes after login are safe to run concurrently.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New returns a client pointed at baseURL (no trailing slash expected).
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
	}
}

// Login authenticates and stores the returned bearer token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return fmt.Errorf("upstream: marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream: login failed: %s", describeError(resp))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("upstream: decode login response: %w", err)
	}
	c.token = out.Token
	return nil
}

// Authenticated reports whether Login has succeeded at least once.
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// CreateDevice registers a device under entityGroupID, retrying transient
// failures with exponential backoff. A device that already exists upstream
// is reported via ErrAlreadyExists so callers can treat it as idempotent.
func (c *Client) CreateDevice(ctx context.Context, entityGroupID string, device Device) (Device, error) {
	var created Device
	op := func() error {
		var err error
		created, err = c.createDeviceOnce(ctx, entityGroupID, device)
		if err != nil && isRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Device{}, err
	}
	return created, nil
}

func (c *Client) createDeviceOnce(ctx context.Context, entityGroupID string, device Device) (Device, error) {
	if c.token == "" {
		return Device{}, fmt.Errorf("upstream: not authenticated")
	}

	body, err := json.Marshal(device)
	if err != nil {
		return Device{}, fmt.Errorf("upstream: marshal device: %w", err)
	}

	url := fmt.Sprintf("%s/api/device?entityGroupId=%s", c.baseURL, entityGroupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Device{}, fmt.Errorf("upstream: build create-device request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Device{}, fmt.Errorf("upstream: create device request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return Device{}, ErrAlreadyExists
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Device{}, fmt.Errorf("upstream: create device failed (status %d): %s", resp.StatusCode, describeError(resp))
	}

	var created Device
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return Device{}, fmt.Errorf("upstream: decode create-device response: %w", err)
	}
	return created, nil
}

// UpdateAttributes pushes server-scope key/value attributes for a device.
func (c *Client) UpdateAttributes(ctx context.Context, deviceID string, attrs map[string]any) error {
	if c.token == "" {
		return fmt.Errorf("upstream: not authenticated")
	}

	body, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("upstream: marshal attributes: %w", err)
	}

	url := fmt.Sprintf("%s/api/plugins/telemetry/%s/SERVER_SCOPE", c.baseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build attributes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: attributes request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream: update attributes failed (status %d): %s", resp.StatusCode, describeError(resp))
	}
	return nil
}

// ListGroupDevices returns every device in an entity group, walking all
// pages of the platform's paginated listing.
func (c *Client) ListGroupDevices(ctx context.Context, entityGroupID string) ([]Device, error) {
	if c.token == "" {
		return nil, fmt.Errorf("upstream: not authenticated")
	}

	const pageSize = 100
	var all []Device
	for page := 0; ; page++ {
		url := fmt.Sprintf("%s/api/entityGroup/%s/devices?pageSize=%d&page=%d", c.baseURL, entityGroupID, pageSize, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("upstream: build list-devices request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: list devices request: %w", err)
		}

		var out GroupDevicesPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		statusOK := resp.StatusCode >= 200 && resp.StatusCode < 300
		resp.Body.Close()
		if !statusOK {
			return nil, fmt.Errorf("upstream: list devices failed (status %d)", resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("upstream: decode list-devices response: %w", decodeErr)
		}

		all = append(all, out.Devices...)
		if !out.HasNext || len(out.Devices) == 0 {
			break
		}
	}

	log.Debug().Str("entity_group_id", entityGroupID).Int("count", len(all)).Msg("upstream: listed group devices")
	return all, nil
}

// ErrAlreadyExists is returned by CreateDevice when the platform reports
// the device name is already registered in the entity group.
var ErrAlreadyExists = fmt.Errorf("upstream: device already exists")

func isRetryable(err error) bool {
	return err != nil && err != ErrAlreadyExists
}

func describeError(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil || len(body) == 0 {
		return resp.Status
	}
	return string(body)
}
