// Copyright 2025 RecallSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syncer moves buffered local writes to the authoritative store and
// pulls fresh snapshots back. Everything here assumes the network can be
// absent for long stretches; failure is the normal case, not the exception.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Change is one queued mutation in wire form.
type Change struct {
	ID          string          `json:"id"`
	TargetTable string          `json:"target_table"`
	EntityID    string          `json:"entity_id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   int64           `json:"created_at"`
}

// SnapshotItem is one authoritative row in wire form.
type SnapshotItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Client is the transport to the authoritative store. Implementations must
// treat PushBatch as all-or-nothing: a nil return means the server accepted
// every change in the batch.
type Client interface {
	PushBatch(ctx context.Context, changes []Change) error
	PullSnapshot(ctx context.Context, entityType string) ([]SnapshotItem, error)
}

// HTTPClientOptions configures an HTTPClient. Zero values get defaults.
type HTTPClientOptions struct {
	BaseURL    string
	DeviceID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPClient talks JSON over HTTP to the sync server.
type HTTPClient struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTPClient from opts.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		deviceID:   opts.DeviceID,
		httpClient: httpClient,
	}
}

type batchRequest struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

type snapshotResponse struct {
	Items []SnapshotItem `json:"items"`
}

// PushBatch posts a batch of changes. Any non-2xx response is an error for
// the whole batch; the caller decides requeue versus terminal failure based
// on retry accounting, not on status codes.
func (c *HTTPClient) PushBatch(ctx context.Context, changes []Change) error {
	body, err := json.Marshal(batchRequest{DeviceID: c.deviceID, Changes: changes})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/changes/batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return fmt.Errorf("batch push failed: %s", responseError(resp))
}

// PullSnapshot fetches the full authoritative row set for one entity type.
func (c *HTTPClient) PullSnapshot(ctx context.Context, entityType string) ([]SnapshotItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/snapshots/"+entityType, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Device-Id", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("snapshot pull failed: %s", responseError(resp))
	}

	var parsed snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("snapshot pull failed: bad response body: %w", err)
	}
	return parsed.Items, nil
}

// responseError extracts a short error description from a failed response.
// The server sends {"message": "..."} on errors; fall back to the raw body.
func responseError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if msg, ok := parsed["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return fmt.Sprintf("status=%d message=%s", resp.StatusCode, msg)
		}
	}
	return fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
}
