package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
)

// statusView mirrors internal/admin's statusResponse JSON shape.
type statusView struct {
	LocalNID      ctdbproto.NID `json:"local_nid"`
	NumActive     int           `json:"num_active"`
	Generation    uint32        `json:"generation"`
	LastRecovery  string        `json:"last_recovery,omitempty"`
	LastReason    string        `json:"last_reason,omitempty"`
	RecoveryCount int           `json:"recovery_count"`
	LastError     string        `json:"last_error,omitempty"`
}

// adminClient is a thin HTTP client for recoverd's JSON admin API.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(baseURL string, hc *http.Client) *adminClient {
	return &adminClient{baseURL: baseURL, http: hc}
}

func (c *adminClient) getStatus(ctx context.Context) (statusView, error) {
	var v statusView
	err := c.getJSON(ctx, "/status", &v)
	return v, err
}

func (c *adminClient) forceRecover(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recover", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST /recover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST /recover: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *adminClient) getNodeMap(ctx context.Context) (ctdbproto.NodeMap, error) {
	var v ctdbproto.NodeMap
	err := c.getJSON(ctx, "/nodemap", &v)
	return v, err
}

func (c *adminClient) getVNNMap(ctx context.Context) (ctdbproto.RoutingMap, error) {
	var v ctdbproto.RoutingMap
	err := c.getJSON(ctx, "/vnnmap", &v)
	return v, err
}

func (c *adminClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
