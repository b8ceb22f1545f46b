package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskmux/taskmux/internal/broker/wire"
)

// Broker status strings the polling client reacts to. Mirrored here so
// the runner binary does not link the broker's dispatch machinery.
const (
	statusAlreadyCompleted = "already_completed"
	statusLeaseCapExceeded = "lease_cap_exceeded"
)

const maxResponseBytes = 8 << 20

// restClient is a thin typed wrapper over the broker's task REST API.
type restClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// newRESTClient builds a client for the given broker base URL. The
// default transport timeout exceeds the maximum reserve long-poll wait
// so held polls are not cut off client-side.
func newRESTClient(baseURL, token string, hc *http.Client) *restClient {
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	return &restClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  hc,
	}
}

// apiError is a non-2xx response from the broker.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.Status, e.Message)
}

type reserveArgs struct {
	WorkspaceID  string `json:"workspace_id"`
	ClientID     string `json:"client_id"`
	SurfaceType  string `json:"surface_type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
	WaitSeconds  int    `json:"wait_seconds,omitempty"`
}

func (c *restClient) reserve(ctx context.Context, args reserveArgs) ([]wire.Payload, error) {
	var out struct {
		Tasks []wire.Payload `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/reserve", args, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

type ackResponse struct {
	ExecutionID    string    `json:"execution_id"`
	LeaseID        string    `json:"lease_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Status         string    `json:"status"`
}

func (c *restClient) ack(ctx context.Context, taskID, leaseID, clientID string) (*ackResponse, error) {
	in := map[string]string{"lease_id": leaseID}
	if clientID != "" {
		in["client_id"] = clientID
	}
	var out ackResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/ack", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type progressResponse struct {
	ExecutionID    string    `json:"execution_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Status         string    `json:"status"`
}

func (c *restClient) progress(ctx context.Context, taskID, leaseID, clientID, message string) (*progressResponse, error) {
	in := map[string]string{"lease_id": leaseID}
	if clientID != "" {
		in["client_id"] = clientID
	}
	if message != "" {
		in["message"] = message
	}
	var out progressResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/progress", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// heldLease is one entry from the inflight listing: the payload plus
// the lease state needed to resume it.
type heldLease struct {
	Payload        wire.Payload `json:"payload"`
	LeaseID        string       `json:"lease_id"`
	Acked          bool         `json:"acked"`
	LeaseExpiresAt time.Time    `json:"lease_expires_at"`
}

func (c *restClient) inflight(ctx context.Context, clientID string) ([]heldLease, error) {
	var out struct {
		Tasks []heldLease `json:"tasks"`
	}
	path := "/v1/tasks/inflight?client_id=" + clientID
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

type submitResponse struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate"`
	WorkspaceID string `json:"workspace_id"`
	TaskID      string `json:"task_id"`
}

func (c *restClient) submit(ctx context.Context, taskID string, res wire.Result, clientID, leaseID string) (*submitResponse, error) {
	in := struct {
		ResultData wire.Result `json:"result_data"`
		ClientID   string      `json:"client_id,omitempty"`
		LeaseID    string      `json:"lease_id,omitempty"`
	}{ResultData: res, ClientID: clientID, LeaseID: leaseID}

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/result", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *restClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: eb.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
