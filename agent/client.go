package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// heartbeatResponse is the server's reply to a heartbeat.
type heartbeatResponse struct {
	Status       string            `json:"status"`
	AgentStatus  fleet.AgentStatus `json:"agent_status"`
	PollInterval int               `json:"poll_interval_seconds"`
}

// apiClient speaks the agent half of the hive HTTP API.
type apiClient struct {
	base   string
	http   *http.Client
	retry  *retrier
	logger zerolog.Logger
}

func newAPIClient(base string, client *http.Client, retry *retrier, logger zerolog.Logger) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		http:   client,
		retry:  retry,
		logger: logger,
	}
}

func (c *apiClient) Enroll(ctx context.Context, req auth.EnrollmentRequest) (*auth.EnrollmentResponse, error) {
	var out auth.EnrollmentResponse
	if err := c.call(ctx, http.MethodPost, "/v1/enroll", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Heartbeat(ctx context.Context, agentID string, t fleet.Telemetry) (*heartbeatResponse, error) {
	var out heartbeatResponse
	path := "/v1/agents/" + url.PathEscape(agentID) + "/heartbeat"
	if err := c.call(ctx, http.MethodPost, path, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Pending(ctx context.Context, agentID string) ([]fleet.Command, error) {
	var out []fleet.Command
	path := "/v1/agents/" + url.PathEscape(agentID) + "/commands/pending"
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Ack(ctx context.Context, commandID string, req dispatch.AckRequest) (*dispatch.AckResult, error) {
	var out dispatch.AckResult
	path := "/v1/commands/" + url.PathEscape(commandID) + "/status"
	if err := c.call(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one API request with retries on transport errors, 5xx and 429.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = data
	}

	return c.retry.do(ctx, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", "hive-agent/"+Version)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if isRetryableStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, resp.Body)
			return retryableStatusError{status: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return decodeAPIError(resp)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, isRetryableHTTP)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Code: body.Code, Message: msg}
}
