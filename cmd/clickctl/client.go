package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clickd/internal/ctl"
)

// client speaks JSON-RPC 2.0 to a clickd control endpoint over HTTP.
type client struct {
	addr  string
	token string
	http  *http.Client
}

func newClient(addr, token string) *client {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr != "" && !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		addr:  addr,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) invoke(method string, params, out any) error {
	body, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bad control address %q: %w", c.addr, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach clickd at %s (is the daemon running?): %w", c.addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New("authorization failed: pass --token or set CLICKD_TOKEN")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected response from %s: %s", c.addr, resp.Status)
		}
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s (code %d)", env.Error.Message, env.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *client) SystemStatus() (*ctl.SystemStatus, error) {
	var s ctl.SystemStatus
	if err := c.invoke("system.status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *client) Logs(lines int) (*ctl.LogsResult, error) {
	var r ctl.LogsResult
	if err := c.invoke("system.logs", &ctl.LogsParams{Lines: lines}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *client) List() (*ctl.ListResult, error) {
	var r ctl.ListResult
	if err := c.invoke("target.list", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *client) TargetStatus(id string) (*ctl.TargetStatus, error) {
	var t ctl.TargetStatus
	if err := c.invoke("target.status", &ctl.TargetParams{ID: id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *client) Start(id, interval string) (*ctl.TargetStatus, error) {
	var t ctl.TargetStatus
	if err := c.invoke("target.start", &ctl.StartParams{ID: id, Interval: interval}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// target targets the stop/pause/resume/run family, which all take a bare id
// and return the refreshed status.
func (c *client) target(method, id string) (*ctl.TargetStatus, error) {
	var t ctl.TargetStatus
	if err := c.invoke(method, &ctl.TargetParams{ID: id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
