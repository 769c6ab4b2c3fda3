package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

// httpConn is a long-lived client handle to an HTTP-based tool server.
// Calls are naturally concurrent - http.Client already pools connections.
type httpConn struct {
	name   string
	def    *policy.ServerDef
	logger core.Logger
	client *http.Client
	token  string
}

func newHTTPConn(name string, def *policy.ServerDef, logger core.Logger) *httpConn {
	return &httpConn{
		name:   name,
		def:    def,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpConn) Start(ctx context.Context) error {
	if c.def.BaseURL == "" {
		return core.NewError("transport.http.Start", "config", core.ErrInvalidConfiguration).WithID(c.name)
	}
	if c.def.AuthEnvVar != "" {
		c.token = os.Getenv(c.def.AuthEnvVar)
	}
	return nil
}

func (c *httpConn) Call(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, core.NewError("transport.http.Call", "transport", core.ErrTransport).WithID(err.Error())
	}

	url := strings.TrimRight(c.def.BaseURL, "/") + "/tools/" + method

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewError("transport.http.Call", "transport", core.ErrTransport).WithID(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewError("transport.http.Call", "transport", core.ErrTimeout).WithID(method)
		}
		return nil, core.NewError("transport.http.Call", "transport", core.ErrTransport).WithID(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, core.NewError("transport.http.Call", "tool", core.ErrTool).WithID(fmt.Sprintf("http %d: %s", resp.StatusCode, respBody))
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, core.NewError("transport.http.Call", "transport", core.ErrTransport).WithID(err.Error())
		}
	}
	return result, nil
}

func (c *httpConn) HealthCheck(ctx context.Context) error {
	path := c.def.HealthPath
	if path == "" {
		path = "/health"
	}
	url := strings.TrimRight(c.def.BaseURL, "/") + path

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.NewError("transport.http.HealthCheck", "transport", core.ErrTransport).WithID(err.Error())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return core.NewError("transport.http.HealthCheck", "transport", core.ErrServerUnavailable).WithID(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.NewError("transport.http.HealthCheck", "transport", core.ErrServerUnavailable).WithID(fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *httpConn) Stop(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}
