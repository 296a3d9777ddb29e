package control

import (
	"encoding/json"
	"fmt"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Client dials the control socket once per call, mirroring the server's
// one-request-per-connection convention.
type Client struct {
	socketPath string
}

// NewClient constructs a Client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(method string, params, result any) error {
	conn, err := dialControlSocket(c.socketPath, defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
	}

	if err := writeRequest(conn, Request{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	resp, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", method, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Init calls the server's Init method.
func (c *Client) Init(params InitParams) (InitResult, error) {
	var res InitResult
	err := c.call("Init", params, &res)
	return res, err
}

// OnSessionCreated calls the server's OnSessionCreated method.
func (c *Client) OnSessionCreated(params SessionCreatedParams) (SessionCreatedResult, error) {
	var res SessionCreatedResult
	err := c.call("OnSessionCreated", params, &res)
	return res, err
}

// Shutdown calls the server's Shutdown method.
func (c *Client) Shutdown(params ShutdownParams) (ShutdownResult, error) {
	var res ShutdownResult
	err := c.call("Shutdown", params, &res)
	return res, err
}

// Stats calls the server's Stats method.
func (c *Client) Stats() (StatsResult, error) {
	var res StatsResult
	err := c.call("Stats", nil, &res)
	return res, err
}
