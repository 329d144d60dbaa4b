package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Enqueue asks the daemon to read and enqueue the files at the given paths.
func (c *Client) Enqueue(paths []string) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.client.Call("Uploadq.Enqueue", EnqueueRequest{Paths: paths}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Retry requeues a failure-family item.
func (c *Client) Retry(id string) (*RetryResponse, error) {
	var resp RetryResponse
	if err := c.client.Call("Uploadq.Retry", RetryRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Remove deletes an item, aborting its upload if one is in flight.
func (c *Client) Remove(id string) (*RemoveResponse, error) {
	var resp RemoveResponse
	if err := c.client.Call("Uploadq.Remove", RemoveRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clear removes items wholesale, optionally restricted to the failure family.
func (c *Client) Clear(failedOnly bool) (*ClearResponse, error) {
	var resp ClearResponse
	if err := c.client.Call("Uploadq.Clear", ClearRequest{FailedOnly: failedOnly}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
