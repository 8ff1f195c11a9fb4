package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/divtxt/raftkv/raft"
)

// Client talks to one node's Service HTTP endpoints. Used by package proxy
// and raftkvctl; holds no leader-discovery logic of its own (that is the
// proxy's job).
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// NewClient returns a Client bound to a single node's endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

// Endpoint returns the node this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetLeader calls GET /service/leader.
func (c *Client) GetLeader(ctx context.Context) (LeaderInfo, error) {
	var out LeaderInfo
	err := c.get(ctx, "/service/leader", &out)
	return out, err
}

// GetConfiguration calls GET /service/configuration.
func (c *Client) GetConfiguration(ctx context.Context) ([]raft.Peer, error) {
	var out []raft.Peer
	err := c.get(ctx, "/service/configuration", &out)
	return out, err
}

// GetLeaderCommitIndex calls GET /service/commit-index.
func (c *Client) GetLeaderCommitIndex(ctx context.Context) (raft.LogIndex, raft.ResultCode, error) {
	var out commitIndexResponse
	if err := c.get(ctx, "/service/commit-index", &out); err != nil {
		return 0, raft.FAIL, err
	}
	return out.Index, out.Result, nil
}

// Replicate calls POST /service/replicate.
func (c *Client) Replicate(ctx context.Context, data []byte) (raft.LogIndex, raft.ResultCode, error) {
	var out replicateResponse
	if err := c.post(ctx, "/service/replicate", replicateRequest{Data: data}, &out); err != nil {
		return 0, raft.FAIL, err
	}
	if out.Error != "" {
		return out.Index, out.Result, fmt.Errorf("service: %s", out.Error)
	}
	return out.Index, out.Result, nil
}

// AddPeers calls POST /service/add-peers.
func (c *Client) AddPeers(ctx context.Context, peers []raft.Peer) (raft.ResultCode, error) {
	var out resultResponse
	err := c.post(ctx, "/service/add-peers", addPeersRequest{Peers: peers}, &out)
	return out.Result, err
}

// RemovePeers calls POST /service/remove-peers.
func (c *Client) RemovePeers(ctx context.Context, ids []raft.ServerId) (raft.ResultCode, error) {
	var out resultResponse
	err := c.post(ctx, "/service/remove-peers", removePeersRequest{Ids: ids}, &out)
	return out.Result, err
}

// ReadIndexGet calls POST /service/read.
func (c *Client) ReadIndexGet(ctx context.Context, leaderCommitIndex raft.LogIndex, key []byte, timeout time.Duration) ([]byte, error) {
	var out readResponse
	req := readRequest{LeaderCommitIndex: leaderCommitIndex, Key: key, TimeoutMs: timeout.Milliseconds()}
	if err := c.post(ctx, "/service/read", req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("service: %s", out.Error)
	}
	return out.Value, nil
}
