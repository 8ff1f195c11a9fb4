package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/divtxt/raftkv/raft"
)

// Client is the outbound half of the HTTP+JSON peer transport: one
// *http.Client shared across peers, with every call bound by Timeout so no
// peer RPC can block a scheduler tick indefinitely.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a Client that bounds every RPC to timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) post(endpoint, path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(endpoint+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) SendRequestVote(peer raft.Peer, rpc *raft.RequestVote) (*raft.VoteResponse, error) {
	var resp raft.VoteResponse
	if err := c.post(peer.Endpoint, "/raft/request-vote", rpc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendAppendEntries(peer raft.Peer, rpc *raft.AppendEntries) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	if err := c.post(peer.Endpoint, "/raft/append-entries", rpc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendInstallSnapshot(peer raft.Peer, rpc *raft.InstallSnapshot) (*raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	if err := c.post(peer.Endpoint, "/raft/install-snapshot", rpc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var _ raft.Transport = (*Client)(nil)
