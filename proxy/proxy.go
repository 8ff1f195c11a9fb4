// Package proxy implements the Admin/Client Proxy: it routes
// client calls to whichever node it believes is the leader, and on a
// NOT_LEADER response (or a request error, which may mean the cached
// leader is down) refreshes its cached leader by asking a known node for
// GetLeader and retries once.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/service"
)

// Proxy fronts a cluster of service.Client endpoints.
type Proxy struct {
	mu        sync.Mutex
	endpoints []string
	clients   map[string]*service.Client
	leader    string // cached believed-leader endpoint, "" if unknown
	timeout   time.Duration
}

// New returns a Proxy that knows about the given seed endpoints (any subset
// of the cluster is enough to bootstrap leader discovery).
func New(endpoints []string, timeout time.Duration) *Proxy {
	p := &Proxy{
		endpoints: append([]string(nil), endpoints...),
		clients:   make(map[string]*service.Client, len(endpoints)),
		timeout:   timeout,
	}
	for _, e := range endpoints {
		p.clients[e] = service.NewClient(e, timeout)
	}
	return p
}

func (p *Proxy) clientFor(endpoint string) *service.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[endpoint]
	if !ok {
		c = service.NewClient(endpoint, p.timeout)
		p.clients[endpoint] = c
		p.endpoints = append(p.endpoints, endpoint)
	}
	return c
}

// refreshLeader asks every known endpoint for GetLeader until one answers,
// caches the result, and returns it.
func (p *Proxy) refreshLeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	endpoints := append([]string(nil), p.endpoints...)
	p.mu.Unlock()

	var lastErr error
	for _, e := range endpoints {
		info, err := p.clientFor(e).GetLeader(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !info.Ok || info.Endpoint == "" {
			continue
		}
		p.mu.Lock()
		p.leader = info.Endpoint
		p.mu.Unlock()
		return info.Endpoint, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("proxy: no known endpoint reports a leader")
	}
	return "", lastErr
}

func (p *Proxy) leaderEndpoint(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.leader
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	return p.refreshLeader(ctx)
}

func (p *Proxy) invalidateLeader(endpoint string) {
	p.mu.Lock()
	if p.leader == endpoint {
		p.leader = ""
	}
	p.mu.Unlock()
}

// withLeader runs fn against the cached leader, and once more against a
// freshly discovered leader if fn reports NOT_LEADER or an error.
func (p *Proxy) withLeader(ctx context.Context, fn func(*service.Client) (raft.ResultCode, error)) error {
	endpoint, err := p.leaderEndpoint(ctx)
	if err != nil {
		return err
	}
	result, err := fn(p.clientFor(endpoint))
	if err == nil && result != raft.NOT_LEADER {
		return nil
	}
	p.invalidateLeader(endpoint)

	endpoint, err = p.refreshLeader(ctx)
	if err != nil {
		return err
	}
	result, err = fn(p.clientFor(endpoint))
	if err != nil {
		return err
	}
	if result == raft.NOT_LEADER {
		return fmt.Errorf("proxy: %s still reports NOT_LEADER after refresh", endpoint)
	}
	return nil
}

// Replicate proposes data via the current leader, following one redirect if
// the cached leader turns out stale.
func (p *Proxy) Replicate(ctx context.Context, data []byte) (raft.LogIndex, error) {
	var index raft.LogIndex
	err := p.withLeader(ctx, func(c *service.Client) (raft.ResultCode, error) {
		var result raft.ResultCode
		var innerErr error
		index, result, innerErr = c.Replicate(ctx, data)
		return result, innerErr
	})
	return index, err
}

// AddPeers proposes a membership change via the current leader.
func (p *Proxy) AddPeers(ctx context.Context, peers []raft.Peer) error {
	return p.withLeader(ctx, func(c *service.Client) (raft.ResultCode, error) {
		return c.AddPeers(ctx, peers)
	})
}

// RemovePeers proposes a membership change via the current leader.
func (p *Proxy) RemovePeers(ctx context.Context, ids []raft.ServerId) error {
	return p.withLeader(ctx, func(c *service.Client) (raft.ResultCode, error) {
		return c.RemovePeers(ctx, ids)
	})
}

// GetLeader returns the endpoint of the node the proxy currently believes is
// the leader: the cached answer if there is one, otherwise a freshly
// discovered one.
func (p *Proxy) GetLeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.leader
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	return p.refreshLeader(ctx)
}

// GetLeaderCommitIndex returns the current leader's commit index.
func (p *Proxy) GetLeaderCommitIndex(ctx context.Context) (raft.LogIndex, error) {
	var index raft.LogIndex
	err := p.withLeader(ctx, func(c *service.Client) (raft.ResultCode, error) {
		var result raft.ResultCode
		var innerErr error
		index, result, innerErr = c.GetLeaderCommitIndex(ctx)
		if innerErr != nil {
			return raft.FAIL, innerErr
		}
		return result, nil
	})
	return index, err
}

// Get performs a linearizable read via the read-index protocol:
// fetch the leader's commit index, then ask endpoint (any node, leader or
// follower) to wait for that index and serve the read.
func (p *Proxy) Get(ctx context.Context, endpoint string, key []byte) ([]byte, error) {
	commitIndex, err := p.GetLeaderCommitIndex(ctx)
	if err != nil {
		return nil, err
	}
	return p.clientFor(endpoint).ReadIndexGet(ctx, commitIndex, key, p.timeout)
}

// GetConfiguration asks any known endpoint for the committed configuration.
func (p *Proxy) GetConfiguration(ctx context.Context) ([]raft.Peer, error) {
	p.mu.Lock()
	endpoints := append([]string(nil), p.endpoints...)
	p.mu.Unlock()
	var lastErr error
	for _, e := range endpoints {
		peers, err := p.clientFor(e).GetConfiguration(ctx)
		if err == nil {
			return peers, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
