package main

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"escrowchain/core/events"
	escrowsdk "escrowchain/sdk/escrow"
)

// NodeClient is the subset of the node's JSON-RPC surface used by the
// gateway. Mutations carry the caller's bearer token so the ledger sees the
// original caller.
type NodeClient interface {
	CreateProject(ctx context.Context, token, client, freelancer string, amounts []*big.Int) (uint64, error)
	FundMilestone(ctx context.Context, token string, id uint64, index uint32) (*big.Int, error)
	SubmitMilestone(ctx context.Context, token string, id uint64, index uint32) error
	ReleaseMilestone(ctx context.Context, token string, id uint64, index uint32) (*big.Int, error)
	Project(ctx context.Context, id uint64) (*escrowsdk.Project, error)
	ProjectCount(ctx context.Context) (uint64, error)
	// FetchEvents also returns the node's latest sequence.
	FetchEvents(ctx context.Context, after uint64, limit int) ([]events.Record, uint64, error)
}

// RPCNodeClient implements NodeClient on top of the escrow SDK.
type RPCNodeClient struct {
	client *escrowsdk.Client
}

func NewRPCNodeClient(baseURL string) (*RPCNodeClient, error) {
	client, err := escrowsdk.New(baseURL, escrowsdk.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	if err != nil {
		return nil, err
	}
	return &RPCNodeClient{client: client}, nil
}

func (c *RPCNodeClient) CreateProject(ctx context.Context, token, client, freelancer string, amounts []*big.Int) (uint64, error) {
	return c.client.WithToken(token).CreateProject(ctx, client, freelancer, amounts)
}

func (c *RPCNodeClient) FundMilestone(ctx context.Context, token string, id uint64, index uint32) (*big.Int, error) {
	return c.client.WithToken(token).FundMilestone(ctx, id, index)
}

func (c *RPCNodeClient) SubmitMilestone(ctx context.Context, token string, id uint64, index uint32) error {
	return c.client.WithToken(token).SubmitMilestone(ctx, id, index)
}

func (c *RPCNodeClient) ReleaseMilestone(ctx context.Context, token string, id uint64, index uint32) (*big.Int, error) {
	return c.client.WithToken(token).ReleaseMilestone(ctx, id, index)
}

func (c *RPCNodeClient) Project(ctx context.Context, id uint64) (*escrowsdk.Project, error) {
	return c.client.Project(ctx, id)
}

func (c *RPCNodeClient) ProjectCount(ctx context.Context) (uint64, error) {
	return c.client.ProjectCount(ctx)
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]events.Record, uint64, error) {
	return c.client.ListEvents(ctx, after, limit)
}
