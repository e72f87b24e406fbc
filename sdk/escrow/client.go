// Package escrow is a Go client for the escrow node JSON-RPC API.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"

	"escrowchain/core/events"
	ledger "escrowchain/native/escrow"
)

const jsonRPCVersion = "2.0"

// Client wraps a JSON-RPC endpoint and exposes typed escrow calls.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	nextID     *atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sets the bearer token attached to mutating calls.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("escrow client: endpoint required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return nil, fmt.Errorf("escrow client: endpoint %q must be http or https", endpoint)
	}
	c := &Client{
		endpoint:   trimmed,
		httpClient: http.DefaultClient,
		nextID:     new(atomic.Int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

// WithToken returns a client sharing the transport that authenticates as the
// holder of token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.authToken = strings.TrimSpace(token)
	return &clone
}

// Endpoint returns the configured JSON-RPC URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int64         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC failure that does not belong to the ledger taxonomy.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if detail := e.detail(); detail != "" {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, detail)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) detail() string {
	if len(e.Data) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(e.Data, &text); err == nil {
		return text
	}
	return string(e.Data)
}

// decodeError turns a ledger taxonomy code back into *ledger.Error so callers
// can match sentinels with errors.Is. The actionable text becomes Detail.
func decodeError(op ledger.Operation, rpcErr *RPCError) error {
	if rpcErr.Code > 0 && ledger.ErrorCode(rpcErr.Code).Valid() {
		return ledger.ErrorFromCode(ledger.ErrorCode(rpcErr.Code), op, rpcErr.detail())
	}
	return rpcErr
}

// UserMessage returns the actionable text carried by a ledger error received
// from the node, or err's text otherwise.
func UserMessage(err error) string {
	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) && ledgerErr.Detail != "" {
		return ledgerErr.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Client) call(ctx context.Context, op ledger.Operation, method string, authenticated bool, params interface{}, out interface{}) error {
	req := rpcRequest{JSONRPC: jsonRPCVersion, Method: method, ID: c.nextID.Add(1)}
	if params != nil {
		req.Params = []interface{}{params}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("escrow client: encode %s: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("escrow client: build %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authenticated {
		if c.authToken == "" {
			return fmt.Errorf("escrow client: %s requires an auth token", method)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("escrow client: %s: %w", method, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("escrow client: read %s response: %w", method, err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("escrow client: %s: http %d: %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decodeError(op, decoded.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("escrow client: decode %s result: %w", method, err)
	}
	return nil
}

// CreateProject registers a project on behalf of the token holder, who must
// be the client. Amounts are sent as decimal strings.
func (c *Client) CreateProject(ctx context.Context, client, freelancer string, amounts []*big.Int) (uint64, error) {
	encoded := make([]string, len(amounts))
	for i, amount := range amounts {
		if amount == nil {
			return 0, fmt.Errorf("escrow client: amount %d is nil", i)
		}
		encoded[i] = amount.String()
	}
	params := map[string]interface{}{
		"client":     client,
		"freelancer": freelancer,
		"amounts":    encoded,
	}
	var result struct {
		ID uint64 `json:"id"`
	}
	if err := c.call(ctx, ledger.OpCreateProject, "escrow_createProject", true, params, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

type milestoneResult struct {
	Status string `json:"status"`
	Amount string `json:"amount"`
}

func (c *Client) milestoneCall(ctx context.Context, op ledger.Operation, method string, id uint64, index uint32) (*milestoneResult, error) {
	params := map[string]interface{}{"id": id, "milestone": index}
	var result milestoneResult
	if err := c.call(ctx, op, method, true, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FundMilestone moves a pending milestone to funded and returns its amount.
func (c *Client) FundMilestone(ctx context.Context, id uint64, index uint32) (*big.Int, error) {
	result, err := c.milestoneCall(ctx, ledger.OpFundMilestone, "escrow_fundMilestone", id, index)
	if err != nil {
		return nil, err
	}
	return parseAmount(result.Amount)
}

// SubmitMilestone marks a funded milestone as submitted by the freelancer.
func (c *Client) SubmitMilestone(ctx context.Context, id uint64, index uint32) error {
	_, err := c.milestoneCall(ctx, ledger.OpSubmitMilestone, "escrow_submitMilestone", id, index)
	return err
}

// ReleaseMilestone pays out a submitted milestone and returns its amount.
func (c *Client) ReleaseMilestone(ctx context.Context, id uint64, index uint32) (*big.Int, error) {
	result, err := c.milestoneCall(ctx, ledger.OpReleaseMilestone, "escrow_releaseMilestone", id, index)
	if err != nil {
		return nil, err
	}
	return parseAmount(result.Amount)
}

func (c *Client) Balance(ctx context.Context, id uint64) (*big.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, ledger.OpGetBalance, "escrow_getBalance", false, map[string]uint64{"id": id}, &result); err != nil {
		return nil, err
	}
	return parseAmount(result.Balance)
}

func (c *Client) Project(ctx context.Context, id uint64) (*Project, error) {
	var raw projectJSON
	if err := c.call(ctx, ledger.OpGetProject, "escrow_getProject", false, map[string]uint64{"id": id}, &raw); err != nil {
		return nil, err
	}
	return raw.decode()
}

func (c *Client) ProjectCount(ctx context.Context) (uint64, error) {
	var result struct {
		Count uint64 `json:"count"`
	}
	if err := c.call(ctx, ledger.OpGetProjectCount, "escrow_getProjectCount", false, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// ListProjects returns the ids of projects where account holds role
// ("client", "freelancer" or "any").
func (c *Client) ListProjects(ctx context.Context, account, role string) ([]uint64, error) {
	var result struct {
		IDs []uint64 `json:"ids"`
	}
	params := map[string]string{"account": account, "role": role}
	if err := c.call(ctx, ledger.OpListProjects, "escrow_listProjects", false, params, &result); err != nil {
		return nil, err
	}
	return result.IDs, nil
}

// ListEvents pages through retained ledger events after the given sequence.
// The second return value is the latest sequence known to the node.
func (c *Client) ListEvents(ctx context.Context, after uint64, limit int) ([]events.Record, uint64, error) {
	var result struct {
		Events []events.Record `json:"events"`
		Latest uint64          `json:"latest"`
	}
	params := map[string]interface{}{"after": after, "limit": limit}
	if err := c.call(ctx, "", "escrow_listEvents", false, params, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.Latest, nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("escrow client: invalid amount %q", value)
	}
	return amount, nil
}
