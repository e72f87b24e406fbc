package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowchain/core/events"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
)

const testJWTSecret = "rpc-test-secret"

type testEnv struct {
	server     *Server
	ledger     *escrow.Ledger
	feed       *events.Feed
	client     [20]byte
	freelancer [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, ServerConfig{})
}

func newTestEnvWithConfig(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	ledger := escrow.NewLedger(escrow.NewMemStore())
	feed := events.NewFeed(16)
	ledger.SetEmitter(feed)
	if len(cfg.JWTSecret) == 0 {
		cfg.JWTSecret = []byte(testJWTSecret)
	}
	cfg.JWTIssuer = "rpc-tests"
	server := NewServer(ledger, feed, cfg, nil)
	return &testEnv{
		server:     server,
		ledger:     ledger,
		feed:       feed,
		client:     testAccount(0xC1),
		freelancer: testAccount(0xF1),
	}
}

func testAccount(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (env *testEnv) token(t *testing.T, account [20]byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": crypto.FormatAccount(account),
		"iss": "rpc-tests",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// call issues a JSON-RPC request through the full router. An empty bearer
// token sends the request anonymously.
func (env *testEnv) call(t *testing.T, bearer, method string, params ...interface{}) (*httptest.ResponseRecorder, json.RawMessage, *RPCError) {
	t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	for _, p := range params {
		req.Params = append(req.Params, marshalParam(t, p))
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, httpReq)
	result, rpcErr := decodeRPCResponse(t, recorder)
	return recorder, result, rpcErr
}

func (env *testEnv) createProject(t *testing.T, amounts ...string) uint64 {
	t.Helper()
	_, raw, rpcErr := env.call(t, env.token(t, env.client), "escrow_createProject", map[string]interface{}{
		"client":     crypto.FormatAccount(env.client),
		"freelancer": crypto.FormatAccount(env.freelancer),
		"amounts":    amounts,
	})
	if rpcErr != nil {
		t.Fatalf("create project: %+v", rpcErr)
	}
	var result CreateProjectResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	return result.ID
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp.Result, resp.Error
}
