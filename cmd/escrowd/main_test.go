package main

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowchain/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestNewNodeMemoryStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	n, err := newNode(cfg, []byte("secret"), discardLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer n.Close()

	client, freelancer := testAccount(1), testAccount(2)
	if _, err := n.ledger.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(10)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.feed.LatestSequence() != 1 {
		t.Fatalf("expected ledger events routed to the feed, latest %d", n.feed.LatestSequence())
	}

	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"projects":1`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewNodeLevelDBPersists(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	client, freelancer := testAccount(3), testAccount(4)

	first, err := newNode(cfg, []byte("secret"), discardLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := first.ledger.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(7)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := newNode(cfg, []byte("secret"), discardLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	count, err := second.ledger.ProjectCount()
	if err != nil || count != 1 {
		t.Fatalf("expected persisted project, got %d (%v)", count, err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.RPC.JWTSecretEnv = "ESCROWD_TEST_SECRET"
	t.Setenv("ESCROWD_TEST_SECRET", "secret")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, discardLogger())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
}

func TestRunRequiresSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	cfg.RPC.JWTSecretEnv = "ESCROWD_TEST_MISSING_SECRET"
	t.Setenv("ESCROWD_TEST_MISSING_SECRET", "")
	if err := run(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestNewNodeLevelDBContinuesEventSequence(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	client, freelancer := testAccount(5), testAccount(6)

	first, err := newNode(cfg, []byte("secret"), discardLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	id, err := first.ledger.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(9)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := first.ledger.FundMilestone(client, id, 0); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := newNode(cfg, []byte("secret"), discardLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if got := second.feed.LatestSequence(); got != 2 {
		t.Fatalf("expected restored feed head 2, got %d", got)
	}
	if err := second.ledger.SubmitMilestone(freelancer, id, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	records := second.feed.Since(0, 0)
	if len(records) != 1 || records[0].Sequence != 3 {
		t.Fatalf("expected the next event to carry sequence 3, got %+v", records)
	}
}
