package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowchain/core/events"
	"escrowchain/crypto"
	ledger "escrowchain/native/escrow"
	escrowsdk "escrowchain/sdk/escrow"
)

const (
	clientHex     = "0xc1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1"
	freelancerHex = "0xf1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1"
)

type fakeAPI struct {
	t            *testing.T
	create       func(client, freelancer string, amounts []*big.Int) (uint64, error)
	fund         func(id uint64, index uint32) (*big.Int, error)
	submit       func(id uint64, index uint32) error
	release      func(id uint64, index uint32) (*big.Int, error)
	project      func(id uint64) (*escrowsdk.Project, error)
	listProjects func(account, role string) ([]uint64, error)
	listEvents   func(after uint64, limit int) ([]events.Record, uint64, error)
}

func (f *fakeAPI) unexpected(method string) {
	f.t.Helper()
	f.t.Fatalf("unexpected RPC call for method %s", method)
}

func (f *fakeAPI) CreateProject(_ context.Context, client, freelancer string, amounts []*big.Int) (uint64, error) {
	if f.create == nil {
		f.unexpected("CreateProject")
	}
	return f.create(client, freelancer, amounts)
}

func (f *fakeAPI) FundMilestone(_ context.Context, id uint64, index uint32) (*big.Int, error) {
	if f.fund == nil {
		f.unexpected("FundMilestone")
	}
	return f.fund(id, index)
}

func (f *fakeAPI) SubmitMilestone(_ context.Context, id uint64, index uint32) error {
	if f.submit == nil {
		f.unexpected("SubmitMilestone")
	}
	return f.submit(id, index)
}

func (f *fakeAPI) ReleaseMilestone(_ context.Context, id uint64, index uint32) (*big.Int, error) {
	if f.release == nil {
		f.unexpected("ReleaseMilestone")
	}
	return f.release(id, index)
}

func (f *fakeAPI) Balance(context.Context, uint64) (*big.Int, error) {
	f.unexpected("Balance")
	return nil, nil
}

func (f *fakeAPI) Project(_ context.Context, id uint64) (*escrowsdk.Project, error) {
	if f.project == nil {
		f.unexpected("Project")
	}
	return f.project(id)
}

func (f *fakeAPI) ProjectCount(context.Context) (uint64, error) {
	f.unexpected("ProjectCount")
	return 0, nil
}

func (f *fakeAPI) ListProjects(_ context.Context, account, role string) ([]uint64, error) {
	if f.listProjects == nil {
		f.unexpected("ListProjects")
	}
	return f.listProjects(account, role)
}

func (f *fakeAPI) ListEvents(_ context.Context, after uint64, limit int) ([]events.Record, uint64, error) {
	if f.listEvents == nil {
		f.unexpected("ListEvents")
	}
	return f.listEvents(after, limit)
}

func (f *fakeAPI) StreamEvents(context.Context, uint64, func(events.Record) error) error {
	f.unexpected("StreamEvents")
	return nil
}

// installAPI swaps the API constructor for the duration of the test and
// records the endpoint and token it was built with.
func installAPI(t *testing.T, api *fakeAPI) *globalOptions {
	t.Helper()
	seen := &globalOptions{}
	original := newEscrowAPI
	newEscrowAPI = func(endpoint, token string) (escrowAPI, error) {
		seen.endpoint = endpoint
		seen.token = token
		return api, nil
	}
	t.Cleanup(func() { newEscrowAPI = original })
	return seen
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandArgValidation(t *testing.T) {
	t.Setenv(tokenEnv, "")
	installAPI(t, &fakeAPI{t: t})

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "usage", args: nil, wantErr: "Usage:"},
		{name: "unknown_command", args: []string{"unknown"}, wantErr: "Unknown command: unknown"},
		{name: "rpc_missing_value", args: []string{"--rpc"}, wantErr: "--rpc requires a value"},
		{
			name:    "create_missing_client",
			args:    []string{"--token", "t", "create", "--freelancer", freelancerHex, "--amounts", "100"},
			wantErr: "--client is required",
		},
		{
			name:    "create_bad_freelancer",
			args:    []string{"--token", "t", "create", "--client", clientHex, "--freelancer", "nope", "--amounts", "100"},
			wantErr: "--freelancer:",
		},
		{
			name:    "create_missing_amounts",
			args:    []string{"--token", "t", "create", "--client", clientHex, "--freelancer", freelancerHex},
			wantErr: "--amounts is required",
		},
		{
			name:    "create_fractional_amount",
			args:    []string{"--token", "t", "create", "--client", clientHex, "--freelancer", freelancerHex, "--amounts", "100,1.5"},
			wantErr: `entry 1 ("1.5") is not an integer`,
		},
		{
			name:    "create_without_token",
			args:    []string{"create", "--client", clientHex, "--freelancer", freelancerHex, "--amounts", "100"},
			wantErr: "a caller token is required",
		},
		{name: "fund_missing_id", args: []string{"--token", "t", "fund", "--milestone", "0"}, wantErr: "--id is required"},
		{name: "submit_without_token", args: []string{"submit", "--id", "1"}, wantErr: "a caller token is required"},
		{name: "get_positional", args: []string{"get", "--id", "1", "extra"}, wantErr: "unexpected positional arguments"},
		{name: "list_bad_role", args: []string{"list", "--account", clientHex, "--role", "owner"}, wantErr: "--role must be"},
		{name: "events_negative_limit", args: []string{"events", "--limit", "-1"}, wantErr: "--limit must be >= 0"},
		{name: "token_needs_identity", args: []string{"token"}, wantErr: "exactly one of --keystore or --account"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("expected exit 1, got %d (stdout %q)", code, stdout)
			}
			if !strings.Contains(stderr, tc.wantErr) {
				t.Fatalf("stderr %q does not contain %q", stderr, tc.wantErr)
			}
		})
	}
}

func TestCreateCommand(t *testing.T) {
	api := &fakeAPI{t: t}
	api.create = func(client, freelancer string, amounts []*big.Int) (uint64, error) {
		if client != clientHex || freelancer != freelancerHex {
			t.Fatalf("unexpected parties %s %s", client, freelancer)
		}
		if len(amounts) != 2 || amounts[0].Int64() != 100 || amounts[1].Int64() != 2000 {
			t.Fatalf("unexpected amounts %v", amounts)
		}
		return 7, nil
	}
	seen := installAPI(t, api)

	code, stdout, stderr := runCLI(t,
		"--rpc", "http://node:9000", "--token=caller-token",
		"create", "--client", clientHex, "--freelancer", freelancerHex, "--amounts", "100, 2_000",
	)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if seen.endpoint != "http://node:9000" || seen.token != "caller-token" {
		t.Fatalf("unexpected client options %+v", seen)
	}
	var out map[string]uint64
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["id"] != 7 {
		t.Fatalf("expected id 7, got %v", out)
	}
}

func TestMilestoneCommands(t *testing.T) {
	api := &fakeAPI{t: t}
	api.fund = func(id uint64, index uint32) (*big.Int, error) {
		if id != 3 || index != 1 {
			t.Fatalf("unexpected fund target %d/%d", id, index)
		}
		return big.NewInt(250), nil
	}
	api.submit = func(uint64, uint32) error { return nil }
	api.release = func(uint64, uint32) (*big.Int, error) { return big.NewInt(250), nil }
	t.Setenv(tokenEnv, "env-token")
	seen := installAPI(t, api)

	code, stdout, stderr := runCLI(t, "fund", "--id", "3", "--milestone", "1")
	if code != 0 {
		t.Fatalf("fund exit %d: %s", code, stderr)
	}
	if seen.token != "env-token" {
		t.Fatalf("expected token from environment, got %q", seen.token)
	}
	var funded map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &funded); err != nil {
		t.Fatalf("decode fund output: %v", err)
	}
	if funded["status"] != "funded" || funded["amount"] != "250" {
		t.Fatalf("unexpected fund output %v", funded)
	}

	code, stdout, _ = runCLI(t, "submit", "--id", "3", "--milestone", "1")
	if code != 0 || !strings.Contains(stdout, `"submitted"`) {
		t.Fatalf("submit exit %d output %s", code, stdout)
	}
	code, stdout, _ = runCLI(t, "release", "--id", "3", "--milestone", "1")
	if code != 0 || !strings.Contains(stdout, `"released"`) {
		t.Fatalf("release exit %d output %s", code, stdout)
	}
}

func TestLedgerErrorsPrintUserMessage(t *testing.T) {
	api := &fakeAPI{t: t}
	api.submit = func(uint64, uint32) error {
		return ledger.ErrorFromCode(ledger.CodeNotFunded, ledger.OpSubmitMilestone,
			"the client must fund this milestone before work can be submitted")
	}
	installAPI(t, api)

	code, _, stderr := runCLI(t, "--token", "t", "submit", "--id", "1", "--milestone", "0")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	want := "Error: the client must fund this milestone before work can be submitted (NotFunded)"
	if strings.TrimSpace(stderr) != want {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestGetCommandRendersProject(t *testing.T) {
	api := &fakeAPI{t: t}
	api.project = func(id uint64) (*escrowsdk.Project, error) {
		return &escrowsdk.Project{
			ID:         id,
			Client:     clientHex,
			Freelancer: freelancerHex,
			Milestones: []escrowsdk.Milestone{
				{Index: 0, Amount: big.NewInt(100), Status: ledger.MilestoneReleased},
				{Index: 1, Amount: big.NewInt(200), Status: ledger.MilestoneFunded},
			},
			TotalAmount:   big.NewInt(300),
			TotalFunded:   big.NewInt(300),
			TotalReleased: big.NewInt(100),
			Balance:       big.NewInt(200),
		}, nil
	}
	installAPI(t, api)

	code, stdout, stderr := runCLI(t, "get", "--id", "5")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var out projectOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.ID != 5 || out.Balance != "200" || len(out.Milestones) != 2 {
		t.Fatalf("unexpected project output %+v", out)
	}
	if out.Milestones[0].Status != "released" || out.Milestones[1].Status != "funded" {
		t.Fatalf("unexpected milestone statuses %+v", out.Milestones)
	}
}

func TestListAndEventsCommands(t *testing.T) {
	api := &fakeAPI{t: t}
	api.listProjects = func(account, role string) ([]uint64, error) {
		if role != "freelancer" {
			t.Fatalf("unexpected role %s", role)
		}
		return nil, nil
	}
	api.listEvents = func(after uint64, limit int) ([]events.Record, uint64, error) {
		if after != 2 || limit != 5 {
			t.Fatalf("unexpected paging %d/%d", after, limit)
		}
		return []events.Record{{Sequence: 3, Type: "escrow.milestone.funded"}}, 3, nil
	}
	installAPI(t, api)

	code, stdout, _ := runCLI(t, "list", "--account", freelancerHex, "--role", "freelancer")
	if code != 0 || !strings.Contains(stdout, `"ids": []`) {
		t.Fatalf("list exit %d output %s", code, stdout)
	}
	code, stdout, _ = runCLI(t, "events", "--after", "2", "--limit", "5")
	if code != 0 || !strings.Contains(stdout, `"latest": 3`) || !strings.Contains(stdout, "escrow.milestone.funded") {
		t.Fatalf("events exit %d output %s", code, stdout)
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	installAPI(t, &fakeAPI{t: t})
	t.Setenv("CLI_TEST_SECRET", "cli-secret")

	code, stdout, stderr := runCLI(t, "token", "--account", clientHex, "--secret-env", "CLI_TEST_SECRET",
		"--issuer", "escrow-cli", "--audience", "escrow-node", "--ttl", "5m")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	parsed, err := jwt.Parse(strings.TrimSpace(stdout), func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	}, jwt.WithIssuer("escrow-cli"), jwt.WithAudience("escrow-node"))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	got, err := crypto.ParseAccount(subject)
	want, _ := crypto.ParseAccount(clientHex)
	if err != nil || got != want {
		t.Fatalf("unexpected subject %q (%v)", subject, err)
	}
	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil || time.Until(expiry.Time) > 5*time.Minute {
		t.Fatalf("unexpected expiry %v (%v)", expiry, err)
	}

	t.Setenv("CLI_TEST_SECRET", "")
	code, _, stderr = runCLI(t, "token", "--account", clientHex, "--secret-env", "CLI_TEST_SECRET")
	if code != 1 || !strings.Contains(stderr, "CLI_TEST_SECRET is empty") {
		t.Fatalf("expected empty secret rejection, got %d %q", code, stderr)
	}
}
