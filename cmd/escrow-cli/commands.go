package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"escrowchain/cmd/internal/passphrase"
	"escrowchain/core/events"
	"escrowchain/crypto"
	ledger "escrowchain/native/escrow"
	escrowsdk "escrowchain/sdk/escrow"
)

var keystorePassphrase = func() (string, error) {
	return passphrase.NewSource(keystorePassEnv).Get()
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	var dir string
	fs.StringVar(&dir, "keystore-dir", "./keystore", "directory receiving the keystore file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	address := key.PubKey().Address()
	path := filepath.Join(dir, address.String()+".json")
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Keystore: %s\n", path)
	fmt.Fprintf(stdout, "Account:  %s\n", address.String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		keystorePath string
		account      string
		secretEnv    string
		issuer       string
		audience     string
		ttl          time.Duration
	)
	fs.StringVar(&keystorePath, "keystore", "", "keystore file identifying the caller")
	fs.StringVar(&account, "account", "", "caller account (esc bech32 or 0x hex)")
	fs.StringVar(&secretEnv, "secret-env", "ESCROW_JWT_SECRET", "environment variable holding the node's token secret")
	fs.StringVar(&issuer, "issuer", "", "token issuer claim")
	fs.StringVar(&audience, "audience", "", "token audience claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if (keystorePath == "") == (account == "") {
		return printError(stderr, "exactly one of --keystore or --account is required")
	}
	if ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		return printError(stderr, fmt.Sprintf("environment variable %s is empty", secretEnv))
	}
	var caller [20]byte
	if keystorePath != "" {
		pass, err := keystorePassphrase()
		if err != nil {
			return printError(stderr, err.Error())
		}
		caller, err = crypto.KeystoreAccount(keystorePath, pass)
		if err != nil {
			return printError(stderr, err.Error())
		}
	} else {
		parsed, err := crypto.ParseAccount(account)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--account: %v", err))
		}
		caller = parsed
	}
	token, err := escrowsdk.MintToken([]byte(secret), caller, issuer, audience, ttl)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runCreate(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var client, freelancer, amountsRaw string
	fs.StringVar(&client, "client", "", "client account (must match the token subject)")
	fs.StringVar(&freelancer, "freelancer", "", "freelancer account")
	fs.StringVar(&amountsRaw, "amounts", "", "comma separated milestone amounts, e.g. 100,200")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if client == "" {
		return printError(stderr, "--client is required")
	}
	if _, err := crypto.ParseAccount(client); err != nil {
		return printError(stderr, fmt.Sprintf("--client: %v", err))
	}
	if freelancer == "" {
		return printError(stderr, "--freelancer is required")
	}
	if _, err := crypto.ParseAccount(freelancer); err != nil {
		return printError(stderr, fmt.Sprintf("--freelancer: %v", err))
	}
	amounts, err := parseAmounts(amountsRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if opts.token == "" {
		return printError(stderr, "a caller token is required; pass --token or set "+tokenEnv)
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	id, err := api.CreateProject(ctx, client, freelancer, amounts)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, map[string]uint64{"id": id})
}

func runMilestone(ctx context.Context, opts globalOptions, op ledger.Operation, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(string(op), stderr)
	var id uint64
	var index uint
	fs.Uint64Var(&id, "id", 0, "project id")
	fs.UintVar(&index, "milestone", 0, "milestone index (0-based)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id is required")
	}
	if uint64(index) > uint64(^uint32(0)) {
		return printError(stderr, "--milestone is out of range")
	}
	if opts.token == "" {
		return printError(stderr, "a caller token is required; pass --token or set "+tokenEnv)
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result := map[string]interface{}{"id": id, "milestone": index}
	switch op {
	case ledger.OpFundMilestone:
		amount, err := api.FundMilestone(ctx, id, uint32(index))
		if err != nil {
			return printCallError(stderr, err)
		}
		result["status"] = ledger.MilestoneFunded.String()
		result["amount"] = amount.String()
	case ledger.OpSubmitMilestone:
		if err := api.SubmitMilestone(ctx, id, uint32(index)); err != nil {
			return printCallError(stderr, err)
		}
		result["status"] = ledger.MilestoneSubmitted.String()
	case ledger.OpReleaseMilestone:
		amount, err := api.ReleaseMilestone(ctx, id, uint32(index))
		if err != nil {
			return printCallError(stderr, err)
		}
		result["status"] = ledger.MilestoneReleased.String()
		result["amount"] = amount.String()
	default:
		return printError(stderr, fmt.Sprintf("unsupported operation %s", op))
	}
	return writeJSON(stdout, result)
}

type projectOutput struct {
	ID            uint64            `json:"id"`
	Client        string            `json:"client"`
	Freelancer    string            `json:"freelancer"`
	Milestones    []milestoneOutput `json:"milestones"`
	TotalAmount   string            `json:"totalAmount"`
	TotalFunded   string            `json:"totalFunded"`
	TotalReleased string            `json:"totalReleased"`
	Balance       string            `json:"balance"`
	Completed     bool              `json:"completed"`
}

type milestoneOutput struct {
	Index  uint32 `json:"index"`
	Amount string `json:"amount"`
	Status string `json:"status"`
}

func runGet(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "project id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id is required")
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	project, err := api.Project(ctx, id)
	if err != nil {
		return printCallError(stderr, err)
	}
	out := projectOutput{
		ID:            project.ID,
		Client:        project.Client,
		Freelancer:    project.Freelancer,
		Milestones:    make([]milestoneOutput, len(project.Milestones)),
		TotalAmount:   project.TotalAmount.String(),
		TotalFunded:   project.TotalFunded.String(),
		TotalReleased: project.TotalReleased.String(),
		Balance:       project.Balance.String(),
		Completed:     project.Completed,
	}
	for i, m := range project.Milestones {
		out.Milestones[i] = milestoneOutput{Index: m.Index, Amount: m.Amount.String(), Status: m.Status.String()}
	}
	return writeJSON(stdout, out)
}

func runBalance(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "project id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id is required")
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	balance, err := api.Balance(ctx, id)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, map[string]interface{}{"id": id, "balance": balance.String()})
}

func runCount(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("count", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	count, err := api.ProjectCount(ctx)
	if err != nil {
		return printCallError(stderr, err)
	}
	return writeJSON(stdout, map[string]uint64{"count": count})
}

func runList(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var account, role string
	fs.StringVar(&account, "account", "", "account to list projects for")
	fs.StringVar(&role, "role", "any", "client, freelancer or any")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if account == "" {
		return printError(stderr, "--account is required")
	}
	if _, err := crypto.ParseAccount(account); err != nil {
		return printError(stderr, fmt.Sprintf("--account: %v", err))
	}
	if _, ok := ledger.ParseRole(role); !ok {
		return printError(stderr, "--role must be client, freelancer or any")
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ids, err := api.ListProjects(ctx, account, role)
	if err != nil {
		return printCallError(stderr, err)
	}
	if ids == nil {
		ids = []uint64{}
	}
	return writeJSON(stdout, map[string]interface{}{"account": account, "role": role, "ids": ids})
}

func runEvents(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		after  uint64
		limit  int
		follow bool
	)
	fs.Uint64Var(&after, "after", 0, "only show events with a greater sequence")
	fs.IntVar(&limit, "limit", 100, "maximum number of events to page")
	fs.BoolVar(&follow, "follow", false, "stream new events until interrupted")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if limit < 0 {
		return printError(stderr, "--limit must be >= 0")
	}
	api, err := newEscrowAPI(opts.endpoint, opts.token)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if follow {
		err := api.StreamEvents(ctx, after, func(record events.Record) error {
			if code := writeJSON(stdout, record); code != 0 {
				return fmt.Errorf("write event %d", record.Sequence)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return printCallError(stderr, err)
		}
		return 0
	}
	records, latest, err := api.ListEvents(ctx, after, limit)
	if err != nil {
		return printCallError(stderr, err)
	}
	if records == nil {
		records = []events.Record{}
	}
	return writeJSON(stdout, map[string]interface{}{"events": records, "latest": latest})
}

// parseAmounts splits a comma separated list of base-10 integer amounts.
// Positivity is enforced by the ledger.
func parseAmounts(raw string) ([]*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("--amounts is required")
	}
	parts := strings.Split(trimmed, ",")
	amounts := make([]*big.Int, 0, len(parts))
	for i, part := range parts {
		value := strings.ReplaceAll(strings.TrimSpace(part), "_", "")
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("--amounts: entry %d (%q) is not an integer", i, part)
		}
		amounts = append(amounts, amount)
	}
	return amounts, nil
}
