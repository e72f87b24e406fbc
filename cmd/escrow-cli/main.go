package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"

	"escrowchain/core/events"
	ledger "escrowchain/native/escrow"
	escrowsdk "escrowchain/sdk/escrow"
)

const (
	rpcURLEnv          = "ESCROW_RPC_URL"
	tokenEnv           = "ESCROW_TOKEN"
	keystorePassEnv    = "ESCROW_KEYSTORE_PASS"
	defaultRPCEndpoint = "http://localhost:8545"
)

// escrowAPI is the subset of the SDK client used by the CLI.
type escrowAPI interface {
	CreateProject(ctx context.Context, client, freelancer string, amounts []*big.Int) (uint64, error)
	FundMilestone(ctx context.Context, id uint64, index uint32) (*big.Int, error)
	SubmitMilestone(ctx context.Context, id uint64, index uint32) error
	ReleaseMilestone(ctx context.Context, id uint64, index uint32) (*big.Int, error)
	Balance(ctx context.Context, id uint64) (*big.Int, error)
	Project(ctx context.Context, id uint64) (*escrowsdk.Project, error)
	ProjectCount(ctx context.Context) (uint64, error)
	ListProjects(ctx context.Context, account, role string) ([]uint64, error)
	ListEvents(ctx context.Context, after uint64, limit int) ([]events.Record, uint64, error)
	StreamEvents(ctx context.Context, after uint64, handle func(events.Record) error) error
}

var newEscrowAPI = func(endpoint, token string) (escrowAPI, error) {
	return escrowsdk.New(endpoint, escrowsdk.WithAuthToken(token))
}

type globalOptions struct {
	endpoint string
	token    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobalFlags(args)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "generate-key":
		return runGenerateKey(cmdArgs, stdout, stderr)
	case "token":
		return runToken(cmdArgs, stdout, stderr)
	case "create":
		return runCreate(ctx, opts, cmdArgs, stdout, stderr)
	case "fund":
		return runMilestone(ctx, opts, ledger.OpFundMilestone, cmdArgs, stdout, stderr)
	case "submit":
		return runMilestone(ctx, opts, ledger.OpSubmitMilestone, cmdArgs, stdout, stderr)
	case "release":
		return runMilestone(ctx, opts, ledger.OpReleaseMilestone, cmdArgs, stdout, stderr)
	case "get":
		return runGet(ctx, opts, cmdArgs, stdout, stderr)
	case "balance":
		return runBalance(ctx, opts, cmdArgs, stdout, stderr)
	case "count":
		return runCount(ctx, opts, cmdArgs, stdout, stderr)
	case "list":
		return runList(ctx, opts, cmdArgs, stdout, stderr)
	case "events":
		return runEvents(ctx, opts, cmdArgs, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// parseGlobalFlags consumes --rpc and --token ahead of the subcommand.
func parseGlobalFlags(args []string) (globalOptions, []string, error) {
	opts := globalOptions{
		endpoint: strings.TrimSpace(os.Getenv(rpcURLEnv)),
		token:    strings.TrimSpace(os.Getenv(tokenEnv)),
	}
	if opts.endpoint == "" {
		opts.endpoint = defaultRPCEndpoint
	}
	for len(args) > 0 {
		arg := args[0]
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || (name != "rpc" && name != "token") {
			break
		}
		if !hasValue {
			if len(args) < 2 {
				return opts, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[1]
			args = args[2:]
		} else {
			args = args[1:]
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return opts, nil, fmt.Errorf("--%s cannot be empty", name)
		}
		if name == "rpc" {
			opts.endpoint = value
		} else {
			opts.token = value
		}
	}
	return opts, args, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

// printCallError renders ledger rejections with their actionable message.
func printCallError(w io.Writer, err error) int {
	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) {
		fmt.Fprintf(w, "Error: %s (%s)\n", escrowsdk.UserMessage(err), ledgerErr.Code)
		return 1
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeJSON(w io.Writer, value interface{}) int {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return printError(w, err.Error())
	}
	fmt.Fprintln(w, string(encoded))
	return 0
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] [--token JWT] <command> [flags]

Commands:
  generate-key  Create a new account key in an encrypted keystore
  token         Mint a development caller token for an account
  create        Create a project with milestone amounts (client only)
  fund          Fund a pending milestone (client only)
  submit        Submit a funded milestone (freelancer only)
  release       Release a submitted milestone (client only)
  get           Show a project snapshot
  balance       Show the amount held in escrow for a project
  count         Show the number of projects created
  list          List project ids for an account
  events        Page through or follow ledger events

Environment:
  ESCROW_RPC_URL        node endpoint (default http://localhost:8545)
  ESCROW_TOKEN          bearer token for mutating commands
  ESCROW_KEYSTORE_PASS  keystore passphrase (prompted when unset)
`)
}
