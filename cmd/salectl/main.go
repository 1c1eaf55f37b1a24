package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tokensale/cmd/internal/passphrase"
	"tokensale/crypto"
	"tokensale/observability/logging"
	"tokensale/services/saled"
	"tokensale/services/saled/chain"
)

const defaultConfig = "services/saled/config.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: salectl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  deploy    deploy a Sale contract")
	fmt.Fprintln(w, "  create    open a sale slot")
	fmt.Fprintln(w, "  fund      approve and deposit the sale allocation")
	fmt.Fprintln(w, "  withdraw  pause a sale and withdraw unsold tokens")
	fmt.Fprintln(w, "  status    show a sale slot")
	fmt.Fprintln(w, "  amount    preview the deposit for a slot, or compute it offline")
	fmt.Fprintln(w, "  signer    print the configured operator address")
	fmt.Fprintln(w, "  keystore  write the configured signer key to a v3 keystore")
}

func passphrases(envVar string) func() (string, error) {
	return passphrase.NewSource(envVar).Get
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	var err error
	switch args[0] {
	case "deploy":
		err = runDeploy(args[1:], stdout, stderr)
	case "create":
		err = runCreate(args[1:], stdout, stderr)
	case "fund":
		err = runFund(args[1:], stdout, stderr)
	case "withdraw":
		err = runWithdraw(args[1:], stdout, stderr)
	case "status":
		err = runStatus(args[1:], stdout, stderr)
	case "amount":
		err = runAmount(args[1:], stdout, stderr)
	case "signer":
		err = runSigner(args[1:], stdout, stderr)
	case "keystore":
		err = runKeystore(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 1
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// connection holds the flags shared by every chain-facing command.
type connection struct {
	config   string
	rpc      string
	contract string
	keyEnv   string
	keystore string
	passEnv  string
	timeout  time.Duration
	verbose  bool
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (c *connection) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "path to saled configuration (yaml or toml)")
	fs.StringVar(&c.rpc, "rpc", "", "RPC endpoint, overrides chain.rpc_url")
	fs.StringVar(&c.contract, "contract", "", "Sale contract address, overrides chain.contract")
	fs.StringVar(&c.keyEnv, "key-env", "", "environment variable holding the signer key")
	fs.StringVar(&c.keystore, "keystore", "", "signer keystore path")
	fs.StringVar(&c.passEnv, "pass-env", "", "environment variable holding the keystore passphrase")
	fs.DurationVar(&c.timeout, "timeout", 0, "overall deadline for the command (0 waits per step only)")
	fs.BoolVar(&c.verbose, "v", false, "log progress to stderr")
}

// load reads the config file, when given, and layers the flag overrides.
func (c *connection) load() (saled.Config, error) {
	var cfg saled.Config
	if strings.TrimSpace(c.config) != "" {
		decoded, err := saled.DecodeConfig(c.config)
		if err != nil {
			return cfg, err
		}
		cfg = decoded
	} else if _, err := os.Stat(defaultConfig); err == nil {
		decoded, err := saled.DecodeConfig(defaultConfig)
		if err != nil {
			return cfg, err
		}
		cfg = decoded
	}
	if c.rpc != "" {
		cfg.Chain.RPCURL = c.rpc
	}
	if c.contract != "" {
		cfg.Chain.Contract = c.contract
	}
	if c.keyEnv != "" || c.keystore != "" {
		cfg.Chain.SignerKey = ""
		cfg.Chain.SignerKeyFile = ""
		cfg.Chain.SignerKeyEnv = c.keyEnv
		cfg.Chain.Keystore = c.keystore
	}
	if c.passEnv != "" {
		cfg.Chain.PassphraseEnv = c.passEnv
	}
	return cfg, nil
}

func (c *connection) connect(stderr io.Writer) (*saled.Runtime, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger, _ := logging.SetupWithOptions(logging.Options{Service: "salectl", Level: logging.ParseLevel(level), Output: stderr})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return saled.Connect(ctx, cfg, passphrases, logger)
}

func (c *connection) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if c.timeout <= 0 {
		return ctx, stop
	}
	timed, cancel := context.WithTimeout(ctx, c.timeout)
	return timed, func() {
		cancel()
		stop()
	}
}

func parseTokenID(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("-token-id is required")
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid -token-id %q", raw)
	}
	return id, nil
}

func runDeploy(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("deploy", stderr)
	var conn connection
	conn.register(fs)
	bytecodePath := fs.String("bytecode", "", "file holding the hex encoded Sale contract creation bytecode")
	receiver := fs.String("receiver", "", "sale proceeds receiver (defaults to the operator)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bytecodePath == "" {
		return errors.New("-bytecode is required")
	}
	raw, err := os.ReadFile(*bytecodePath)
	if err != nil {
		return fmt.Errorf("read bytecode: %w", err)
	}
	hexCode := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(hexCode, "0x") {
		hexCode = "0x" + hexCode
	}
	bytecode, err := hexutil.Decode(hexCode)
	if err != nil {
		return fmt.Errorf("decode bytecode: %w", err)
	}
	if *receiver != "" && !common.IsHexAddress(*receiver) {
		return fmt.Errorf("invalid -receiver %q", *receiver)
	}

	rt, err := conn.connect(stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	saleReceiver := rt.Operator
	if *receiver != "" {
		saleReceiver = common.HexToAddress(*receiver)
	}
	ctx, cancel := conn.context()
	defer cancel()
	result, err := rt.Orchestrator.DeploySale(ctx, bytecode, saleReceiver)
	if err != nil {
		printStepError(stderr, err)
		return err
	}
	printResult(stdout, result)
	fmt.Fprintf(stdout, "contract\t%s\n", result.Contract.Hex())
	return nil
}

func runCreate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("create", stderr)
	var conn connection
	conn.register(fs)
	tokenID := fs.String("token-id", "", "sale slot id")
	token := fs.String("token", "", "ERC20 token address")
	price := fs.String("price", "", "token price in the smallest unit of the payment asset")
	duration := fs.Int64("duration", 0, "sale duration in minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseTokenID(*tokenID)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(*token) {
		return fmt.Errorf("invalid -token %q", *token)
	}
	tokenPrice, ok := new(big.Int).SetString(strings.TrimSpace(*price), 10)
	if !ok {
		return fmt.Errorf("invalid -price %q", *price)
	}
	req := saled.CreateSaleRequest{
		TokenID:         id,
		Token:           common.HexToAddress(*token),
		TokenPrice:      tokenPrice,
		DurationMinutes: *duration,
	}

	rt, err := conn.connect(stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := conn.context()
	defer cancel()
	result, err := rt.Orchestrator.CreateSale(ctx, req)
	if err != nil {
		printStepError(stderr, err)
		return err
	}
	printResult(stdout, result)
	printSale(stdout, result.Sale, 0)
	return nil
}

func runFund(args []string, stdout, stderr io.Writer) error {
	return runSlotOperation("fund", args, stdout, stderr, func(ctx context.Context, o *saled.Orchestrator, id *big.Int) (*saled.Result, error) {
		return o.FundSale(ctx, id)
	})
}

func runWithdraw(args []string, stdout, stderr io.Writer) error {
	return runSlotOperation("withdraw", args, stdout, stderr, func(ctx context.Context, o *saled.Orchestrator, id *big.Int) (*saled.Result, error) {
		return o.PauseAndWithdraw(ctx, id)
	})
}

func runSlotOperation(name string, args []string, stdout, stderr io.Writer, op func(context.Context, *saled.Orchestrator, *big.Int) (*saled.Result, error)) error {
	fs := newFlagSet(name, stderr)
	var conn connection
	conn.register(fs)
	tokenID := fs.String("token-id", "", "sale slot id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseTokenID(*tokenID)
	if err != nil {
		return err
	}
	rt, err := conn.connect(stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := conn.context()
	defer cancel()
	result, err := op(ctx, rt.Orchestrator, id)
	if err != nil {
		printStepError(stderr, err)
		return err
	}
	printResult(stdout, result)
	if result.Deposit != nil {
		fmt.Fprintf(stdout, "deposit\t%s (%s tokens)\n", result.Deposit, saled.FormatUnits(result.Deposit, result.Decimals))
	}
	printSale(stdout, result.Sale, result.Decimals)
	return nil
}

func runStatus(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("status", stderr)
	var conn connection
	conn.register(fs)
	tokenID := fs.String("token-id", "", "sale slot id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseTokenID(*tokenID)
	if err != nil {
		return err
	}
	rt, err := conn.connect(stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := conn.context()
	defer cancel()
	status, err := rt.Orchestrator.Status(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sale %s: %s\n", id, status.Stage)
	if status.Stage == saled.StageNotCreated {
		return nil
	}
	printSale(stdout, status.Sale, 0)
	fmt.Fprintf(stdout, "remaining\t%s\n", status.Remaining)
	if status.Expired {
		fmt.Fprintln(stdout, "expired\ttrue")
	}
	return nil
}

func runAmount(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("amount", stderr)
	var conn connection
	conn.register(fs)
	tokenID := fs.String("token-id", "", "sale slot id to preview against live token metadata")
	supply := fs.String("supply", "", "offline: total supply in whole tokens, fractions allowed")
	decimals := fs.Int("decimals", 18, "offline: token decimals")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *supply != "" {
		total, err := saled.ParseUnits(*supply, *decimals)
		if err != nil {
			return err
		}
		deposit, err := saled.DepositAmount(total, *decimals)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "total_supply\t%s\n", total)
		fmt.Fprintf(stdout, "deposit\t%s (%s tokens)\n", deposit, saled.FormatUnits(deposit, *decimals))
		return nil
	}

	id, err := parseTokenID(*tokenID)
	if err != nil {
		return fmt.Errorf("%w (or pass -supply for an offline calculation)", err)
	}
	rt, err := conn.connect(stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := conn.context()
	defer cancel()
	preview, err := rt.Orchestrator.PreviewDeposit(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "token\t%s\n", preview.Token.Hex())
	fmt.Fprintf(stdout, "total_supply\t%s\n", preview.TotalSupply)
	fmt.Fprintf(stdout, "decimals\t%d\n", preview.Decimals)
	fmt.Fprintf(stdout, "deposit\t%s (%s tokens)\n", preview.Deposit, saled.FormatUnits(preview.Deposit, preview.Decimals))
	fmt.Fprintf(stdout, "allowance\t%s\n", preview.Allowance)
	fmt.Fprintf(stdout, "approval_needed\t%t\n", preview.ApprovalNeeded)
	return nil
}

func runSigner(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("signer", stderr)
	var conn connection
	conn.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := conn.load()
	if err != nil {
		return err
	}
	addr, err := saled.ConfiguredSigner(cfg, passphrases)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, addr.Hex())
	return nil
}

func runKeystore(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keystore", stderr)
	var conn connection
	conn.register(fs)
	out := fs.String("out", "", "output keystore path")
	newPassEnv := fs.String("new-pass-env", "", "environment variable holding the new keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *out)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	cfg, err := conn.load()
	if err != nil {
		return err
	}
	key, err := cfg.Chain.ResolveSigner(passphrases)
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*newPassEnv).Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "wrote keystore for %s to %s\n", key.Address().Hex(), *out)
	return nil
}

func printResult(w io.Writer, result *saled.Result) {
	header := fmt.Sprintf("operation %s: %s", result.OperationID, result.Op)
	if result.TokenID != nil {
		header += " sale " + result.TokenID.String()
	}
	fmt.Fprintln(w, header)
	printSteps(w, result.Steps)
}

func printSteps(w io.Writer, steps []saled.StepResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, step := range steps {
		detail := step.Reason
		if step.Status == saled.StepConfirmed {
			detail = fmt.Sprintf("%s block %d", step.TxHash.Hex(), step.BlockNumber)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", step.Step, step.Status, detail)
	}
	_ = tw.Flush()
}

func printSale(w io.Writer, sale chain.Sale, decimals int) {
	if !sale.Exists() {
		return
	}
	fmt.Fprintf(w, "token\t%s\n", sale.Token.Hex())
	fmt.Fprintf(w, "price\t%s\n", sale.TokenPrice)
	if decimals > 0 {
		fmt.Fprintf(w, "total_tokens\t%s (%s tokens)\n", sale.TotalTokens, saled.FormatUnits(sale.TotalTokens, decimals))
	} else {
		fmt.Fprintf(w, "total_tokens\t%s\n", sale.TotalTokens)
	}
	fmt.Fprintf(w, "tokens_sold\t%s\n", sale.TokensSold)
	fmt.Fprintf(w, "sale_end\t%s\n", sale.SaleEndDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "active\t%t\n", sale.SaleActive)
}

// printStepError reports the sub-steps an operation confirmed before failing.
func printStepError(w io.Writer, err error) {
	var stepErr *saled.StepError
	if !errors.As(err, &stepErr) || len(stepErr.Completed) == 0 {
		return
	}
	fmt.Fprintf(w, "%s failed at %s after:\n", stepErr.Op, stepErr.Step)
	printSteps(w, stepErr.Completed)
}
