package saled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokensale/crypto"
	"tokensale/observability/logging"
	telemetry "tokensale/observability/otel"
	"tokensale/services/saled/chain"
)

// Runtime bundles the chain client, waiter and orchestrator built from a
// Config. saled and salectl share it.
type Runtime struct {
	Client       *chain.Client
	Waiter       *Waiter
	Orchestrator *Orchestrator
	Operator     common.Address
}

// Connect resolves the signer, dials the RPC endpoint and wires the
// orchestrator to the configured Sale contract.
func Connect(ctx context.Context, cfg Config, passphrases PassphraseSource, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	signer, err := cfg.Chain.ResolveSigner(passphrases)
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	chainCfg := chain.Config{
		EndpointURL:       cfg.Chain.RPCURL,
		SignerKey:         signer.PrivateKey,
		ContractAddress:   cfg.Chain.ContractAddress(),
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		Burst:             cfg.Chain.Burst,
	}
	if cfg.Chain.ChainID > 0 {
		chainCfg.ChainID = big.NewInt(cfg.Chain.ChainID)
	}
	client, err := chain.Dial(ctx, chainCfg)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}

	waiter := NewWaiter(client,
		WithTimeout(cfg.Wait.Timeout.Duration),
		WithPollInterval(cfg.Wait.PollInterval.Duration),
		WithDropAfter(cfg.Wait.DropAfter),
		WithWaiterLogger(logger),
	)
	tokens := func(addr common.Address) TokenContract {
		return chain.NewERC20Binding(client, addr)
	}
	base := []Option{
		WithLogger(logger),
		WithConfirmations(cfg.Confirmations),
		WithDeployer(chain.Deployer{Tx: client}),
	}
	orchestrator, err := NewOrchestrator(chain.NewSaleBinding(client, client.ContractAddress()), tokens, waiter, client.From(), append(base, opts...)...)
	if err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("chain connected",
		"rpc_url", logging.MaskURL(cfg.Chain.RPCURL),
		"chain_id", client.ChainID().String(),
		"contract", client.ContractAddress().Hex(),
		"operator", client.From().Hex())
	return &Runtime{Client: client, Waiter: waiter, Orchestrator: orchestrator, Operator: client.From()}, nil
}

// Close releases the RPC connection.
func (r *Runtime) Close() {
	if r != nil && r.Client != nil {
		r.Client.Close()
	}
}

// ConfiguredSigner is the signer address without dialling, used by tooling
// that only needs to display it.
func ConfiguredSigner(cfg Config, passphrases PassphraseSource) (common.Address, error) {
	c := cfg.Chain
	if c.SignerKey == "" && c.SignerKeyEnv == "" && c.SignerKeyFile == "" && c.Keystore != "" {
		return crypto.KeystoreAddress(c.Keystore)
	}
	signer, err := c.ResolveSigner(passphrases)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}

// Main initialises and runs the sale daemon.
func Main(passphrases PassphraseSource) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/saled/config.yaml", "path to saled configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateAdmin(); err != nil {
		return fmt.Errorf("admin config: %w", err)
	}
	if (cfg.Chain.ContractAddress() == common.Address{}) {
		return fmt.Errorf("chain contract must be configured; deploy one with salectl deploy")
	}

	env := strings.TrimSpace(os.Getenv("TOKENSALE_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "saled",
		Env:        env,
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("saled", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	runtime, err := Connect(ctx, cfg, passphrases, logger)
	cancel()
	if err != nil {
		return err
	}
	defer runtime.Close()

	adminOpts := []AdminOption{WithAdminLogger(logger)}
	if cfg.Admin.JWTSecret != "" {
		auth, err := NewAuthenticator(cfg.Admin.AuthConfig(), logger)
		if err != nil {
			return fmt.Errorf("init admin auth: %w", err)
		}
		adminOpts = append(adminOpts, WithAuthenticator(auth))
	} else {
		logger.Warn("admin api serving mutating routes without authentication")
	}

	// WriteTimeout must outlast a full lifecycle operation: every sub-step may
	// wait up to wait.timeout.
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewAdminServer(runtime.Orchestrator, adminOpts...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3*cfg.Wait.Timeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("saled listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
