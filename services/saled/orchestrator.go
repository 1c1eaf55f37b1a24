package saled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokensale/services/saled/chain"
)

// Lifecycle operation names.
const (
	OpCreate   = "create"
	OpFund     = "fund"
	OpWithdraw = "withdraw"
	OpDeploy   = "deploy"
)

// Sub-step names reported in results and errors.
const (
	StepCreate   = "create"
	StepApprove  = "approve"
	StepDeposit  = "deposit"
	StepPause    = "pause"
	StepWithdraw = "withdraw"
	StepDeploy   = "deploy"
	StepVerify   = "verify"
)

// SaleContract is the typed capability set of the deployed Sale contract.
type SaleContract interface {
	Address() common.Address
	Sale(ctx context.Context, tokenID *big.Int) (chain.Sale, error)
	AddTokenSale(ctx context.Context, tokenID *big.Int, token common.Address, tokenPrice, duration *big.Int) (chain.TxHandle, error)
	DepositTokens(ctx context.Context, tokenID, amount *big.Int) (chain.TxHandle, error)
	PauseSale(ctx context.Context, tokenID *big.Int) (chain.TxHandle, error)
	WithdrawRemainingTokens(ctx context.Context, tokenID *big.Int) (chain.TxHandle, error)
}

// TokenContract is the typed capability set of an ERC20 sale token.
type TokenContract interface {
	TotalSupply(ctx context.Context) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (chain.TxHandle, error)
}

// TokenFactory binds the token contract deployed at an address.
type TokenFactory func(common.Address) TokenContract

// ContractDeployer submits the Sale contract creation transaction.
type ContractDeployer interface {
	Deploy(ctx context.Context, bytecode []byte, saleReceiver common.Address) (chain.TxHandle, error)
}

// Confirmer resolves a submitted transaction to a confirmed receipt.
type Confirmer interface {
	Await(ctx context.Context, handle chain.TxHandle, confirmations uint64) (*types.Receipt, error)
}

// Confirmations holds the required depth per sub-step.
type Confirmations struct {
	Create   uint64 `yaml:"create" toml:"create"`
	Approve  uint64 `yaml:"approve" toml:"approve"`
	Deposit  uint64 `yaml:"deposit" toml:"deposit"`
	Pause    uint64 `yaml:"pause" toml:"pause"`
	Withdraw uint64 `yaml:"withdraw" toml:"withdraw"`
	Deploy   uint64 `yaml:"deploy" toml:"deploy"`
}

// DefaultConfirmations returns one confirmation for every lifecycle step and
// three for contract deployment.
func DefaultConfirmations() Confirmations {
	return Confirmations{Create: 1, Approve: 1, Deposit: 1, Pause: 1, Withdraw: 1, Deploy: 3}
}

func (c Confirmations) withDefaults() Confirmations {
	def := DefaultConfirmations()
	if c.Create == 0 {
		c.Create = def.Create
	}
	if c.Approve == 0 {
		c.Approve = def.Approve
	}
	if c.Deposit == 0 {
		c.Deposit = def.Deposit
	}
	if c.Pause == 0 {
		c.Pause = def.Pause
	}
	if c.Withdraw == 0 {
		c.Withdraw = def.Withdraw
	}
	if c.Deploy == 0 {
		c.Deploy = def.Deploy
	}
	return c
}

// StepStatus describes how a sub-step was resolved.
type StepStatus string

const (
	StepConfirmed StepStatus = "confirmed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one resolved sub-step.
type StepResult struct {
	Step        string
	Status      StepStatus
	TxHash      common.Hash
	BlockNumber uint64
	Reason      string
	Receipt     *types.Receipt
}

// Result summarises a completed lifecycle operation.
type Result struct {
	OperationID string
	Op          string
	TokenID     *big.Int
	Steps       []StepResult
	Sale        chain.Sale
	Deposit     *big.Int
	Decimals    int
	Contract    common.Address
}

// CreateSaleRequest carries the parameters of a new sale.
type CreateSaleRequest struct {
	TokenID         *big.Int
	Token           common.Address
	TokenPrice      *big.Int
	DurationMinutes int64
}

func (r CreateSaleRequest) validate() error {
	if err := validateTokenID(r.TokenID); err != nil {
		return err
	}
	if (r.Token == common.Address{}) {
		return &InvalidInputError{Field: "token", Reason: "zero address"}
	}
	if r.TokenPrice == nil || r.TokenPrice.Sign() <= 0 {
		return &InvalidInputError{Field: "token price", Reason: "must be positive"}
	}
	if _, overflow := uint256.FromBig(r.TokenPrice); overflow {
		return &InvalidInputError{Field: "token price", Reason: "exceeds uint256"}
	}
	if r.DurationMinutes <= 0 {
		return &InvalidDurationError{Minutes: r.DurationMinutes}
	}
	return nil
}

func validateTokenID(tokenID *big.Int) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return &InvalidInputError{Field: "token id", Reason: "must be a non-negative integer"}
	}
	if _, overflow := uint256.FromBig(tokenID); overflow {
		return &InvalidInputError{Field: "token id", Reason: "exceeds uint256"}
	}
	return nil
}

// Orchestrator sequences the multi-transaction sale lifecycle operations. It
// holds no per-sale state; callers serialise operations on the same token id.
type Orchestrator struct {
	sale      SaleContract
	tokens    TokenFactory
	confirmer Confirmer
	deployer  ContractDeployer
	operator  common.Address
	depths    Confirmations
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithConfirmations sets the confirmation depth per sub-step. Zero fields fall
// back to the defaults.
func WithConfirmations(c Confirmations) Option {
	return func(o *Orchestrator) { o.depths = c.withDefaults() }
}

// WithDeployer enables DeploySale.
func WithDeployer(d ContractDeployer) Option {
	return func(o *Orchestrator) { o.deployer = d }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// NewOrchestrator wires the orchestrator to its contract handles. operator is
// the signing account that owns the tokens being deposited.
func NewOrchestrator(sale SaleContract, tokens TokenFactory, confirmer Confirmer, operator common.Address, opts ...Option) (*Orchestrator, error) {
	if sale == nil {
		return nil, fmt.Errorf("saled: sale contract required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("saled: token factory required")
	}
	if confirmer == nil {
		return nil, fmt.Errorf("saled: confirmer required")
	}
	if (operator == common.Address{}) {
		return nil, fmt.Errorf("saled: operator address required")
	}
	o := &Orchestrator{
		sale:      sale,
		tokens:    tokens,
		confirmer: confirmer,
		operator:  operator,
		depths:    DefaultConfirmations(),
		logger:    slog.Default(),
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("tokensale/saled"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateSale opens sale slot req.TokenID. The slot must be free: never used,
// or paused with nothing left unsold.
func (o *Orchestrator) CreateSale(ctx context.Context, req CreateSaleRequest) (result *Result, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, op := o.begin(ctx, OpCreate, req.TokenID)
	defer func() { op.finish(err) }()

	current, err := o.readSale(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if !slotFree(current) {
		return nil, op.precondition(fmt.Sprintf("slot holds sale of %s (active=%t, unsold=%s)",
			current.Token.Hex(), current.SaleActive, current.Remaining()))
	}

	duration := new(big.Int).Mul(big.NewInt(req.DurationMinutes), big.NewInt(60))
	tokenID := new(big.Int).Set(req.TokenID)
	if _, err := op.transact(ctx, StepCreate, o.depths.Create, func(ctx context.Context) (chain.TxHandle, error) {
		return o.sale.AddTokenSale(ctx, tokenID, req.Token, req.TokenPrice, duration)
	}); err != nil {
		return nil, err
	}

	created, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, op.fail(StepVerify, err)
	}
	if !created.Exists() || created.Token != req.Token || !created.SaleActive || orZero(created.TokensSold).Sign() != 0 {
		return nil, op.fail(StepVerify, op.precondition("sale not active with zero sold after confirmed creation"))
	}
	return op.result(created), nil
}

// FundSale approves the sale contract for the token's total supply, unless an
// allowance already covers it, and deposits the derived amount once the
// approval is confirmed.
func (o *Orchestrator) FundSale(ctx context.Context, tokenID *big.Int) (result *Result, err error) {
	if err := validateTokenID(tokenID); err != nil {
		return nil, err
	}
	ctx, op := o.begin(ctx, OpFund, tokenID)
	defer func() { op.finish(err) }()

	sale, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	switch {
	case !sale.Exists():
		return nil, op.precondition("no sale in slot")
	case !sale.SaleActive:
		return nil, op.precondition("sale is paused")
	case orZero(sale.TotalTokens).Sign() != 0:
		return nil, op.precondition(fmt.Sprintf("sale already funded with %s", sale.TotalTokens))
	}

	token := o.tokens(sale.Token)
	meta, err := o.tokenMetadata(ctx, token, sale.Token)
	if err != nil {
		return nil, err
	}
	deposit, err := DepositAmount(meta.totalSupply, meta.decimals)
	if err != nil {
		return nil, err
	}
	if deposit.Sign() == 0 {
		return nil, &InsufficientSupplyError{TotalSupply: meta.totalSupply, Decimals: meta.decimals}
	}
	balance, err := token.BalanceOf(ctx, o.operator)
	if err != nil {
		return nil, fmt.Errorf("saled: read operator balance of %s: %w", sale.Token.Hex(), err)
	}
	if balance.Cmp(deposit) < 0 {
		return nil, op.precondition(fmt.Sprintf("operator balance %s below deposit %s", balance, deposit))
	}
	spender := o.sale.Address()
	allowance, err := token.Allowance(ctx, o.operator, spender)
	if err != nil {
		return nil, fmt.Errorf("saled: read allowance of %s: %w", sale.Token.Hex(), err)
	}
	op.logger.Info("deposit computed",
		"token", sale.Token.Hex(),
		"total_supply", meta.totalSupply.String(),
		"decimals", meta.decimals,
		"deposit", deposit.String())

	if allowance.Cmp(meta.totalSupply) >= 0 {
		op.skip(StepApprove, "allowance already covers total supply")
	} else if _, err := op.transact(ctx, StepApprove, o.depths.Approve, func(ctx context.Context) (chain.TxHandle, error) {
		return token.Approve(ctx, spender, meta.totalSupply)
	}); err != nil {
		return nil, err
	}

	if _, err := op.transact(ctx, StepDeposit, o.depths.Deposit, func(ctx context.Context) (chain.TxHandle, error) {
		return o.sale.DepositTokens(ctx, tokenID, deposit)
	}); err != nil {
		return nil, err
	}
	o.metrics.RecordDeposit(deposit, meta.decimals)

	funded, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, op.fail(StepVerify, err)
	}
	if orZero(funded.TotalTokens).Cmp(deposit) != 0 {
		return nil, op.fail(StepVerify, op.precondition(fmt.Sprintf("sale holds %s after confirmed deposit of %s", orZero(funded.TotalTokens), deposit)))
	}
	result = op.result(funded)
	result.Deposit = deposit
	result.Decimals = meta.decimals
	return result, nil
}

// PauseAndWithdraw pauses the sale and, once the pause is confirmed, returns
// the unsold remainder to the operator. Legs already satisfied on-chain are
// skipped.
func (o *Orchestrator) PauseAndWithdraw(ctx context.Context, tokenID *big.Int) (result *Result, err error) {
	if err := validateTokenID(tokenID); err != nil {
		return nil, err
	}
	ctx, op := o.begin(ctx, OpWithdraw, tokenID)
	defer func() { op.finish(err) }()

	sale, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !sale.Exists() {
		return nil, op.precondition("no sale in slot")
	}
	if !sale.SaleActive && sale.Remaining().Sign() == 0 {
		return nil, op.precondition("sale already paused and withdrawn")
	}

	if sale.SaleActive {
		if _, err := op.transact(ctx, StepPause, o.depths.Pause, func(ctx context.Context) (chain.TxHandle, error) {
			return o.sale.PauseSale(ctx, tokenID)
		}); err != nil {
			return nil, err
		}
		if sale, err = o.readSale(ctx, tokenID); err != nil {
			return nil, op.fail(StepVerify, err)
		}
		if sale.SaleActive {
			return nil, op.fail(StepVerify, op.precondition("sale still active after confirmed pause"))
		}
	} else {
		op.skip(StepPause, "sale already paused")
	}

	if sale.Remaining().Sign() == 0 {
		op.skip(StepWithdraw, "nothing unsold")
		return op.result(sale), nil
	}
	if _, err := op.transact(ctx, StepWithdraw, o.depths.Withdraw, func(ctx context.Context) (chain.TxHandle, error) {
		return o.sale.WithdrawRemainingTokens(ctx, tokenID)
	}); err != nil {
		return nil, err
	}

	settled, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, op.fail(StepVerify, err)
	}
	if settled.SaleActive || settled.Remaining().Sign() != 0 {
		return nil, op.fail(StepVerify, op.precondition(fmt.Sprintf("%s still unsold after confirmed withdrawal", settled.Remaining())))
	}
	return op.result(settled), nil
}

// DeploySale creates a new Sale contract paying proceeds to saleReceiver and
// returns its address once the creation reached the deploy depth.
func (o *Orchestrator) DeploySale(ctx context.Context, bytecode []byte, saleReceiver common.Address) (result *Result, err error) {
	if len(bytecode) == 0 {
		return nil, &InvalidInputError{Field: "bytecode", Reason: "required"}
	}
	if (saleReceiver == common.Address{}) {
		return nil, &InvalidInputError{Field: "sale receiver", Reason: "zero address"}
	}
	if o.deployer == nil {
		return nil, fmt.Errorf("saled: deployer not configured")
	}
	ctx, op := o.begin(ctx, OpDeploy, nil)
	defer func() { op.finish(err) }()

	receipt, err := op.transact(ctx, StepDeploy, o.depths.Deploy, func(ctx context.Context) (chain.TxHandle, error) {
		return o.deployer.Deploy(ctx, bytecode, saleReceiver)
	})
	if err != nil {
		return nil, err
	}
	if (receipt.ContractAddress == common.Address{}) {
		return nil, op.fail(StepVerify, fmt.Errorf("receipt %s carries no contract address", receipt.TxHash.Hex()))
	}
	op.logger.Info("sale contract deployed", "contract", receipt.ContractAddress.Hex())
	result = op.result(chain.Sale{})
	result.Contract = receipt.ContractAddress
	return result, nil
}

// Stage is the lifecycle position of a sale slot derived from on-chain state.
type Stage string

const (
	StageNotCreated Stage = "not_created"
	StageActive     Stage = "active"
	StageFunded     Stage = "funded"
	StagePaused     Stage = "paused"
	StageWithdrawn  Stage = "withdrawn"
)

// SaleStatus is the observed state of a sale slot.
type SaleStatus struct {
	Sale      chain.Sale
	Stage     Stage
	Remaining *big.Int
	Expired   bool
}

// StageOf derives the lifecycle stage of sale.
func StageOf(sale chain.Sale) Stage {
	switch {
	case !sale.Exists():
		return StageNotCreated
	case sale.SaleActive && orZero(sale.TotalTokens).Sign() == 0:
		return StageActive
	case sale.SaleActive:
		return StageFunded
	case sale.Remaining().Sign() > 0:
		return StagePaused
	default:
		return StageWithdrawn
	}
}

// Status reads slot tokenID without submitting anything.
func (o *Orchestrator) Status(ctx context.Context, tokenID *big.Int) (*SaleStatus, error) {
	if err := validateTokenID(tokenID); err != nil {
		return nil, err
	}
	sale, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	status := &SaleStatus{Sale: sale, Stage: StageOf(sale), Remaining: sale.Remaining()}
	if sale.Exists() && !sale.SaleEndDate.IsZero() {
		status.Expired = !o.now().Before(sale.SaleEndDate)
	}
	return status, nil
}

// DepositPreview is the funding plan FundSale would execute.
type DepositPreview struct {
	TokenID        *big.Int
	Token          common.Address
	TotalSupply    *big.Int
	Decimals       int
	Deposit        *big.Int
	Allowance      *big.Int
	ApprovalNeeded bool
}

// PreviewDeposit computes the deposit for slot tokenID from live token
// metadata without submitting anything.
func (o *Orchestrator) PreviewDeposit(ctx context.Context, tokenID *big.Int) (*DepositPreview, error) {
	if err := validateTokenID(tokenID); err != nil {
		return nil, err
	}
	sale, err := o.readSale(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !sale.Exists() {
		return nil, &PreconditionViolationError{Op: "preview", TokenID: tokenID, Reason: "no sale in slot"}
	}
	token := o.tokens(sale.Token)
	meta, err := o.tokenMetadata(ctx, token, sale.Token)
	if err != nil {
		return nil, err
	}
	deposit, err := DepositAmount(meta.totalSupply, meta.decimals)
	if err != nil {
		return nil, err
	}
	allowance, err := token.Allowance(ctx, o.operator, o.sale.Address())
	if err != nil {
		return nil, fmt.Errorf("saled: read allowance of %s: %w", sale.Token.Hex(), err)
	}
	return &DepositPreview{
		TokenID:        new(big.Int).Set(tokenID),
		Token:          sale.Token,
		TotalSupply:    meta.totalSupply,
		Decimals:       meta.decimals,
		Deposit:        deposit,
		Allowance:      allowance,
		ApprovalNeeded: allowance.Cmp(meta.totalSupply) < 0,
	}, nil
}

func slotFree(sale chain.Sale) bool {
	return !sale.Exists() || (!sale.SaleActive && sale.Remaining().Sign() == 0)
}

func (o *Orchestrator) readSale(ctx context.Context, tokenID *big.Int) (chain.Sale, error) {
	sale, err := o.sale.Sale(ctx, tokenID)
	if err != nil {
		return chain.Sale{}, fmt.Errorf("saled: read sale %s: %w", tokenID, err)
	}
	return sale, nil
}

type tokenMeta struct {
	totalSupply *big.Int
	decimals    int
}

func (o *Orchestrator) tokenMetadata(ctx context.Context, token TokenContract, address common.Address) (tokenMeta, error) {
	supply, err := token.TotalSupply(ctx)
	if err != nil {
		return tokenMeta{}, fmt.Errorf("saled: read total supply of %s: %w", address.Hex(), err)
	}
	decimals, err := token.Decimals(ctx)
	if err != nil {
		return tokenMeta{}, fmt.Errorf("saled: read decimals of %s: %w", address.Hex(), err)
	}
	return tokenMeta{totalSupply: supply, decimals: int(decimals)}, nil
}

// operation carries the logging, tracing and step bookkeeping of one
// lifecycle call.
type operation struct {
	o       *Orchestrator
	id      string
	name    string
	tokenID *big.Int
	span    trace.Span
	logger  *slog.Logger
	steps   []StepResult
	release func()
}

func (o *Orchestrator) begin(ctx context.Context, name string, tokenID *big.Int) (context.Context, *operation) {
	id := uuid.NewString()
	attrs := []attribute.KeyValue{attribute.String("op", name), attribute.String("operation_id", id)}
	logger := o.logger.With("op", name, "operation_id", id)
	if tokenID != nil {
		tokenID = new(big.Int).Set(tokenID)
		attrs = append(attrs, attribute.String("token_id", tokenID.String()))
		logger = logger.With("token_id", tokenID.String())
	}
	ctx, span := o.tracer.Start(ctx, "saled."+name, trace.WithAttributes(attrs...))
	return ctx, &operation{
		o:       o,
		id:      id,
		name:    name,
		tokenID: tokenID,
		span:    span,
		logger:  logger,
		release: o.metrics.TrackInflight(name),
	}
}

func (op *operation) finish(err error) {
	defer op.span.End()
	op.release()
	if err != nil {
		reason := failureReason(err)
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		op.o.metrics.RecordOperation(op.name, reason)
		op.logger.Error("operation failed", "reason", reason, "steps_completed", len(op.steps), "error", err)
		return
	}
	op.span.SetStatus(codes.Ok, "operation complete")
	op.o.metrics.RecordOperation(op.name, "success")
	op.logger.Info("operation complete", "steps", len(op.steps))
}

// transact submits one sub-step and suspends until it is confirmed at depth.
func (op *operation) transact(ctx context.Context, step string, depth uint64, submit func(context.Context) (chain.TxHandle, error)) (*types.Receipt, error) {
	ctx, span := op.o.tracer.Start(ctx, "saled."+op.name+"."+step,
		trace.WithAttributes(attribute.Int64("confirmations", int64(depth))))
	defer span.End()
	started := op.o.now()

	handle, err := submit(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, op.fail(step, fmt.Errorf("submit: %w", err))
	}
	logger := op.logger.With("step", step, "tx_hash", handle.Hash.Hex())
	span.SetAttributes(attribute.String("tx_hash", handle.Hash.Hex()))
	logger.Info("transaction submitted", "nonce", handle.Nonce, "confirmations", depth)

	receipt, err := op.o.confirmer.Await(ctx, handle, depth)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, op.fail(step, err)
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	op.o.metrics.ObserveStep(op.name, step, op.o.now().Sub(started))
	op.steps = append(op.steps, StepResult{
		Step:        step,
		Status:      StepConfirmed,
		TxHash:      handle.Hash,
		BlockNumber: block,
		Receipt:     receipt,
	})
	span.SetStatus(codes.Ok, "confirmed")
	logger.Info("transaction confirmed", "block", block, "gas_used", receipt.GasUsed)
	return receipt, nil
}

func (op *operation) skip(step, reason string) {
	op.steps = append(op.steps, StepResult{Step: step, Status: StepSkipped, Reason: reason})
	op.logger.Info("step skipped", "step", step, "reason", reason)
}

func (op *operation) fail(step string, err error) error {
	op.o.metrics.RecordTxFailure(op.name, step, failureReason(err))
	return &StepError{
		Op:        op.name,
		TokenID:   op.tokenID,
		Step:      step,
		Completed: append([]StepResult(nil), op.steps...),
		Err:       err,
	}
}

func (op *operation) precondition(reason string) error {
	return &PreconditionViolationError{Op: op.name, TokenID: op.tokenID, Reason: reason}
}

func (op *operation) result(sale chain.Sale) *Result {
	return &Result{
		OperationID: op.id,
		Op:          op.name,
		TokenID:     op.tokenID,
		Steps:       append([]StepResult(nil), op.steps...),
		Sale:        sale,
	}
}

// failureReason maps an error to a bounded metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPreconditionViolation):
		return "precondition"
	case errors.Is(err, ErrInsufficientSupply):
		return "insufficient_supply"
	case errors.Is(err, ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionDropped):
		return "dropped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) {
			return "rpc"
		}
		return "error"
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
