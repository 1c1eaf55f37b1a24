package saled

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokensale/observability"
	"tokensale/services/saled/chain"
)

const maxRequestBody = 1 << 16

// AdminServer exposes the lifecycle operations over HTTP.
type AdminServer struct {
	orchestrator *Orchestrator
	auth         *Authenticator
	slots        *slotLocks
	metrics      *observability.AdminHTTPMetrics
	logger       *slog.Logger
	handler      http.Handler
}

// AdminOption customises the admin server.
type AdminOption func(*AdminServer)

// WithAuthenticator guards mutating routes with JWT authentication.
func WithAuthenticator(a *Authenticator) AdminOption {
	return func(s *AdminServer) { s.auth = a }
}

// WithAdminLogger overrides the admin server logger.
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(s *AdminServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAdminMetrics overrides the admin request metrics.
func WithAdminMetrics(m *observability.AdminHTTPMetrics) AdminOption {
	return func(s *AdminServer) { s.metrics = m }
}

// NewAdminServer constructs a server wrapping the provided orchestrator.
func NewAdminServer(orchestrator *Orchestrator, opts ...AdminOption) *AdminServer {
	s := &AdminServer{
		orchestrator: orchestrator,
		slots:        newSlotLocks(),
		metrics:      observability.AdminHTTP(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/sales/{tokenId}", s.handleStatus)
	r.Get("/sales/{tokenId}/deposit", s.handlePreview)
	r.Group(func(mr chi.Router) {
		if s.auth != nil {
			mr.Use(s.auth.Middleware)
		}
		mr.Post("/sales", s.handleCreate)
		mr.Post("/sales/{tokenId}/fund", s.handleFund)
		mr.Post("/sales/{tokenId}/withdraw", s.handleWithdraw)
	})
	s.handler = otelhttp.NewHandler(r, "saled-admin")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *AdminServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := routeLabel(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(r.Method+" "+route, status, time.Since(start))
		s.logger.Debug("admin request", "method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}

// routeLabel is the matched chi pattern, or "unmatched" so unknown paths
// share one series.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return "unmatched"
}

type createSaleBody struct {
	TokenID         string `json:"token_id"`
	Token           string `json:"token"`
	Price           string `json:"price"`
	DurationMinutes int64  `json:"duration_minutes"`
}

func (s *AdminServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createSaleBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.metrics.RecordRejected("decode")
		writeError(w, &InvalidInputError{Field: "body", Reason: err.Error()})
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, err)
		return
	}
	s.runExclusive(w, r, req.TokenID, func(ctx context.Context) (*Result, error) {
		return s.orchestrator.CreateSale(ctx, req)
	})
}

func (b createSaleBody) request() (CreateSaleRequest, error) {
	tokenID, err := parseTokenID(b.TokenID)
	if err != nil {
		return CreateSaleRequest{}, err
	}
	token := strings.TrimSpace(b.Token)
	if !common.IsHexAddress(token) {
		return CreateSaleRequest{}, &InvalidInputError{Field: "token", Reason: "not a hex address"}
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(b.Price), 10)
	if !ok {
		return CreateSaleRequest{}, &InvalidInputError{Field: "price", Reason: "must be an integer in smallest units"}
	}
	return CreateSaleRequest{
		TokenID:         tokenID,
		Token:           common.HexToAddress(token),
		TokenPrice:      price,
		DurationMinutes: b.DurationMinutes,
	}, nil
}

func (s *AdminServer) handleFund(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.runExclusive(w, r, tokenID, func(ctx context.Context) (*Result, error) {
		return s.orchestrator.FundSale(ctx, tokenID)
	})
}

func (s *AdminServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.runExclusive(w, r, tokenID, func(ctx context.Context) (*Result, error) {
		return s.orchestrator.PauseAndWithdraw(ctx, tokenID)
	})
}

// runExclusive executes op while holding the slot of tokenID. The operation
// ignores request cancellation: once broadcast a transaction is awaited to
// the end even if the client disconnects.
func (s *AdminServer) runExclusive(w http.ResponseWriter, r *http.Request, tokenID *big.Int, op func(context.Context) (*Result, error)) {
	release, ok := s.slots.tryAcquire(tokenID.String())
	if !ok {
		s.metrics.RecordRejected("slot_busy")
		writeJSON(w, http.StatusConflict, errorView{Error: "another operation is in progress for sale " + tokenID.String(), Kind: "busy"})
		return
	}
	defer release()
	result, err := op(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(result))
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.orchestrator.Status(r.Context(), tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(status))
}

func (s *AdminServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeError(w, err)
		return
	}
	preview, err := s.orchestrator.PreviewDeposit(r.Context(), tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositView{
		TokenID:        preview.TokenID.String(),
		Token:          preview.Token.Hex(),
		TotalSupply:    preview.TotalSupply.String(),
		Decimals:       preview.Decimals,
		Deposit:        preview.Deposit.String(),
		DepositTokens:  FormatUnits(preview.Deposit, preview.Decimals),
		Allowance:      preview.Allowance.String(),
		ApprovalNeeded: preview.ApprovalNeeded,
	})
}

func parseTokenID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &InvalidInputError{Field: "token id", Reason: "required"}
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, &InvalidInputError{Field: "token id", Reason: "not a decimal integer"}
	}
	if err := validateTokenID(id); err != nil {
		return nil, err
	}
	return id, nil
}

type stepView struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Block  uint64 `json:"block,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type saleView struct {
	TokenID     string     `json:"token_id"`
	Token       string     `json:"token"`
	TokenPrice  string     `json:"token_price"`
	TotalTokens string     `json:"total_tokens"`
	TokensSold  string     `json:"tokens_sold"`
	Remaining   string     `json:"remaining"`
	SaleEndDate *time.Time `json:"sale_end_date,omitempty"`
	SaleActive  bool       `json:"sale_active"`
	Stage       Stage      `json:"stage"`
	Expired     bool       `json:"expired,omitempty"`
}

type resultView struct {
	OperationID string     `json:"operation_id"`
	Op          string     `json:"op"`
	TokenID     string     `json:"token_id,omitempty"`
	Steps       []stepView `json:"steps"`
	Sale        *saleView  `json:"sale,omitempty"`
	Deposit     string     `json:"deposit,omitempty"`
	Contract    string     `json:"contract,omitempty"`
}

type depositView struct {
	TokenID        string `json:"token_id"`
	Token          string `json:"token"`
	TotalSupply    string `json:"total_supply"`
	Decimals       int    `json:"decimals"`
	Deposit        string `json:"deposit"`
	DepositTokens  string `json:"deposit_tokens"`
	Allowance      string `json:"allowance"`
	ApprovalNeeded bool   `json:"approval_needed"`
}

type errorView struct {
	Error     string     `json:"error"`
	Kind      string     `json:"kind"`
	Step      string     `json:"step,omitempty"`
	Completed []stepView `json:"completed,omitempty"`
}

func newStepViews(steps []StepResult) []stepView {
	out := make([]stepView, 0, len(steps))
	for _, step := range steps {
		view := stepView{Step: step.Step, Status: string(step.Status), Block: step.BlockNumber, Reason: step.Reason}
		if step.Status == StepConfirmed {
			view.TxHash = step.TxHash.Hex()
		}
		out = append(out, view)
	}
	return out
}

func newSaleView(sale chain.Sale) *saleView {
	view := &saleView{
		TokenID:     bigString(sale.TokenID),
		Token:       sale.Token.Hex(),
		TokenPrice:  orZero(sale.TokenPrice).String(),
		TotalTokens: orZero(sale.TotalTokens).String(),
		TokensSold:  orZero(sale.TokensSold).String(),
		Remaining:   sale.Remaining().String(),
		SaleActive:  sale.SaleActive,
		Stage:       StageOf(sale),
	}
	if !sale.SaleEndDate.IsZero() {
		end := sale.SaleEndDate
		view.SaleEndDate = &end
	}
	return view
}

func newStatusView(status *SaleStatus) *saleView {
	view := newSaleView(status.Sale)
	view.Stage = status.Stage
	view.Expired = status.Expired
	return view
}

func newResultView(result *Result) resultView {
	view := resultView{
		OperationID: result.OperationID,
		Op:          result.Op,
		Steps:       newStepViews(result.Steps),
	}
	if result.TokenID != nil {
		view.TokenID = result.TokenID.String()
		view.Sale = newSaleView(result.Sale)
	}
	if result.Deposit != nil {
		view.Deposit = result.Deposit.String()
	}
	if (result.Contract != common.Address{}) {
		view.Contract = result.Contract.Hex()
	}
	return view
}

// HTTPStatus maps an orchestrator error to the admin API status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrPreconditionViolation):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientSupply):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTransactionReverted), errors.Is(err, ErrTransactionDropped):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransactionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	view := errorView{Error: err.Error(), Kind: failureReason(err)}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		view.Step = stepErr.Step
		view.Completed = newStepViews(stepErr.Completed)
	}
	writeJSON(w, HTTPStatus(err), view)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
