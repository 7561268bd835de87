/**
 * @description
 * This file contains the HTTP handlers for the ledger-service. Handlers parse
 * and validate requests at the boundary, call the transfer engine or the
 * repository, and map typed engine errors onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: amount parsing and formatting.
 * - internal/app, internal/domain, internal/store: engine, models and storage errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	// Boundary limits for client-submitted amounts.
	amountDecimalPlaces = 2
	amountMaxDigits     = 18

	defaultPageSize = 20
	maxPageSize     = 100
)

var minimumAmount = decimal.RequireFromString("0.01")

// Transferer executes transfer requests.
type Transferer interface {
	Execute(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
}

// LedgerHandlers serves the transfer and wallet endpoints.
type LedgerHandlers struct {
	engine Transferer
	repo   store.Repository
	logger *zap.Logger
}

func NewLedgerHandlers(engine Transferer, repo store.Repository, logger *zap.Logger) *LedgerHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandlers{engine: engine, repo: repo, logger: logger}
}

type transferRequest struct {
	WalletFromID *int64           `json:"wallet_from_id"`
	WalletToID   *int64           `json:"wallet_to_id"`
	Amount       *decimal.Decimal `json:"amount"`
	TxID         string           `json:"txid"`
	Description  string           `json:"description"`
}

type transferResponse struct {
	TxID              string `json:"txid"`
	TransactionID     int64  `json:"transaction_id"`
	WalletFromBalance string `json:"wallet_from_balance"`
	WalletToBalance   string `json:"wallet_to_balance"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type walletResponse struct {
	ID       int64  `json:"id"`
	OwnerRef string `json:"owner_ref"`
	Balance  string `json:"balance"`
	IsActive bool   `json:"is_active"`
}

type recordResponse struct {
	ID           int64  `json:"id"`
	TxID         string `json:"txid"`
	Status       string `json:"status"`
	Type         string `json:"type"`
	WalletFromID int64  `json:"wallet_from_id"`
	WalletToID   int64  `json:"wallet_to_id"`
	WalletFeeID  *int64 `json:"wallet_fee_id,omitempty"`
	AmountFrom   string `json:"amount_from"`
	AmountTo     string `json:"amount_to"`
	AmountFee    string `json:"amount_fee"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// CreateTransferHandler handles POST /transfers.
func (h *LedgerHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, app.KindInvalidRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	req, err := body.validate()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, app.KindInvalidRequest, err.Error())
		return
	}

	result, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		h.writeTransferError(w, req, err)
		return
	}

	if result.Replayed {
		h.writeJSON(w, http.StatusOK, detailResponse{Detail: replayMessage(result.Outcome)})
		return
	}

	h.writeJSON(w, http.StatusCreated, transferResponse{
		TxID:              result.Record.IdempotencyKey,
		TransactionID:     result.Record.ID,
		WalletFromBalance: result.WalletFromBalance.StringFixed(domain.MoneyScale),
		WalletToBalance:   result.WalletToBalance.StringFixed(domain.MoneyScale),
	})
}

// GetTransferHandler handles GET /transfers/{txid}.
func (h *LedgerHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	txid := chi.URLParam(r, "txid")
	record, err := h.repo.FindByIdempotencyKey(r.Context(), txid)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: fmt.Sprintf("Transaction %s not found.", txid)})
			return
		}
		h.internalError(w, "failed to load transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecordResponse(record))
}

// GetWalletHandler handles GET /wallets/{id}.
func (h *LedgerHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.walletID(w, r)
	if !ok {
		return
	}
	wallet, err := h.repo.GetWallet(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: string(app.KindWalletNotFound), Detail: fmt.Sprintf("Wallet %d not found.", id)})
			return
		}
		h.internalError(w, "failed to load wallet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, walletResponse{
		ID:       wallet.ID,
		OwnerRef: wallet.OwnerRef,
		Balance:  wallet.Balance.StringFixed(domain.MoneyScale),
		IsActive: wallet.IsActive,
	})
}

// ListWalletTransactionsHandler handles GET /wallets/{id}/transactions.
func (h *LedgerHandlers) ListWalletTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.walletID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, app.KindInvalidRequest, err.Error())
		return
	}

	if _, err := h.repo.GetWallet(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: string(app.KindWalletNotFound), Detail: fmt.Sprintf("Wallet %d not found.", id)})
			return
		}
		h.internalError(w, "failed to load wallet", err)
		return
	}

	records, err := h.repo.ListLedgerRecordsByWallet(r.Context(), id, limit, offset)
	if err != nil {
		h.internalError(w, "failed to list wallet transactions", err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for i := range records {
		out = append(out, toRecordResponse(&records[i]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (b transferRequest) validate() (domain.TransferRequest, error) {
	if b.WalletFromID == nil {
		return domain.TransferRequest{}, errors.New("wallet_from_id is required.")
	}
	if b.WalletToID == nil {
		return domain.TransferRequest{}, errors.New("wallet_to_id is required.")
	}
	if b.Amount == nil {
		return domain.TransferRequest{}, errors.New("amount is required.")
	}
	txid := strings.TrimSpace(b.TxID)
	if txid == "" {
		return domain.TransferRequest{}, errors.New("txid is required.")
	}
	if len(txid) > domain.MaxIdempotencyKeyLength {
		return domain.TransferRequest{}, fmt.Errorf("txid must have at most %d characters.", domain.MaxIdempotencyKeyLength)
	}

	amount := *b.Amount
	if amount.LessThan(minimumAmount) {
		return domain.TransferRequest{}, fmt.Errorf("Ensure amount is greater than or equal to %s.", minimumAmount)
	}
	if !amount.Equal(amount.Truncate(amountDecimalPlaces)) {
		return domain.TransferRequest{}, fmt.Errorf("Ensure that there are no more than %d decimal places.", amountDecimalPlaces)
	}
	limit := decimal.New(1, amountMaxDigits-amountDecimalPlaces)
	if amount.GreaterThanOrEqual(limit) {
		return domain.TransferRequest{}, fmt.Errorf("Ensure that there are no more than %d digits in total.", amountMaxDigits)
	}

	return domain.TransferRequest{
		WalletFromID:   *b.WalletFromID,
		WalletToID:     *b.WalletToID,
		Amount:         amount,
		IdempotencyKey: txid,
		Description:    strings.TrimSpace(b.Description),
	}, nil
}

func replayMessage(outcome *domain.IdempotencyOutcome) string {
	switch outcome.Status {
	case domain.RecordStatusPending:
		return fmt.Sprintf("Request with idempotency_key %s is already processing.", outcome.IdempotencyKey)
	case domain.RecordStatusFailed:
		return fmt.Sprintf("Request with idempotency_key %s has already been executed with error.", outcome.IdempotencyKey)
	default:
		return fmt.Sprintf("Request with idempotency_key %s has already been executed.", outcome.IdempotencyKey)
	}
}

func statusForKind(kind app.ErrorKind) int {
	switch kind {
	case app.KindInvalidRequest, app.KindWalletNotFound, app.KindWalletInactive, app.KindInsufficientFunds:
		return http.StatusBadRequest
	case app.KindDuplicateSubmission:
		return http.StatusConflict
	case app.KindTransientStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *LedgerHandlers) writeTransferError(w http.ResponseWriter, req domain.TransferRequest, err error) {
	kind := app.KindOf(err)
	status := statusForKind(kind)

	detail := "Internal server error"
	var te *app.TransferError
	if errors.As(err, &te) && te.Message != "" {
		detail = te.Message
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	fields := []zap.Field{
		zap.String("component", "api"),
		zap.String("outcome", "rejected"),
		zap.String("reason", string(kind)),
		zap.String("txid", req.IdempotencyKey),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("transfer failed", fields...)
	} else {
		h.logger.Info("transfer rejected", fields...)
	}
	h.writeJSON(w, status, errorResponse{Error: string(kind), Detail: detail})
}

func (h *LedgerHandlers) walletID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, app.KindInvalidRequest, "Invalid wallet ID")
		return 0, false
	}
	return id, true
}

func parsePage(r *http.Request) (limit int, offset int, err error) {
	limit = defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func toRecordResponse(record *domain.LedgerRecord) recordResponse {
	return recordResponse{
		ID:           record.ID,
		TxID:         record.IdempotencyKey,
		Status:       record.Status.String(),
		Type:         record.Type.String(),
		WalletFromID: record.WalletFromID,
		WalletToID:   record.WalletToID,
		WalletFeeID:  record.WalletFeeID,
		AmountFrom:   record.AmountFrom.StringFixed(domain.MoneyScale),
		AmountTo:     record.AmountTo.StringFixed(domain.MoneyScale),
		AmountFee:    record.AmountFee.StringFixed(domain.MoneyScale),
		Description:  record.Description,
		CreatedAt:    record.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
}

func (h *LedgerHandlers) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.String("component", "api"), zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, app.KindInternal, "Internal server error")
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, kind app.ErrorKind, detail string) {
	h.writeJSON(w, status, errorResponse{Error: string(kind), Detail: detail})
}
