// Package handler содержит HTTP-обработчики API сервиса giro-ledger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/giro-ledger/internal/chain"
	"github.com/mmeshcher/giro-ledger/internal/middleware"
	"github.com/mmeshcher/giro-ledger/internal/model"
	"github.com/mmeshcher/giro-ledger/internal/repository"
	"github.com/mmeshcher/giro-ledger/internal/reward"
	"github.com/mmeshcher/giro-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password string) (int64, error)
	AuthenticateAccount(ctx context.Context, login, password string) (int64, error)
	CreateItem(ctx context.Context, ownerID int64, title string, price int64) (int64, error)
	Purchase(ctx context.Context, buyerID, itemID, amount int64) (*model.LedgerEntry, error)
	Grant(ctx context.Context, accountID int64, action reward.Action, amountOverride int64, description string) (*service.GrantResult, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	GetHistory(ctx context.Context, accountID int64) ([]model.LedgerEntry, error)
	GetEntry(ctx context.Context, accountID, entryID int64) (*model.LedgerEntry, *chain.TxStatus, error)
	RewardActions() []reward.Rule
}

// Handler реализует HTTP-обработчики API сервиса giro-ledger.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового счёта.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register account error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.AuthenticateAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type createItemRequest struct {
	Title string `json:"title"`
	Price int64  `json:"price"`
}

// CreateItem добавляет товар в каталог от имени текущего пользователя.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Title == "" || req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	itemID, err := h.service.CreateItem(r.Context(), accountID, req.Title, req.Price)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("create item error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": itemID})
}

type entryResponse struct {
	ID                int64   `json:"id"`
	FromAccountID     *int64  `json:"from_account_id,omitempty"`
	ToAccountID       int64   `json:"to_account_id"`
	ItemID            *int64  `json:"item_id,omitempty"`
	Amount            int64   `json:"amount"`
	Kind              string  `json:"kind"`
	Status            string  `json:"status"`
	ExternalReference *string `json:"external_reference,omitempty"`
	Description       string  `json:"description"`
	CreatedAt         string  `json:"created_at"`
}

func toEntryResponse(e *model.LedgerEntry) entryResponse {
	return entryResponse{
		ID:                e.ID,
		FromAccountID:     e.FromAccountID,
		ToAccountID:       e.ToAccountID,
		ItemID:            e.ItemID,
		Amount:            e.Amount,
		Kind:              string(e.Kind),
		Status:            string(e.Status),
		ExternalReference: e.ExternalReference,
		Description:       e.Description,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
}

type purchaseRequest struct {
	ItemID int64 `json:"item_id"`
	Amount int64 `json:"amount"`
}

// Purchase проводит покупку товара текущим пользователем.
// Продавец определяется по владельцу товара в каталоге.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.Purchase(r.Context(), accountID, req.ItemID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrSelfPurchase):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrItemNotFound), errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		default:
			h.logger.Error("purchase error", zap.Error(err),
				zap.Int64("accountID", accountID), zap.Int64("itemID", req.ItemID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toEntryResponse(entry)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type grantRequest struct {
	Action      string `json:"action"`
	Amount      int64  `json:"amount,omitempty"`
	Description string `json:"description,omitempty"`
	AccountID   int64  `json:"account_id,omitempty"`
}

type grantResponse struct {
	Amount          int64      `json:"amount"`
	NewBalance      int64      `json:"new_balance"`
	Tier            model.Tier `json:"tier"`
	DiscountPercent int        `json:"discount_percent"`
}

// Grant начисляет награду за действие. Без account_id награда начисляется на
// счёт текущего пользователя; с account_id — на указанный счёт (лайк и
// комментарий зачисляются автору товара, админ пополняет любой счёт).
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Action == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	target := accountID
	if req.AccountID != 0 {
		target = req.AccountID
	}

	res, err := h.service.Grant(r.Context(), target, reward.Action(req.Action), req.Amount, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, reward.ErrUnknownAction):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, reward.ErrNotEligible), errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("grant error", zap.Error(err),
				zap.Int64("accountID", target), zap.String("action", req.Action))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(grantResponse{
		Amount:          res.Amount,
		NewBalance:      res.NewBalance,
		Tier:            res.Tier,
		DiscountPercent: res.DiscountPercent,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type balanceResponse struct {
	Balance         int64      `json:"balance"`
	TotalEarned     int64      `json:"total_earned"`
	TotalSpent      int64      `json:"total_spent"`
	Tier            model.Tier `json:"tier"`
	DiscountPercent int        `json:"discount_percent"`
}

// GetBalance возвращает состояние счёта текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balanceResponse{
		Balance:         balance.Balance,
		TotalEarned:     balance.TotalEarned,
		TotalSpent:      balance.TotalSpent,
		Tier:            balance.Tier,
		DiscountPercent: balance.DiscountPercent,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetHistory возвращает журнал операций текущего пользователя, новые первыми.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetHistory(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get history error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toEntryResponse(&entries[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type entryStatusResponse struct {
	Entry       entryResponse   `json:"entry"`
	ChainStatus *chain.TxStatus `json:"chain_status,omitempty"`
}

// GetEntry возвращает запись журнала участнику операции.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entryID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, status, err := h.service.GetEntry(r.Context(), accountID, entryID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEntryNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, service.ErrAccessDenied):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			h.logger.Error("get entry error", zap.Error(err),
				zap.Int64("accountID", accountID), zap.Int64("entryID", entryID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entryStatusResponse{
		Entry:       toEntryResponse(entry),
		ChainStatus: status,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type actionResponse struct {
	Action        string `json:"action"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	DefaultAmount int64  `json:"default_amount"`
}

// GetActions возвращает каталог поощряемых действий.
func (h *Handler) GetActions(w http.ResponseWriter, r *http.Request) {
	rules := h.service.RewardActions()

	resp := make([]actionResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, actionResponse{
			Action:        string(rule.Action),
			Name:          rule.Name,
			Description:   rule.Description,
			DefaultAmount: rule.DefaultAmount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
