package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
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

type stubService struct {
	registerAccountID int64
	registerErr       error

	authAccountID int64
	authErr       error

	createItemID  int64
	createItemErr error

	purchaseEntry *model.LedgerEntry
	purchaseErr   error

	grantResult *service.GrantResult
	grantErr    error
	grantedTo   int64

	balanceResp *model.Balance
	balanceErr  error

	historyResp []model.LedgerEntry
	historyErr  error

	entryResp   *model.LedgerEntry
	entryStatus *chain.TxStatus
	entryErr    error
}

func (s *stubService) RegisterAccount(ctx context.Context, login, password string) (int64, error) {
	return s.registerAccountID, s.registerErr
}

func (s *stubService) AuthenticateAccount(ctx context.Context, login, password string) (int64, error) {
	return s.authAccountID, s.authErr
}

func (s *stubService) CreateItem(ctx context.Context, ownerID int64, title string, price int64) (int64, error) {
	return s.createItemID, s.createItemErr
}

func (s *stubService) Purchase(ctx context.Context, buyerID, itemID, amount int64) (*model.LedgerEntry, error) {
	return s.purchaseEntry, s.purchaseErr
}

func (s *stubService) Grant(ctx context.Context, accountID int64, action reward.Action, amountOverride int64, description string) (*service.GrantResult, error) {
	s.grantedTo = accountID
	return s.grantResult, s.grantErr
}

func (s *stubService) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetHistory(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	return s.historyResp, s.historyErr
}

func (s *stubService) GetEntry(ctx context.Context, accountID, entryID int64) (*model.LedgerEntry, *chain.TxStatus, error) {
	return s.entryResp, s.entryStatus, s.entryErr
}

func (s *stubService) RewardActions() []reward.Rule {
	return reward.Actions()
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)
	req.AddCookie(rec.Result().Cookies()[0])

	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerAccountID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("expected auth cookie to be set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrAccountExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestLogin_UnauthorizedOnBadCredentials(t *testing.T) {
	svc := &stubService{
		authErr: repository.ErrAccountNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestPurchase_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "invalid amount", err: service.ErrInvalidAmount, wantCode: http.StatusBadRequest},
		{name: "self purchase", err: service.ErrSelfPurchase, wantCode: http.StatusBadRequest},
		{name: "item not found", err: repository.ErrItemNotFound, wantCode: http.StatusNotFound},
		{name: "insufficient balance", err: repository.ErrInsufficientBalance, wantCode: http.StatusPaymentRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{purchaseErr: tc.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(purchaseRequest{ItemID: 7, Amount: 10})
			req := authedRequest(t, h, http.MethodPost, "/api/ledger/purchase", body)

			rec := httptest.NewRecorder()
			handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Purchase))
			handlerWithAuth.ServeHTTP(rec, req)

			res := rec.Result()
			if res.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.wantCode)
			}
		})
	}
}

func TestPurchase_ReturnsEntry(t *testing.T) {
	from := int64(1)
	item := int64(7)
	ref := "0xabc"
	svc := &stubService{
		purchaseEntry: &model.LedgerEntry{
			ID:                3,
			FromAccountID:     &from,
			ToAccountID:       2,
			ItemID:            &item,
			Amount:            25,
			Kind:              model.EntryKindPurchase,
			Status:            model.EntryStatusCompleted,
			ExternalReference: &ref,
			CreatedAt:         time.Now().UTC(),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(purchaseRequest{ItemID: 7, Amount: 25})
	req := authedRequest(t, h, http.MethodPost, "/api/ledger/purchase", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Purchase))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got entryResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Amount != 25 || got.Kind != "purchase" || got.ExternalReference == nil {
		t.Fatalf("unexpected entry response: %+v", got)
	}
}

func TestPurchase_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(purchaseRequest{ItemID: 7, Amount: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/ledger/purchase", bytes.NewReader(body))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Purchase))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGrant_TargetsOwnAccountByDefault(t *testing.T) {
	svc := &stubService{
		grantResult: &service.GrantResult{
			Amount:     100,
			NewBalance: 100,
			Tier:       model.TierBronze,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(grantRequest{Action: "daily-login"})
	req := authedRequest(t, h, http.MethodPost, "/api/ledger/grant", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Grant))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.grantedTo != 1 {
		t.Fatalf("granted to account %d, want 1", svc.grantedTo)
	}
}

func TestGrant_TargetsExplicitAccount(t *testing.T) {
	svc := &stubService{
		grantResult: &service.GrantResult{Amount: 1, NewBalance: 1, Tier: model.TierBronze},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(grantRequest{Action: "like-received", AccountID: 9})
	req := authedRequest(t, h, http.MethodPost, "/api/ledger/grant", body)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Grant))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if svc.grantedTo != 9 {
		t.Fatalf("granted to account %d, want 9", svc.grantedTo)
	}
}

func TestGrant_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "unknown action", err: reward.ErrUnknownAction, wantCode: http.StatusUnprocessableEntity},
		{name: "not eligible", err: reward.ErrNotEligible, wantCode: http.StatusBadRequest},
		{name: "account not found", err: repository.ErrAccountNotFound, wantCode: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{grantErr: tc.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(grantRequest{Action: "recycle"})
			req := authedRequest(t, h, http.MethodPost, "/api/ledger/grant", body)

			rec := httptest.NewRecorder()
			handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Grant))
			handlerWithAuth.ServeHTTP(rec, req)

			res := rec.Result()
			if res.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.wantCode)
			}
		})
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{
			Balance:         975,
			TotalEarned:     1000,
			TotalSpent:      25,
			Tier:            model.TierBronze,
			DiscountPercent: 0,
		},
	}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/ledger/balance", nil)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetBalance))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var got map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, field := range []string{"balance", "total_earned", "total_spent", "tier", "discount_percent"} {
		if _, ok := got[field]; !ok {
			t.Fatalf("response is missing field %q: %v", field, got)
		}
	}
	if string(got["balance"]) != "975" || string(got["total_earned"]) != "1000" {
		t.Fatalf("unexpected balance payload: %v", got)
	}
}

func TestGetHistory_NoContent(t *testing.T) {
	svc := &stubService{
		historyResp: []model.LedgerEntry{},
	}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/ledger/history", nil)

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetHistory))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetEntry_Forbidden(t *testing.T) {
	svc := &stubService{
		entryErr: service.ErrAccessDenied,
	}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/ledger/entry/5", nil)

	rec := httptest.NewRecorder()
	router := chi.NewRouter()
	router.With(h.authMiddleware.Middleware).Get("/api/ledger/entry/{id}", h.GetEntry)
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestGetActions_Public(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/ledger/actions", nil)
	rec := httptest.NewRecorder()

	h.GetActions(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []actionResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected non-empty action catalog")
	}
	for _, a := range got {
		if a.Action == "" || a.DefaultAmount <= 0 {
			t.Fatalf("malformed action in catalog: %+v", a)
		}
	}
}
