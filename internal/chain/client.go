// Package chain предоставляет клиент для внешней системы расчётов (settlement RPC).
//
// Локальный журнал остаётся источником истины: запись в цепочке — это
// необязательная пометка уже зафиксированной операции, а не условие её фиксации.
package chain

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/giro-ledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с системой расчётов.
type Client struct {
	baseURL      string
	recordClient *http.Client
	statusClient *http.Client
}

// RecordRequest описывает запрос на фиксацию операции в системе расчётов.
type RecordRequest struct {
	EntryID int64  `json:"entry_id"`
	From    *int64 `json:"from,omitempty"`
	To      int64  `json:"to"`
	Amount  int64  `json:"amount"`
}

// RecordResponse содержит внешнюю ссылку на зафиксированную операцию.
type RecordResponse struct {
	Reference string `json:"reference"`
}

// TxStatus описывает состояние операции в системе расчётов.
type TxStatus struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	BlockNumber *int64 `json:"block_number,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к системе расчётов по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		recordClient: rc.StandardClient(),
		statusClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// Record фиксирует запись журнала в системе расчётов и возвращает внешнюю ссылку.
// Пометка идемпотентна по entry_id, поэтому транспортные повторы безопасны.
func (c *Client) Record(ctx context.Context, entry *model.LedgerEntry) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("chain client not configured")
	}

	body, err := json.Marshal(RecordRequest{
		EntryID: entry.ID,
		From:    entry.FromAccountID,
		To:      entry.ToAccountID,
		Amount:  entry.Amount,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/tx"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.recordClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if result.Reference == "" {
		return "", fmt.Errorf("empty reference in response")
	}

	return result.Reference, nil
}

// GetStatus запрашивает состояние операции по внешней ссылке.
// Единственный внешний вызов с повторами; к пути чтения/записи журнала не относится.
func (c *Client) GetStatus(ctx context.Context, reference string) (*TxStatus, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("chain client not configured")
	}

	var result *TxStatus

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tx/"+reference), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := c.statusClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("unexpected status: %d", resp.StatusCode))
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		var st TxStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		result = &st
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SimulatedReference возвращает имитацию ссылки на транзакцию: 0x и 64 hex-символа.
// Используется, когда система расчётов не сконфигурирована.
func SimulatedReference() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand на поддерживаемых платформах не возвращает ошибок
		return "0x" + strings.Repeat("0", 64)
	}
	return "0x" + hex.EncodeToString(buf)
}
