// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Статусы транзакции, которые сообщает шлюз.
const (
	TxnStatusUnpaid  = "UNPAID"
	TxnStatusPaid    = "PAID"
	TxnStatusExpired = "EXPIRED"
	TxnStatusFailed  = "FAILED"
	TxnStatusRefund  = "REFUND"
)

// ErrTransactionNotFound возвращается, если шлюз не знает указанную транзакцию.
var ErrTransactionNotFound = errors.New("transaction not found in gateway")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL      string
	merchantCode string
	apiKey       []byte
	httpClient   *http.Client
}

// CreateRequest описывает запрос на открытие оплаты заказа.
type CreateRequest struct {
	OrderID       string
	Amount        int64
	Method        string
	CustomerEmail string
	CustomerPhone string
	ReturnURL     string
}

// Transaction описывает открытую в шлюзе транзакцию.
type Transaction struct {
	Reference   string
	CheckoutURL string
	Raw         []byte
}

// Status описывает текущее состояние транзакции в шлюзе.
type Status struct {
	TxnStatus      string
	AmountReceived int64
	Raw            []byte
}

// NewClient создаёт HTTP-клиент платёжного шлюза.
func NewClient(baseURL, merchantCode, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:      base,
		merchantCode: merchantCode,
		apiKey:       []byte(apiKey),
		httpClient:   rc.StandardClient(),
	}
}

// sign вычисляет подпись запроса: HMAC-SHA256 от merchantCode+orderID+amount.
func (c *Client) sign(orderID string, amount int64) string {
	mac := hmac.New(sha256.New, c.apiKey)
	mac.Write([]byte(c.merchantCode + orderID + strconv.FormatInt(amount, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

type createPayload struct {
	MerchantCode  string `json:"merchant_code"`
	MerchantRef   string `json:"merchant_ref"`
	Amount        int64  `json:"amount"`
	Method        string `json:"method"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	ReturnURL     string `json:"return_url"`
	Signature     string `json:"signature"`
}

type createResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Reference   string `json:"reference"`
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
	Message string `json:"message"`
}

// CreateTransaction открывает оплату в шлюзе и возвращает ссылку на страницу оплаты.
func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	payload := createPayload{
		MerchantCode:  c.merchantCode,
		MerchantRef:   req.OrderID,
		Amount:        req.Amount,
		Method:        req.Method,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		ReturnURL:     req.ReturnURL,
		Signature:     c.sign(req.OrderID, req.Amount),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result createResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Success || result.Data.Reference == "" {
		return nil, fmt.Errorf("gateway rejected transaction: %s", result.Message)
	}

	return &Transaction{
		Reference:   result.Data.Reference,
		CheckoutURL: result.Data.CheckoutURL,
		Raw:         raw,
	}, nil
}

type statusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Status         string `json:"status"`
		AmountReceived int64  `json:"amount_received"`
	} `json:"data"`
	Message string `json:"message"`
}

// CheckStatus запрашивает состояние транзакции по её идентификатору в шлюзе.
func (c *Client) CheckStatus(ctx context.Context, reference string) (*Status, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	url := fmt.Sprintf("%s/api/transactions/%s", c.baseURL, reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result statusResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Success {
		return nil, fmt.Errorf("gateway error: %s", result.Message)
	}

	return &Status{
		TxnStatus:      result.Data.Status,
		AmountReceived: result.Data.AmountReceived,
		Raw:            raw,
	}, nil
}
