// Package fulfillment предоставляет клиент внешнего API выдачи товара.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с API пополнений.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// DeliverRequest описывает запрос на выдачу товара игроку.
type DeliverRequest struct {
	Game     string
	Item     string
	PlayerID string
	ZoneID   string
}

// DeliverResult содержит разобранный ответ API пополнений вместе с сырым телом.
type DeliverResult struct {
	Raw      []byte
	envelope deliverEnvelope
}

// Ответы разных поставщиков различаются: признак успеха может прийти как
// булево поле success, булево поле status либо строка data.status.
type deliverEnvelope struct {
	Success *bool           `json:"success,omitempty"`
	Status  json.RawMessage `json:"status,omitempty"`
	Data    *struct {
		Status string `json:"status"`
	} `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Succeeded сообщает, содержит ли ответ явный признак успешной выдачи.
// Отсутствие явного признака трактуется как неуспех.
func (r *DeliverResult) Succeeded() bool {
	if r == nil {
		return false
	}
	if r.envelope.Success != nil && *r.envelope.Success {
		return true
	}
	if len(r.envelope.Status) > 0 {
		var b bool
		if err := json.Unmarshal(r.envelope.Status, &b); err == nil && b {
			return true
		}
	}
	if r.envelope.Data != nil && strings.EqualFold(r.envelope.Data.Status, "success") {
		return true
	}
	return false
}

// Message возвращает текстовое сообщение поставщика, если оно есть.
func (r *DeliverResult) Message() string {
	if r == nil {
		return ""
	}
	return r.envelope.Message
}

// NewClient создаёт HTTP-клиент API пополнений.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	// Сам вызов выдачи не идемпотентен, транспортные ретраи запрещены.
	rc.RetryMax = 0
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

type deliverPayload struct {
	Service  string `json:"service"`
	DataNo   string `json:"data_no"`
	DataZone string `json:"data_zone,omitempty"`
}

// Deliver вызывает выдачу товара игроку и возвращает разобранный ответ.
func (c *Client) Deliver(ctx context.Context, req DeliverRequest) (*DeliverResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("fulfillment client not configured")
	}

	payload := deliverPayload{
		Service:  req.Item,
		DataNo:   req.PlayerID,
		DataZone: req.ZoneID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return ParseResult(raw)
}

// ParseResult разбирает сырое тело ответа API пополнений.
func ParseResult(raw []byte) (*DeliverResult, error) {
	result := &DeliverResult{Raw: raw}
	if err := json.Unmarshal(raw, &result.envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
