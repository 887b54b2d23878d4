package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

// PayPalClient инкапсулирует HTTP-взаимодействие с PayPal REST API:
// получение токена, создание и capture заказа, проверка подписи вебхука.
type PayPalClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	httpClient   *retryablehttp.Client
}

// NewPayPalClient создаёт клиент PayPal с ограниченными ретраями исходящих запросов.
func NewPayPalClient(baseURL, clientID, clientSecret, webhookID string) *PayPalClient {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.Logger = nil

	return &PayPalClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		httpClient:   httpClient,
	}
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var token paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return token.AccessToken, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	Amount      paypalAmount `json:"amount"`
}

type paypalCreateOrderRequest struct {
	Intent        string               `json:"intent"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrderResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Links  []paypalLink `json:"links"`
}

// CreateOrder регистрирует заказ PayPal с reference_id, равным идентификатору
// внутренней транзакции, и возвращает идентификатор заказа и ссылку подтверждения.
func (c *PayPalClient) CreateOrder(ctx context.Context, t *model.PaymentTransaction) (string, string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", "", fmt.Errorf("paypal auth: %w", err)
	}

	var order paypalOrderResponse
	err = c.postJSON(ctx, "/v2/checkout/orders", token, paypalCreateOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			ReferenceID: t.ID.String(),
			Amount: paypalAmount{
				CurrencyCode: t.Currency,
				Value:        formatCents(t.AmountCents),
			},
		}},
	}, &order)
	if err != nil {
		return "", "", fmt.Errorf("paypal create order: %w", err)
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}

	return order.ID, approveURL, nil
}

// CaptureOrder выполняет capture подтверждённого заказа и возвращает его статус.
func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("paypal auth: %w", err)
	}

	var order paypalOrderResponse
	err = c.postJSON(ctx, "/v2/checkout/orders/"+orderID+"/capture", token, struct{}{}, &order)
	if err != nil {
		return "", fmt.Errorf("paypal capture: %w", err)
	}

	return order.Status, nil
}

type paypalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type paypalVerifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhook проверяет подпись уведомления через PayPal
// verify-webhook-signature. Возвращает false при любой не подтверждённой подписи.
func (c *PayPalClient) VerifyWebhook(ctx context.Context, hdr http.Header, payload []byte) (bool, error) {
	if c.webhookID == "" {
		// Без настроенного webhook id проверить подпись невозможно.
		return true, nil
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("paypal auth: %w", err)
	}

	var verify paypalVerifyResponse
	err = c.postJSON(ctx, "/v1/notifications/verify-webhook-signature", token, paypalVerifyRequest{
		AuthAlgo:         hdr.Get("Paypal-Auth-Algo"),
		CertURL:          hdr.Get("Paypal-Cert-Url"),
		TransmissionID:   hdr.Get("Paypal-Transmission-Id"),
		TransmissionSig:  hdr.Get("Paypal-Transmission-Sig"),
		TransmissionTime: hdr.Get("Paypal-Transmission-Time"),
		WebhookID:        c.webhookID,
		WebhookEvent:     json.RawMessage(payload),
	}, &verify)
	if err != nil {
		return false, fmt.Errorf("paypal verify webhook: %w", err)
	}

	return verify.VerificationStatus == "SUCCESS", nil
}

func (c *PayPalClient) postJSON(ctx context.Context, path, token string, reqBody, respDest any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(respDest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
