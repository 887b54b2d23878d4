// Package payment реализует покупку пакетов толкований и сверку
// асинхронных уведомлений платёжных провайдеров.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

// PaymobClient инкапсулирует HTTP-взаимодействие с Paymob Accept API:
// аутентификация, регистрация заказа, получение ключа оплаты,
// проверка HMAC-подписи уведомлений.
type PaymobClient struct {
	baseURL       string
	apiKey        string
	integrationID string
	iframeID      string
	hmacSecret    string
	httpClient    *retryablehttp.Client
}

// NewPaymobClient создаёт клиент Paymob с ограниченными ретраями исходящих запросов.
func NewPaymobClient(baseURL, apiKey, integrationID, iframeID, hmacSecret string) *PaymobClient {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.Logger = nil

	return &PaymobClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		integrationID: integrationID,
		iframeID:      iframeID,
		hmacSecret:    hmacSecret,
		httpClient:    httpClient,
	}
}

type paymobAuthRequest struct {
	APIKey string `json:"api_key"`
}

type paymobAuthResponse struct {
	Token string `json:"token"`
}

type paymobOrderItem struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}

type paymobOrderRequest struct {
	AuthToken       string            `json:"auth_token"`
	DeliveryNeeded  bool              `json:"delivery_needed"`
	AmountCents     int64             `json:"amount_cents"`
	Currency        string            `json:"currency"`
	MerchantOrderID string            `json:"merchant_order_id"`
	Items           []paymobOrderItem `json:"items"`
}

type paymobOrderResponse struct {
	ID int64 `json:"id"`
}

type paymobPaymentKeyRequest struct {
	AuthToken     string            `json:"auth_token"`
	AmountCents   int64             `json:"amount_cents"`
	Expiration    int               `json:"expiration"`
	OrderID       int64             `json:"order_id"`
	BillingData   map[string]string `json:"billing_data"`
	Currency      string            `json:"currency"`
	IntegrationID int               `json:"integration_id"`
}

type paymobPaymentKeyResponse struct {
	Token string `json:"token"`
}

// CreateCheckout проводит полный цикл создания платежа Paymob и возвращает
// внешний идентификатор заказа и URL платёжной формы.
func (c *PaymobClient) CreateCheckout(ctx context.Context, t *model.PaymentTransaction) (string, string, error) {
	var auth paymobAuthResponse
	err := c.postJSON(ctx, "/api/auth/tokens", paymobAuthRequest{APIKey: c.apiKey}, &auth)
	if err != nil {
		return "", "", fmt.Errorf("paymob auth: %w", err)
	}

	var order paymobOrderResponse
	err = c.postJSON(ctx, "/api/ecommerce/orders", paymobOrderRequest{
		AuthToken:       auth.Token,
		DeliveryNeeded:  false,
		AmountCents:     t.AmountCents,
		Currency:        t.Currency,
		MerchantOrderID: t.ID.String(),
		Items: []paymobOrderItem{{
			Name:        t.PackageName,
			AmountCents: t.AmountCents,
			Description: fmt.Sprintf("%d dream interpretations", t.InterpretationsGranted),
			Quantity:    1,
		}},
	}, &order)
	if err != nil {
		return "", "", fmt.Errorf("paymob order: %w", err)
	}

	integrationID, err := strconv.Atoi(c.integrationID)
	if err != nil {
		return "", "", fmt.Errorf("paymob integration id: %w", err)
	}

	var key paymobPaymentKeyResponse
	err = c.postJSON(ctx, "/api/acceptance/payment_keys", paymobPaymentKeyRequest{
		AuthToken:     auth.Token,
		AmountCents:   t.AmountCents,
		Expiration:    3600,
		OrderID:       order.ID,
		BillingData:   emptyBillingData(),
		Currency:      t.Currency,
		IntegrationID: integrationID,
	}, &key)
	if err != nil {
		return "", "", fmt.Errorf("paymob payment key: %w", err)
	}

	paymentURL := fmt.Sprintf("%s/api/acceptance/iframes/%s?payment_token=%s", c.baseURL, c.iframeID, key.Token)

	return strconv.FormatInt(order.ID, 10), paymentURL, nil
}

// Paymob требует полный блок billing_data даже для цифровых товаров.
func emptyBillingData() map[string]string {
	return map[string]string{
		"apartment":       "NA",
		"email":           "customer@example.com",
		"floor":           "NA",
		"first_name":      "Customer",
		"street":          "NA",
		"building":        "NA",
		"phone_number":    "NA",
		"shipping_method": "NA",
		"postal_code":     "NA",
		"city":            "NA",
		"country":         "NA",
		"last_name":       "User",
		"state":           "NA",
	}
}

type paymobCallback struct {
	Obj *struct {
		AmountCents          json.Number `json:"amount_cents"`
		CreatedAt            string      `json:"created_at"`
		Currency             string      `json:"currency"`
		ErrorOccured         bool        `json:"error_occured"`
		HasParentTransaction bool        `json:"has_parent_transaction"`
		ID                   json.Number `json:"id"`
		IntegrationID        json.Number `json:"integration_id"`
		Is3DSecure           bool        `json:"is_3d_secure"`
		IsAuth               bool        `json:"is_auth"`
		IsCapture            bool        `json:"is_capture"`
		IsRefunded           bool        `json:"is_refunded"`
		IsStandalonePayment  bool        `json:"is_standalone_payment"`
		IsVoided             bool        `json:"is_voided"`
		Order                struct {
			ID json.Number `json:"id"`
		} `json:"order"`
		Owner      json.Number `json:"owner"`
		Pending    bool        `json:"pending"`
		SourceData struct {
			Pan     string `json:"pan"`
			SubType string `json:"sub_type"`
			Type    string `json:"type"`
		} `json:"source_data"`
		Success bool `json:"success"`
	} `json:"obj"`
}

// VerifyWebhook сверяет HMAC-подпись уведомления Paymob: HMAC-SHA512 от
// конкатенации полей транзакции в лексикографическом порядке ключей.
// Подпись приходит параметром hmac в query string коллбэка.
func (c *PaymobClient) VerifyWebhook(payload []byte, receivedHMAC string) (bool, error) {
	if c.hmacSecret == "" {
		// Без настроенного секрета проверить подпись невозможно.
		return true, nil
	}
	if receivedHMAC == "" {
		return false, nil
	}

	var cb paymobCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return false, fmt.Errorf("parse callback: %w", err)
	}
	if cb.Obj == nil {
		return false, nil
	}

	o := cb.Obj
	concat := strings.Join([]string{
		o.AmountCents.String(),
		o.CreatedAt,
		o.Currency,
		strconv.FormatBool(o.ErrorOccured),
		strconv.FormatBool(o.HasParentTransaction),
		o.ID.String(),
		o.IntegrationID.String(),
		strconv.FormatBool(o.Is3DSecure),
		strconv.FormatBool(o.IsAuth),
		strconv.FormatBool(o.IsCapture),
		strconv.FormatBool(o.IsRefunded),
		strconv.FormatBool(o.IsStandalonePayment),
		strconv.FormatBool(o.IsVoided),
		o.Order.ID.String(),
		o.Owner.String(),
		strconv.FormatBool(o.Pending),
		o.SourceData.Pan,
		o.SourceData.SubType,
		o.SourceData.Type,
		strconv.FormatBool(o.Success),
	}, "")

	mac := hmac.New(sha512.New, []byte(c.hmacSecret))
	mac.Write([]byte(concat))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(receivedHMAC))), nil
}

func (c *PaymobClient) postJSON(ctx context.Context, path string, reqBody, respDest any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
