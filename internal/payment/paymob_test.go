package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

func TestPaymobCreateCheckout(t *testing.T) {
	txID := uuid.New()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}

		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/auth/tokens":
			var req paymobAuthRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode auth: %v", err)
			}
			if req.APIKey != "test-api-key" {
				t.Fatalf("api_key = %q", req.APIKey)
			}
			_ = json.NewEncoder(w).Encode(paymobAuthResponse{Token: "auth-token"})

		case "/api/ecommerce/orders":
			var req paymobOrderRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode order: %v", err)
			}
			if req.AuthToken != "auth-token" {
				t.Fatalf("auth_token = %q", req.AuthToken)
			}
			if req.MerchantOrderID != txID.String() {
				t.Fatalf("merchant_order_id = %q, want %s", req.MerchantOrderID, txID)
			}
			if req.AmountCents != 4999 || req.Currency != "EGP" {
				t.Fatalf("amount = %d %s", req.AmountCents, req.Currency)
			}
			_ = json.NewEncoder(w).Encode(paymobOrderResponse{ID: 555001})

		case "/api/acceptance/payment_keys":
			var req paymobPaymentKeyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode payment key: %v", err)
			}
			if req.OrderID != 555001 {
				t.Fatalf("order_id = %d, want 555001", req.OrderID)
			}
			if req.IntegrationID != 12345 {
				t.Fatalf("integration_id = %d, want 12345", req.IntegrationID)
			}
			_ = json.NewEncoder(w).Encode(paymobPaymentKeyResponse{Token: "payment-token"})

		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := NewPaymobClient(ts.URL, "test-api-key", "12345", "iframe-1", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	orderID, paymentURL, err := client.CreateCheckout(ctx, &model.PaymentTransaction{
		ID:                     txID,
		AmountCents:            4999,
		Currency:               "EGP",
		PackageName:            "Basic Pack",
		InterpretationsGranted: 10,
	})
	if err != nil {
		t.Fatalf("CreateCheckout error: %v", err)
	}

	if orderID != "555001" {
		t.Fatalf("orderID = %q, want 555001", orderID)
	}
	if !strings.Contains(paymentURL, "/api/acceptance/iframes/iframe-1?payment_token=payment-token") {
		t.Fatalf("paymentURL = %q", paymentURL)
	}
}

func TestPaymobCreateCheckout_AuthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := NewPaymobClient(ts.URL, "bad-key", "12345", "iframe-1", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := client.CreateCheckout(ctx, &model.PaymentTransaction{ID: uuid.New(), AmountCents: 100, Currency: "EGP"})
	if err == nil {
		t.Fatalf("expected error for auth failure")
	}
}

func signPaymobCallback(secret string) (payload []byte, signature string) {
	payload = []byte(`{"obj":{"id":77001,"amount_cents":4999,"created_at":"2024-01-15T10:30:00.000000",` +
		`"currency":"EGP","error_occured":false,"has_parent_transaction":false,"integration_id":12345,` +
		`"is_3d_secure":true,"is_auth":false,"is_capture":false,"is_refunded":false,` +
		`"is_standalone_payment":true,"is_voided":false,` +
		`"order":{"id":555001,"merchant_order_id":"8d7f4c2e-0000-0000-0000-000000000000"},` +
		`"owner":101,"pending":false,` +
		`"source_data":{"pan":"2346","sub_type":"MasterCard","type":"card"},"success":true}}`)

	concat := "4999" + "2024-01-15T10:30:00.000000" + "EGP" +
		"false" + "false" + "77001" + "12345" +
		"true" + "false" + "false" + "false" + "true" + "false" +
		"555001" + "101" + "false" +
		"2346" + "MasterCard" + "card" + "true"

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(concat))
	return payload, hex.EncodeToString(mac.Sum(nil))
}

func TestPaymobVerifyWebhook(t *testing.T) {
	client := NewPaymobClient("https://accept.paymob.com", "key", "12345", "iframe-1", "hmac-secret")

	payload, signature := signPaymobCallback("hmac-secret")

	ok, err := client.VerifyWebhook(payload, signature)
	if err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}
	if !ok {
		t.Fatalf("valid signature rejected")
	}

	// Подмена любого поля транзакции ломает подпись.
	tampered := strings.Replace(string(payload), `"amount_cents":4999`, `"amount_cents":1`, 1)
	ok, err = client.VerifyWebhook([]byte(tampered), signature)
	if err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}
	if ok {
		t.Fatalf("tampered payload accepted")
	}

	ok, err = client.VerifyWebhook(payload, "")
	if err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}
	if ok {
		t.Fatalf("missing signature accepted")
	}
}

func TestPaymobVerifyWebhook_NoSecretConfigured(t *testing.T) {
	client := NewPaymobClient("https://accept.paymob.com", "key", "12345", "iframe-1", "")

	payload, _ := signPaymobCallback("whatever")

	ok, err := client.VerifyWebhook(payload, "")
	if err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}
	if !ok {
		t.Fatalf("verification must be skipped without a configured secret")
	}
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{cents: 4999, want: "49.99"},
		{cents: 100, want: "1.00"},
		{cents: 5, want: "0.05"},
		{cents: 19999, want: "199.99"},
	}

	for _, tt := range tests {
		if got := formatCents(tt.cents); got != tt.want {
			t.Errorf("formatCents(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
