package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signed := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutPayload(t *testing.T, eventType, paymentStatus string, livemode bool) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":       "evt_1",
		"type":     eventType,
		"created":  now.Unix(),
		"livemode": livemode,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_test_1",
				"payment_status": paymentStatus,
				"created":        now.Unix(),
				"metadata": map[string]any{
					"device_id":  "device-web-0001",
					"product_id": "large_pack",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(Config{WebhookSecret: "whsec_test"}, clock.NewFakeClock(now))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifyWebhookSignature(t *testing.T) {
	v := newVerifier(t)
	payload := checkoutPayload(t, eventCheckoutCompleted, "paid", true)

	headers := http.Header{}
	headers.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, now.Unix()))
	got, err := v.VerifyWebhook(t.Context(), payload, headers)
	if err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}
	if got.ProviderTransactionID != "stripe:cs_test_1" || got.ClaimedDeviceID != "device-web-0001" || got.ProductID != "large_pack" {
		t.Fatalf("unexpected receipt: %+v", got)
	}

	headers.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, now.Unix()))
	if _, err := v.VerifyWebhook(t.Context(), payload, headers); err != domain.ErrInvalidSignature {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	headers.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, now.Add(-10*time.Minute).Unix()))
	if _, err := v.VerifyWebhook(t.Context(), payload, headers); err != domain.ErrExpired {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}

	headers.Del("Stripe-Signature")
	if _, err := v.VerifyWebhook(t.Context(), payload, headers); err != domain.ErrInvalidSignature {
		t.Fatalf("expected missing signature to be rejected, got %v", err)
	}
}

func TestVerifyWebhookEventFiltering(t *testing.T) {
	v := newVerifier(t)

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "other event", payload: checkoutPayload(t, "payment_intent.succeeded", "paid", true), want: domain.ErrEventIgnored},
		{name: "unpaid session", payload: checkoutPayload(t, eventCheckoutCompleted, "unpaid", true), want: domain.ErrEventIgnored},
		{name: "test mode", payload: checkoutPayload(t, eventCheckoutCompleted, "paid", false), want: domain.ErrEnvironmentMismatch},
		{name: "not json", payload: []byte("{"), want: domain.ErrMalformedReceipt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			headers.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", tt.payload, now.Unix()))
			if _, err := v.VerifyWebhook(t.Context(), tt.payload, headers); err != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
