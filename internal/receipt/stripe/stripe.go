// Package stripe verifies Stripe checkout webhooks that purchase credit packs.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	paymentStatusPaid      = "paid"
	defaultTolerance       = 5 * time.Minute
)

type Config struct {
	WebhookSecret string
	Tolerance     time.Duration
	AllowTestMode bool
}

type Verifier struct {
	webhookSecret string
	tolerance     time.Duration
	allowTestMode bool
	clock         clock.Clock
}

func New(cfg Config, clk clock.Clock) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", domain.ErrNotConfigured)
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{
		webhookSecret: secret,
		tolerance:     tolerance,
		allowTestMode: cfg.AllowTestMode,
		clock:         clk,
	}, nil
}

func (v *Verifier) Provider() string { return domain.FormatStripe }

func (v *Verifier) VerifyWebhook(_ context.Context, payload []byte, headers http.Header) (*domain.VerifiedReceipt, error) {
	if err := v.verifySignature(payload, headers); err != nil {
		return nil, err
	}
	return v.parse(payload)
}

func (v *Verifier) verifySignature(payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	skew := v.clock.Now().Sub(time.Unix(seconds, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return domain.ErrExpired
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

type stripeEvent struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type checkoutSession struct {
	ID            string         `json:"id"`
	PaymentStatus string         `json:"payment_status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

func (v *Verifier) parse(payload []byte) (*domain.VerifiedReceipt, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrMalformedReceipt
	}
	if strings.TrimSpace(event.Type) != eventCheckoutCompleted {
		return nil, domain.ErrEventIgnored
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrMalformedReceipt
	}
	if session.PaymentStatus != paymentStatusPaid {
		return nil, domain.ErrEventIgnored
	}

	environment := domain.EnvironmentProduction
	if !event.Livemode {
		if !v.allowTestMode {
			return nil, domain.ErrEnvironmentMismatch
		}
		environment = domain.EnvironmentSandbox
	}

	deviceID := readMetadataValue(session.Metadata, "device_id")
	productID := readMetadataValue(session.Metadata, "product_id")
	if deviceID == "" || productID == "" {
		return nil, domain.ErrMalformedReceipt
	}

	return &domain.VerifiedReceipt{
		Provider:              domain.FormatStripe,
		ProductID:             productID,
		ProviderTransactionID: "stripe:" + session.ID,
		ClaimedDeviceID:       deviceID,
		Environment:           environment,
		PurchasedAt:           timestamp(session.Created, event.Created),
		Digest:                domain.Digest(payload),
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	if cast, ok := value.(string); ok {
		return strings.TrimSpace(cast)
	}
	return ""
}
