package legacy

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func encode(t *testing.T, priv *rsa.PrivateKey, body map[string]any) []byte {
	t.Helper()
	receiptBytes, err := json.Marshal(body)
	require.NoError(t, err)
	digest := sha256.Sum256(receiptBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	env, err := json.Marshal(map[string]string{
		"receipt":   base64.StdEncoding.EncodeToString(receiptBytes),
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(env))
}

func baseBody() map[string]any {
	return map[string]any{
		"transaction_id": "1000000987654321",
		"product_id":     "com.reefbuddy.credits.large",
		"bundle_id":      "com.reefbuddy.app",
		"device_id":      "device-legacy-01",
		"environment":    "Production",
		"purchase_date":  now.Add(-time.Hour).Format(time.RFC3339),
	}
}

func TestLegacyVerify(t *testing.T) {
	priv, pub := newKeyPair(t)
	other, _ := newKeyPair(t)
	v, err := New(Config{PublicKeyPEM: pub, BundleID: "com.reefbuddy.app"}, clock.NewFakeClock(now))
	require.NoError(t, err)

	got, err := v.Verify(t.Context(), encode(t, priv, baseBody()))
	require.NoError(t, err)
	assert.Equal(t, "apple:1000000987654321", got.ProviderTransactionID)
	assert.Equal(t, "device-legacy-01", got.ClaimedDeviceID)

	_, err = v.Verify(t.Context(), encode(t, other, baseBody()))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	revoked := baseBody()
	revoked["revoked"] = true
	_, err = v.Verify(t.Context(), encode(t, priv, revoked))
	assert.ErrorIs(t, err, domain.ErrRevoked)

	expired := baseBody()
	expired["expires_date"] = now.Add(-time.Minute).Format(time.RFC3339)
	_, err = v.Verify(t.Context(), encode(t, priv, expired))
	assert.ErrorIs(t, err, domain.ErrExpired)

	sandbox := baseBody()
	sandbox["environment"] = "Sandbox"
	_, err = v.Verify(t.Context(), encode(t, priv, sandbox))
	assert.ErrorIs(t, err, domain.ErrEnvironmentMismatch)

	_, err = v.Verify(t.Context(), []byte("%%%"))
	assert.ErrorIs(t, err, domain.ErrMalformedReceipt)
}

func TestLegacyTamperedReceiptFailsSignature(t *testing.T) {
	priv, pub := newKeyPair(t)
	v, err := New(Config{PublicKeyPEM: pub}, clock.NewFakeClock(now))
	require.NoError(t, err)

	receiptBytes, _ := json.Marshal(baseBody())
	digest := sha256.Sum256(receiptBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)

	tampered := baseBody()
	tampered["product_id"] = "com.reefbuddy.credits.huge"
	tamperedBytes, _ := json.Marshal(tampered)
	env, _ := json.Marshal(map[string]string{
		"receipt":   base64.StdEncoding.EncodeToString(tamperedBytes),
		"signature": base64.StdEncoding.EncodeToString(sig),
	})

	_, err = v.Verify(t.Context(), []byte(base64.StdEncoding.EncodeToString(env)))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}
