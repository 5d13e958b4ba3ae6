package storekit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBundleID = "com.reefbuddy.app"

var signedAt = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newKeyPair(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, priv *ecdsa.PrivateKey, claims map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	token, err := jws.Sign(body, jws.WithKey(jwa.ES256, priv))
	require.NoError(t, err)
	return token
}

func baseClaims() map[string]any {
	return map[string]any{
		"transactionId":         "2000000123456789",
		"originalTransactionId": "2000000123456789",
		"bundleId":              testBundleID,
		"productId":             "com.reefbuddy.credits.small",
		"type":                  "Consumable",
		"appAccountToken":       "6f1c2d3e-0000-4000-8000-00000000abcd",
		"environment":           "Production",
		"purchaseDate":          signedAt.UnixMilli(),
		"signedDate":            signedAt.UnixMilli(),
	}
}

func newVerifier(t *testing.T, publicPEM string, allowSandbox bool) *Verifier {
	t.Helper()
	v, err := New(Config{
		PublicKeyPEM: publicPEM,
		BundleID:     testBundleID,
		AllowSandbox: allowSandbox,
		MaxAge:       72 * time.Hour,
	}, clock.NewFakeClock(signedAt.Add(time.Minute)))
	require.NoError(t, err)
	return v
}

func TestVerifyAcceptsSignedTransaction(t *testing.T) {
	priv, pub := newKeyPair(t)
	v := newVerifier(t, pub, false)

	token := sign(t, priv, baseClaims())
	got, err := v.Verify(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.FormatStoreKit2, got.Provider)
	assert.Equal(t, "apple:2000000123456789", got.ProviderTransactionID)
	assert.Equal(t, "com.reefbuddy.credits.small", got.ProductID)
	assert.Equal(t, "6f1c2d3e-0000-4000-8000-00000000abcd", got.ClaimedDeviceID)
	assert.Equal(t, domain.Digest(token), got.Digest)
	assert.True(t, got.PurchasedAt.Equal(signedAt))
}

func TestVerifyRejections(t *testing.T) {
	priv, pub := newKeyPair(t)
	otherPriv, _ := newKeyPair(t)

	tests := []struct {
		name    string
		signer  *ecdsa.PrivateKey
		mutate  func(map[string]any)
		sandbox bool
		want    error
	}{
		{name: "foreign key", signer: otherPriv, want: domain.ErrInvalidSignature},
		{name: "sandbox in production", signer: priv, mutate: func(c map[string]any) { c["environment"] = "Sandbox" }, want: domain.ErrEnvironmentMismatch},
		{name: "unknown environment", signer: priv, sandbox: true, mutate: func(c map[string]any) { c["environment"] = "Xcode" }, want: domain.ErrEnvironmentMismatch},
		{name: "bundle mismatch", signer: priv, mutate: func(c map[string]any) { c["bundleId"] = "com.other.app" }, want: domain.ErrBundleMismatch},
		{name: "revoked", signer: priv, mutate: func(c map[string]any) { c["revocationDate"] = signedAt.UnixMilli() }, want: domain.ErrRevoked},
		{name: "expired", signer: priv, mutate: func(c map[string]any) { c["expiresDate"] = signedAt.UnixMilli() }, want: domain.ErrExpired},
		{name: "too old", signer: priv, mutate: func(c map[string]any) { c["signedDate"] = signedAt.Add(-96 * time.Hour).UnixMilli() }, want: domain.ErrExpired},
		{name: "missing transaction", signer: priv, mutate: func(c map[string]any) { delete(c, "transactionId") }, want: domain.ErrMalformedReceipt},
		{name: "not consumable", signer: priv, mutate: func(c map[string]any) { c["type"] = "Auto-Renewable Subscription" }, want: domain.ErrMalformedReceipt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVerifier(t, pub, tt.sandbox)
			claims := baseClaims()
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			_, err := v.Verify(t.Context(), sign(t, tt.signer, claims))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyAllowsSandboxWhenConfigured(t *testing.T) {
	priv, pub := newKeyPair(t)
	v := newVerifier(t, pub, true)

	claims := baseClaims()
	claims["environment"] = "Sandbox"
	got, err := v.Verify(t.Context(), sign(t, priv, claims))
	require.NoError(t, err)
	assert.Equal(t, domain.EnvironmentSandbox, got.Environment)
}

func TestVerifyRejectsNonJWS(t *testing.T) {
	_, pub := newKeyPair(t)
	v := newVerifier(t, pub, false)

	_, err := v.Verify(t.Context(), []byte("not-a-token"))
	assert.ErrorIs(t, err, domain.ErrMalformedReceipt)

	_, err = v.Verify(t.Context(), []byte("a.b.c"))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}
