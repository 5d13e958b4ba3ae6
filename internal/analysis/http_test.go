package analysis

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPExecutorPostsMeasurement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "01J9Z", r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		var req Request
		require.NoError(t, json.Unmarshal(body, &req))
		assert.JSONEq(t, `{"ph":8.2}`, string(req.Measurement))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"analysis":{"summary":"stable"}}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(config.AnalysisConfig{URL: srv.URL, Timeout: time.Second}, zap.NewNop(), nil)
	res, err := exec.Analyze(t.Context(), Request{GrantToken: "01J9Z", Measurement: json.RawMessage(`{"ph":8.2}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"stable"}`, string(res.Analysis))
}

func TestHTTPExecutorFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name:    "upstream error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			want:    ErrExecutorFailed,
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) },
			want:    ErrInvalidResponse,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				time.Sleep(200 * time.Millisecond)
				_, _ = w.Write([]byte(`{"analysis":{}}`))
			},
			want: ErrExecutorFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			exec := NewHTTPExecutor(config.AnalysisConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop(), nil)
			_, err := exec.Analyze(t.Context(), Request{GrantToken: "g", Measurement: json.RawMessage(`{"ph":8.2}`)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPExecutorNotConfigured(t *testing.T) {
	exec := NewHTTPExecutor(config.AnalysisConfig{}, zap.NewNop(), nil)
	_, err := exec.Analyze(t.Context(), Request{Measurement: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
