package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/config"
	obsmetrics "github.com/reefbuddy/reefbuddy/internal/observability/metrics"
	obstracing "github.com/reefbuddy/reefbuddy/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 1 << 20
)

// HTTPExecutor posts the measurement to the analysis service.
type HTTPExecutor struct {
	url     string
	client  *http.Client
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewHTTPExecutor(cfg config.AnalysisConfig, log *zap.Logger, metrics *obsmetrics.Metrics) *HTTPExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPExecutor{
		url:     strings.TrimSpace(cfg.URL),
		client:  obstracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		log:     log.Named("analysis.executor"),
		metrics: metrics,
	}
}

func (e *HTTPExecutor) Analyze(ctx context.Context, req Request) (*Result, error) {
	if e.url == "" {
		return nil, ErrNotConfigured
	}
	if len(bytes.TrimSpace(req.Measurement)) == 0 {
		return nil, ErrEmptyMeasurement
	}

	start := time.Now()
	result, err := e.do(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		e.log.Warn("analysis call failed", zap.String("grant_token", req.GrantToken), zap.Error(err))
	}
	e.metrics.ObserveExecutor(ctx, time.Since(start), outcome)
	return result, err
}

func (e *HTTPExecutor) do(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.GrantToken != "" {
		httpReq.Header.Set("Idempotency-Key", req.GrantToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutorFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrExecutorFailed, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", ErrExecutorFailed, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Analysis) == 0 {
		return nil, ErrInvalidResponse
	}
	return &result, nil
}
