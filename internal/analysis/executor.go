// Package analysis calls the downstream analysis service. The ledger treats it
// as opaque: it is invoked only after a grant, and its failure never refunds.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotConfigured    = errors.New("analysis_not_configured")
	ErrExecutorFailed   = errors.New("analysis_failed")
	ErrInvalidResponse  = errors.New("analysis_invalid_response")
	ErrEmptyMeasurement = errors.New("analysis_empty_measurement")
)

// Request carries the measurement as submitted by the client. The device id
// is not forwarded; the grant token identifies the consumed unit.
type Request struct {
	GrantToken  string          `json:"grant_token"`
	Measurement json.RawMessage `json:"measurement"`
}

type Result struct {
	Analysis json.RawMessage `json:"analysis"`
}

type Executor interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}
