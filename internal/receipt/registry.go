package receipt

import (
	"context"
	"sort"
	"strings"

	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

// Registry dispatches receipts to the verifier registered for their format.
type Registry struct {
	verifiers map[string]domain.Verifier
}

func NewRegistry(verifiers ...domain.Verifier) *Registry {
	registry := &Registry{verifiers: map[string]domain.Verifier{}}
	for _, verifier := range verifiers {
		if verifier == nil {
			continue
		}
		format := strings.ToLower(strings.TrimSpace(verifier.Format()))
		if format == "" {
			continue
		}
		registry.verifiers[format] = verifier
	}
	return registry
}

func (r *Registry) FormatExists(format string) bool {
	if r == nil {
		return false
	}
	_, ok := r.verifiers[strings.ToLower(strings.TrimSpace(format))]
	return ok
}

func (r *Registry) Formats() []string {
	if r == nil {
		return nil
	}
	formats := make([]string, 0, len(r.verifiers))
	for format := range r.verifiers {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	return formats
}

// Verify checks payload with the verifier for format. There is no fallback:
// an unregistered format is rejected.
func (r *Registry) Verify(ctx context.Context, format string, payload []byte) (*domain.VerifiedReceipt, error) {
	if r == nil {
		return nil, domain.ErrUnknownFormat
	}
	verifier, ok := r.verifiers[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return nil, domain.ErrUnknownFormat
	}
	if len(payload) == 0 {
		return nil, domain.ErrMalformedReceipt
	}
	return verifier.Verify(ctx, payload)
}
