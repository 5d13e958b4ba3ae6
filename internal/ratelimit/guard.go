package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/config"
)

const (
	EndpointAnalyze  = "analyze"
	EndpointBalance  = "balance"
	EndpointPurchase = "purchase"
	EndpointWebhook  = "webhook"

	ReasonDevice = "device"
	ReasonIP     = "ip"
)

// Policy bounds one endpoint per device and per client IP. A zero limit
// disables that dimension.
type Policy struct {
	DeviceLimit int
	IPLimit     int
	Window      time.Duration
}

// Decision is the combined outcome of every dimension checked.
type Decision struct {
	Result
	Reason string
}

// Guard applies endpoint policies to device and client IP subjects.
type Guard struct {
	window   *SlidingWindow
	policies map[string]Policy
}

func NewGuard(window *SlidingWindow, policies map[string]Policy) *Guard {
	return &Guard{window: window, policies: policies}
}

// PoliciesFromConfig maps configured thresholds onto endpoint names. Every
// gated endpoint needs a positive window and at least one positive limit, so a
// zeroed setting cannot switch throttling off.
func PoliciesFromConfig(cfg config.Config) (map[string]Policy, error) {
	toPolicy := func(p config.RateLimitPolicy) Policy {
		return Policy{DeviceLimit: p.DeviceLimit, IPLimit: p.IPLimit, Window: p.Window}
	}
	policies := map[string]Policy{
		EndpointAnalyze:  toPolicy(cfg.RateLimit.Analyze),
		EndpointBalance:  toPolicy(cfg.RateLimit.Balance),
		EndpointPurchase: toPolicy(cfg.RateLimit.Purchase),
		EndpointWebhook:  toPolicy(cfg.RateLimit.Webhook),
	}
	for endpoint, policy := range policies {
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("%w: endpoint %s", err, endpoint)
		}
	}
	return policies, nil
}

func (p Policy) validate() error {
	if p.Window <= 0 || p.DeviceLimit < 0 || p.IPLimit < 0 {
		return ErrInvalidPolicy
	}
	if p.DeviceLimit == 0 && p.IPLimit == 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Check evaluates the device dimension first, then the client IP.
// An unknown endpoint or a policy without limits is an error, never an
// implicit allow.
func (g *Guard) Check(ctx context.Context, endpoint, deviceID, clientIP string) (Decision, error) {
	policy, ok := g.policies[endpoint]
	if !ok || policy.validate() != nil {
		return Decision{Result: Result{RetryAfter: time.Second}}, ErrInvalidPolicy
	}

	allowed := Decision{Result: Result{Allowed: true}}
	deviceID = strings.TrimSpace(deviceID)
	if policy.DeviceLimit > 0 && deviceID != "" {
		res, err := g.window.Allow(ctx, endpoint+":device", deviceID, policy.DeviceLimit, policy.Window)
		if err != nil || !res.Allowed {
			return Decision{Result: res, Reason: ReasonDevice}, err
		}
		allowed.Result = res
	}

	clientIP = strings.TrimSpace(clientIP)
	if policy.IPLimit > 0 && clientIP != "" {
		res, err := g.window.Allow(ctx, endpoint+":ip", clientIP, policy.IPLimit, policy.Window)
		if err != nil || !res.Allowed {
			return Decision{Result: res, Reason: ReasonIP}, err
		}
		if allowed.Limit == 0 || res.Remaining < allowed.Remaining {
			allowed.Result = res
		}
	}
	return allowed, nil
}
