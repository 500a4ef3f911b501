// Package middleware provides reusable model.Client middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/taskflow/runtime/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in
	// front of a model.Client. It estimates the token cost of each request,
	// blocks callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to provider rate limiting: halve
	// on a rate limited error, creep back up on success.
	//
	// Construct one instance per process and wrap the provider client with
	// Middleware before handing it to the agent layer.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64
		step       float64
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs a limiter with an initial
// tokens-per-minute budget and an upper bound. When maxTPM is zero or below
// initialTPM it is clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	step := initialTPM * 0.05
	if step < 1 {
		step = 1
	}
	return &AdaptiveRateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     minTPM,
		maxTPM:     maxTPM,
		step:       step,
	}
}

// Middleware returns a model.Client middleware enforcing the limiter on
// every Stream call.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// TPM returns the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Stream blocks until the estimated token cost fits the budget, then
// delegates to the wrapped client.
func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

// backoff halves the budget down to the floor.
func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	l.setTPM(next)
}

// probe adds one recovery step up to the ceiling.
func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + l.step
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.setTPM(next)
}

// setTPM updates the limiter budget. Callers must hold l.mu.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the token cost of a request:
// roughly one token per three characters of text, plus a fixed buffer for
// the system prompt and provider framing.
func estimateTokens(req *model.Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			if p != nil {
				chars += len(p.Text)
			}
		}
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
