// Package tokens implements the token estimator (spec.md §4.2, C2): a fast
// heuristic count and an optional sidecar-backed precise count, with a
// bounded TTL cache over the sidecar path. The estimator is advisory — it
// drives context-budgeting decisions, never billing — and never blocks the
// caller for longer than the configured sidecar timeout.
package tokens

import (
	"context"
	"math"
	"time"
	"unicode"
)

// DefaultSidecarTimeout bounds how long a sidecar round trip may take
// before the estimator falls back to the heuristic.
const DefaultSidecarTimeout = 2 * time.Second

// DefaultCacheTTL is how long a sidecar result is cached by text hash.
const DefaultCacheTTL = 5 * time.Minute

// Estimator estimates token counts for text, preferring a sidecar process
// when configured and falling back to a heuristic otherwise.
type Estimator struct {
	sidecar *Sidecar
	cache   *ttlCache
	timeout time.Duration
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithSidecar attaches a sidecar process for precise BPE-based counting.
func WithSidecar(s *Sidecar) Option {
	return func(e *Estimator) { e.sidecar = s }
}

// WithTimeout overrides the default sidecar round-trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates a token Estimator. With no options it only ever uses the
// heuristic.
func New(opts ...Option) *Estimator {
	e := &Estimator{
		cache:   newTTLCache(DefaultCacheTTL, 4096),
		timeout: DefaultSidecarTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns the token count for text. Empty, nil-equivalent inputs
// count as zero (spec.md §4.2).
func (e *Estimator) Estimate(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}

	if e.sidecar != nil {
		key := hashText(text)
		if cached, ok := e.cache.get(key); ok {
			return cached
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		count, err := e.sidecar.CountTokens(callCtx, text)
		cancel()
		if err == nil {
			e.cache.set(key, count)
			return count
		}
		// Sidecar timed out, crashed, or is absent: fall through to heuristic.
	}

	return Heuristic(text)
}

// Heuristic implements the deterministic fallback estimate:
// round(words*1.3 + non_word_non_space*0.5) (spec.md §4.2).
func Heuristic(text string) int {
	if text == "" {
		return 0
	}

	words := 0
	inWord := false
	nonWordNonSpace := 0

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				words++
				inWord = true
			}
		default:
			inWord = false
			nonWordNonSpace++
		}
	}

	estimate := float64(words)*1.3 + float64(nonWordNonSpace)*0.5
	return int(math.Round(estimate))
}

// EstimateMessages sums the estimate across a slice of texts, used for
// budgeting an entire conversation.
func (e *Estimator) EstimateMessages(ctx context.Context, texts []string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(ctx, t)
	}
	return total
}
