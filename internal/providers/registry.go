// Package providers implements the LLM provider registry (spec.md §4.9,
// C9): an ordered fallback chain of adapters assembled at boot from
// configuration, each added only after a successful reachability probe,
// with Chat (streaming when CompletionOptions.StreamCallback is set)
// falling over to the next adapter on network error,
// rate limit, or 5xx.
package providers

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/pkg/models"
)

// Prober checks whether an adapter is reachable before it is admitted to
// the fallback chain (spec.md §4.9: "a provider is added to the fallback
// chain only after a successful reachability probe").
type Prober interface {
	Probe(ctx context.Context) error
}

// Registry holds the ordered fallback chain of providers.
type Registry struct {
	logger    *slog.Logger
	chain     []models.Provider
	toolGates map[string]func(model string) bool
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, toolGates: make(map[string]func(model string) bool)}
}

// Add runs the adapter's reachability probe (if it implements Prober) and,
// on success, appends it to the fallback chain. A failed probe logs a
// warning and the adapter is skipped rather than added broken.
func (r *Registry) Add(ctx context.Context, p models.Provider) {
	if p == nil {
		return
	}
	if prober, ok := p.(Prober); ok {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := prober.Probe(probeCtx)
		cancel()
		if err != nil {
			r.logger.Warn("provider reachability probe failed, excluding from fallback chain",
				"provider", p.Name(), "error", err)
			return
		}
	}
	r.chain = append(r.chain, p)
	r.logger.Info("provider added to fallback chain", "provider", p.Name(), "default_model", p.DefaultModel())
}

// WithToolGate registers a capability predicate restricting tool visibility
// for a given provider (spec.md §4.9 "tool gating" for local providers with
// small models): gate(model) returning false hides tools from that call.
func (r *Registry) WithToolGate(providerName string, gate func(model string) bool) {
	r.toolGates[providerName] = gate
}

// Len reports the number of providers currently in the fallback chain.
func (r *Registry) Len() int { return len(r.chain) }

// Names lists the providers in fallback order, for /health and diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, len(r.chain))
	for i, p := range r.chain {
		names[i] = p.Name()
	}
	return names
}

// Active returns the first (highest-priority) provider in the chain, used
// by /health to report the active provider+model (spec.md §4.17: "Model
// must reflect the active provider's model, not a default from an
// unrelated env var").
func (r *Registry) Active() (name, model string) {
	if len(r.chain) == 0 {
		return "", ""
	}
	return r.chain[0].Name(), r.chain[0].DefaultModel()
}

// Chat tries each provider in fallback order, moving to the next on
// network error, rate limit, or 5xx (spec.md §4.9).
func (r *Registry) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	if len(r.chain) == 0 {
		return nil, apperrors.New(apperrors.KindProviderError, "no providers configured")
	}

	var lastErr error
	for _, p := range r.chain {
		gatedOpts := opts
		if gate, ok := r.toolGates[p.Name()]; ok && !gate(p.DefaultModel()) {
			gatedOpts.Tools = nil
		}

		result, err := p.Chat(ctx, messages, gatedOpts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isFallthroughError(err) {
			return nil, apperrors.Wrap(apperrors.KindProviderError, "provider call failed: "+p.Name(), err)
		}
		r.logger.Warn("provider call failed, falling back", "provider", p.Name(), "error", err)
	}
	return nil, apperrors.Wrap(apperrors.KindProviderError, "all providers in fallback chain exhausted", lastErr)
}

// isFallthroughError reports whether err should trigger advancing to the
// next provider in the chain rather than returning immediately.
func isFallthroughError(err error) bool {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
