package tokens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicEmpty(t *testing.T) {
	require.Equal(t, 0, Heuristic(""))
}

func TestHeuristicMonotoneOnPrefix(t *testing.T) {
	// Property: |a| < |b| and a a prefix of b implies estimate(a) <= estimate(b).
	a := "the quick brown"
	b := "the quick brown fox jumps over the lazy dog!"
	require.LessOrEqual(t, Heuristic(a), Heuristic(b))
}

func TestEstimateFallsBackWithoutSidecar(t *testing.T) {
	e := New()
	got := e.Estimate(context.Background(), "hello world")
	require.Equal(t, Heuristic("hello world"), got)
}

func TestEstimateEmptyInputsCountZero(t *testing.T) {
	e := New()
	require.Equal(t, 0, e.Estimate(context.Background(), ""))
}

func TestEstimateMessagesSums(t *testing.T) {
	e := New()
	ctx := context.Background()
	total := e.EstimateMessages(ctx, []string{"hello", "world"})
	require.Equal(t, e.Estimate(ctx, "hello")+e.Estimate(ctx, "world"), total)
}
