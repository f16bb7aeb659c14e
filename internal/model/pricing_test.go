package model

import (
	"math"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text = %d tokens, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("4 chars = %d tokens, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("5 chars = %d tokens, want 2", got)
	}
}

func TestLookupModel(t *testing.T) {
	t.Parallel()

	meta, ok := LookupModel("claude-4.5-sonnet")
	if !ok {
		t.Fatalf("exact lookup failed")
	}
	if meta.Provider != "anthropic" {
		t.Fatalf("provider = %q, want anthropic", meta.Provider)
	}

	// Vendor suffixes still resolve via substring containment.
	fuzzy, ok := LookupModel("gpt-5.3-2026-01-15")
	if !ok {
		t.Fatalf("fuzzy lookup failed")
	}
	if fuzzy.Provider != "openai" {
		t.Fatalf("provider = %q, want openai", fuzzy.Provider)
	}

	if _, ok := LookupModel("totally-unknown-model-xyz"); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestCostBaseRate(t *testing.T) {
	t.Parallel()

	meta := ModelMetadata{InputPricePer1M: 10, OutputPricePer1M: 30}
	got := meta.Cost(1_000_000, 1_000_000)
	if math.Abs(got-40.0) > 1e-9 {
		t.Fatalf("cost = %v, want 40", got)
	}
}

func TestCostExtendedContextBoundary(t *testing.T) {
	t.Parallel()

	ext := 5.0
	meta := ModelMetadata{
		InputPricePer1M:          1,
		OutputPricePer1M:         1,
		ExtendedInputPricePer1M:  &ext,
		ExtendedOutputPricePer1M: &ext,
	}

	// Exactly at the threshold stays on the base rate.
	at := meta.Cost(200_000, 50_000)
	want := 250_000.0 / 1_000_000.0
	if math.Abs(at-want) > 1e-9 {
		t.Fatalf("cost at threshold = %v, want %v", at, want)
	}

	// Past the threshold the extended rate applies to both sides.
	over := meta.Cost(250_000, 60_000)
	want = 250_000.0/1_000_000.0*5 + 60_000.0/1_000_000.0*5
	if math.Abs(over-want) > 1e-9 {
		t.Fatalf("cost over threshold = %v, want %v", over, want)
	}
}

func TestCostExtendedFallsBackToBase(t *testing.T) {
	t.Parallel()

	meta := ModelMetadata{InputPricePer1M: 2, OutputPricePer1M: 4}
	got := meta.Cost(300_000, 100_000)
	want := 300_000.0/1_000_000.0*2 + 100_000.0/1_000_000.0*4
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestModelRegistryLoadsOnce(t *testing.T) {
	t.Parallel()

	a := ModelRegistry()
	b := ModelRegistry()
	if len(a) == 0 {
		t.Fatalf("registry is empty")
	}
	if len(a) != len(b) {
		t.Fatalf("registry changed between calls: %d vs %d", len(a), len(b))
	}
}
