package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecute_PrimaryWins(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("gemini", "gemini", FallbackConfig{})
	g.AddFallback("openai", "openai")

	var tried []string
	got, err := Execute(context.Background(), g, func(_ context.Context, v string) (string, error) {
		tried = append(tried, v)
		return "answer from " + v, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "answer from gemini" || len(tried) != 1 {
		t.Errorf("got %q after trying %v", got, tried)
	}
}

func TestExecute_FailsOver(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("gemini", "gemini", FallbackConfig{})
	g.AddFallback("openai", "openai")

	got, err := Execute(context.Background(), g, func(_ context.Context, v string) (string, error) {
		if v == "gemini" {
			return "", errBackend
		}
		return "answer from " + v, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "answer from openai" {
		t.Errorf("got %q", got)
	}
}

func TestExecute_AllFailJoinsErrors(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup(1, "one", FallbackConfig{})
	g.AddFallback("two", 2)
	errTwo := errors.New("two down")

	_, err := Execute(context.Background(), g, func(_ context.Context, v int) (int, error) {
		if v == 1 {
			return 0, errBackend
		}
		return 0, errTwo
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errBackend) || !errors.Is(err, errTwo) {
		t.Errorf("err = %v, want both member errors joined", err)
	}
}

func TestExecute_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("gemini", "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	g.AddFallback("openai", "openai")
	ctx := context.Background()

	calls := map[string]int{}
	fn := func(_ context.Context, v string) (string, error) {
		calls[v]++
		if v == "gemini" {
			return "", errBackend
		}
		return v, nil
	}
	for range 2 {
		if _, err := Execute(ctx, g, fn); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if _, err := Execute(ctx, g, fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls["gemini"] != 2 || calls["openai"] != 3 {
		t.Errorf("calls = %v, want gemini skipped once its breaker opened", calls)
	}
	if s := g.States()["gemini"]; s != StateOpen {
		t.Errorf("gemini breaker = %v, want open", s)
	}
}

func TestExecute_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup("a", "a", FallbackConfig{})
	g.AddFallback("b", "b")
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	_, err := Execute(ctx, g, func(ctx context.Context, v string) (string, error) {
		tried = append(tried, v)
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only the first member", tried)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	g := NewFallbackGroup(0, "gemini", FallbackConfig{})
	g.AddFallback("anthropic", 1)
	g.AddFallback("ollama", 2)
	names := g.Names()
	if len(names) != 3 || names[0] != "gemini" || names[2] != "ollama" {
		t.Errorf("Names() = %v", names)
	}
	if g.Primary() != 0 {
		t.Errorf("Primary() = %d", g.Primary())
	}
}
