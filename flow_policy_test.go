package pumped

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlowWithRetrySucceedsAfterFailures(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	cfg := Provide(func(ctx *ResolveCtx) (string, error) { return "ok", nil })

	var attempts int32
	flow := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", errors.New("transient failure")
		}
		return "done", nil
	}, WithFlowTag(FlowName(), "flaky"), WithRetry(5))

	result, _, err := Exec(scope, context.Background(), flow)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "done" {
		t.Errorf("expected 'done', got %q", result)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestFlowWithRetryExhausted(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	cfg := Provide(func(ctx *ResolveCtx) (string, error) { return "ok", nil })

	var attempts int32
	flow := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("always fails")
	}, WithFlowTag(FlowName(), "always-flaky"), WithRetry(2))

	_, _, err := Exec(scope, context.Background(), flow)
	if err == nil {
		t.Fatal("expected failure after retries exhausted")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
}

func TestFlowWithTimeoutFails(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	cfg := Provide(func(ctx *ResolveCtx) (string, error) { return "ok", nil })

	flow := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		<-execCtx.Context().Done()
		return "", execCtx.Context().Err()
	}, WithFlowTag(FlowName(), "slow"), WithTimeout(20*time.Millisecond))

	_, _, err := Exec(scope, context.Background(), flow)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var timeoutErr *FlowTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Errorf("expected *FlowTimeoutError, got %T: %v", err, err)
	}
}

func TestFlowWithKeyMemoizesWithinScope(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	cfg := Provide(func(ctx *ResolveCtx) (string, error) { return "ok", nil })

	var runs int32
	flow := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		atomic.AddInt32(&runs, 1)
		return "computed", nil
	}, WithFlowTag(FlowName(), "idempotent"), WithKey("same-key"))

	r1, _, err := Exec(scope, context.Background(), flow)
	if err != nil {
		t.Fatalf("first exec failed: %v", err)
	}
	r2, _, err := Exec(scope, context.Background(), flow)
	if err != nil {
		t.Fatalf("second exec failed: %v", err)
	}

	if r1 != "computed" || r2 != "computed" {
		t.Errorf("expected both results to be 'computed', got %q and %q", r1, r2)
	}
	if runs != 1 {
		t.Errorf("expected the factory to run exactly once, got %d", runs)
	}
}

func TestFlowWithKeyMemoizesAcrossNestedExec1InSameContext(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	cfg := Provide(func(ctx *ResolveCtx) (string, error) { return "ok", nil })

	var runs int32
	inner := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		atomic.AddInt32(&runs, 1)
		return "inner-computed", nil
	}, WithFlowTag(FlowName(), "inner"), WithKey("shared-key"))

	outer := Flow1(cfg, func(execCtx *ExecutionCtx, c *Controller[string]) (string, error) {
		r1, _, err := Exec1(execCtx, inner)
		if err != nil {
			return "", err
		}
		r2, _, err := Exec1(execCtx, inner)
		if err != nil {
			return "", err
		}
		return r1 + "/" + r2, nil
	}, WithFlowTag(FlowName(), "outer"))

	result, _, err := Exec(scope, context.Background(), outer)
	if err != nil {
		t.Fatalf("outer exec failed: %v", err)
	}
	if result != "inner-computed/inner-computed" {
		t.Errorf("expected both nested calls to see the same memoized value, got %q", result)
	}
	if runs != 1 {
		t.Errorf("expected the inner factory to run exactly once across both nested Exec1 calls sharing the outer context, got %d", runs)
	}
}
