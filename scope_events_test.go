package pumped

import (
	"context"
	"testing"
)

func TestScopeCreateExecution(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	execCtx := scope.CreateExecution(context.Background())
	if execCtx == nil {
		t.Fatal("expected a non-nil execution context")
	}
	if execCtx.State() != CtxActive {
		t.Errorf("expected a freshly created execution context to be active, got %v", execCtx.State())
	}

	counter := Provide(func(ctx *ResolveCtx) (int, error) { return 7, nil })
	doubled := Flow1(counter, func(ctx *ExecutionCtx, c *Controller[int]) (int, error) {
		v, err := c.Get()
		if err != nil {
			return 0, err
		}
		return v * 2, nil
	})

	result, _, err := Exec1(execCtx, doubled)
	if err != nil {
		t.Fatalf("expected Exec1 against a manually created execution context to succeed, got %v", err)
	}
	if result != 14 {
		t.Errorf("expected 14, got %d", result)
	}
}

func TestScopeOnFiresForReactiveUpdate(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	counter := Provide(func(ctx *ResolveCtx) (int, error) { return 1, nil })
	doubled := Derive1(
		counter.Reactive(),
		func(ctx *ResolveCtx, c *Controller[int]) (int, error) {
			v, err := c.Get()
			if err != nil {
				return 0, err
			}
			return v * 2, nil
		},
	)

	if _, err := Resolve(scope, doubled); err != nil {
		t.Fatalf("initial resolve failed: %v", err)
	}

	var gotResolved int
	unsubscribe := scope.On(EventResolved, doubled.GetExecutor(), func(event ControllerEvent, val any) {
		gotResolved = val.(int)
	})
	defer unsubscribe()

	var invalidated bool
	scope.On(EventInvalidated, doubled.GetExecutor(), func(event ControllerEvent, val any) {
		invalidated = true
	})

	if err := Update(scope, counter, 5); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !invalidated {
		t.Error("expected doubled to be invalidated after counter update")
	}

	if _, err := Resolve(scope, doubled); err != nil {
		t.Fatalf("re-resolve failed: %v", err)
	}
	if gotResolved != 10 {
		t.Errorf("expected re-resolve to report 10, got %d", gotResolved)
	}
}

func TestScopeOnUnsubscribe(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	counter := Provide(func(ctx *ResolveCtx) (int, error) { return 1, nil })

	calls := 0
	unsubscribe := scope.On(EventUpdated, counter.GetExecutor(), func(event ControllerEvent, val any) {
		calls++
	})

	if err := Update(scope, counter, 2); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	unsubscribe()
	if err := Update(scope, counter, 3); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}

func TestControllerOnConvergesWithScopeLevelUpdate(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose()

	counter := Provide(func(ctx *ResolveCtx) (int, error) { return 0, nil })
	ctrl := Accessor(scope, counter)

	var lastVal int
	ctrl.On(EventUpdated, func(event ControllerEvent, val int) {
		lastVal = val
	})

	// Update via the package-level function, not this same *Controller
	// instance, to prove listeners are addressed by executor identity.
	if err := Update(scope, counter, 42); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if lastVal != 42 {
		t.Errorf("expected Controller.On to observe 42, got %d", lastVal)
	}
}
