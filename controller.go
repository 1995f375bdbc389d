package pumped

import "context"

// ControllerEvent identifies a lifecycle transition a Controller listener
// can subscribe to.
type ControllerEvent string

const (
	// EventResolved fires after a successful (re-)resolution.
	EventResolved ControllerEvent = "resolved"
	// EventUpdated fires after Update/Set changes the cached value.
	EventUpdated ControllerEvent = "updated"
	// EventInvalidated fires after Release/Invalidate drops the cached value.
	EventInvalidated ControllerEvent = "invalidated"
)

// ControllerListener observes a controller lifecycle event.
type ControllerListener[T any] func(event ControllerEvent, value T)

// Controller provides lifecycle control for an executor's value: reading
// it (Get/Peek), changing it (Update/Set), invalidating it (Release/
// Invalidate) and observing its transitions (On).
type Controller[T any] struct {
	executor *Executor[T]
	scope    *Scope
}

// State reports the executor's current atom lifecycle state.
func (c *Controller[T]) State() AtomState {
	return c.scope.atomState(c.executor)
}

// Get retrieves the latest value (resolves if not cached).
func (c *Controller[T]) Get() (T, error) {
	return Resolve(c.scope, c.executor)
}

// Resolve is an alias of Get kept for call sites that prefer the verb
// matching the package-level Resolve function.
func (c *Controller[T]) Resolve() (T, error) {
	return c.Get()
}

// Peek retrieves the cached value without resolving.
func (c *Controller[T]) Peek() (T, bool) {
	val, ok := c.scope.cache.Load(c.executor)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(T), true
}

// Update sets a new value and propagates to reactive dependents. The
// context is checked before the update begins and again between each
// dependent's cleanup; once it is cancelled the remaining cleanups are
// skipped and the new value is not stored.
func (c *Controller[T]) Update(ctx context.Context, newVal T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return updateWithContext(ctx, c.scope, c.executor, newVal)
}

// Set is an alias for Update.
func (c *Controller[T]) Set(ctx context.Context, newVal T) error {
	return c.Update(ctx, newVal)
}

// Release invalidates the cached value.
func (c *Controller[T]) Release() error {
	c.scope.cache.Delete(c.executor)
	var zero T
	c.emit(EventInvalidated, zero)
	return nil
}

// Invalidate is an alias for Release kept for parity with the reactive
// invalidation vocabulary used elsewhere (scopes, atoms).
func (c *Controller[T]) Invalidate() error {
	return c.Release()
}

// Reload invalidates and immediately re-resolves.
func (c *Controller[T]) Reload() (T, error) {
	if err := c.Release(); err != nil {
		var zero T
		return zero, err
	}
	return c.Get()
}

// IsCached checks if the value is currently cached.
func (c *Controller[T]) IsCached() bool {
	_, ok := c.scope.cache.Load(c.executor)
	return ok
}

// On registers a listener for the executor's lifecycle events, addressed
// through the owning scope so it fires regardless of which Controller
// instance (if any) drove the resolve/update. Listener panics are
// recovered; a listener is a side-effect-only observer, never part of the
// resolution's error path. Returns an unsubscribe func.
func (c *Controller[T]) On(event ControllerEvent, fn ControllerListener[T]) func() {
	return c.scope.On(event, c.executor, func(e ControllerEvent, val any) {
		typed, _ := val.(T)
		fn(e, typed)
	})
}

func (c *Controller[T]) emit(event ControllerEvent, val T) {
	c.scope.emitEvent(c.executor, event, val)
}
