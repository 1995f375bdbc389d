package pumped

// Executor represents a unit of computation with dependencies. The zero
// value is not usable; construct one with Provide or one of the DeriveN
// helpers in executor_generated.go.
type Executor[T any] struct {
	factory   func(*ResolveCtx) (T, error)
	deps      []Dependency
	tags      map[any]any
	keepAlive bool
}

// AnyExecutor is a type-erased interface for dependency tracking. Scopes,
// caches and reactive graphs are all keyed by AnyExecutor identity (pointer
// equality of the underlying *Executor[T]).
type AnyExecutor interface {
	ResolveAny(s *Scope) (any, error)
	GetDeps() []Dependency
	GetTag(tag any) (any, bool)
	SetTag(tag any, val any)
	keepsAlive() bool
}

func (e *Executor[T]) GetDeps() []Dependency {
	return e.deps
}

func (e *Executor[T]) GetTag(tag any) (any, bool) {
	val, ok := e.tags[tag]
	return val, ok
}

func (e *Executor[T]) SetTag(tag any, val any) {
	e.tags[tag] = val
}

func (e *Executor[T]) keepsAlive() bool {
	return e.keepAlive
}

// ResolveAny runs the factory behind a ResolveCtx, wiring up per-invocation
// cleanup registration and handing the resulting entries back to the scope
// once the factory returns.
func (e *Executor[T]) ResolveAny(s *Scope) (any, error) {
	ctx := GetGlobalPoolManager().AcquireResolveCtx(s, e)
	defer GetGlobalPoolManager().ReleaseResolveCtx(ctx)

	val, err := e.factory(ctx)
	if len(ctx.cleanups) > 0 {
		entries := GetGlobalPoolManager().AcquireCleanupSlice()
		entries = append(entries, ctx.cleanups...)
		s.registerCleanups(e, entries)
	}
	return val, err
}

// DependencyMode controls how a dependency participates in resolution.
type DependencyMode string

const (
	// ModeMain resolves eagerly, alongside its dependent, and is cached
	// for the lifetime of the scope (subject to reactive invalidation).
	ModeMain DependencyMode = "main"
	// ModeReactive behaves like ModeMain but additionally re-triggers
	// resolution of the dependent whenever the dependency is updated.
	ModeReactive DependencyMode = "reactive"
	// ModeLazy defers resolution until the dependent explicitly calls
	// Controller.Get/Resolve during its own factory.
	ModeLazy DependencyMode = "lazy"
	// ModeStatic never resolves on the dependent's behalf; it only hands
	// the dependent a Controller accessor for inspection (Peek/IsCached).
	ModeStatic DependencyMode = "static"
)

// Dependency represents an executor together with the resolution mode the
// depending executor or flow wants for it.
type Dependency interface {
	GetExecutor() AnyExecutor
	Mode() DependencyMode
	// GetMode is kept for callers ported from the mode-as-verb naming; it
	// is an alias of Mode.
	GetMode() DependencyMode
}

type dependencyWrapper struct {
	executor AnyExecutor
	mode     DependencyMode
}

func (d *dependencyWrapper) GetExecutor() AnyExecutor { return d.executor }
func (d *dependencyWrapper) Mode() DependencyMode     { return d.mode }
func (d *dependencyWrapper) GetMode() DependencyMode  { return d.mode }

// GetExecutor implements Dependency for a bare *Executor[T] (default: main
// mode, eager and cached, not reactive).
func (e *Executor[T]) GetExecutor() AnyExecutor {
	return e
}

func (e *Executor[T]) Mode() DependencyMode {
	return ModeMain
}

func (e *Executor[T]) GetMode() DependencyMode {
	return ModeMain
}

// Reactive returns a dependency variant that invalidates and re-resolves
// the depending executor whenever this executor is updated.
func (e *Executor[T]) Reactive() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeReactive}
}

// Lazy returns a dependency variant whose resolution is deferred until the
// depending factory calls Controller.Get.
func (e *Executor[T]) Lazy() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeLazy}
}

// Static returns a dependency variant that is never resolved on behalf of
// the dependent; only Peek/IsCached are meaningful on its Controller.
func (e *Executor[T]) Static() Dependency {
	return &dependencyWrapper{executor: e, mode: ModeStatic}
}

// ExecutorOption configures an executor at construction time.
type ExecutorOption func(AnyExecutor)

// WithTag returns an option that sets a tag on an executor.
func WithTag[T any](tag Tag[T], val T) ExecutorOption {
	return func(exec AnyExecutor) {
		tag.Set(exec, val)
	}
}

// KeepAlive marks an executor as exempt from grace-period garbage
// collection: once resolved it stays cached until the scope disposes,
// regardless of how long it goes unused.
func KeepAlive() ExecutorOption {
	return func(exec AnyExecutor) {
		if e, ok := exec.(interface{ setKeepAlive() }); ok {
			e.setKeepAlive()
		}
	}
}

func (e *Executor[T]) setKeepAlive() {
	e.keepAlive = true
}

// Provide creates an executor with no dependencies.
func Provide[T any](factory func(*ResolveCtx) (T, error), opts ...ExecutorOption) *Executor[T] {
	exec := &Executor[T]{
		factory: factory,
		deps:    nil,
		tags:    make(map[any]any),
	}

	for _, opt := range opts {
		opt(exec)
	}

	return exec
}
