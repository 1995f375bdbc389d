package pumped

import "context"

// Extension provides hooks into the execution lifecycle
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a scope
	Init(scope *Scope) error

	// Wrap intercepts operations (resolve, update, execution, context lifecycle, gc)
	Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error)

	// OnError handles errors during resolution
	OnError(err error, op *Operation, scope *Scope)

	// OnCleanupError handles cleanup failures
	// Returns true if the error was handled, false to use default behavior
	OnCleanupError(err *CleanupError) bool

	// Flow execution hooks
	OnFlowStart(execCtx *ExecutionCtx, flow AnyFlow) error
	OnFlowEnd(execCtx *ExecutionCtx, result any, err error) error
	OnFlowPanic(execCtx *ExecutionCtx, recovered any, stack []byte) error

	// Dispose is called when the scope is disposed
	Dispose(scope *Scope) error
}

// CacheObserver is an optional Extension capability for recording resolve
// cache hits. Resolve short-circuits on a cache hit before building an
// Operation (no factory runs, nothing to wrap), so a cache hit never
// reaches Wrap; a scope checks for this interface directly instead.
type CacheObserver interface {
	ObserveCacheHit(exec AnyExecutor)
}

// CleanupError contains information about a cleanup failure
type CleanupError struct {
	ExecutorID AnyExecutor
	Err        error
	Context    string // "reactive" or "dispose"
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(scope *Scope) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	return next()
}

func (e *BaseExtension) OnError(err error, op *Operation, scope *Scope) {
}

func (e *BaseExtension) OnCleanupError(err *CleanupError) bool {
	return false
}

func (e *BaseExtension) OnFlowStart(execCtx *ExecutionCtx, flow AnyFlow) error {
	return nil
}

func (e *BaseExtension) OnFlowEnd(execCtx *ExecutionCtx, result any, err error) error {
	return nil
}

func (e *BaseExtension) OnFlowPanic(execCtx *ExecutionCtx, recovered any, stack []byte) error {
	return nil
}

func (e *BaseExtension) Dispose(scope *Scope) error {
	return nil
}

// Operation describes what operation is happening
type Operation struct {
	Kind     OperationKind
	Executor AnyExecutor
	Scope    *Scope
}

// OperationKind represents the type of operation. Resolution and update
// both fall under the broader "resolve" family (an update is a resolve
// that starts from a supplied value instead of the factory); execution
// and context lifecycle are tracked separately since they wrap a flow run
// and an ExecutionCtx's open/close span rather than a single atom.
type OperationKind string

const (
	// OpResolve indicates an executor resolution.
	OpResolve OperationKind = "resolve"
	// OpUpdate indicates an executor update (a resolve-family operation
	// that replaces the cached value directly rather than calling the
	// factory).
	OpUpdate OperationKind = "update"
	// OpExecution indicates a flow run, wrapping dependency resolution
	// through factory completion.
	OpExecution OperationKind = "execution"
	// OpContextLifecycle indicates an execution context transition
	// (creation through close).
	OpContextLifecycle OperationKind = "context-lifecycle"
	// OpGC indicates an automatic release of a zero-refcount, non-
	// keep-alive executor's cached value under WithGCEnabled.
	OpGC OperationKind = "gc"
)
