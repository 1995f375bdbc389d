package pumped

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// AtomState describes where an executor's cached value sits in its
// resolve/invalidate lifecycle.
type AtomState int

const (
	// AtomIdle means the executor has never been resolved, or has been
	// released since its last resolution.
	AtomIdle AtomState = iota
	// AtomResolving means a resolution is currently in flight.
	AtomResolving
	// AtomResolved means a value is cached and ready to read.
	AtomResolved
	// AtomFailed means the most recent resolution attempt returned an error.
	AtomFailed
)

func (s AtomState) String() string {
	switch s {
	case AtomResolving:
		return "resolving"
	case AtomResolved:
		return "resolved"
	case AtomFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Scope manages the lifecycle and resolution of executors.
type Scope struct {
	mu              sync.RWMutex
	cache           sync.Map
	tags            sync.Map
	resolving       sync.Map
	failures        sync.Map
	graph           *ReactiveGraph
	extensions      []Extension
	presets         map[AnyExecutor]preset
	cleanupRegistry map[AnyExecutor][]cleanupEntry
	cleanupMu       sync.RWMutex
	execTree        *ExecutionTree
	gracePeriod     time.Duration
	journal         sync.Map
	listenerMu      sync.Mutex
	listeners       map[AnyExecutor][]scopeListener
	nextListenerID  uint64
	gcEnabled          bool
	gcGracePeriod      time.Duration
	gcMu               sync.Mutex
	gcTimers           map[AnyExecutor]*time.Timer
	disposeGracePeriod time.Duration
}

// scopeListener is one registration against a single executor's event
// stream, addressable without a live *Controller[T] in hand.
type scopeListener struct {
	id    uint64
	event ControllerEvent
	fn    func(ControllerEvent, any)
}

// On subscribes fn to exec's lifecycle events (EventResolved/EventUpdated/
// EventInvalidated) without requiring the caller to materialize a
// Controller[T] first. Returns an unsubscribe func. Listener panics are
// recovered; a listener never participates in the resolution error path.
func (s *Scope) On(event ControllerEvent, exec AnyExecutor, fn func(ControllerEvent, any)) func() {
	s.listenerMu.Lock()
	s.nextListenerID++
	id := s.nextListenerID
	if s.listeners == nil {
		s.listeners = make(map[AnyExecutor][]scopeListener)
	}
	s.listeners[exec] = append(s.listeners[exec], scopeListener{id: id, event: event, fn: fn})
	s.listenerMu.Unlock()
	s.cancelGC(exec)

	return func() {
		s.listenerMu.Lock()
		entries := s.listeners[exec]
		for i, l := range entries {
			if l.id == id {
				s.listeners[exec] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		s.listenerMu.Unlock()
		s.maybeScheduleGC(exec)
	}
}

// emitEvent fires every listener registered against exec for event, in
// registration order, recovering any panic so a misbehaving observer
// cannot disrupt resolution or update propagation.
func (s *Scope) emitEvent(exec AnyExecutor, event ControllerEvent, val any) {
	s.listenerMu.Lock()
	entries := make([]scopeListener, len(s.listeners[exec]))
	copy(entries, s.listeners[exec])
	s.listenerMu.Unlock()

	for _, l := range entries {
		if l.event != event {
			continue
		}
		func() {
			defer func() { recover() }()
			l.fn(event, val)
		}()
	}
}

// snapshotExtensions returns a pooled copy of the scope's current
// extension list, borrowed from the global PoolManager's extension-slice
// pool instead of allocating fresh backing storage on every resolve/
// update/execution. Pair with releaseExtensions once the slice is no
// longer read by anything (including by a background goroutine — a slice
// handed to a goroutine that can outlive the caller must not be pooled).
func (s *Scope) snapshotExtensions() []Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exts := GetGlobalPoolManager().AcquireExtensionSlice()
	return append(exts, s.extensions...)
}

func (s *Scope) releaseExtensions(exts []Extension) {
	GetGlobalPoolManager().ReleaseExtensionSlice(exts)
}

type preset struct {
	value    any
	executor AnyExecutor
	isValue  bool
}

// ScopeOption is a modifier for scopes
type ScopeOption func(*Scope)

// WithScopeTag returns an option that sets a tag on a scope
func WithScopeTag[T any](tag Tag[T], val T) ScopeOption {
	return func(s *Scope) {
		tag.SetOnScope(s, val)
	}
}

// WithExtension returns an option that registers an extension to a scope
func WithExtension(ext Extension) ScopeOption {
	return func(s *Scope) {
		if err := s.UseExtension(ext); err != nil {
			panic(err)
		}
	}
}

// WithPreset returns an option that sets a preset for an executor
func WithPreset[T any](original *Executor[T], replacement any) ScopeOption {
	return func(s *Scope) {
		switch r := replacement.(type) {
		case T:
			s.presets[original] = preset{
				value:   r,
				isValue: true,
			}
		case *Executor[T]:
			s.presets[original] = preset{
				executor: r,
				isValue:  false,
			}
		default:
			panic(fmt.Sprintf("preset must be value of type %T or *Executor[%T]", *new(T), *new(T)))
		}
	}
}

// WithGracePeriod sets the delay ReleaseAfter waits before evicting a
// non-keep-alive executor's cached value.
func WithGracePeriod(d time.Duration) ScopeOption {
	return func(s *Scope) {
		s.gracePeriod = d
	}
}

// WithGCEnabled turns on cascading automatic garbage collection: once an
// executor's subscriber count (live scope.On listeners) and reactive
// dependent count both reach zero, the scope schedules its cached value
// for release after gcGracePeriod. A new subscriber or dependent arriving
// before the timer fires cancels it. KeepAlive() executors are always
// exempt. Disabled by default; ReleaseAfter remains available regardless
// of this setting for callers who want to evict a value by hand.
func WithGCEnabled(enabled bool) ScopeOption {
	return func(s *Scope) {
		s.gcEnabled = enabled
	}
}

// WithGCGracePeriod sets the delay a zero-refcount executor waits before
// WithGCEnabled's automatic release evicts its cached value. Defaults to
// 3 seconds.
func WithGCGracePeriod(d time.Duration) ScopeOption {
	return func(s *Scope) {
		s.gcGracePeriod = d
	}
}

// WithDisposeGracePeriod sets the default grace period ExecutionCtx.
// CloseWithGrace-driven shutdowns should allow for in-flight work to
// finish, surfaced to callers via Scope.DisposeGracePeriod. The core
// library never reads this on its own (CloseWithGrace always takes an
// explicit duration); it exists so a caller — e.g. cmd/pumpedctl's env
// wiring — has one place to configure it per scope instead of threading
// the value through separately.
func WithDisposeGracePeriod(d time.Duration) ScopeOption {
	return func(s *Scope) {
		s.disposeGracePeriod = d
	}
}

// DisposeGracePeriod returns the grace period configured via
// WithDisposeGracePeriod (default 5s).
func (s *Scope) DisposeGracePeriod() time.Duration {
	return s.disposeGracePeriod
}

// NewScope creates a new scope with optional configuration
func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{
		graph:              NewReactiveGraph(),
		extensions:         []Extension{},
		presets:            make(map[AnyExecutor]preset),
		cleanupRegistry:    make(map[AnyExecutor][]cleanupEntry),
		execTree:           newExecutionTree(1000),
		gracePeriod:        30 * time.Second,
		gcGracePeriod:      3 * time.Second,
		gcTimers:           make(map[AnyExecutor]*time.Timer),
		disposeGracePeriod: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Accessor creates a controller for an executor
func Accessor[T any](s *Scope, exec *Executor[T]) *Controller[T] {
	return &Controller[T]{
		executor: exec,
		scope:    s,
	}
}

func (s *Scope) atomState(exec AnyExecutor) AtomState {
	if _, ok := s.cache.Load(exec); ok {
		return AtomResolved
	}
	if _, ok := s.failures.Load(exec); ok {
		return AtomFailed
	}
	if _, ok := s.resolving.Load(exec); ok {
		return AtomResolving
	}
	return AtomIdle
}

// Resolve resolves an executor's value (lazily, with caching)
func Resolve[T any](s *Scope, exec *Executor[T]) (T, error) {
	if val, ok := s.cache.Load(exec); ok {
		s.mu.RLock()
		exts := s.extensions
		s.mu.RUnlock()
		for _, ext := range exts {
			if obs, ok := ext.(CacheObserver); ok {
				obs.ObserveCacheHit(exec)
			}
		}
		return val.(T), nil
	}

	// Build reactive graph
	for _, dep := range exec.deps {
		if dep.Mode() == ModeReactive {
			s.graph.AddDependency(exec, dep.GetExecutor())
			s.cancelGC(dep.GetExecutor())
		}
	}

	// Check for preset
	s.mu.RLock()
	preset, hasPreset := s.presets[exec]
	s.mu.RUnlock()
	exts := s.snapshotExtensions()
	defer s.releaseExtensions(exts)

	if hasPreset {
		if preset.isValue {
			// Value preset - cache and return
			s.cache.Store(exec, preset.value)
			return preset.value.(T), nil
		}

		// Executor preset - resolve replacement
		val, err := preset.executor.ResolveAny(s)
		if err != nil {
			var zero T
			return zero, err
		}

		s.cache.Store(exec, val)
		return val.(T), nil
	}

	s.resolving.Store(exec, true)
	defer s.resolving.Delete(exec)

	// Resolve dependencies first (skip lazy/static dependencies). Deps
	// without a data dependency between them resolve concurrently.
	eagerDeps := make([]Dependency, 0, len(exec.deps))
	for _, dep := range exec.deps {
		mode := dep.Mode()
		if mode == ModeLazy || mode == ModeStatic {
			continue
		}
		eagerDeps = append(eagerDeps, dep)
	}

	if len(eagerDeps) > 0 {
		g, _ := errgroup.WithContext(context.Background())
		for _, dep := range eagerDeps {
			dep := dep
			g.Go(func() error {
				_, err := dep.GetExecutor().ResolveAny(s)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			s.failures.Store(exec, err)
			var zero T
			return zero, err
		}
	}

	// Wrap resolution with extensions
	op := &Operation{
		Kind:     OpResolve,
		Executor: exec,
		Scope:    s,
	}

	var result any
	var err error

	// Chain extensions (middleware pattern)
	next := func() (any, error) {
		return exec.ResolveAny(s)
	}

	// Apply extensions in reverse order (last registered wraps first)
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(context.Background(), currentNext, op)
		}
	}

	result, err = next()

	if err != nil {
		s.failures.Store(exec, err)
		// Notify extensions of error
		for _, ext := range exts {
			ext.OnError(err, op, s)
		}
		var zero T
		return zero, err
	}

	s.failures.Delete(exec)
	s.cache.Store(exec, result)
	s.emitEvent(exec, EventResolved, result)
	s.maybeScheduleGC(exec)

	return result.(T), nil
}

// Update changes an executor's cached value and propagates to reactive
// dependents, using a background context (no deadline, never cancelled).
// Callers that hold a real context should go through Controller.Update
// instead, which enforces cancellation at each cleanup checkpoint.
func Update[T any](s *Scope, exec *Executor[T], newVal T) error {
	return updateWithContext(context.Background(), s, exec, newVal)
}

// updateWithContext is the shared implementation behind the free Update
// function and Controller.Update. It checks ctx both before starting and
// between each reactive dependent's cleanup, so a cancellation partway
// through a wide invalidation fan-out stops the remaining cleanups rather
// than running them all regardless of the deadline.
func updateWithContext[T any](ctx context.Context, s *Scope, exec *Executor[T], newVal T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	exts := s.extensions
	s.mu.RUnlock()

	op := &Operation{
		Kind:     OpUpdate,
		Executor: exec,
		Scope:    s,
	}

	next := func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// exec's own prior resolution is being replaced, so its cleanup
		// runs the same as it would for any other invalidated executor.
		s.cleanupExecutor(exec)

		toInvalidate := s.graph.FindDependents(exec)

		for _, dependent := range toInvalidate {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			s.cleanupExecutor(dependent)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.cache.Store(exec, newVal)
		s.failures.Delete(exec)
		s.maybeScheduleGC(exec)

		for _, dependent := range toInvalidate {
			s.cache.Delete(dependent)
			s.emitEvent(dependent, EventInvalidated, nil)
		}
		return nil, nil
	}

	// Apply extensions
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(ctx, currentNext, op)
		}
	}

	_, err := next()
	if err == nil {
		s.emitEvent(exec, EventUpdated, newVal)
	}
	return err
}

// ReleaseAfter schedules the cached value for exec to be evicted after the
// scope's configured grace period, unless exec was constructed with
// KeepAlive(). It is a no-op for already-idle executors.
func (s *Scope) ReleaseAfter(exec AnyExecutor, delay time.Duration) {
	if exec.keepsAlive() {
		return
	}
	time.AfterFunc(delay, func() {
		if exec.keepsAlive() {
			return
		}
		s.cache.Delete(exec)
	})
}

// refCount reports exec's live subscriber count (scope.On listeners still
// registered against it) plus its direct reactive dependent count. Used by
// the WithGCEnabled scheduler to decide when an executor has gone idle.
func (s *Scope) refCount(exec AnyExecutor) int {
	s.listenerMu.Lock()
	subscribers := len(s.listeners[exec])
	s.listenerMu.Unlock()
	dependents := len(s.graph.GetDirectDependents(exec))
	return subscribers + dependents
}

// cancelGC stops any pending automatic-release timer for exec. Called
// whenever exec gains a subscriber or a reactive dependent, since its
// refcount is no longer zero.
func (s *Scope) cancelGC(exec AnyExecutor) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	if t, ok := s.gcTimers[exec]; ok {
		t.Stop()
		delete(s.gcTimers, exec)
	}
}

// maybeScheduleGC starts a release timer for exec once its subscriber and
// dependent counts have both reached zero. A no-op when GC is disabled,
// exec is KeepAlive, its refcount is non-zero, or a timer is already
// pending. On fire it evicts the cached value, emits EventInvalidated, and
// recursively rechecks exec's own ModeReactive dependencies — releasing a
// dependent can make its dependencies newly idle too, which is the
// "cascading" part of the mechanism.
func (s *Scope) maybeScheduleGC(exec AnyExecutor) {
	if !s.gcEnabled || exec.keepsAlive() {
		return
	}
	if s.refCount(exec) > 0 {
		return
	}

	s.gcMu.Lock()
	if _, pending := s.gcTimers[exec]; pending {
		s.gcMu.Unlock()
		return
	}
	s.gcTimers[exec] = time.AfterFunc(s.gcGracePeriod, func() { s.releaseForGC(exec) })
	s.gcMu.Unlock()
}

func (s *Scope) releaseForGC(exec AnyExecutor) {
	s.gcMu.Lock()
	delete(s.gcTimers, exec)
	s.gcMu.Unlock()

	if exec.keepsAlive() || s.refCount(exec) > 0 {
		return
	}

	s.mu.RLock()
	exts := s.extensions
	s.mu.RUnlock()

	op := &Operation{Kind: OpGC, Executor: exec, Scope: s}
	next := func() (any, error) {
		s.cache.Delete(exec)
		s.emitEvent(exec, EventInvalidated, nil)
		return nil, nil
	}
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(context.Background(), currentNext, op)
		}
	}
	next()

	for _, dep := range exec.GetDeps() {
		if dep.Mode() != ModeReactive {
			continue
		}
		depExec := dep.GetExecutor()
		s.graph.RemoveDependency(exec, depExec)
		s.maybeScheduleGC(depExec)
	}
}

// UseExtension registers an extension to the scope
func (s *Scope) UseExtension(ext Extension) error {
	s.mu.Lock()
	s.extensions = append(s.extensions, ext)
	sort.Slice(s.extensions, func(i, j int) bool {
		return s.extensions[i].Order() < s.extensions[j].Order()
	})
	s.mu.Unlock()

	return ext.Init(s)
}

func (s *Scope) registerCleanups(exec AnyExecutor, entries []cleanupEntry) {
	if len(entries) == 0 {
		return
	}

	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanupRegistry[exec] = entries
}

func (s *Scope) cleanupExecutor(exec AnyExecutor) {
	s.cleanupMu.Lock()
	entries := s.cleanupRegistry[exec]
	delete(s.cleanupRegistry, exec)
	s.cleanupMu.Unlock()

	if len(entries) == 0 {
		return
	}

	s.runCleanups(entries, exec, "reactive")
}

func (s *Scope) runCleanups(entries []cleanupEntry, exec AnyExecutor, cleanupContext string) {
	exts := s.snapshotExtensions()
	defer s.releaseExtensions(exts)
	defer GetGlobalPoolManager().ReleaseCleanupSlice(entries)

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]

		if err := entry.fn(); err != nil {
			cleanupErr := &CleanupError{
				ExecutorID: exec,
				Err:        err,
				Context:    cleanupContext,
			}

			handled := false
			for _, ext := range exts {
				if ext.OnCleanupError(cleanupErr) {
					handled = true
					break
				}
			}
			_ = handled
		}
	}
}

// Dispose cleans up the scope and all its extensions
func (s *Scope) Dispose() error {
	s.gcMu.Lock()
	for exec, t := range s.gcTimers {
		t.Stop()
		delete(s.gcTimers, exec)
	}
	s.gcMu.Unlock()

	s.cleanupMu.Lock()
	allEntries := make([]struct {
		exec    AnyExecutor
		entries []cleanupEntry
	}, 0, len(s.cleanupRegistry))

	for exec, entries := range s.cleanupRegistry {
		allEntries = append(allEntries, struct {
			exec    AnyExecutor
			entries []cleanupEntry
		}{exec, entries})
	}
	s.cleanupMu.Unlock()

	for i := len(allEntries) - 1; i >= 0; i-- {
		s.runCleanups(allEntries[i].entries, allEntries[i].exec, "dispose")
	}

	exts := s.snapshotExtensions()
	defer s.releaseExtensions(exts)

	for _, ext := range exts {
		if err := ext.Dispose(s); err != nil {
			return fmt.Errorf("disposing extension %s: %w", ext.Name(), err)
		}
	}

	return nil
}

// GetTag retrieves a tag value from the scope
func (s *Scope) GetTag(tag any) (any, bool) {
	return s.tags.Load(tag)
}

// SetTag stores a tag value on the scope
func (s *Scope) SetTag(tag any, val any) {
	s.tags.Store(tag, val)
}

// GetExecutionTree returns the execution tree for querying
func (s *Scope) GetExecutionTree() *ExecutionTree {
	return s.execTree
}

// ExportDependencyGraph returns a snapshot of every executor's direct
// reactive dependents, keyed by the upstream (depended-on) executor. It is
// a read-only copy safe to range over concurrently with further resolves.
func (s *Scope) ExportDependencyGraph() map[AnyExecutor][]AnyExecutor {
	return s.graph.Export()
}

func (s *Scope) generateExecutionID() string {
	return uuid.NewString()
}

// CreateExecution builds a root *ExecutionCtx bound to ctx, without running
// any flow against it. Useful for callers that want to drive Exec1
// manually instead of going through the single-flow Exec entrypoint. The
// creation is reported to extensions as an OpContextLifecycle operation,
// the same pipeline Close already uses.
func (s *Scope) CreateExecution(ctx context.Context) *ExecutionCtx {
	execCtx := GetGlobalPoolManager().AcquireExecutionCtx(s.generateExecutionID(), nil, s, ctx)

	s.mu.RLock()
	exts := s.extensions
	s.mu.RUnlock()

	op := &Operation{Kind: OpContextLifecycle, Scope: s}
	next := func() (any, error) { return nil, nil }
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(ctx, currentNext, op)
		}
	}
	next()

	return execCtx
}

func Exec[R any](s *Scope, ctx context.Context, flow *Flow[R]) (R, *ExecutionCtx, error) {
	var zero R

	// Check for cancellation before resolving dependencies
	select {
	case <-ctx.Done():
		execCtx := &ExecutionCtx{
			id:     s.generateExecutionID(),
			parent: nil,
			scope:  s,
			data:   make(map[any]any),
			ctx:    ctx,
		}
		execCtx.Set(endTimeTag, time.Now())
		execCtx.Set(statusTag, ExecutionStatusCancelled)
		execCtx.Set(errorTag, ctx.Err())
		return zero, execCtx, ctx.Err()
	default:
	}

	for _, dep := range flow.deps {
		if dep.Mode() == ModeLazy || dep.Mode() == ModeStatic {
			continue
		}
		// Check for cancellation before each dependency resolution
		select {
		case <-ctx.Done():
			execCtx := GetGlobalPoolManager().AcquireExecutionCtx(s.generateExecutionID(), nil, s, ctx)
			execCtx.Set(endTimeTag, time.Now())
			execCtx.Set(statusTag, ExecutionStatusCancelled)
			execCtx.Set(errorTag, ctx.Err())
			return zero, execCtx, ctx.Err()
		default:
		}
		_, err := dep.GetExecutor().ResolveAny(s)
		if err != nil {
			return zero, nil, fmt.Errorf("resolving dependency: %w", err)
		}
	}

	execCtx := GetGlobalPoolManager().AcquireExecutionCtx(s.generateExecutionID(), nil, s, ctx)

	if name, ok := flow.GetTag(flowNameTag); ok {
		execCtx.Set(flowNameTag, name)
	}

	execCtx.Set(startTimeTag, time.Now())
	execCtx.Set(statusTag, ExecutionStatusRunning)

	exts := s.snapshotExtensions()
	defer s.releaseExtensions(exts)

	for _, ext := range exts {
		if err := ext.OnFlowStart(execCtx, flow); err != nil {
			execCtx.Set(statusTag, ExecutionStatusFailed)
			execCtx.Set(errorTag, err)
			return zero, execCtx, err
		}
	}

	// Check for cancellation before executing the flow
	select {
	case <-ctx.Done():
		execCtx.Set(endTimeTag, time.Now())
		execCtx.Set(statusTag, ExecutionStatusCancelled)
		execCtx.Set(errorTag, ctx.Err())
		return zero, execCtx, ctx.Err()
	default:
	}

	result, err := runFlowWithPolicy(execCtx, flow)

	execCtx.Set(endTimeTag, time.Now())
	if err != nil {
		// Check if this is a cancellation error
		if errors.Is(err, context.Canceled) {
			execCtx.Set(statusTag, ExecutionStatusCancelled)
		} else {
			execCtx.Set(statusTag, ExecutionStatusFailed)
		}
		execCtx.Set(errorTag, err)
	} else {
		execCtx.Set(statusTag, ExecutionStatusSuccess)
		execCtx.Set(outputTag, result)
	}

	for i := len(exts) - 1; i >= 0; i-- {
		if extErr := exts[i].OnFlowEnd(execCtx, result, err); extErr != nil && err == nil {
			err = extErr
		}
	}

	node := execCtx.finalize()
	s.execTree.addNode(node)

	return result, execCtx, err
}
