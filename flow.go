package pumped

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

type AnyFlow interface {
	GetDeps() []Dependency
	GetTag(tag any) (any, bool)
	SetTag(tag any, val any)
	ExecuteAny(*ExecutionCtx) (any, error)
}

type Flow[R any] struct {
	deps    []Dependency
	factory func(*ExecutionCtx, *ResolveCtx) (R, error)
	tags    map[any]any
}

func (f *Flow[R]) GetDeps() []Dependency {
	return f.deps
}

func (f *Flow[R]) GetTag(tag any) (any, bool) {
	val, ok := f.tags[tag]
	return val, ok
}

func (f *Flow[R]) SetTag(tag any, val any) {
	f.tags[tag] = val
}

func (f *Flow[R]) ExecuteAny(ctx *ExecutionCtx) (any, error) {
	return executeFlow(ctx, f)
}

// ExecutionCtxState tracks where an ExecutionCtx sits in its open/close
// lifecycle.
type ExecutionCtxState int32

const (
	CtxActive ExecutionCtxState = iota
	CtxClosing
	CtxClosed
)

func (s ExecutionCtxState) String() string {
	switch s {
	case CtxActive:
		return "active"
	case CtxClosing:
		return "closing"
	case CtxClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseMode selects how Close tears an ExecutionCtx's subtree down.
type CloseMode int

const (
	// CloseGraceful waits for children to finish naturally.
	CloseGraceful CloseMode = iota
	// CloseAbort cancels in-flight children immediately.
	CloseAbort
)

type ExecutionCtx struct {
	id       string
	parent   *ExecutionCtx
	scope    *Scope
	data     map[any]any
	ctx      context.Context
	state    int32
	childMu  sync.Mutex
	children []*ExecutionCtx
	onClose  []func(mode CloseMode)
}

func (e *ExecutionCtx) Set(tag any, value any) {
	e.data[tag] = value
}

func (e *ExecutionCtx) Get(tag any) (any, bool) {
	v, ok := e.data[tag]
	return v, ok
}

// GetTag is an alias of Get so *ExecutionCtx satisfies tagSource, letting
// Tag[T].ExtractFrom/ReadFrom/CollectFrom treat an execution context the
// same as any other tag-bearing source.
func (e *ExecutionCtx) GetTag(tag any) (any, bool) {
	return e.Get(tag)
}

func (e *ExecutionCtx) GetFromParent(tag any) (any, bool) {
	current := e.parent
	for current != nil {
		if v, ok := current.data[tag]; ok {
			return v, true
		}
		current = current.parent
	}
	return nil, false
}

func (e *ExecutionCtx) GetFromScope(tag any) (any, bool) {
	return e.scope.GetTag(tag)
}

func (e *ExecutionCtx) Lookup(tag any) (any, bool) {
	if v, ok := e.Get(tag); ok {
		return v, true
	}
	if v, ok := e.GetFromParent(tag); ok {
		return v, true
	}
	return e.GetFromScope(tag)
}

func (e *ExecutionCtx) Context() context.Context {
	return e.ctx
}

// State reports this context's current lifecycle state.
func (e *ExecutionCtx) State() ExecutionCtxState {
	return ExecutionCtxState(atomic.LoadInt32(&e.state))
}

// OnClose registers a callback invoked when Close runs for this context.
func (e *ExecutionCtx) OnClose(fn func(mode CloseMode)) {
	e.childMu.Lock()
	e.onClose = append(e.onClose, fn)
	e.childMu.Unlock()
}

func (e *ExecutionCtx) registerChild(child *ExecutionCtx) {
	e.childMu.Lock()
	e.children = append(e.children, child)
	e.childMu.Unlock()
}

// Close transitions this context (and, cascading, its children) to closed.
// CloseGraceful lets a still-active child finish on its own; CloseAbort
// marks everything closed immediately regardless of in-flight work. The
// transition is reported to extensions as an OpContextLifecycle operation.
func (e *ExecutionCtx) Close(mode CloseMode) {
	if e.scope != nil {
		e.scope.mu.RLock()
		exts := e.scope.extensions
		e.scope.mu.RUnlock()

		op := &Operation{Kind: OpContextLifecycle, Scope: e.scope}
		next := func() (any, error) {
			e.closeLocal(mode)
			return nil, nil
		}
		for i := len(exts) - 1; i >= 0; i-- {
			ext := exts[i]
			currentNext := next
			next = func() (any, error) {
				return ext.Wrap(e.ctx, currentNext, op)
			}
		}
		_, _ = next()
		return
	}
	e.closeLocal(mode)
}

// CloseWithGrace attempts a graceful close, escalating to CloseAbort if the
// subtree has not finished within grace. Returns a GracePeriodExceededError
// when escalation happened.
func (e *ExecutionCtx) CloseWithGrace(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		e.Close(CloseGraceful)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		e.Close(CloseAbort)
		return NewGracePeriodExceededError(e.id, grace)
	}
}

func (e *ExecutionCtx) closeLocal(mode CloseMode) {
	if !atomic.CompareAndSwapInt32(&e.state, int32(CtxActive), int32(CtxClosing)) {
		if e.State() == CtxClosed {
			return
		}
	}

	e.childMu.Lock()
	children := make([]*ExecutionCtx, len(e.children))
	copy(children, e.children)
	handlers := make([]func(mode CloseMode), len(e.onClose))
	copy(handlers, e.onClose)
	e.childMu.Unlock()

	if mode == CloseAbort {
		var wg sync.WaitGroup
		for _, child := range children {
			child := child
			wg.Add(1)
			go func() {
				defer wg.Done()
				child.Close(mode)
			}()
		}
		wg.Wait()
	} else {
		for _, child := range children {
			child.Close(mode)
		}
	}

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(mode)
		}()
	}

	atomic.StoreInt32(&e.state, int32(CtxClosed))
}

func (e *ExecutionCtx) Parallel(opts ...ParallelOption) *ParallelExecutor {
	pe := &ParallelExecutor{
		ctx:       e,
		errorMode: ErrorModeFailFast,
	}
	for _, opt := range opts {
		opt(pe)
	}
	return pe
}

func (e *ExecutionCtx) finalize() *ExecutionNode {
	parentID := ""
	if e.parent != nil {
		parentID = e.parent.id
	}

	node := &ExecutionNode{
		ID:       e.id,
		ParentID: parentID,
		Tags:     make(map[any]any),
	}

	for k, v := range e.data {
		node.Tags[k] = v
	}

	return node
}

type ExecutionNode struct {
	ID       string
	ParentID string
	Tags     map[any]any
}

func (n *ExecutionNode) GetTag(tag any) (any, bool) {
	v, ok := n.Tags[tag]
	return v, ok
}

func (n *ExecutionNode) GetAllTags() map[any]any {
	return n.Tags
}

// ExecutionTree indexes every ExecutionCtx that has finished running, for
// debugging/introspection tools (extensions/graph_debug.go in particular).
// Node storage is an LRU-bounded cache: once the tree holds more than
// limit nodes, the least-recently-used node is evicted and the eviction
// callback unlinks it from the roots set and from its parent's child
// list. Its descendants stay stored until they are evicted in turn, but
// are no longer reachable through Walk or GetChildren from it.
type ExecutionTree struct {
	mu       sync.RWMutex
	nodes    *lru.Cache[string, *ExecutionNode]
	byParent map[string][]string
	roots    map[string]bool
}

func newExecutionTree(limit int) *ExecutionTree {
	t := &ExecutionTree{
		byParent: make(map[string][]string),
		roots:    make(map[string]bool),
	}
	cache, err := lru.NewWithEvict[string, *ExecutionNode](limit, func(id string, node *ExecutionNode) {
		t.detach(id, node)
	})
	if err != nil {
		// Only returned for a non-positive size, which newExecutionTree
		// never passes.
		panic(err)
	}
	t.nodes = cache
	return t
}

func (t *ExecutionTree) detach(id string, node *ExecutionNode) {
	delete(t.roots, id)
	if node != nil {
		children := t.byParent[node.ParentID]
		for i, c := range children {
			if c == id {
				t.byParent[node.ParentID] = append(children[:i], children[i+1:]...)
				break
			}
		}
	}
	delete(t.byParent, id)
}

func (t *ExecutionTree) addNode(node *ExecutionNode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes.Add(node.ID, node)

	if node.ParentID == "" {
		t.roots[node.ID] = true
	} else {
		t.byParent[node.ParentID] = append(t.byParent[node.ParentID], node.ID)
	}
}

func (t *ExecutionTree) GetNode(id string) *ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, _ := t.nodes.Get(id)
	return node
}

func (t *ExecutionTree) GetChildren(id string) []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	childIDs := t.byParent[id]
	children := make([]*ExecutionNode, 0, len(childIDs))
	for _, childID := range childIDs {
		if node, ok := t.nodes.Peek(childID); ok {
			children = append(children, node)
		}
	}
	return children
}

func (t *ExecutionTree) GetRoots() []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roots := make([]*ExecutionNode, 0, len(t.roots))
	for rootID := range t.roots {
		if node, ok := t.nodes.Peek(rootID); ok {
			roots = append(roots, node)
		}
	}
	return roots
}

func (t *ExecutionTree) Filter(predicate func(*ExecutionNode) bool) []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []*ExecutionNode
	for _, node := range t.nodes.Values() {
		if predicate(node) {
			result = append(result, node)
		}
	}
	return result
}

func (t *ExecutionTree) Walk(rootID string, visitor func(*ExecutionNode) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes.Peek(rootID)
	if !ok {
		return
	}

	if !visitor(node) {
		return
	}

	for _, childID := range t.byParent[rootID] {
		t.walkUnlocked(childID, visitor)
	}
}

func (t *ExecutionTree) walkUnlocked(nodeID string, visitor func(*ExecutionNode) bool) {
	node, ok := t.nodes.Peek(nodeID)
	if !ok {
		return
	}

	if !visitor(node) {
		return
	}

	for _, childID := range t.byParent[nodeID] {
		t.walkUnlocked(childID, visitor)
	}
}

type ParallelExecutor struct {
	ctx       *ExecutionCtx
	errorMode ErrorMode
}

type ErrorMode int

const (
	ErrorModeFailFast ErrorMode = iota
	ErrorModeCollectErrors
)

type ParallelOption func(*ParallelExecutor)

func WithFailFast() ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.errorMode = ErrorModeFailFast
	}
}

func WithCollectErrors() ParallelOption {
	return func(pe *ParallelExecutor) {
		pe.errorMode = ErrorModeCollectErrors
	}
}

// Outcome is one flow's settled result, used by ParallelSettled.
type Outcome[R any] struct {
	Value R
	Err   error
}

// ParallelRun runs flows concurrently as sub-flows of pe's owning
// ExecutionCtx. Under ErrorModeFailFast the first error is returned once
// every flow has finished; the errgroup's derived context is not passed to
// the flows, so a failure does not cancel the others. Under
// ErrorModeCollectErrors every flow runs to completion and all errors are
// joined.
func ParallelRun[R any](pe *ParallelExecutor, flows []*Flow[R]) ([]R, error) {
	results := make([]R, len(flows))

	if pe.errorMode == ErrorModeFailFast {
		g, _ := errgroup.WithContext(pe.ctx.ctx)
		for i, f := range flows {
			i, f := i, f
			g.Go(func() error {
				val, _, err := Exec1(pe.ctx, f)
				if err != nil {
					return err
				}
				results[i] = val
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	errs := make([]error, len(flows))
	var wg sync.WaitGroup
	for i, f := range flows {
		i, f := i, f
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, _, err := Exec1(pe.ctx, f)
			results[i] = val
			errs[i] = err
		}()
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// ParallelSettled runs flows concurrently and always returns one Outcome
// per flow, regardless of individual failures.
func ParallelSettled[R any](pe *ParallelExecutor, flows []*Flow[R]) []Outcome[R] {
	outcomes := make([]Outcome[R], len(flows))
	var wg sync.WaitGroup
	for i, f := range flows {
		i, f := i, f
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, _, err := Exec1(pe.ctx, f)
			outcomes[i] = Outcome[R]{Value: val, Err: err}
		}()
	}
	wg.Wait()
	return outcomes
}

type FlowError struct {
	Index    int
	FlowName string
	Err      error
}

type FlowOption func(*flowConfig)

type flowConfig struct {
	tags map[any]any
}

func WithFlowTag[T any](tag Tag[T], val T) FlowOption {
	return func(cfg *flowConfig) {
		cfg.tags[tag] = val
	}
}

func (cfg *flowConfig) GetTag(tag any) (any, bool) {
	val, ok := cfg.tags[tag]
	return val, ok
}

func (cfg *flowConfig) SetTag(tag any, val any) {
	cfg.tags[tag] = val
}

type ExecutionStatus int

const (
	ExecutionStatusRunning ExecutionStatus = iota
	ExecutionStatusSuccess
	ExecutionStatusFailed
	ExecutionStatusCancelled
)

var (
	flowNameTag   = NewTag[string]("flow.name")
	timeoutTag    = NewTag[time.Duration]("flow.timeout")
	retryTag      = NewTag[int]("flow.retry")
	startTimeTag  = NewTag[time.Time]("exec.start_time")
	endTimeTag    = NewTag[time.Time]("exec.end_time")
	statusTag     = NewTag[ExecutionStatus]("exec.status")
	errorTag      = NewTag[error]("exec.error")
	inputTag      = NewTag[any]("exec.input")
	outputTag     = NewTag[any]("exec.output")
	resumedTag    = NewTag[bool]("exec.resumed")
	cachedTag     = NewTag[any]("exec.cached_output")
	skipExecTag   = NewTag[bool]("exec.skip")
	panicStackTag = NewTag[[]byte]("exec.panic_stack")
	journalKeyTag = NewTag[any]("exec.journal_key")
)

func FlowName() Tag[string]        { return flowNameTag }
func Timeout() Tag[time.Duration]  { return timeoutTag }
func Retry() Tag[int]              { return retryTag }
func StartTime() Tag[time.Time]    { return startTimeTag }
func EndTime() Tag[time.Time]      { return endTimeTag }
func Status() Tag[ExecutionStatus] { return statusTag }
func ErrorTag() Tag[error]         { return errorTag }
func Input() Tag[any]              { return inputTag }
func Output() Tag[any]             { return outputTag }
func Resumed() Tag[bool]           { return resumedTag }
func CachedOutput() Tag[any]       { return cachedTag }
func SkipExecution() Tag[bool]     { return skipExecTag }
func PanicStack() Tag[[]byte]      { return panicStackTag }
func JournalKey() Tag[any]         { return journalKeyTag }

// WithTimeout bounds a flow's factory execution to d; a flow that exceeds it
// fails with a *FlowTimeoutError instead of running indefinitely.
func WithTimeout(d time.Duration) FlowOption {
	return WithFlowTag(timeoutTag, d)
}

// WithRetry re-invokes a flow's factory up to n additional times on error,
// reusing the same journal key (if any) so later attempts still observe
// whatever the journal recorded for earlier siblings.
func WithRetry(n int) FlowOption {
	return WithFlowTag(retryTag, n)
}

// WithKey marks a flow invocation as idempotent under key: a prior result
// recorded in the owning scope's journal under (flow name, depth, key) is
// returned directly instead of re-running the factory.
func WithKey[T any](key T) FlowOption {
	return WithFlowTag(journalKeyTag, any(key))
}

type journalEntry struct {
	value any
	err   error
}

type journalCompositeKey struct {
	name  string
	depth int
	key   any
}

func (e *ExecutionCtx) depth() int {
	d := 0
	for cur := e.parent; cur != nil; cur = cur.parent {
		d++
	}
	return d
}

// runFlowWithPolicy applies journal-key memoization, WithRetry, and
// WithTimeout around a single flow invocation, then delegates to
// executeFlow for the actual factory call.
func runFlowWithPolicy[R any](e *ExecutionCtx, flow *Flow[R]) (R, error) {
	var journalKey *journalCompositeKey
	if key, ok := flow.GetTag(journalKeyTag); ok {
		name, _ := flow.GetTag(flowNameTag)
		nameStr, _ := name.(string)
		jk := journalCompositeKey{name: nameStr, depth: e.depth(), key: key}
		journalKey = &jk
		if cached, ok := e.scope.journal.Load(jk); ok {
			entry := cached.(journalEntry)
			if entry.err == nil {
				return entry.value.(R), nil
			}
			var zero R
			return zero, entry.err
		}
	}

	attempts := 1
	if n, ok := flow.GetTag(retryTag); ok {
		if retries, ok := n.(int); ok && retries > 0 {
			attempts = retries + 1
		}
	}

	var result R
	var err error
	for i := 0; i < attempts; i++ {
		result, err = runFlowOnce(e, flow)
		if err == nil {
			break
		}
	}

	if journalKey != nil {
		e.scope.journal.Store(*journalKey, journalEntry{value: result, err: err})
	}

	return result, err
}

func runFlowOnce[R any](e *ExecutionCtx, flow *Flow[R]) (R, error) {
	if d, ok := flow.GetTag(timeoutTag); ok {
		if dur, ok := d.(time.Duration); ok && dur > 0 {
			original := e.ctx
			timeoutCtx, cancel := context.WithTimeout(original, dur)
			e.ctx = timeoutCtx
			result, err := executeFlow(e, flow)
			cancel()
			e.ctx = original
			if errors.Is(err, context.DeadlineExceeded) {
				name, _ := flow.GetTag(flowNameTag)
				nameStr, _ := name.(string)
				err = NewFlowTimeoutError(nameStr, dur, err)
			}
			return result, err
		}
	}
	return executeFlow(e, flow)
}

func Exec1[R any](e *ExecutionCtx, flow *Flow[R]) (R, *ExecutionCtx, error) {
	var zero R

	// Check for cancellation before resolving dependencies
	select {
	case <-e.ctx.Done():
		e.Set(endTimeTag, time.Now())
		e.Set(statusTag, ExecutionStatusCancelled)
		e.Set(errorTag, e.ctx.Err())
		return zero, nil, e.ctx.Err()
	default:
	}

	for _, dep := range flow.deps {
		if dep.GetMode() == ModeLazy {
			continue
		}
		// Check for cancellation before each dependency resolution
		select {
		case <-e.ctx.Done():
			e.Set(endTimeTag, time.Now())
			e.Set(statusTag, ExecutionStatusCancelled)
			e.Set(errorTag, e.ctx.Err())
			return zero, nil, e.ctx.Err()
		default:
		}
		_, err := dep.GetExecutor().ResolveAny(e.scope)
		if err != nil {
			return zero, nil, fmt.Errorf("resolving dependency: %w", err)
		}
	}

	childCtx := GetGlobalPoolManager().AcquireExecutionCtx(e.scope.generateExecutionID(), e, e.scope, e.ctx)
	e.registerChild(childCtx)

	if name, ok := flow.GetTag(flowNameTag); ok {
		childCtx.Set(flowNameTag, name)
	}

	childCtx.Set(startTimeTag, time.Now())
	childCtx.Set(statusTag, ExecutionStatusRunning)

	exts := e.scope.snapshotExtensions()
	defer e.scope.releaseExtensions(exts)

	for _, ext := range exts {
		if err := ext.OnFlowStart(childCtx, flow); err != nil {
			childCtx.Set(statusTag, ExecutionStatusFailed)
			childCtx.Set(errorTag, err)
			return zero, childCtx, err
		}
	}

	// Check for cancellation before executing the flow
	select {
	case <-childCtx.ctx.Done():
		childCtx.Set(endTimeTag, time.Now())
		childCtx.Set(statusTag, ExecutionStatusCancelled)
		childCtx.Set(errorTag, childCtx.ctx.Err())
		return zero, childCtx, childCtx.ctx.Err()
	default:
	}

	if skip, ok := childCtx.Get(skipExecTag); ok && skip.(bool) {
		// Check for cancellation even in skip case
		select {
		case <-childCtx.ctx.Done():
			childCtx.Set(endTimeTag, time.Now())
			childCtx.Set(statusTag, ExecutionStatusCancelled)
			childCtx.Set(errorTag, childCtx.ctx.Err())
			return zero, childCtx, childCtx.ctx.Err()
		default:
		}

		if cached, ok := childCtx.Get(cachedTag); ok {
			childCtx.Set(endTimeTag, time.Now())
			childCtx.Set(statusTag, ExecutionStatusSuccess)
			childCtx.Set(outputTag, cached)

			for i := len(exts) - 1; i >= 0; i-- {
				if err := exts[i].OnFlowEnd(childCtx, cached, nil); err != nil {
					childCtx.Set(statusTag, ExecutionStatusFailed)
					childCtx.Set(errorTag, err)
					return zero, childCtx, err
				}
			}

			node := childCtx.finalize()
			e.scope.execTree.addNode(node)

			return cached.(R), childCtx, nil
		}
	}

	result, err := runFlowWithPolicy(childCtx, flow)

	childCtx.Set(endTimeTag, time.Now())
	if err != nil {
		// Check if this is a cancellation error
		if errors.Is(err, context.Canceled) {
			childCtx.Set(statusTag, ExecutionStatusCancelled)
		} else {
			childCtx.Set(statusTag, ExecutionStatusFailed)
		}
		childCtx.Set(errorTag, err)
	} else {
		childCtx.Set(statusTag, ExecutionStatusSuccess)
		childCtx.Set(outputTag, result)
	}

	for i := len(exts) - 1; i >= 0; i-- {
		if extErr := exts[i].OnFlowEnd(childCtx, result, err); extErr != nil && err == nil {
			err = extErr
		}
	}

	node := childCtx.finalize()
	e.scope.execTree.addNode(node)

	return result, childCtx, err
}

func executeFlow[R any](e *ExecutionCtx, flow *Flow[R]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic in flow: %v", r)
			e.Set(panicStackTag, stack)
			e.Set(errorTag, err)

			exts := e.scope.snapshotExtensions()
			for _, ext := range exts {
				if onFlowePanicErr := ext.OnFlowPanic(e, r, stack); onFlowePanicErr != nil {
					err = errors.Join(err, onFlowePanicErr)
				}
			}
			e.scope.releaseExtensions(exts)
		}
	}()

	if state := e.State(); state != CtxActive {
		err = NewExecutionContextClosedError(e.id, state)
		e.Set(statusTag, ExecutionStatusCancelled)
		e.Set(errorTag, err)
		return
	}

	// Check for cancellation before executing the factory
	select {
	case <-e.ctx.Done():
		err = e.ctx.Err()
		e.Set(endTimeTag, time.Now())
		e.Set(statusTag, ExecutionStatusCancelled)
		e.Set(errorTag, e.ctx.Err())
		return
	default:
	}

	resolveCtx := &ResolveCtx{
		scope: e.scope,
	}

	// Execute factory with cancellation monitoring
	type factoryResult struct {
		value R
		err   error
		panic any
		stack []byte
	}

	// Not pooled: the goroutine below closure-captures factoryExts through
	// the Wrap chain and the select beneath it can return via <-e.ctx.Done()
	// while that goroutine is still running, so releasing this slice back to
	// the pool here could hand the same backing array to a concurrent
	// Acquire while the goroutine still reads it.
	e.scope.mu.RLock()
	factoryExts := make([]Extension, len(e.scope.extensions))
	copy(factoryExts, e.scope.extensions)
	e.scope.mu.RUnlock()

	op := &Operation{Kind: OpExecution, Scope: e.scope}
	next := func() (any, error) {
		return flow.factory(e, resolveCtx)
	}
	for i := len(factoryExts) - 1; i >= 0; i-- {
		ext := factoryExts[i]
		currentNext := next
		next = func() (any, error) {
			return ext.Wrap(e.ctx, currentNext, op)
		}
	}

	resultCh := make(chan factoryResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				resultCh <- factoryResult{
					panic: r,
					stack: stack,
				}
			}
		}()

		raw, err := next()
		var value R
		if raw != nil {
			value = raw.(R)
		}
		resultCh <- factoryResult{
			value: value,
			err:   err,
		}
	}()

	select {
	case res := <-resultCh:
		if res.panic != nil {
			// Panic occurred in factory
			err = fmt.Errorf("panic in flow: %v", res.panic)
			e.Set(panicStackTag, res.stack)
			e.Set(errorTag, err)

			exts := e.scope.snapshotExtensions()
			for _, ext := range exts {
				if onFlowPanicErr := ext.OnFlowPanic(e, res.panic, res.stack); onFlowPanicErr != nil {
					err = errors.Join(err, onFlowPanicErr)
				}
			}
			e.scope.releaseExtensions(exts)
			return
		}
		// Factory completed normally
		result = res.value
		err = res.err
		return
	case <-e.ctx.Done():
		// Context was cancelled
		err = e.ctx.Err()
		e.Set(endTimeTag, time.Now())
		e.Set(statusTag, ExecutionStatusCancelled)
		e.Set(errorTag, e.ctx.Err())
		return
	}
}
