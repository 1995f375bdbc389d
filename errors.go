package pumped

import (
	"fmt"
	"runtime/debug"
	"time"
)

type ResolveError struct {
	ExecutorID AnyExecutor
	Cause      error
	Context    string
	StackTrace []byte
}

func (e *ResolveError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("resolve error in executor %v during %s: %v", e.ExecutorID, e.Context, e.Cause)
	}
	return fmt.Sprintf("resolve error in executor %v: %v", e.ExecutorID, e.Cause)
}

func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// SafeTypeAssertion performs safe type assertion with proper error
func SafeTypeAssertion[T any](value any) (T, error) {
	if value == nil {
		var zero T
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("type assertion error: expected %T, got %T (value: %v)", zero, value, value)
	}

	return typed, nil
}

func CreateResolveError(executor AnyExecutor, cause error, context string) *ResolveError {
	return &ResolveError{
		ExecutorID: executor,
		Cause:      cause,
		Context:    context,
		StackTrace: debug.Stack(),
	}
}

// baseError carries the fields shared by every named error below: a short
// machine-checkable code, a human message, the wrapped cause (if any) and
// the stack at the point the error was constructed.
type baseError struct {
	Code    string
	Message string
	Cause   error
	Stack   []byte
}

func (e *baseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *baseError) Unwrap() error {
	return e.Cause
}

func newBaseError(code, message string, cause error) baseError {
	return baseError{Code: code, Message: message, Cause: cause, Stack: debug.Stack()}
}

// SchemaError reports a tag value failing its schema's Validate/Parse step.
type SchemaError struct {
	baseError
	TagLabel string
}

func NewSchemaError(tagLabel string, cause error) *SchemaError {
	return &SchemaError{
		baseError: newBaseError("schema_error", fmt.Sprintf("tag %q failed schema validation", tagLabel), cause),
		TagLabel:  tagLabel,
	}
}

// ExecutorResolutionError reports an executor whose resolution could not
// complete, independent of whether the failure originated in the factory
// itself (see FactoryExecutionError) or in one of its dependencies (see
// DependencyResolutionError).
type ExecutorResolutionError struct {
	baseError
	ExecutorID AnyExecutor
}

func NewExecutorResolutionError(executor AnyExecutor, cause error) *ExecutorResolutionError {
	return &ExecutorResolutionError{
		baseError:  newBaseError("executor_resolution_error", fmt.Sprintf("executor %v failed to resolve", executor), cause),
		ExecutorID: executor,
	}
}

// FactoryExecutionError reports a panic or error raised from inside a
// factory function, as opposed to a failure in the surrounding resolution
// machinery.
type FactoryExecutionError struct {
	baseError
	ExecutorID AnyExecutor
	Recovered  bool
}

func NewFactoryExecutionError(executor AnyExecutor, cause error, recovered bool) *FactoryExecutionError {
	msg := fmt.Sprintf("factory for executor %v returned an error", executor)
	if recovered {
		msg = fmt.Sprintf("factory for executor %v panicked", executor)
	}
	return &FactoryExecutionError{
		baseError:  newBaseError("factory_execution_error", msg, cause),
		ExecutorID: executor,
		Recovered:  recovered,
	}
}

// DependencyResolutionError reports a failure that originated in one of an
// executor's dependencies rather than in the executor's own factory.
type DependencyResolutionError struct {
	baseError
	ExecutorID  AnyExecutor
	DependsOnID AnyExecutor
}

func NewDependencyResolutionError(executor, dependsOn AnyExecutor, cause error) *DependencyResolutionError {
	return &DependencyResolutionError{
		baseError:   newBaseError("dependency_resolution_error", fmt.Sprintf("executor %v failed because dependency %v failed", executor, dependsOn), cause),
		ExecutorID:  executor,
		DependsOnID: dependsOn,
	}
}

// ExecutionContextClosedError reports an operation attempted against an
// ExecutionCtx that has already transitioned to CtxClosing or CtxClosed.
type ExecutionContextClosedError struct {
	baseError
	ExecutionID string
	State       ExecutionCtxState
}

func NewExecutionContextClosedError(executionID string, state ExecutionCtxState) *ExecutionContextClosedError {
	return &ExecutionContextClosedError{
		baseError:   newBaseError("execution_context_closed", fmt.Sprintf("execution context %s is %s", executionID, state), nil),
		ExecutionID: executionID,
		State:       state,
	}
}

// ParseError reports a tag's parse function rejecting a raw string value,
// as produced by Tag.ApplyString or config/env sources that only carry
// strings.
type ParseError struct {
	baseError
	TagLabel string
	RawValue string
}

func NewParseError(tagLabel, rawValue string, cause error) *ParseError {
	return &ParseError{
		baseError: newBaseError("parse_error", fmt.Sprintf("tag %q could not parse value %q", tagLabel, rawValue), cause),
		TagLabel:  tagLabel,
		RawValue:  rawValue,
	}
}

// GracePeriodExceededError reports a graceful Close that did not finish
// within its allotted grace period and was escalated to an abort.
type GracePeriodExceededError struct {
	baseError
	ExecutionID string
	Grace       time.Duration
}

func NewGracePeriodExceededError(executionID string, grace time.Duration) *GracePeriodExceededError {
	return &GracePeriodExceededError{
		baseError:   newBaseError("grace_period_exceeded", fmt.Sprintf("execution context %s did not close within %s", executionID, grace), nil),
		ExecutionID: executionID,
		Grace:       grace,
	}
}

// FlowTimeoutError reports that a flow's WithTimeout budget elapsed before
// the factory returned.
type FlowTimeoutError struct {
	baseError
	FlowName string
	Timeout  time.Duration
}

func NewFlowTimeoutError(flowName string, timeout time.Duration, cause error) *FlowTimeoutError {
	return &FlowTimeoutError{
		baseError: newBaseError("flow_timeout", fmt.Sprintf("flow %q exceeded its %s timeout", flowName, timeout), cause),
		FlowName:  flowName,
		Timeout:   timeout,
	}
}
