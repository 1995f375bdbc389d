package pumped

import (
	"fmt"

	"github.com/pumped-run/pumped-go/pkg/schema"
)

// tagIdentity is the shared, pointer-identity backing of a Tag[T]. Two
// Tag[T] values are the same tag if and only if they share a tagIdentity
// pointer - unlike a bare string key, this means two tags accidentally
// created with the same label never collide.
type tagIdentity[T any] struct {
	label   string
	schema  schema.Schema[T]
	def     *T
	hasDef  bool
	parse   func(string) (T, error)
}

// Tag is a type-safe, comparable key for metadata attached to executors,
// scopes and execution contexts. Tag[T] is comparable (it only holds a
// pointer) so it can be used directly as a map[any]any key.
type Tag[T any] struct {
	id *tagIdentity[T]
}

// TagOption configures a Tag at construction time.
type TagOption[T any] func(*tagIdentity[T])

// WithSchema attaches a validation schema; Apply will run values through
// it before accepting them.
func WithSchema[T any](s schema.Schema[T]) TagOption[T] {
	return func(id *tagIdentity[T]) { id.schema = s }
}

// WithDefault attaches a default value returned by GetOrDefault and used
// by Apply when no value is supplied.
func WithDefault[T any](val T) TagOption[T] {
	return func(id *tagIdentity[T]) {
		id.def = &val
		id.hasDef = true
	}
}

// WithParse attaches a string-to-T coercion function, used when reading
// the tag's value out of a raw string source (e.g. an environment
// variable or CLI flag) via Apply.
func WithParse[T any](fn func(string) (T, error)) TagOption[T] {
	return func(id *tagIdentity[T]) { id.parse = fn }
}

// NewTag creates a new tag identified by label (used only for diagnostics
// and debugging output - it is not part of the tag's identity).
func NewTag[T any](label string, opts ...TagOption[T]) Tag[T] {
	id := &tagIdentity[T]{label: label}
	for _, opt := range opts {
		opt(id)
	}
	return Tag[T]{id: id}
}

// Label returns the tag's human-readable label.
func (t Tag[T]) Label() string {
	return t.id.label
}

// Key is kept for call sites ported from the string-keyed tag design; it
// is an alias of Label.
func (t Tag[T]) Key() string {
	return t.id.label
}

// Get retrieves the tag value from an executor.
func (t Tag[T]) Get(exec AnyExecutor) (T, bool) {
	val, ok := exec.GetTag(t)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(T), true
}

// MustGet retrieves the tag value or panics if not found.
func (t Tag[T]) MustGet(exec AnyExecutor) T {
	val, ok := t.Get(exec)
	if !ok {
		panic("tag " + t.id.label + " not found")
	}
	return val
}

// GetOrDefault retrieves the tag value, falling back first to the tag's
// configured default (WithDefault) and then to defaultVal.
func (t Tag[T]) GetOrDefault(exec AnyExecutor, defaultVal T) T {
	if val, ok := t.Get(exec); ok {
		return val
	}
	if t.id.hasDef {
		return *t.id.def
	}
	return defaultVal
}

// Set stores the tag value on an executor, validating it against the
// tag's schema (if any) first.
func (t Tag[T]) Set(exec AnyExecutor, val T) {
	validated, err := t.Apply(val)
	if err != nil {
		panic(fmt.Sprintf("tag %s: %v", t.id.label, err))
	}
	exec.SetTag(t, validated)
}

// Apply validates val against the tag's schema, if one is configured,
// returning the (possibly coerced) value.
func (t Tag[T]) Apply(val T) (T, error) {
	if t.id.schema == nil {
		return val, nil
	}
	return t.id.schema.Validate(val)
}

// ApplyString parses a raw string into T using the tag's configured
// parse function, then runs it through Apply.
func (t Tag[T]) ApplyString(raw string) (T, error) {
	if t.id.parse == nil {
		var zero T
		return zero, fmt.Errorf("tag %s: no parse function configured", t.id.label)
	}
	parsed, err := t.id.parse(raw)
	if err != nil {
		var zero T
		return zero, NewParseError(t.id.label, raw, err)
	}
	return t.Apply(parsed)
}

// GetFromScope retrieves the tag value from a scope.
func (t Tag[T]) GetFromScope(scope *Scope) (T, bool) {
	val, ok := scope.GetTag(t)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(T), true
}

// SetOnScope stores the tag value on a scope.
func (t Tag[T]) SetOnScope(scope *Scope, val T) {
	scope.SetTag(t, val)
}

// tagSource is satisfied by anything a tag can be looked up from: executors,
// scopes, resolve contexts and execution contexts.
type tagSource interface {
	GetTag(tag any) (any, bool)
}

// ExtractFrom looks the tag up in a single source (an AnyExecutor, *Scope,
// *ResolveCtx or *ExecutionCtx).
func (t Tag[T]) ExtractFrom(src any) (T, bool) {
	var zero T
	switch s := src.(type) {
	case *Scope:
		return t.GetFromScope(s)
	case tagSource:
		val, ok := s.GetTag(t)
		if !ok {
			return zero, false
		}
		typed, ok := val.(T)
		return typed, ok
	default:
		return zero, false
	}
}

// ReadFrom tries each source in order, returning the first hit.
func (t Tag[T]) ReadFrom(sources ...any) (T, bool) {
	for _, src := range sources {
		if val, ok := t.ExtractFrom(src); ok {
			return val, true
		}
	}
	var zero T
	return zero, false
}

// CollectFrom gathers the tag's value from every source that has one,
// preserving source order.
func (t Tag[T]) CollectFrom(sources ...any) []T {
	result := make([]T, 0, len(sources))
	for _, src := range sources {
		if val, ok := t.ExtractFrom(src); ok {
			result = append(result, val)
		}
	}
	return result
}

// TagExecutor is a type-erased view over a Tag[T], used where code needs
// to hold a heterogeneous collection of tags (e.g. required-tag checks on
// an extension pipeline).
type TagExecutor interface {
	Label() string
	GetRaw(src any) (any, bool)
}

type tagExecutorAdapter[T any] struct{ tag Tag[T] }

func (a tagExecutorAdapter[T]) Label() string { return a.tag.Label() }

func (a tagExecutorAdapter[T]) GetRaw(src any) (any, bool) {
	return a.tag.ExtractFrom(src)
}

// AsTagExecutor type-erases a Tag[T] into a TagExecutor.
func AsTagExecutor[T any](tag Tag[T]) TagExecutor {
	return tagExecutorAdapter[T]{tag: tag}
}
