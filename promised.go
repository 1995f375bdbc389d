package pumped

import (
	"sync"

	"github.com/pumped-run/pumped-go/pkg/schema"
)

// PromisedStatus mirrors a Promised's settlement state.
type PromisedStatus int32

const (
	PromisedPending PromisedStatus = iota
	PromisedResolved
	PromisedRejected
)

func (s PromisedStatus) String() string {
	switch s {
	case PromisedPending:
		return "pending"
	case PromisedResolved:
		return "resolved"
	case PromisedRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// thenable is the marker interface IsThenable probes for; every *Promised[T]
// satisfies it regardless of T.
type thenable interface {
	isThenable()
}

// Promised is a monomorphic lazy-settled promise: it carries its status and,
// once settled, its value or reason, observable synchronously without a
// channel read. Settlement is a mutex + condition-variable box rather than
// the lock-free Treiber-stack handler chain it's ported from, since this
// runtime has no event loop to schedule microtasks against and has no need
// to touch unsafe to get there.
type Promised[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status PromisedStatus
	value  T
	reason error
}

func (*Promised[T]) isThenable() {}

func newPromised[T any]() *Promised[T] {
	p := &Promised[T]{status: PromisedPending}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewPromised runs fn in a new goroutine and settles the returned Promised
// with its outcome.
func NewPromised[T any](fn func() (T, error)) *Promised[T] {
	p := newPromised[T]()
	go func() {
		val, err := fn()
		if err != nil {
			p.settleRejected(err)
		} else {
			p.settleResolved(val)
		}
	}()
	return p
}

// Resolved returns an already-settled, fulfilled Promised.
func Resolved[T any](v T) *Promised[T] {
	p := newPromised[T]()
	p.settleResolved(v)
	return p
}

// Rejected returns an already-settled, rejected Promised.
func Rejected[T any](e error) *Promised[T] {
	p := newPromised[T]()
	p.settleRejected(e)
	return p
}

func (p *Promised[T]) settleResolved(v T) {
	p.mu.Lock()
	if p.status != PromisedPending {
		p.mu.Unlock()
		return
	}
	p.value = v
	p.status = PromisedResolved
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Promised[T]) settleRejected(e error) {
	p.mu.Lock()
	if p.status != PromisedPending {
		p.mu.Unlock()
		return
	}
	p.reason = e
	p.status = PromisedRejected
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Status reports the current settlement state. Lock-protected but never
// blocks.
func (p *Promised[T]) Status() PromisedStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Value returns the fulfilled value, or the zero value if not resolved.
func (p *Promised[T]) Value() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Reason returns the rejection cause, or nil if not rejected.
func (p *Promised[T]) Reason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// wait blocks until settlement and returns the terminal status.
func (p *Promised[T]) wait() PromisedStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.status == PromisedPending {
		p.cond.Wait()
	}
	return p.status
}

// Then registers fulfillment/rejection callbacks and returns a new Promised
// settled from whichever callback ran (nil callbacks just pass the value or
// reason through unchanged).
func (p *Promised[T]) Then(onFulfilled func(T) T, onRejected func(error) T) *Promised[T] {
	next := newPromised[T]()
	go func() {
		switch p.wait() {
		case PromisedResolved:
			v := p.Value()
			if onFulfilled != nil {
				v = onFulfilled(v)
			}
			next.settleResolved(v)
		case PromisedRejected:
			r := p.Reason()
			if onRejected != nil {
				next.settleResolved(onRejected(r))
				return
			}
			next.settleRejected(r)
		}
	}()
	return next
}

// Catch is Then with no fulfillment handler.
func (p *Promised[T]) Catch(onRejected func(error) T) *Promised[T] {
	return p.Then(nil, onRejected)
}

// Finally runs onFinally once the promise settles, regardless of outcome,
// then forwards the original settlement unchanged.
func (p *Promised[T]) Finally(onFinally func()) *Promised[T] {
	next := newPromised[T]()
	go func() {
		status := p.wait()
		func() {
			defer func() { recover() }()
			onFinally()
		}()
		if status == PromisedResolved {
			next.settleResolved(p.Value())
		} else {
			next.settleRejected(p.Reason())
		}
	}()
	return next
}

// Map transforms the fulfilled value of p, leaving rejection untouched.
// Go methods cannot introduce their own type parameters, so the U-valued
// transform is a package-level function rather than a Promised[T] method.
func Map[T, U any](p *Promised[T], f func(T) U) *Promised[U] {
	next := newPromised[U]()
	go func() {
		switch p.wait() {
		case PromisedResolved:
			next.settleResolved(f(p.Value()))
		case PromisedRejected:
			next.settleRejected(p.Reason())
		}
	}()
	return next
}

// FlatMap chains p into a Promised[U] produced by f once p resolves. If p is
// already settled when FlatMap is called, f runs inline on the calling
// goroutine's continuation without an extra scheduling hop.
func FlatMap[T, U any](p *Promised[T], f func(T) *Promised[U]) *Promised[U] {
	next := newPromised[U]()
	settle := func() {
		switch p.wait() {
		case PromisedResolved:
			inner := f(p.Value())
			switch inner.wait() {
			case PromisedResolved:
				next.settleResolved(inner.Value())
			case PromisedRejected:
				next.settleRejected(inner.Reason())
			}
		case PromisedRejected:
			next.settleRejected(p.Reason())
		}
	}
	if p.Status() != PromisedPending {
		settle()
	} else {
		go settle()
	}
	return next
}

// Partition splits a slice of settled Promised into their fulfilled values
// and rejection reasons, blocking on any still-pending entries. Order among
// fulfilled values (and separately among reasons) matches input order.
func Partition[T any](items []*Promised[T]) (fulfilled []T, rejected []error) {
	for _, p := range items {
		switch p.wait() {
		case PromisedResolved:
			fulfilled = append(fulfilled, p.Value())
		case PromisedRejected:
			rejected = append(rejected, p.Reason())
		}
	}
	return fulfilled, rejected
}

// IsThenable reports whether v is a *Promised[T] for some T. Go has no
// structural "has a .then" check, so this narrows the duck-typed thenable
// concern to the one concrete promise type this runtime has.
func IsThenable(v any) bool {
	_, ok := v.(thenable)
	return ok
}

// Validate runs value through schema, wrapping a validation failure in a
// SchemaError; otherwise returns the validated value unchanged.
func Validate[T any](s schema.Schema[T], value any) (T, error) {
	typed, err := SafeTypeAssertion[T](value)
	if err != nil {
		var zero T
		return zero, err
	}
	result, err := s.Validate(typed)
	if err != nil {
		var zero T
		return zero, NewSchemaError("value", err)
	}
	return result, nil
}
