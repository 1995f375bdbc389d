package pumped

import "strconv"

//go:generate go run codegen/main.go -flow -w

func Flow1[R, D1 any](
	d1 Dependency,
	factory func(*ExecutionCtx, *Controller[D1]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow1: dependency type mismatch")
	}

	cfg := &flowConfig{
		tags: make(map[any]any),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{
				executor: d1.GetExecutor().(*Executor[D1]),
				scope:    execCtx.scope,
			}
			return factory(execCtx, ctrl1)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow2[R, D1, D2 any](
	d1, d2 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow2: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow2: dependency 2 type mismatch")
	}

	cfg := &flowConfig{
		tags: make(map[any]any),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{
				executor: d1.GetExecutor().(*Executor[D1]),
				scope:    execCtx.scope,
			}
			ctrl2 := &Controller[D2]{
				executor: d2.GetExecutor().(*Executor[D2]),
				scope:    execCtx.scope,
			}
			return factory(execCtx, ctrl1, ctrl2)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow3[R, D1, D2, D3 any](
	d1, d2, d3 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow3: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow3: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow3: dependency 3 type mismatch")
	}

	cfg := &flowConfig{
		tags: make(map[any]any),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{
				executor: d1.GetExecutor().(*Executor[D1]),
				scope:    execCtx.scope,
			}
			ctrl2 := &Controller[D2]{
				executor: d2.GetExecutor().(*Executor[D2]),
				scope:    execCtx.scope,
			}
			ctrl3 := &Controller[D3]{
				executor: d3.GetExecutor().(*Executor[D3]),
				scope:    execCtx.scope,
			}
			return factory(execCtx, ctrl1, ctrl2, ctrl3)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow4[R, D1, D2, D3, D4 any](
	d1, d2, d3, d4 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow4: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow4: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow4: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow4: dependency 4 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow5[R, D1, D2, D3, D4, D5 any](
	d1, d2, d3, d4, d5 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4], *Controller[D5]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow5: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow5: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow5: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow5: dependency 4 type mismatch")
	}
	if _, ok := d5.GetExecutor().(*Executor[D5]); !ok {
		panic("Flow5: dependency 5 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4, d5},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			ctrl5 := &Controller[D5]{executor: d5.GetExecutor().(*Executor[D5]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4, ctrl5)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow6[R, D1, D2, D3, D4, D5, D6 any](
	d1, d2, d3, d4, d5, d6 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4], *Controller[D5], *Controller[D6]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow6: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow6: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow6: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow6: dependency 4 type mismatch")
	}
	if _, ok := d5.GetExecutor().(*Executor[D5]); !ok {
		panic("Flow6: dependency 5 type mismatch")
	}
	if _, ok := d6.GetExecutor().(*Executor[D6]); !ok {
		panic("Flow6: dependency 6 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4, d5, d6},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			ctrl5 := &Controller[D5]{executor: d5.GetExecutor().(*Executor[D5]), scope: execCtx.scope}
			ctrl6 := &Controller[D6]{executor: d6.GetExecutor().(*Executor[D6]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4, ctrl5, ctrl6)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow7[R, D1, D2, D3, D4, D5, D6, D7 any](
	d1, d2, d3, d4, d5, d6, d7 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4], *Controller[D5], *Controller[D6], *Controller[D7]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow7: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow7: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow7: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow7: dependency 4 type mismatch")
	}
	if _, ok := d5.GetExecutor().(*Executor[D5]); !ok {
		panic("Flow7: dependency 5 type mismatch")
	}
	if _, ok := d6.GetExecutor().(*Executor[D6]); !ok {
		panic("Flow7: dependency 6 type mismatch")
	}
	if _, ok := d7.GetExecutor().(*Executor[D7]); !ok {
		panic("Flow7: dependency 7 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4, d5, d6, d7},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			ctrl5 := &Controller[D5]{executor: d5.GetExecutor().(*Executor[D5]), scope: execCtx.scope}
			ctrl6 := &Controller[D6]{executor: d6.GetExecutor().(*Executor[D6]), scope: execCtx.scope}
			ctrl7 := &Controller[D7]{executor: d7.GetExecutor().(*Executor[D7]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4, ctrl5, ctrl6, ctrl7)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow8[R, D1, D2, D3, D4, D5, D6, D7, D8 any](
	d1, d2, d3, d4, d5, d6, d7, d8 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4], *Controller[D5], *Controller[D6], *Controller[D7], *Controller[D8]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow8: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow8: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow8: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow8: dependency 4 type mismatch")
	}
	if _, ok := d5.GetExecutor().(*Executor[D5]); !ok {
		panic("Flow8: dependency 5 type mismatch")
	}
	if _, ok := d6.GetExecutor().(*Executor[D6]); !ok {
		panic("Flow8: dependency 6 type mismatch")
	}
	if _, ok := d7.GetExecutor().(*Executor[D7]); !ok {
		panic("Flow8: dependency 7 type mismatch")
	}
	if _, ok := d8.GetExecutor().(*Executor[D8]); !ok {
		panic("Flow8: dependency 8 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4, d5, d6, d7, d8},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			ctrl5 := &Controller[D5]{executor: d5.GetExecutor().(*Executor[D5]), scope: execCtx.scope}
			ctrl6 := &Controller[D6]{executor: d6.GetExecutor().(*Executor[D6]), scope: execCtx.scope}
			ctrl7 := &Controller[D7]{executor: d7.GetExecutor().(*Executor[D7]), scope: execCtx.scope}
			ctrl8 := &Controller[D8]{executor: d8.GetExecutor().(*Executor[D8]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4, ctrl5, ctrl6, ctrl7, ctrl8)
		},
		tags: cfg.tags,
	}

	return flow
}

func Flow9[R, D1, D2, D3, D4, D5, D6, D7, D8, D9 any](
	d1, d2, d3, d4, d5, d6, d7, d8, d9 Dependency,
	factory func(*ExecutionCtx, *Controller[D1], *Controller[D2], *Controller[D3], *Controller[D4], *Controller[D5], *Controller[D6], *Controller[D7], *Controller[D8], *Controller[D9]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	if _, ok := d1.GetExecutor().(*Executor[D1]); !ok {
		panic("Flow9: dependency 1 type mismatch")
	}
	if _, ok := d2.GetExecutor().(*Executor[D2]); !ok {
		panic("Flow9: dependency 2 type mismatch")
	}
	if _, ok := d3.GetExecutor().(*Executor[D3]); !ok {
		panic("Flow9: dependency 3 type mismatch")
	}
	if _, ok := d4.GetExecutor().(*Executor[D4]); !ok {
		panic("Flow9: dependency 4 type mismatch")
	}
	if _, ok := d5.GetExecutor().(*Executor[D5]); !ok {
		panic("Flow9: dependency 5 type mismatch")
	}
	if _, ok := d6.GetExecutor().(*Executor[D6]); !ok {
		panic("Flow9: dependency 6 type mismatch")
	}
	if _, ok := d7.GetExecutor().(*Executor[D7]); !ok {
		panic("Flow9: dependency 7 type mismatch")
	}
	if _, ok := d8.GetExecutor().(*Executor[D8]); !ok {
		panic("Flow9: dependency 8 type mismatch")
	}
	if _, ok := d9.GetExecutor().(*Executor[D9]); !ok {
		panic("Flow9: dependency 9 type mismatch")
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: []Dependency{d1, d2, d3, d4, d5, d6, d7, d8, d9},
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrl1 := &Controller[D1]{executor: d1.GetExecutor().(*Executor[D1]), scope: execCtx.scope}
			ctrl2 := &Controller[D2]{executor: d2.GetExecutor().(*Executor[D2]), scope: execCtx.scope}
			ctrl3 := &Controller[D3]{executor: d3.GetExecutor().(*Executor[D3]), scope: execCtx.scope}
			ctrl4 := &Controller[D4]{executor: d4.GetExecutor().(*Executor[D4]), scope: execCtx.scope}
			ctrl5 := &Controller[D5]{executor: d5.GetExecutor().(*Executor[D5]), scope: execCtx.scope}
			ctrl6 := &Controller[D6]{executor: d6.GetExecutor().(*Executor[D6]), scope: execCtx.scope}
			ctrl7 := &Controller[D7]{executor: d7.GetExecutor().(*Executor[D7]), scope: execCtx.scope}
			ctrl8 := &Controller[D8]{executor: d8.GetExecutor().(*Executor[D8]), scope: execCtx.scope}
			ctrl9 := &Controller[D9]{executor: d9.GetExecutor().(*Executor[D9]), scope: execCtx.scope}
			return factory(execCtx, ctrl1, ctrl2, ctrl3, ctrl4, ctrl5, ctrl6, ctrl7, ctrl8, ctrl9)
		},
		tags: cfg.tags,
	}

	return flow
}

// FlowSlice builds a flow over a homogeneous, variable-length list of
// dependencies of the same element type, handing the factory a slice of
// controllers in the order the dependencies were given.
func FlowSlice[R, D any](
	deps []Dependency,
	factory func(*ExecutionCtx, []*Controller[D]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	for i, d := range deps {
		if _, ok := d.GetExecutor().(*Executor[D]); !ok {
			panic("FlowSlice: dependency type mismatch at index " + strconv.Itoa(i))
		}
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: deps,
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrls := make([]*Controller[D], len(deps))
			for i, d := range deps {
				ctrls[i] = &Controller[D]{
					executor: d.GetExecutor().(*Executor[D]),
					scope:    execCtx.scope,
				}
			}
			return factory(execCtx, ctrls)
		},
		tags: cfg.tags,
	}

	return flow
}

// FlowMap builds a flow over a named set of dependencies of the same element
// type, handing the factory a map of controllers keyed by the name each
// dependency was registered under.
func FlowMap[R, D any](
	deps map[string]Dependency,
	factory func(*ExecutionCtx, map[string]*Controller[D]) (R, error),
	opts ...FlowOption,
) *Flow[R] {
	flatDeps := make([]Dependency, 0, len(deps))
	for name, d := range deps {
		if _, ok := d.GetExecutor().(*Executor[D]); !ok {
			panic("FlowMap: dependency type mismatch for key " + name)
		}
		flatDeps = append(flatDeps, d)
	}

	cfg := &flowConfig{tags: make(map[any]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	flow := &Flow[R]{
		deps: flatDeps,
		factory: func(execCtx *ExecutionCtx, resolveCtx *ResolveCtx) (R, error) {
			ctrls := make(map[string]*Controller[D], len(deps))
			for name, d := range deps {
				ctrls[name] = &Controller[D]{
					executor: d.GetExecutor().(*Executor[D]),
					scope:    execCtx.scope,
				}
			}
			return factory(execCtx, ctrls)
		},
		tags: cfg.tags,
	}

	return flow
}
