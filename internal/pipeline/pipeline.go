// Package pipeline runs ordered validation handlers over a request before
// it reaches the purchase core.
package pipeline

import (
	"context"
	"sort"
)

// Handler validates or enriches a request. Handlers with a lower Order
// run first.
type Handler[T any] interface {
	Order() int
	Handle(ctx context.Context, req *T) error
}

// Pipeline is an ordered handler chain; the first error stops it.
type Pipeline[T any] struct {
	handlers []Handler[T]
}

func New[T any](handlers ...Handler[T]) *Pipeline[T] {
	hs := append([]Handler[T](nil), handlers...)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Order() < hs[j].Order() })
	return &Pipeline[T]{handlers: hs}
}

func (p *Pipeline[T]) Run(ctx context.Context, req *T) error {
	for _, h := range p.handlers {
		if err := h.Handle(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
