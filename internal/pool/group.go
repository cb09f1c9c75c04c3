package pool

import (
	"context"
	"sync"
)

// Group keeps one Pool per endpoint address, created the first time the address is used
type Group[T any] struct {
	cfg     Config[T]
	factory func(ctx context.Context, addr string) (T, error)

	m      sync.Mutex
	pools  map[string]*Pool[T]
	closed bool
}

// NewGroup creates pools configured like cfg whose items are opened by factory. cfg.Factory is ignored.
func NewGroup[T any](cfg Config[T], factory func(ctx context.Context, addr string) (T, error)) *Group[T] {
	return &Group[T]{
		cfg:     cfg,
		factory: factory,
		pools:   make(map[string]*Pool[T]),
	}
}

// Pool returns the pool for addr
func (g *Group[T]) Pool(addr string) (*Pool[T], error) {
	g.m.Lock()
	defer g.m.Unlock()
	if g.closed {
		return nil, ErrPoolClosed
	}
	p, ok := g.pools[addr]
	if !ok {
		cfg := g.cfg
		cfg.Factory = func(ctx context.Context) (T, error) {
			return g.factory(ctx, addr)
		}
		p = New(cfg)
		g.pools[addr] = p
	}
	return p, nil
}

func (g *Group[T]) Borrow(ctx context.Context, addr string) (T, error) {
	p, err := g.Pool(addr)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Borrow(ctx)
}

func (g *Group[T]) Return(addr string, item T) {
	if p, err := g.Pool(addr); err == nil {
		p.Return(item)
	} else if g.cfg.Destroy != nil {
		g.cfg.Destroy(item)
	}
}

func (g *Group[T]) Invalidate(addr string, item T) {
	if p, err := g.Pool(addr); err == nil {
		p.Invalidate(item)
	} else if g.cfg.Destroy != nil {
		g.cfg.Destroy(item)
	}
}

// Addrs lists the endpoints that have a pool
func (g *Group[T]) Addrs() []string {
	g.m.Lock()
	defer g.m.Unlock()
	ret := make([]string, 0, len(g.pools))
	for addr := range g.pools {
		ret = append(ret, addr)
	}
	return ret
}

func (g *Group[T]) Close() error {
	g.m.Lock()
	g.closed = true
	pools := g.pools
	g.pools = make(map[string]*Pool[T])
	g.m.Unlock()
	for _, p := range pools {
		_ = p.Close()
	}
	return nil
}
