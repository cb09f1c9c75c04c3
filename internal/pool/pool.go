// Package pool keeps bounded sets of reusable connections, validated before they are lent out
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrPoolClosed    = errors.New("pool closed")
)

const defaultMaxTotal = 8

type Config[T any] struct {
	// Factory opens a new item
	Factory func(ctx context.Context) (T, error)
	// Validate reports whether an idle item is still usable. Nil treats every item as usable.
	Validate func(T) bool
	// Destroy releases an item that leaves the pool
	Destroy func(T)

	MinIdle  int
	MaxIdle  int
	MaxTotal int

	// BorrowTimeout bounds how long Borrow waits for an item when MaxTotal are lent out.
	// Zero waits as long as the context allows.
	BorrowTimeout time.Duration
	// ValidateInterval is how often idle items are validated and MinIdle is restored.
	// Zero disables maintenance.
	ValidateInterval time.Duration
}

// Pool lends out at most MaxTotal items at a time. Idle items are reused first-in first-out.
type Pool[T any] struct {
	cfg Config[T]

	// idle items; a buffered channel is a goroutine-safe FIFO that borrowers can block on
	idle chan T
	// one token per item in existence, idle or lent out
	slots chan struct{}

	closeOnce sync.Once
	die       chan struct{}
}

func New[T any](cfg Config[T]) *Pool[T] {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = defaultMaxTotal
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	p := &Pool[T]{
		cfg:   cfg,
		idle:  make(chan T, cfg.MaxTotal),
		slots: make(chan struct{}, cfg.MaxTotal),
		die:   make(chan struct{}),
	}
	if cfg.ValidateInterval > 0 {
		go p.maintain()
	}
	return p
}

func (p *Pool[T]) closed() bool {
	select {
	case <-p.die:
		return true
	default:
		return false
	}
}

func (p *Pool[T]) valid(item T) bool {
	return p.cfg.Validate == nil || p.cfg.Validate(item)
}

func (p *Pool[T]) destroy(item T) {
	if p.cfg.Destroy != nil {
		p.cfg.Destroy(item)
	}
	<-p.slots
}

// create opens an item for a slot that has already been taken
func (p *Pool[T]) create(ctx context.Context) (T, error) {
	item, err := p.cfg.Factory(ctx)
	if err != nil {
		<-p.slots
		var zero T
		return zero, err
	}
	return item, nil
}

// Borrow returns an idle item if a valid one exists, or opens a new one if fewer than MaxTotal
// exist. Otherwise it waits for an item to be returned and fails with ErrPoolExhausted once
// BorrowTimeout passes or ctx is done.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T
	if p.BorrowTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.BorrowTimeout())
		defer cancel()
	}
	for {
		if p.closed() {
			return zero, ErrPoolClosed
		}
		// idle items first
		select {
		case item := <-p.idle:
			if p.valid(item) {
				return item, nil
			}
			log.Debug("discarding invalid idle item")
			p.destroy(item)
			continue
		default:
		}

		select {
		case item := <-p.idle:
			if p.valid(item) {
				return item, nil
			}
			p.destroy(item)
		case p.slots <- struct{}{}:
			return p.create(ctx)
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
		case <-p.die:
			return zero, ErrPoolClosed
		}
	}
}

// Return gives a borrowed item back. Items beyond MaxIdle are destroyed.
func (p *Pool[T]) Return(item T) {
	if p.closed() || len(p.idle) >= p.cfg.MaxIdle {
		p.destroy(item)
		return
	}
	select {
	case p.idle <- item:
	default:
		p.destroy(item)
	}
}

// Invalidate destroys a borrowed item that turned out to be broken
func (p *Pool[T]) Invalidate(item T) {
	p.destroy(item)
}

func (p *Pool[T]) BorrowTimeout() time.Duration { return p.cfg.BorrowTimeout }

// Idle is the number of items waiting to be borrowed
func (p *Pool[T]) Idle() int { return len(p.idle) }

// Total is the number of items in existence, idle or lent out
func (p *Pool[T]) Total() int { return len(p.slots) }

// Maintain validates every idle item and opens new ones until MinIdle are idle
func (p *Pool[T]) Maintain(ctx context.Context) {
validate:
	for n := len(p.idle); n > 0; n-- {
		select {
		case item := <-p.idle:
			if p.valid(item) {
				p.Return(item)
			} else {
				log.Debug("evicting invalid idle item")
				p.destroy(item)
			}
		default:
			break validate
		}
	}
	for len(p.idle) < p.cfg.MinIdle && !p.closed() {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}
		item, err := p.create(ctx)
		if err != nil {
			log.Debugf("failed to open an idle item: %v", err)
			return
		}
		p.Return(item)
	}
}

func (p *Pool[T]) maintain() {
	ticker := time.NewTicker(p.cfg.ValidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidateInterval)
			p.Maintain(ctx)
			cancel()
		case <-p.die:
			return
		}
	}
}

// Close destroys the idle items. Items still lent out are destroyed when they are returned.
func (p *Pool[T]) Close() error {
	p.closeOnce.Do(func() {
		close(p.die)
		for {
			select {
			case item := <-p.idle:
				p.destroy(item)
			default:
				return
			}
		}
	})
	return nil
}
