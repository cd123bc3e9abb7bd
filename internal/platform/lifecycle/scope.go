// Package lifecycle owns the background work of a workspace or view: every
// polling loop runs inside a Scope, and closing the Scope stops the loops and
// marks in-flight results irrelevant.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scope is a cancellable owner of goroutines.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	children []*Scope
}

// NewScope derives a Scope from parent.
func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel, group: &errgroup.Group{}}
}

// Context is cancelled when the scope closes.
func (s *Scope) Context() context.Context { return s.ctx }

// Relevant reports whether results produced for this scope may still be
// applied. Result handlers check it before mutating state.
func (s *Scope) Relevant() bool { return s.ctx.Err() == nil }

// Go runs fn in the scope. fn must return when its context is cancelled.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.group.Go(func() error { return fn(s.ctx) })
}

// Every runs fn every interval until the scope closes. When immediate is set
// fn also runs once right away.
func (s *Scope) Every(interval time.Duration, immediate bool, fn func(ctx context.Context)) {
	s.Go(func(ctx context.Context) error {
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Child returns a scope closed together with s, for views opened inside a
// workspace.
func (s *Scope) Child() *Scope {
	c := NewScope(s.ctx)
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()
	return c
}

// Close cancels the scope and its children and waits for their goroutines.
func (s *Scope) Close() error {
	s.cancel()
	s.mu.Lock()
	children := s.children
	s.children = nil
	s.mu.Unlock()
	for _, c := range children {
		_ = c.Close()
	}
	return s.group.Wait()
}
