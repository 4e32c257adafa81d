// Package router spreads keyed messages over a fixed group of puppets of the
// same type. Every key is pinned to one member by rendezvous hashing, so all
// messages for a key are handled by the same mailbox in send order.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/codewandler/puppets-go/core/puppet"
	"github.com/codewandler/puppets-go/internal/hrw"
)

// Router is an immutable group of member puppets.
type Router[P any] struct {
	seed    string
	members []*puppet.Address[P]
	ids     []string
}

// Spawn starts n members from b as root puppets of reg. When b is named the
// members are named "<name>-0" .. "<name>-<n-1>". If any member fails to
// spawn, the members started so far are stopped again.
func Spawn[P any](ctx context.Context, reg puppet.Registry, n int, b *puppet.Builder[P]) (*Router[P], error) {
	if n <= 0 {
		return nil, fmt.Errorf("router: member count must be positive, got %d", n)
	}
	if b == nil {
		return nil, fmt.Errorf("router: %w", puppet.ErrInvalidBuilder)
	}

	r := &Router[P]{seed: b.Name()}
	for i := 0; i < n; i++ {
		mb := b
		if b.Name() != "" {
			mb = b.Named(b.Name() + "-" + strconv.Itoa(i))
		}
		a, err := puppet.Spawn(ctx, reg, nil, mb)
		if err != nil {
			_ = r.Stop(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("router: member %d: %w", i, err)
		}
		r.members = append(r.members, a)
		r.ids = append(r.ids, a.Pid().String())
	}
	return r, nil
}

// Pick returns the member responsible for key. If that member has stopped,
// the next running member in rendezvous order takes over, so only the keys
// of stopped members move. With every member stopped the preferred one is
// returned and sends to it fail.
func (r *Router[P]) Pick(key string) *puppet.Address[P] {
	idx, ok := hrw.Best(key, r.ids, r.seed)
	if !ok {
		return nil
	}
	if !r.members[idx].Status().Terminal() {
		return r.members[idx]
	}
	for _, i := range hrw.Rank(key, r.ids, r.seed)[1:] {
		if !r.members[i].Status().Terminal() {
			return r.members[i]
		}
	}
	return r.members[idx]
}

// Members returns the member addresses in spawn order.
func (r *Router[P]) Members() []*puppet.Address[P] {
	out := make([]*puppet.Address[P], len(r.members))
	copy(out, r.members)
	return out
}

func (r *Router[P]) Len() int { return len(r.members) }

// Stop stops all members in reverse spawn order.
func (r *Router[P]) Stop(ctx context.Context) error {
	var errs []error
	for i := len(r.members) - 1; i >= 0; i-- {
		if err := r.members[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", r.members[i], err))
		}
	}
	return errors.Join(errs...)
}

// Send routes msg to the member picked for key.
func Send[P, R any](ctx context.Context, r *Router[P], key string, msg puppet.Message[P, R]) error {
	return puppet.Send(ctx, r.Pick(key), msg)
}

// Ask routes msg to the member picked for key and waits for the response.
func Ask[P, R any](ctx context.Context, r *Router[P], key string, msg puppet.Message[P, R]) (R, error) {
	return puppet.Ask(ctx, r.Pick(key), msg)
}
