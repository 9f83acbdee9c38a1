// Package hccl declares the collective-communication collaborator used by
// embedding and sync-event models. Only the calls the scheduler makes are
// modelled; the protocol itself lives elsewhere.
package hccl

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned when no communicator is configured.
var ErrUnavailable = errors.New("hccl communicator unavailable")

// Request is an in-flight collective operation handle.
type Request uint64

// Comm is the subset of the communicator the scheduler drives.
type Comm interface {
	// Wait blocks until req completes.
	Wait(ctx context.Context, req Request) error
	// AbortSelf cancels outstanding operations for tag.
	AbortSelf(tag int32)
	// DestroyResource releases per-tag resources.
	DestroyResource(tag int32) error
	CreateGroup(name string, rankIDs []uint32) error
	DestroyGroup(name string) error
}

// Nop is a communicator that succeeds immediately. It records calls so tests
// and single-node deployments can observe what would have been sent.
type Nop struct {
	mu        sync.Mutex
	groups    map[string][]uint32
	aborted   []int32
	destroyed []int32
	waited    int
}

func NewNop() *Nop { return &Nop{groups: make(map[string][]uint32)} }

func (n *Nop) Wait(ctx context.Context, _ Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.waited++
	n.mu.Unlock()
	return nil
}

func (n *Nop) AbortSelf(tag int32) {
	n.mu.Lock()
	n.aborted = append(n.aborted, tag)
	n.mu.Unlock()
}

func (n *Nop) DestroyResource(tag int32) error {
	n.mu.Lock()
	n.destroyed = append(n.destroyed, tag)
	n.mu.Unlock()
	return nil
}

func (n *Nop) CreateGroup(name string, rankIDs []uint32) error {
	n.mu.Lock()
	n.groups[name] = append([]uint32(nil), rankIDs...)
	n.mu.Unlock()
	return nil
}

func (n *Nop) DestroyGroup(name string) error {
	n.mu.Lock()
	delete(n.groups, name)
	n.mu.Unlock()
	return nil
}

// Groups returns the names of the live groups.
func (n *Nop) Groups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.groups))
	for g := range n.groups {
		out = append(out, g)
	}
	return out
}

// Aborted returns the tags passed to AbortSelf.
func (n *Nop) Aborted() []int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int32(nil), n.aborted...)
}

// Destroyed returns the tags passed to DestroyResource.
func (n *Nop) Destroyed() []int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int32(nil), n.destroyed...)
}

// Waited reports how many requests completed.
func (n *Nop) Waited() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.waited
}
