// Package notify carries job control signals between the API and workers.
package notify

import (
	"context"
	"sync"
)

// Kind identifies what a signal asks workers to do.
type Kind string

const (
	// Wake asks idle workers to poll for claimable jobs now.
	Wake Kind = "wake"
	// Cancel asks the worker running JobID to abort it.
	Cancel Kind = "cancel"
	// Pause asks the worker running JobID to stop before its next task.
	Pause Kind = "pause"
)

// Signal is one control message.
type Signal struct {
	Kind  Kind   `json:"kind"`
	JobID string `json:"job_id,omitempty"`
}

// Bus publishes signals to every subscriber, including subscribers in
// other processes for distributed implementations.
type Bus interface {
	Publish(ctx context.Context, s Signal) error
	// Subscribe delivers signals until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Signal, error)
	Close() error
}

// LocalBus is an in-process Bus. Slow subscribers drop signals rather than
// block publishers.
type LocalBus struct {
	mu   sync.Mutex
	subs map[chan Signal]struct{}
}

// NewLocalBus creates a new LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[chan Signal]struct{}{}}
}

func (b *LocalBus) Publish(ctx context.Context, s Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Signal, error) {
	ch := make(chan Signal, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *LocalBus) Close() error { return nil }
