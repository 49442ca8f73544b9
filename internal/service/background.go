package service

import (
	"context"
	"sync"
)

// background tracks fire-and-forget goroutines so Wait can join them.
// Spawned work gets a context detached from the caller's cancellation: the
// caller already has its optimistic result, and aborting the confirmation
// mid-flight would leave a temp record with no resolution path.
type background struct {
	wg sync.WaitGroup
}

func (b *background) spawn(ctx context.Context, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(detached)
	}()
}

func (b *background) wait() {
	b.wg.Wait()
}
