package blob

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent driver calls with a weighted
// semaphore. Object store round trips can be slow; the bound keeps a burst of
// uploads from exhausting file descriptors and backend connections.
//
// Acquisition waits without a deadline of its own; the request context
// cancels the wait when the client goes away.
type Pool struct {
	transfer Transfer
	sem      *semaphore.Weighted
}

// NewPool wraps transfer with a concurrency bound of size workers.
func NewPool(transfer Transfer, workers int64) *Pool {
	if workers <= 0 {
		workers = 10
	}
	return &Pool{
		transfer: transfer,
		sem:      semaphore.NewWeighted(workers),
	}
}

func (p *Pool) Store(ctx context.Context, so StorageObject) (StorageObject, int64, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return StorageObject{}, 0, err
	}
	defer p.sem.Release(1)
	return p.transfer.Store(ctx, so)
}

func (p *Pool) Retrieve(ctx context.Context, so StorageObject) (*StorageObject, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.transfer.Retrieve(ctx, so)
}

func (p *Pool) Meta(ctx context.Context, so StorageObject) (*StorageObject, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.transfer.Meta(ctx, so)
}

func (p *Pool) Delete(ctx context.Context, so StorageObject) (int64, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer p.sem.Release(1)
	return p.transfer.Delete(ctx, so)
}

// Pool implements Transfer.
var _ Transfer = (*Pool)(nil)
