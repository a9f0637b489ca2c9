package proposal

import (
	"context"
	"sync"
	"time"

	"github.com/seaweedfs/mapmon/mon/membership"
)

// Request is a stimulus waiting for the round that makes it durable. The
// token identifies it across retries.
type Request struct {
	Token    string
	Stimulus membership.Stimulus
	Received time.Time

	// result staged into the open round, reported once it commits
	staged membership.Result

	once   sync.Once
	done   chan struct{}
	result membership.Result
	err    error
}

func newRequest(token string, s membership.Stimulus, now time.Time) *Request {
	return &Request{
		Token:    token,
		Stimulus: s,
		Received: now,
		done:     make(chan struct{}),
	}
}

func (r *Request) finish(res membership.Result, err error) {
	r.once.Do(func() {
		r.result, r.err = res, err
		close(r.done)
	})
}

func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request is answered or ctx ends. An ended context
// only stops this caller from waiting; the request stays in its round and
// can be joined again with the same token.
func (r *Request) Wait(ctx context.Context) (membership.Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return membership.Result{}, ctx.Err()
	}
}

func failAll(reqs []*Request, err error) {
	for _, r := range reqs {
		r.finish(membership.Result{}, err)
	}
}
