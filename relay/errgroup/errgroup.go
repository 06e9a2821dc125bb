package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/runtime"
)

// ErrPanicRecovered wraps the value of a panic raised inside Go.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group is a set of goroutines sharing a cancellation context.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  libLog.Logger
}

// WithContext returns a Group and a context cancelled by the first failure
// or by Wait, whichever comes first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used to report recovered panics.
func (grp *Group) SetLogger(logger libLog.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// Go runs fn in the group under a generic name.
func (grp *Group) Go(fn func() error) {
	grp.GoNamed("group.Go", fn)
}

// GoNamed runs fn in the group; name labels panic reports.
func (grp *Group) GoNamed(name string, fn func() error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				var logger runtime.Logger
				if grp.logger != nil {
					logger = grp.logger
				}

				runtime.HandlePanicValue(grp.context(), logger, recovered, "errgroup", name)
				grp.fail(fmt.Errorf("%w: %s: %v", ErrPanicRecovered, name, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.fail(err)
		}
	}()
}

// Wait blocks until every goroutine returned, cancels the context and
// returns the first error.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

func (grp *Group) context() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}
