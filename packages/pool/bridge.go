package pool

import (
	"context"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
)

// Native is a session pool that answers on channels. Manager implements it.
type Native interface {
	Acquire(envID string) <-chan Result
	Release(s *browser.Session) <-chan error
	Cancel()
	Close() <-chan error
}

// bridge turns a Native pool's channel answers into blocking calls that
// honour a context.
type bridge struct {
	native Native
}

func (b bridge) acquire(ctx context.Context, envID string) (*browser.Session, error) {
	ch := b.native.Acquire(envID)
	select {
	case r := <-ch:
		return r.Session, r.Err
	case <-ctx.Done():
		// The pool may still hand out a session; give it back.
		go func() {
			if r := <-ch; r.Session != nil {
				<-b.native.Release(r.Session)
			}
		}()
		return nil, ctx.Err()
	}
}

func (b bridge) release(ctx context.Context, s *browser.Session) error {
	return wait(ctx, b.native.Release(s))
}

func (b bridge) close(ctx context.Context) error {
	return wait(ctx, b.native.Close())
}

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
