package runner

import (
	"fmt"

	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

// Builder partitions test files into adapters that each run at most limit
// tests on one session.
type Builder struct {
	engine     engine.Engine
	newAdapter func() *Adapter
}

func NewBuilder(eng engine.Engine, newAdapter func() *Adapter) *Builder {
	return &Builder{engine: eng, newAdapter: newAdapter}
}

// Build loads files in order and fills adapters up to limit runnable tests
// each. Pending tests ride along without counting. A file crossing the limit
// continues in the next adapter. limit <= 0 puts everything in one adapter.
func (b *Builder) Build(paths []string, limit int) ([]*Adapter, error) {
	var adapters []*Adapter
	if len(paths) == 0 {
		return adapters, nil
	}

	full := func(a *Adapter) bool {
		return limit > 0 && a.ActiveCount() >= limit
	}

	cur := b.newAdapter()
	for _, path := range paths {
		f, err := b.engine.Load(path)
		if err != nil {
			return nil, fmt.Errorf("building adapters: %w", err)
		}

		cursor := -1
		for {
			a := cur
			a.AttachFilter(func(t *engine.Test) bool {
				if t.Index <= cursor || full(a) {
					return false
				}
				cursor = t.Index
				return true
			})
			a.LoadFile(f)

			if !full(a) {
				break
			}
			adapters = append(adapters, a)
			cur = b.newAdapter()
			if !hasMore(f, cursor, cur) {
				break
			}
		}
	}

	if cur.Len() > 0 {
		adapters = append(adapters, cur)
	}
	return adapters, nil
}

// hasMore reports whether f has tests after cursor that a would load
func hasMore(f *engine.File, cursor int, a *Adapter) bool {
	for _, t := range f.Tests {
		if t.Index > cursor && !a.excluded(t) {
			return true
		}
	}
	return false
}
