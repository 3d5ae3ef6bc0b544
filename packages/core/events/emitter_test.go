package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindAwaited(t *testing.T) {
	for _, k := range []Kind{RunStart, RunEnd, SessionStarted, SessionEnded} {
		assert.True(t, k.Awaited(), k)
	}
	for _, k := range []Kind{Begin, TestBegin, TestPass, TestFail, Retry, Error} {
		assert.False(t, k.Awaited(), k)
	}
	assert.False(t, Kind("nope").Valid())
}

func TestEmitter_EmitOrder(t *testing.T) {
	e := NewEmitter()
	var got []string

	e.On(TestBegin, func(_ context.Context, ev Event) error {
		got = append(got, "first:"+ev.Test.Title)
		return nil
	})
	e.On(TestBegin, func(_ context.Context, ev Event) error {
		got = append(got, "second:"+ev.Test.Title)
		return errors.New("ignored")
	})

	e.Emit(context.Background(), Event{Kind: TestBegin, Test: &TestInfo{Title: "a"}})
	e.Emit(context.Background(), Event{Kind: TestBegin, Test: &TestInfo{Title: "b"}})

	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, got)
}

func TestEmitter_EmitSetsTime(t *testing.T) {
	e := NewEmitter()
	var at time.Time
	e.On(Info, func(_ context.Context, ev Event) error {
		at = ev.Time
		return nil
	})

	e.Emit(context.Background(), Event{Kind: Info})
	assert.False(t, at.IsZero())
}

func TestEmitter_EmitSerializesDelivery(t *testing.T) {
	e := NewEmitter()
	var inFlight, maxInFlight atomic.Int32

	e.On(TestEnd, func(_ context.Context, _ Event) error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(context.Background(), Event{Kind: TestEnd})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestEmitter_EmitAndWait(t *testing.T) {
	t.Run("no listeners", func(t *testing.T) {
		e := NewEmitter()
		assert.NoError(t, e.EmitAndWait(context.Background(), Event{Kind: RunStart}))
	})

	t.Run("waits for every listener", func(t *testing.T) {
		e := NewEmitter()
		var done atomic.Int32
		for i := 0; i < 3; i++ {
			e.On(RunEnd, func(_ context.Context, _ Event) error {
				time.Sleep(5 * time.Millisecond)
				done.Add(1)
				return nil
			})
		}

		require.NoError(t, e.EmitAndWait(context.Background(), Event{Kind: RunEnd}))
		assert.Equal(t, int32(3), done.Load())
	})

	t.Run("reports first failure and still awaits the rest", func(t *testing.T) {
		e := NewEmitter()
		var slowDone atomic.Bool
		e.On(SessionStarted, func(_ context.Context, _ Event) error {
			return errors.New("boom")
		})
		e.On(SessionStarted, func(_ context.Context, _ Event) error {
			time.Sleep(10 * time.Millisecond)
			slowDone.Store(true)
			return errors.New("later")
		})

		err := e.EmitAndWait(context.Background(), Event{Kind: SessionStarted})
		require.Error(t, err)
		assert.EqualError(t, err, "boom")
		assert.True(t, slowDone.Load())
	})

	t.Run("listeners never overlap", func(t *testing.T) {
		e := NewEmitter()
		var inFlight, maxInFlight atomic.Int32
		var order []int
		for i := 0; i < 2; i++ {
			e.On(RunEnd, func(_ context.Context, _ Event) error {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				order = append(order, i)
				time.Sleep(50 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}

		require.NoError(t, e.EmitAndWait(context.Background(), Event{Kind: RunEnd}))
		assert.Equal(t, int32(1), maxInFlight.Load())
		assert.Equal(t, []int{0, 1}, order)
	})

	t.Run("awaited and fire-and-forget deliveries share one lock", func(t *testing.T) {
		e := NewEmitter()
		var inFlight, maxInFlight atomic.Int32
		track := func(_ context.Context, _ Event) error {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}
		e.On(SessionStarted, track)
		e.On(TestPass, track)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = e.EmitAndWait(context.Background(), Event{Kind: SessionStarted})
			}()
			go func() {
				defer wg.Done()
				e.Emit(context.Background(), Event{Kind: TestPass})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInFlight.Load())
	})

	t.Run("single listener error is returned as is", func(t *testing.T) {
		e := NewEmitter()
		sentinel := errors.New("sentinel")
		e.On(RunStart, func(_ context.Context, _ Event) error { return sentinel })

		assert.ErrorIs(t, e.EmitAndWait(context.Background(), Event{Kind: RunStart}), sentinel)
	})
}

func TestPassthrough(t *testing.T) {
	from := NewEmitter()
	to := NewEmitter()
	Passthrough(from, to, []Kind{TestPass, SessionEnded})

	var passed int
	to.On(TestPass, func(_ context.Context, _ Event) error {
		passed++
		return nil
	})
	sentinel := errors.New("listener")
	to.On(SessionEnded, func(_ context.Context, _ Event) error { return sentinel })

	from.Emit(context.Background(), Event{Kind: TestPass})
	assert.Equal(t, 1, passed)

	err := from.EmitAndWait(context.Background(), Event{Kind: SessionEnded})
	assert.ErrorIs(t, err, sentinel)

	from.Emit(context.Background(), Event{Kind: TestFail})
	assert.Equal(t, 1, passed)
}

func TestPassthrough_UnknownKindPanics(t *testing.T) {
	assert.Panics(t, func() {
		Passthrough(NewEmitter(), NewEmitter(), []Kind{"made-up"})
	})
}

func TestTestInfoFullTitle(t *testing.T) {
	info := &TestInfo{Title: "opens", Suite: []string{"Checkout", "Cart"}}
	assert.Equal(t, "Checkout Cart opens", info.FullTitle())

	var nilInfo *TestInfo
	assert.Equal(t, "", nilInfo.FullTitle())
}
