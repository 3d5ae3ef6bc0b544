package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/output"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_PathForms(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{
		filepath.Join(dir, "a.db"),
		"sqlite:" + filepath.Join(dir, "b.db"),
		"sqlite://" + filepath.Join(dir, "c.db"),
	} {
		s, err := Open(p)
		require.NoError(t, err, p)
		require.NoError(t, s.Close())
	}

	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStore_SaveAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, output.Summary{
		RunID: "old", Started: base, Duration: 2 * time.Second, Success: true, Total: 1, Passed: 1,
	}, []output.TestRecord{
		{Environment: "chrome", File: "a.hit.yaml", Title: "home", Status: output.StatusPassed, Duration: 30 * time.Millisecond},
	}))
	require.NoError(t, s.Save(ctx, output.Summary{
		RunID: "new", Started: base.Add(time.Hour), Duration: time.Second, Total: 2, Passed: 1, Failed: 1, Retries: 2,
	}, []output.TestRecord{
		{Environment: "chrome", File: "a.hit.yaml", Title: "home", Status: output.StatusPassed},
		{Environment: "firefox", File: "a.hit.yaml", Suite: []string{"Cart"}, Title: "add", Status: output.StatusFailed, Attempts: 3, Error: "status 500"},
	}))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.False(t, runs[0].Success)
	assert.Equal(t, 2, runs[0].Retries)
	assert.Equal(t, time.Second, runs[0].Duration)
	assert.True(t, runs[0].Started.Equal(base.Add(time.Hour)))
	assert.Equal(t, "old", runs[1].ID)
	assert.True(t, runs[1].Success)

	runs, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	tests, err := s.Tests(ctx, "new")
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, "Cart add", tests[1].Title)
	assert.Equal(t, output.StatusFailed, tests[1].Status)
	assert.Equal(t, 3, tests[1].Attempts)
	assert.Equal(t, "status 500", tests[1].Error)
}

func TestStore_SaveReplacesRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tests := []output.TestRecord{{Environment: "e", File: "f", Title: "t", Status: output.StatusPassed}}

	require.NoError(t, s.Save(ctx, output.Summary{RunID: "r", Total: 1}, tests))
	require.NoError(t, s.Save(ctx, output.Summary{RunID: "r", Total: 1, Success: true}, tests))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)

	got, err := s.Tests(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_LastSuccess(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, output.Summary{RunID: "r1", Started: time.Now(), Failed: 1}, nil))
	success, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, success)
}

func TestStore_Attach(t *testing.T) {
	s := openStore(t)
	e := events.NewEmitter()
	c := output.NewCollector()
	c.Attach(e)
	s.Attach(e, c)

	ctx := context.Background()
	require.NoError(t, e.EmitAndWait(ctx, events.Event{Kind: events.RunStart, RunID: "run-7"}))
	fail := events.Event{
		Kind:          events.TestFail,
		EnvironmentID: "chrome",
		Test:          &events.TestInfo{Title: "t", File: "f.hit.yaml"},
		Err:           errors.New("boom"),
		Duration:      5 * time.Millisecond,
	}
	e.Emit(ctx, fail)
	require.NoError(t, e.EmitAndWait(ctx, events.Event{Kind: events.RunEnd, RunID: "run-7", Duration: time.Second}))

	runs, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-7", runs[0].ID)
	assert.Equal(t, 1, runs[0].Failed)
	assert.False(t, runs[0].Success)
}

func TestStore_AttachFailsRunEndWhenClosed(t *testing.T) {
	s := openStore(t)
	e := events.NewEmitter()
	c := output.NewCollector()
	s.Attach(e, c)
	require.NoError(t, s.Close())

	err := e.EmitAndWait(context.Background(), events.Event{Kind: events.RunEnd, RunID: "r"})
	assert.Error(t, err)
}
