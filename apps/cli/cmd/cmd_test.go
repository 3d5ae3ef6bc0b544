package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
	"github.com/abdul-hamid-achik/hitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
	"github.com/abdul-hamid-achik/hitrun/packages/pool"
)

const homeScenario = `suite: Home
tests:
  - name: welcome
    steps:
      - open: /
        expect:
          - status == 200
          - body contains Welcome
  - name: about
    steps:
      - open: /about
        expect:
          - status == 200
  - name: later
    skip: not ready
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitConfigError, exitCode(exitWith(ExitConfigError, errors.New("bad"))))
	assert.Equal(t, ExitUsageError, exitCode(errors.New("plain")))
	assert.Equal(t, ExitTestFailure, exitCode(fmt.Errorf("wrapped: %w", exitWith(ExitTestFailure, nil))))

	assert.Equal(t, "exit status 1", exitWith(1, nil).Error())
}

func TestResultCode(t *testing.T) {
	tests := []struct {
		name string
		res  *runner.RunResult
		err  error
		want int
	}{
		{"success", &runner.RunResult{Success: true}, nil, ExitSuccess},
		{"failed tests", &runner.RunResult{Failed: 1}, nil, ExitTestFailure},
		{"load error", nil, &engine.LoadError{Path: "a.hit.yaml", Err: errors.New("boom")}, ExitParseError},
		{"unknown env", nil, fmt.Errorf("x: %w", config.ErrUnknownEnvironment), ExitConfigError},
		{"launch", nil, fmt.Errorf("%w: a: refused", browser.ErrLaunchFailed), ExitSessionError},
		{"cancelled", nil, pool.ErrPoolCancelled, ExitSessionError},
		{"adapter", nil, fmt.Errorf("%w: env a", runner.ErrAdapterFailed), ExitSessionError},
		{"exit error", nil, exitWith(ExitUsageError, errors.New("bad output")), ExitUsageError},
		{"other", &runner.RunResult{}, errors.New("run-end: history"), ExitTestFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultCode(tt.res, tt.err))
		})
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.hit.yaml", homeScenario)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	writeFile(t, filepath.Join(dir, "nested"), "b.hit.yml", homeScenario)
	writeFile(t, dir, "notes.yaml", "x: 1")

	files, err := collectFiles([]string{dir})
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = collectFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestSelectEnvironments(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environments = map[string]config.Settings{"b": {}, "a": {}}

	ids, err := selectEnvironments(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = selectEnvironments(cfg, " b ,")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	_, err = selectEnvironments(cfg, "c")
	assert.ErrorIs(t, err, config.ErrUnknownEnvironment)
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	initCmd.SetOut(&out)
	forceInit = false

	require.NoError(t, initCommand(initCmd, []string{dir}))
	assert.Contains(t, out.String(), "hitrun project initialized")

	cfg, err := config.LoadConfig(filepath.Join(dir, "hitrun.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"local", "staging"}, cfg.EnvironmentIDs())

	f, err := engine.NewScenario().Load(filepath.Join(dir, "example.hit.yaml"))
	require.NoError(t, err)
	assert.Len(t, f.Tests, 3)

	err = initCommand(initCmd, []string{dir})
	assert.ErrorContains(t, err, "already exists")
}

func TestListPlan(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "home.hit.yaml", homeScenario)
	configFlag = writeFile(t, dir, "hitrun.yaml", "testsPerSession: 1\nenvironments:\n  a: {}\n  b:\n    testsPerSession: 0\n")
	t.Cleanup(func() { configFlag = "" })

	var out bytes.Buffer
	require.NoError(t, listPlan(&out, []string{file}))

	// the pending test ends up alone in a third group
	assert.Contains(t, out.String(), "a: 3 session groups")
	assert.Contains(t, out.String(), "b: 1 session groups")
	assert.Contains(t, out.String(), "pending: not ready")
}

func TestRunOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/health":
			fmt.Fprint(w, "Welcome home")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := writeFile(t, dir, "home.hit.yaml", homeScenario)

	cfg := config.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.HealthPath = "/health"
	cfg.NoColor = config.BoolPtr(true)
	skipper, err := engine.NewSkipper(nil, "")
	require.NoError(t, err)

	var out bytes.Buffer
	setup := &runSetup{
		cfg:     cfg,
		files:   map[string][]string{config.DefaultEnvironmentID: {file}},
		skipper: skipper,
		log:     slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelError})),
		out:     &out,
	}

	res, err := setup.runOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, ExitTestFailure, resultCode(res, err))

	assert.Contains(t, out.String(), "1 passed")
	assert.Contains(t, out.String(), "1 failed")
	assert.Contains(t, out.String(), "Home about")
}

func TestIsConfigFile(t *testing.T) {
	assert.True(t, isConfigFile("/x/hitrun.yaml"))
	assert.True(t, isConfigFile(".hitrun.yaml"))
	assert.False(t, isConfigFile("home.hit.yaml"))
}
