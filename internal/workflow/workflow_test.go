package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sandboxpipe/internal/config"
	"github.com/shinji-kodama/sandboxpipe/internal/generate"
	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/pipeline"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
	"github.com/shinji-kodama/sandboxpipe/internal/sandboxtest"
)

const (
	testCredential = "ghp_supersecretvalue123"
	testRunID      = "0123abcd-4567-89ef-0123-456789abcdef"
	genCommand     = "gen " + generate.DefaultPromptPath
)

func testDefinition() *config.Workflow {
	w := &config.Workflow{
		Name:    "wf",
		Session: config.SessionSpec{Name: "wf-sandbox", Image: "alpine"},
		Steps: []config.StepSpec{
			{Name: "s1", Run: "echo one"},
			{Name: "s2", Run: "echo two"},
			{Name: "s3", Run: "echo three"},
		},
		Source:     config.SourceSpec{Name: "read", Path: "/srv/app.py"},
		Generation: config.GenerationSpec{Name: "gen", Command: "gen {{.PromptPath}}", Prompt: "{{.Source}}|{{.Port}}"},
		Artifact:   config.ArtifactSpec{Kind: "python", Path: "/srv/out.py"},
		Service:    config.ServiceSpec{Port: 8000, Command: "python3 out.py", WorkDir: "/srv"},
	}
	w.ApplyDefaults()
	return w
}

// recorder is an Observer that records every notification.
type recorder struct {
	mu      sync.Mutex
	events  []string
	onReady func(*Report)
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) StepStarted(i int, s pipeline.Step) { r.add("start %d %s", i, s.Name) }
func (r *recorder) StepCompleted(i int, s pipeline.Step, res model.CommandResult, err error) {
	r.add("done %d %s exit=%d", i, s.Name, res.ExitCode)
}
func (r *recorder) Stage(name string) { r.add("stage %s", name) }
func (r *recorder) Ready(rep *Report) {
	r.add("ready %s", rep.URL)
	if r.onReady != nil {
		r.onReady(rep)
	}
}

type fakeProbe struct {
	err       error
	addresses []string
}

func (p *fakeProbe) WaitReady(_ context.Context, address string) error {
	p.addresses = append(p.addresses, address)
	return p.err
}

type fixture struct {
	sess     *sandboxtest.Session
	provider *sandboxtest.Provider
	probe    *fakeProbe
	observer *recorder
	wf       *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sess := sandboxtest.NewSession("wf-sandbox-0123abcd")
	sess.HostPorts[8000] = 18000
	sess.Responses["cat '/srv/app.py'"] = sandboxtest.Response{Stdout: "print('old')\n"}
	sess.Responses[genCommand] = sandboxtest.Response{
		Stdout: "Sure:\n```python\n    print('new')\n```\nEnjoy.",
	}

	f := &fixture{
		sess:     sess,
		provider: sandboxtest.NewProvider(sess),
		probe:    &fakeProbe{},
		observer: &recorder{},
	}
	cfg := &config.Config{Credential: testCredential, Workflow: testDefinition()}
	f.wf = New(cfg, f.provider, nil)
	f.wf.Probe = f.probe
	f.wf.Observer = f.observer
	f.wf.RunID = testRunID
	return f
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)

	report, err := f.wf.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, testRunID, report.RunID)
	assert.Equal(t, "wf-sandbox-0123abcd", report.Sandbox)
	assert.Equal(t, "/srv/out.py", report.ArtifactPath)
	assert.Equal(t, "http://127.0.0.1:18000", report.URL)
	assert.Equal(t, model.LaunchedProcess{
		ID: "proc-1", Command: "python3 out.py", WorkDir: "/srv", SessionName: "wf-sandbox-0123abcd",
	}, report.Process)
	assert.Len(t, report.Steps, 4)

	assert.Equal(t, []string{"echo one", "echo two", "echo three", "cat '/srv/app.py'", genCommand}, f.sess.Commands())

	prompt, ok := f.sess.File(generate.DefaultPromptPath)
	require.True(t, ok)
	assert.Equal(t, "print('old')\n|8000", prompt)

	artifact, ok := f.sess.File("/srv/out.py")
	require.True(t, ok)
	assert.Equal(t, "print('new')\n", artifact)

	assert.Equal(t, []string{"127.0.0.1:18000"}, f.probe.addresses)
	assert.Equal(t, 1, f.sess.DeleteCalls())
	assert.False(t, f.sess.Alive())
}

func TestRun_ContinuousStepIndices(t *testing.T) {
	f := newFixture(t)

	_, err := f.wf.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start 1 s1", "done 1 s1 exit=0",
		"start 2 s2", "done 2 s2 exit=0",
		"start 3 s3", "done 3 s3 exit=0",
		"start 4 read", "done 4 read exit=0",
		"start 5 gen", "done 5 gen exit=0",
		"stage extract python block",
		"stage write /srv/out.py",
		"stage launch service",
		"stage wait for 127.0.0.1:18000",
		"ready http://127.0.0.1:18000",
	}, f.observer.events)
}

func TestRun_SessionRequest(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.Workflow.Session.Env = map[string]string{"LANG": "C.UTF-8"}

	_, err := f.wf.Run(context.Background())
	require.NoError(t, err)

	configs := f.provider.Configs()
	require.Len(t, configs, 1)
	cfg := configs[0]
	assert.Equal(t, "wf-sandbox-0123abcd", cfg.Name)
	assert.Equal(t, "alpine", cfg.Image)
	assert.Equal(t, []int{8000}, cfg.Ports)
	assert.Equal(t, testRunID, cfg.RunID)
	assert.Equal(t, map[string]string{"LANG": "C.UTF-8", "GITHUB_TOKEN": testCredential}, cfg.Env)
}

func TestRun_FixedName(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.Workflow.Session.FixedName = true

	_, err := f.wf.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wf-sandbox", f.provider.Configs()[0].Name)
}

// A failing second step stops the run: the third step never starts and the
// sandbox is destroyed once.
func TestRun_StepFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.Responses["echo two"] = sandboxtest.Response{Stderr: "boom\n", ExitCode: 1}

	report, err := f.wf.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)

	var stepErr *model.StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, "s2", stepErr.Name)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, model.ExitStepFailed, model.ExitCodeFor(err))

	assert.Equal(t, []string{"echo one", "echo two"}, f.sess.Commands())
	assert.Empty(t, f.sess.Launches())
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_GenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.Responses[genCommand] = sandboxtest.Response{Stderr: "auth required", ExitCode: 2}

	_, err := f.wf.Run(context.Background())
	var stepErr *model.StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 5, stepErr.Index)
	assert.Contains(t, err.Error(), "auth required")
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_ArtifactNotFound(t *testing.T) {
	f := newFixture(t)
	f.sess.Responses[genCommand] = sandboxtest.Response{Stdout: "I cannot help with that."}

	report, err := f.wf.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, model.ErrArtifactNotFound)
	assert.Equal(t, model.ExitArtifactNotFound, model.ExitCodeFor(err))

	_, written := f.sess.File("/srv/out.py")
	assert.False(t, written)
	assert.Empty(t, f.sess.Launches())
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_InterruptDuringPipeline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sess.Handler = func(req sandbox.ExecRequest) sandboxtest.Response {
		if req.Command == "echo two" {
			cancel()
			return sandboxtest.Response{Block: true}
		}
		return f.sess.Responses[req.Command]
	}

	_, err := f.wf.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.ExitUserCancelled, model.ExitCodeFor(err))
	assert.Equal(t, []string{"echo one", "echo two"}, f.sess.Commands())
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_HoldOpenUntilInterrupt(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.HoldOpen = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.observer.onReady = func(*Report) {
		assert.Equal(t, 0, f.sess.DeleteCalls(), "sandbox must stay up while held open")
		cancel()
	}

	report, err := f.wf.Run(ctx)
	require.NoError(t, err, "an interrupt while holding is a normal exit")
	require.NotNil(t, report)
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_HoldInterruptWithTeardownFailure(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.HoldOpen = true
	f.sess.DeleteErr = errors.New("daemon gone")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.observer.onReady = func(*Report) { cancel() }

	report, err := f.wf.Run(ctx)
	require.NoError(t, err, "teardown failure is logged, not returned over the interrupt")
	require.NotNil(t, report)
	assert.Equal(t, model.ExitSuccess, model.ExitCodeFor(err))
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_ServiceNeverReady(t *testing.T) {
	f := newFixture(t)
	f.probe.err = fmt.Errorf("%w: not ready", model.ErrTimeout)

	report, err := f.wf.Run(context.Background())
	assert.ErrorIs(t, err, model.ErrTimeout)
	require.NotNil(t, report, "the launched process is still reported")
	assert.Equal(t, "proc-1", report.Process.ID)
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

func TestRun_TeardownFailureAfterSuccess(t *testing.T) {
	f := newFixture(t)
	f.sess.DeleteErr = errors.New("daemon gone")

	_, err := f.wf.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon gone")
	assert.Equal(t, 1, f.sess.DeleteCalls())
}

// A missing credential fails before any sandbox is requested.
func TestRun_MissingCredential(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.Credential = ""

	report, err := f.wf.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, model.ErrConfigMissing)
	assert.Equal(t, model.ExitConfigMissing, model.ExitCodeFor(err))
	assert.Equal(t, 0, f.provider.CreateCalls())
	assert.Equal(t, 0, f.sess.DeleteCalls())
}

func TestRun_InvalidWorkflow(t *testing.T) {
	f := newFixture(t)
	f.wf.Config.Workflow.Service.Port = 0

	_, err := f.wf.Run(context.Background())
	assert.ErrorIs(t, err, model.ErrConfigMissing)
	assert.Equal(t, 0, f.provider.CreateCalls())
}

func TestRun_AcquireFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateErr = errors.New("image pull failed")

	_, err := f.wf.Run(context.Background())
	assert.ErrorContains(t, err, "image pull failed")
	assert.Equal(t, 0, f.sess.DeleteCalls())
}

func TestRun_CredentialNeverLogged(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.wf.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := f.wf.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, buf.String())
	assert.NotContains(t, buf.String(), testCredential)
	assert.Contains(t, buf.String(), "ghp_****")
}

func TestRun_StreamsOutputLines(t *testing.T) {
	f := newFixture(t)
	f.sess.Responses["echo one"] = sandboxtest.Response{Stdout: "a\nb\n", Stderr: "warn\n"}
	var stdout, stderr []string
	var mu sync.Mutex
	f.wf.Stdout = func(line string) { mu.Lock(); stdout = append(stdout, line); mu.Unlock() }
	f.wf.Stderr = func(line string) { mu.Lock(); stderr = append(stderr, line); mu.Unlock() }

	_, err := f.wf.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "print('old')"}, stdout)
	assert.Equal(t, []string{"warn"}, stderr)
}

func TestShortRunID(t *testing.T) {
	assert.Equal(t, "0123abcd", shortRunID(testRunID))
	assert.Equal(t, "abc", shortRunID("abc"))
}
