package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// stubBackend is a Backend with scripted behavior.
type stubBackend struct {
	name  string
	err   error
	calls int
}

func (s *stubBackend) Name() string                       { return s.name }
func (s *stubBackend) Available(ctx context.Context) bool { return s.err == nil }
func (s *stubBackend) Run(ctx context.Context, req Request) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Success: true, Stdout: s.name}, nil
}

func TestDirectBackend(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "hello.sh", "echo hello\necho oops >&2\n")

	res, err := NewDirectBackend().Run(context.Background(), Request{ScriptPath: script})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Errorf("Expected success, got %+v", res)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Expected stdout %q, got %q", "hello\n", res.Stdout)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("Expected stderr %q, got %q", "oops\n", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", res.ExitCode)
	}
	if res.Backend != BackendDirect {
		t.Errorf("Expected backend %s, got %s", BackendDirect, res.Backend)
	}
}

func TestDirectBackend_NonZeroExit(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "fail.sh", "echo partial\nexit 3\n")

	res, err := NewDirectBackend().Run(context.Background(), Request{ScriptPath: script})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success {
		t.Error("Expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if res.Stdout != "partial\n" {
		t.Errorf("Expected stdout %q, got %q", "partial\n", res.Stdout)
	}
	if res.Error == "" {
		t.Error("Expected error message to be set")
	}
}

func TestDirectBackend_Timeout(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "slow.sh", "echo started\nsleep 10\necho finished\n")

	start := time.Now()
	res, err := NewDirectBackend().Run(context.Background(), Request{
		ScriptPath: script,
		Timeout:    300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected the script to be killed promptly, took %s", elapsed)
	}
	if !res.TimedOut() {
		t.Errorf("Expected exit code %d, got %d", ExitCodeTimeout, res.ExitCode)
	}
	if res.Success {
		t.Error("Expected failure on timeout")
	}
	if !strings.HasSuffix(res.Stdout, "\nstarted\n") {
		t.Errorf("Expected partial stdout after the notice, got %q", res.Stdout)
	}
	for name, stream := range map[string]string{"stdout": res.Stdout, "stderr": res.Stderr} {
		if !strings.HasPrefix(stream, "[direct] script timed out") {
			t.Errorf("Expected timeout notice at the start of %s, got %q", name, stream)
		}
	}
}

func TestToResult_TimeoutKeepsMarkersParseable(t *testing.T) {
	marker := "CHANGE_JSON_BEGIN\n{\"type\": \"file_created\", \"target\": \"/a\"}\nCHANGE_JSON_END\n"
	res := toResult(BackendDirect, execOutcome{
		stdout:   marker,
		stderr:   "partial",
		exitCode: ExitCodeTimeout,
		timedOut: true,
		err:      errors.New("script timed out after 1s"),
	})

	if !strings.HasSuffix(res.Stdout, "\n"+marker) {
		t.Errorf("Expected the marker block on its own lines after the notice, got %q", res.Stdout)
	}
	if res.Stderr != "[direct] script timed out after 1s\npartial" {
		t.Errorf("Unexpected stderr %q", res.Stderr)
	}
	if res.Success || !res.TimedOut() {
		t.Errorf("Expected a failed timeout result, got %+v", res)
	}
}

func TestDirectBackend_Env(t *testing.T) {
	requireShell(t)
	script := writeScript(t, "env.sh", "printf '%s' \"$AUTOFLOW_TEST\"\n")

	res, err := NewDirectBackend().Run(context.Background(), Request{
		ScriptPath: script,
		Env:        []string{"AUTOFLOW_TEST=value"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stdout != "value" {
		t.Errorf("Expected stdout %q, got %q", "value", res.Stdout)
	}
}

func TestRegistry_UnknownBackend(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewDirectBackend())

	_, err := r.Run(context.Background(), "nope", Request{ScriptPath: "x.sh"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
}

func TestRegistry_MissingScript(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewDirectBackend())

	_, err := r.Run(context.Background(), BackendDirect, Request{ScriptPath: filepath.Join(t.TempDir(), "missing.sh")})
	if err == nil {
		t.Error("Expected error for missing script")
	}
}

func TestRegistry_FallsBackToDirect(t *testing.T) {
	script := writeScript(t, "noop.sh", "true\n")

	r := NewRegistry(zerolog.Nop())
	direct := &stubBackend{name: BackendDirect}
	broken := &stubBackend{name: "broken", err: unavailable("broken", errors.New("not installed"))}
	r.Register(direct)
	r.Register(broken)

	res, err := r.Run(context.Background(), "broken", Request{ScriptPath: script})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if broken.calls != 1 || direct.calls != 1 {
		t.Errorf("Expected one call each, got broken=%d direct=%d", broken.calls, direct.calls)
	}
	if res.Backend != BackendDirect {
		t.Errorf("Expected result from %s, got %s", BackendDirect, res.Backend)
	}
}

func TestRegistry_NoFallbackForHardFailure(t *testing.T) {
	script := writeScript(t, "noop.sh", "true\n")

	r := NewRegistry(zerolog.Nop())
	direct := &stubBackend{name: BackendDirect}
	hard := &stubBackend{name: BackendChroot, err: prepareFailed(BackendChroot, false, errors.New("mount failed"))}
	r.Register(direct)
	r.Register(hard)

	_, err := r.Run(context.Background(), BackendChroot, Request{ScriptPath: script})
	if err == nil {
		t.Fatal("Expected error")
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Op != "prepare" {
		t.Errorf("Expected prepare BackendError, got %v", err)
	}
	if direct.calls != 0 {
		t.Errorf("Expected no fallback, direct called %d times", direct.calls)
	}
}

func TestSandboxBackend_AbsentMatchesDirect(t *testing.T) {
	requireShell(t)
	if commandExists("firejail") {
		t.Skip("firejail is installed")
	}
	script := writeScript(t, "hello.sh", "echo hello\n")

	r := NewDefaultRegistry(zerolog.Nop())
	res, err := r.Run(context.Background(), BackendSandbox, Request{ScriptPath: script})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success || res.Stdout != "hello\n" || res.ExitCode != 0 {
		t.Errorf("Expected direct-equivalent result, got %+v", res)
	}
	if res.Backend != BackendDirect {
		t.Errorf("Expected fallback to %s, got %s", BackendDirect, res.Backend)
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewDefaultRegistry(zerolog.Nop())
	got := strings.Join(r.Names(), ",")
	want := "chroot,direct,docker,sandbox,venv"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	probe := r.Probe(context.Background())
	if !probe[BackendDirect] {
		t.Error("Expected direct backend to be available")
	}
}

func TestInterpreterFor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix interpreters")
	}
	tests := []struct {
		script string
		want   string
	}{
		{"a.sh", "/bin/sh"},
		{"a.py", "python3"},
		{"a.ps1", "pwsh"},
		{"a.bat", "cmd"},
		{"noext", "/bin/sh"},
	}
	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			argv := interpreterFor(tt.script)
			if argv[0] != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, argv[0])
			}
			if argv[len(argv)-1] != tt.script {
				t.Errorf("Expected script last, got %v", argv)
			}
		})
	}
}

func TestDockerBackend_BuildArgs(t *testing.T) {
	d := NewDockerBackend(DockerConfig{})

	args := strings.Join(d.buildArgs("c1", "/stage", "run.sh", Request{LeastPrivilege: true}), " ")
	for _, want := range []string{
		"--read-only", "--cap-drop ALL", "--security-opt no-new-privileges",
		"--network none", "--pids-limit 128", "-v /stage:/autoflow:ro",
		"alpine:3 /bin/sh /autoflow/run.sh",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected %q in %s", want, args)
		}
	}

	plain := strings.Join(d.buildArgs("c1", "/stage", "run.py", Request{}), " ")
	if strings.Contains(plain, "--cap-drop") {
		t.Errorf("Expected no privilege flags without least privilege, got %s", plain)
	}
	if !strings.HasSuffix(plain, "python3 /autoflow/run.py") {
		t.Errorf("Expected python command, got %s", plain)
	}
}

func TestSandboxBackend_BuildArgs(t *testing.T) {
	s := NewSandboxBackend()
	args := strings.Join(s.buildArgs(Request{LeastPrivilege: true}), " ")
	for _, want := range []string{"--net=none", "--rlimit-as=512m", "--rlimit-cpu=60", "--rlimit-nofile=256"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected %q in %s", want, args)
		}
	}
	if !strings.HasSuffix(args, "--") {
		t.Errorf("Expected args to end with --, got %s", args)
	}

	for _, req := range []Request{{}, {LeastPrivilege: true}} {
		for _, arg := range s.buildArgs(req) {
			if strings.HasPrefix(arg, "--output") || strings.HasPrefix(arg, "--log") || strings.HasPrefix(arg, "--trace") {
				t.Errorf("Expected no log file options, got %s", arg)
			}
		}
	}
}

func TestParseLdd(t *testing.T) {
	out := []byte(`	linux-vdso.so.1 (0x00007ffd)
	libc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x00007f)
	/lib64/ld-linux-x86-64.so.2 (0x00007f)
	libc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x00007f)
`)
	libs := parseLdd(out)
	if len(libs) != 2 {
		t.Fatalf("Expected 2 libraries, got %v", libs)
	}
	if libs[0] != "/lib/x86_64-linux-gnu/libc.so.6" || libs[1] != "/lib64/ld-linux-x86-64.so.2" {
		t.Errorf("Unexpected libraries: %v", libs)
	}
}

func TestVenvEnv(t *testing.T) {
	env := venvEnv([]string{"PATH=/usr/bin", "HOME=/root", "PYTHONHOME=/x"}, "/v", "/v/bin")
	joined := strings.Join(env, ";")

	if !strings.Contains(joined, "VIRTUAL_ENV=/v") {
		t.Errorf("Expected VIRTUAL_ENV, got %s", joined)
	}
	if !strings.Contains(joined, "PATH=/v/bin"+string(os.PathListSeparator)+"/usr/bin") {
		t.Errorf("Expected venv bin first in PATH, got %s", joined)
	}
	if strings.Contains(joined, "PYTHONHOME") {
		t.Errorf("Expected PYTHONHOME to be dropped, got %s", joined)
	}
}

func TestStageVenvScript(t *testing.T) {
	script := writeScript(t, "setup.sh", "echo staged\n")
	dir := t.TempDir()

	staged, err := stageVenvScript(dir, script)
	if err != nil {
		t.Fatalf("stageVenvScript failed: %v", err)
	}
	if staged != filepath.Join(dir, "src", "setup.sh") {
		t.Errorf("Unexpected staged path %s", staged)
	}
	data, err := os.ReadFile(staged)
	if err != nil || string(data) != "echo staged\n" {
		t.Errorf("Expected a copy of the script, got %q (%v)", data, err)
	}

	if _, err := stageVenvScript(dir, filepath.Join(dir, "missing.sh")); err == nil {
		t.Error("Expected error for a missing script")
	}
}

func TestVenvBackend_RunsStagedCopy(t *testing.T) {
	requireShell(t)
	backend := NewVenvBackend("")
	if !backend.Available(context.Background()) {
		t.Skip("python3 with venv not available")
	}
	script := writeScript(t, "where.sh", "echo \"$0\"\necho \"$VIRTUAL_ENV\"\n")

	res, err := backend.Run(context.Background(), Request{ScriptPath: script, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 output lines, got %q", res.Stdout)
	}
	if lines[0] == script {
		t.Error("Expected the staged copy to run, not the original script")
	}
	if !strings.HasPrefix(lines[0], lines[1]+string(os.PathSeparator)) {
		t.Errorf("Expected script %s inside the environment %s", lines[0], lines[1])
	}
	if _, err := os.Stat(lines[1]); !os.IsNotExist(err) {
		t.Errorf("Expected the environment to be removed, stat returned %v", err)
	}
}

func TestChrootBackend_UnavailableFallsBack(t *testing.T) {
	requireShell(t)
	if NewChrootBackend("").Available(context.Background()) {
		t.Skip("running as root")
	}
	script := writeScript(t, "hello.sh", "echo hello\n")

	r := NewDefaultRegistry(zerolog.Nop())
	res, err := r.Run(context.Background(), BackendChroot, Request{ScriptPath: script})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Backend != BackendDirect || res.Stdout != "hello\n" {
		t.Errorf("Expected direct fallback, got %+v", res)
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	cfg := DefaultConfig()
	cfg.Sandbox.Binary = "my-firejail"
	r, err := NewRegistryFromConfig(cfg, logger)
	if err != nil {
		t.Fatalf("NewRegistryFromConfig failed: %v", err)
	}
	expected := []string{BackendChroot, BackendDirect, BackendDocker, BackendSandbox, BackendVenv}
	if got := strings.Join(r.Names(), ","); got != strings.Join(expected, ",") {
		t.Errorf("Expected backends %v, got %s", expected, got)
	}
	b, _ := r.Get(BackendSandbox)
	if args := b.(*SandboxBackend).buildArgs(Request{}); args[0] != "my-firejail" {
		t.Errorf("Expected configured sandbox binary, got %s", args[0])
	}

	cfg.SSH = &SSHConfig{Host: "example.invalid", User: "deploy", AuthMethod: SSHAuthPassword, Password: "secret"}
	r, err = NewRegistryFromConfig(cfg, logger)
	if err != nil {
		t.Fatalf("NewRegistryFromConfig with ssh failed: %v", err)
	}
	if _, ok := r.Get(BackendSSH); !ok {
		t.Error("Expected ssh backend to be registered")
	}

	cfg.SSH = &SSHConfig{}
	if _, err := NewRegistryFromConfig(cfg, logger); err == nil {
		t.Error("Expected error for invalid ssh configuration")
	}

	cfg.SSH = nil
	cfg.DefaultBackend = BackendSSH
	if _, err := NewRegistryFromConfig(cfg, logger); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend for unregistered default, got %v", err)
	}
}
